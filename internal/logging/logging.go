// Package logging constructs the single *zap.Logger instance the core
// passes explicitly into the orchestrator, executor, and reconciler.
package logging

import "go.uber.org/zap"

// New builds a production logger (JSON encoding, epoch-seconds timestamps)
// unless dev is true, in which case it builds a human-readable development
// logger with ISO8601 timestamps.
// Acquired once at process init and passed down; never a package-level
// singleton.
func New(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Noop returns a logger that discards everything, for tests that don't
// care about log output.
func Noop() *zap.Logger {
	return zap.NewNop()
}
