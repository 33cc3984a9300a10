package workflows

import "geoetl-core/internal/registry"

// RegisterAll registers every workflow this binary ships with the job
// registry. Called once at process init; workflow definitions are
// read-only after startup.
func RegisterAll(jobs *registry.JobRegistry) {
	jobs.Register(Hello)
	jobs.Register(ProcessCSV)
}
