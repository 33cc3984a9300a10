package handlers

import "geoetl-core/internal/registry"

// RegisterAll registers every handler this binary ships with the handler
// registry, mirroring workflows.RegisterAll.
func RegisterAll(h *registry.HandlerRegistry) {
	h.Register("hello", Hello)
	h.Register("ingest", Ingest)
	h.Register("validate_chunk", ValidateChunk)
	h.Register("upload", Upload)
}
