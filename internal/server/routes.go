package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	p := strings.TrimSuffix(s.app.Config.Server.APIPrefix, "/")

	// Job submission and control
	mux.HandleFunc("POST "+p+"/generate/start", s.app.GenerateHandler.StartHandler)
	mux.HandleFunc("POST "+p+"/generate/cancel", s.app.GenerateHandler.CancelHandler)
	mux.HandleFunc("GET "+p+"/generate/jobs/{job_id}", s.app.GenerateHandler.GetJobHandler)

	// Event streams
	mux.HandleFunc("GET "+p+"/generate/stream", s.app.SSEHandler.StreamHandler)
	mux.HandleFunc("GET "+p+"/generate/ws", s.app.WSHandler.HandleWebSocket)

	// Artifacts
	mux.HandleFunc("GET "+p+"/exports/{job_id}", s.app.ExportsHandler.ListHandler)
	mux.HandleFunc("GET "+p+"/exports/{job_id}/{filename}", s.app.ExportsHandler.DownloadHandler)

	// Health checks
	mux.HandleFunc("GET "+p+"/healthz", s.app.HealthHandler.HealthzHandler)
	mux.HandleFunc("GET "+p+"/readyz", s.app.HealthHandler.ReadyzHandler)

	if metricsHandler := s.app.MetricsHandler(); metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	return mux
}

// isPublicPath reports routes that skip API-key checks
func (s *Server) isPublicPath(path string) bool {
	p := strings.TrimSuffix(s.app.Config.Server.APIPrefix, "/")
	switch path {
	case p + "/healthz", p + "/readyz", "/metrics":
		return true
	}
	return false
}
