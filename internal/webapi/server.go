package webapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ci-forge/engine/internal/livelog"
)

// Server is the HTTP API server over a running engine.
type Server struct {
	router   chi.Router
	api      EngineAPI
	livelogs *livelog.Manager
}

// New creates a new Server. livelogs may be nil (disables the live half of
// the log-stream route; saved logs still serve via api.Store).
func New(api EngineAPI, livelogs *livelog.Manager) *Server {
	s := &Server{api: api, livelogs: livelogs}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/api/v1/health", s.handleHealth)

	r.Get("/api/v1/projects", s.handleListProjects)
	r.Get("/api/v1/projects/{user}/{repo}/targets/{kind}/{id}/jobs", s.handleListJobs)
	r.Get("/api/v1/jobs/{jobID}", s.handleGetJob)
	// Branch names (e.g. "build/<fingerprint>") are themselves "/"-joined,
	// so the trailing path component is taken as a wildcard tail rather
	// than a single chi param.
	r.Post("/api/v1/rebuild/*", s.handleRebuild)
	r.Post("/api/v1/cancel/*", s.handleCancel)
	r.Get("/api/v1/logs/*", s.handleGetLog)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
