package webapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	branch := chi.URLParam(r, "*")
	if err := s.api.Rebuild(r.Context(), branch); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilding"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	branch := chi.URLParam(r, "*")
	ok, message := s.api.Cancel(branch)
	if !ok {
		writeError(w, http.StatusNotFound, message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "message": message})
}
