package webapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ci-forge/engine/internal/engine"
	"github.com/ci-forge/engine/internal/path"
	"github.com/ci-forge/engine/internal/store"
)

// projectSummary is the API representation of one monitored project.
type projectSummary struct {
	User string               `json:"user"`
	Repo string               `json:"repo"`
	PRs  map[int]store.PR     `json:"prs"`
	Refs map[string]store.Ref `json:"refs"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	views, err := s.api.Projects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]projectSummary, 0, len(views))
	for _, v := range views {
		out = append(out, projectSummary{User: v.ID.Repo.User, Repo: v.ID.Repo.Repo, PRs: v.PRs, Refs: v.Refs})
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

// jobSummary is the API representation of one Job bound to a target.
type jobSummary struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	State engine.JobState `json:"state"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	repo := chi.URLParam(r, "repo")
	kind := chi.URLParam(r, "kind")
	id := chi.URLParam(r, "id")

	projectRepo := store.Repo{User: user, Repo: repo}
	projectID, err := store.NewProjectID(projectRepo)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	target, err := parseTarget(projectRepo, kind, id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := s.api.Jobs(projectID, target)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	out := make([]jobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobSummary{ID: j.ID(), Name: j.Name(), State: s.api.JobState(j)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// parseTarget builds a store.Target from a URL "kind" ("pr" or "ref") and
// its id segment. Ref ids containing further "/"-segments must be
// percent-encoded by the caller; chi does not split a single path param on
// an embedded "/".
func parseTarget(repo store.Repo, kind, id string) (store.Target, error) {
	switch kind {
	case "pr":
		var n int
		if _, err := fmt.Sscanf(id, "%d", &n); err != nil {
			return store.Target{}, fmt.Errorf("webapi: invalid PR number %q", id)
		}
		return store.NewPRTarget(repo, n), nil
	case "ref":
		segs, err := path.Parse(id)
		if err != nil {
			return store.Target{}, fmt.Errorf("webapi: invalid ref name %q: %w", id, err)
		}
		return store.NewRefTarget(repo, segs), nil
	default:
		return store.Target{}, fmt.Errorf("webapi: unknown target kind %q", kind)
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	projectID, job, err := s.api.FindJob(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      job.ID(),
		"name":    job.Name(),
		"project": projectID.String(),
		"state":   s.api.JobState(job),
	})
}
