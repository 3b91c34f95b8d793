package webapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ci-forge/engine/internal/engine"
	"github.com/ci-forge/engine/internal/livelog"
	"github.com/ci-forge/engine/internal/store"
	"github.com/ci-forge/engine/internal/store/memstore"
	"github.com/ci-forge/engine/internal/webapi"
)

// fakeEngine is a test double for webapi.EngineAPI.
type fakeEngine struct {
	projects   []engine.ProjectView
	jobsErr    error
	findErr    error
	rebuildErr error
	cancelOK   bool
	cancelMsg  string
	store      store.Store
}

func (f *fakeEngine) Projects(ctx context.Context) ([]engine.ProjectView, error) {
	return f.projects, nil
}
func (f *fakeEngine) Jobs(id store.ProjectID, target store.Target) ([]*engine.Job, error) {
	return nil, f.jobsErr
}
func (f *fakeEngine) FindJob(id string) (store.ProjectID, *engine.Job, error) {
	return store.ProjectID{}, nil, f.findErr
}
func (f *fakeEngine) JobState(job *engine.Job) engine.JobState { return job.State() }
func (f *fakeEngine) Title(ctx context.Context, id store.ProjectID, target store.Target) (string, error) {
	return "a change", nil
}
func (f *fakeEngine) Rebuild(ctx context.Context, branch string) error { return f.rebuildErr }
func (f *fakeEngine) Cancel(branch string) (bool, string)             { return f.cancelOK, f.cancelMsg }
func (f *fakeEngine) Store(ctx context.Context) (store.Store, error)  { return f.store, nil }

func TestHealthEndpoint(t *testing.T) {
	s := webapi.New(&fakeEngine{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestListProjects(t *testing.T) {
	id, err := store.NewProjectID(store.Repo{User: "acme", Repo: "widgets"})
	require.NoError(t, err)
	fe := &fakeEngine{
		projects: []engine.ProjectView{
			{ID: id, PRs: map[int]store.PR{1: {Number: 1, Title: "a change"}}, Refs: map[string]store.Ref{}},
		},
	}
	s := webapi.New(fe, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	projects := body["projects"].([]any)
	require.Len(t, projects, 1)
}

func TestListJobsUnknownTarget(t *testing.T) {
	fe := &fakeEngine{jobsErr: errors.New("engine: unknown target")}
	s := webapi.New(fe, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/acme/widgets/targets/pr/9/jobs", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobsRejectsMalformedPRNumber(t *testing.T) {
	s := webapi.New(&fakeEngine{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/acme/widgets/targets/pr/not-a-number/jobs", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJobNotFound(t *testing.T) {
	fe := &fakeEngine{findErr: errors.New("engine: unknown job id")}
	s := webapi.New(fe, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/does-not-exist", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRebuildNotFound(t *testing.T) {
	fe := &fakeEngine{rebuildErr: errors.New("engine: no job references log branch")}
	s := webapi.New(fe, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/rebuild/build/missing", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelNoLiveLog(t *testing.T) {
	fe := &fakeEngine{cancelOK: false, cancelMsg: "no live build for that branch"}
	s := webapi.New(fe, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cancel/build/missing", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "no live build")
}

func TestGetLogServesSavedLogFromStore(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	branch := s.Branch("build/fp1")
	require.NoError(t, branch.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
		require.NoError(t, tx.CreateOrReplaceFile(ctx, "result", []byte("ok")))
		require.NoError(t, tx.CreateOrReplaceFile(ctx, "log", []byte("building...\ndone\n")))
		return store.Commit("persist"), nil
	}))

	fe := &fakeEngine{store: s}
	srv := webapi.New(fe, livelog.New())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/logs/build/fp1", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "building...\ndone\n", w.Body.String())
}

func TestGetLogMissingBranch(t *testing.T) {
	s := memstore.New()
	fe := &fakeEngine{store: s}
	srv := webapi.New(fe, livelog.New())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/logs/build/does-not-exist", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
