package github_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	gogithub "github.com/google/go-github/v62/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ci-forge/engine/internal/forge/github"
	"github.com/ci-forge/engine/internal/store"
	"github.com/ci-forge/engine/internal/store/memstore"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *github.Client {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	gh := gogithub.NewClient(nil)
	baseURL, err := gh.BaseURL.Parse(server.URL + "/")
	require.NoError(t, err)
	gh.BaseURL = baseURL
	return github.NewWithClient(gh)
}

func TestSyncIntoWritesPRsAndBranches(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/foo/bar/pulls", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"number":7,"title":"x","head":{"sha":"abcdef0"}}]`)
	})
	mux.HandleFunc("/repos/foo/bar/branches", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"name":"main","commit":{"sha":"f00d"}}]`)
	})
	mux.HandleFunc("/repos/foo/bar/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})

	client := newTestClient(t, mux)
	s := memstore.New()
	ctx := context.Background()
	branch := s.Branch("github-metadata")
	project, err := store.NewProjectID(store.Repo{User: "foo", Repo: "bar"})
	require.NoError(t, err)

	require.NoError(t, branch.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
		require.NoError(t, client.SyncInto(ctx, tx, project))
		return store.Commit("sync"), nil
	}))

	head, err := branch.Head(ctx)
	require.NoError(t, err)
	data, err := head.Tree().ReadFile(ctx, "foo/bar/pr/7/head")
	require.NoError(t, err)
	assert.Equal(t, "abcdef0\n", string(data))

	data, err = head.Tree().ReadFile(ctx, "foo/bar/pr/7/title")
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(data))

	data, err = head.Tree().ReadFile(ctx, "foo/bar/ref/heads/main/head")
	require.NoError(t, err)
	assert.Equal(t, "f00d\n", string(data))
}

func TestPublishStatus(t *testing.T) {
	var gotState string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/foo/bar/statuses/abc123", func(w http.ResponseWriter, r *http.Request) {
		gotState = "called"
		fmt.Fprint(w, `{"state":"success"}`)
	})

	client := newTestClient(t, mux)
	project, err := store.NewProjectID(store.Repo{User: "foo", Repo: "bar"})
	require.NoError(t, err)
	commit := store.Commit{Repo: store.Repo{User: "foo", Repo: "bar"}, Hash: "abc123"}

	err = client.PublishStatus(context.Background(), project, commit, store.Status{
		Commit: commit,
		State:  store.StatusSuccess,
	})
	require.NoError(t, err)
	assert.Equal(t, "called", gotState)
}
