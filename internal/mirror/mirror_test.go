package mirror_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ci-forge/engine/internal/mirror"
	"github.com/ci-forge/engine/internal/path"
	"github.com/ci-forge/engine/internal/store"
	"github.com/ci-forge/engine/internal/store/memstore"
)

func newProjectID(t *testing.T, user, repo string) store.ProjectID {
	t.Helper()
	id, err := store.NewProjectID(store.Repo{User: user, Repo: repo})
	require.NoError(t, err)
	return id
}

func TestSnapshotFailsWithoutHead(t *testing.T) {
	m := mirror.New(memstore.New(), nil)
	_, err := m.Snapshot(context.Background())
	assert.Error(t, err)
}

func TestProjectMaterializesPRsAndRefs(t *testing.T) {
	s := memstore.New()
	m := mirror.New(s, nil)
	ctx := context.Background()
	branch := s.Branch(mirror.BranchName)

	require.NoError(t, branch.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
		require.NoError(t, tx.CreateFile(ctx, "foo/bar/pr/7/head", []byte("abcdef0\n")))
		require.NoError(t, tx.CreateFile(ctx, "foo/bar/pr/7/title", []byte("x\n")))
		require.NoError(t, tx.CreateFile(ctx, "foo/bar/ref/heads/main/head", []byte("f00d\n")))
		return store.Commit("seed"), nil
	}))

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)

	id := newProjectID(t, "foo", "bar")
	prs, refs, err := snap.Project(ctx, id)
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, "x", prs[7].Title)
	assert.Equal(t, "abcdef0", prs[7].HeadCommit)

	require.Len(t, refs, 1)
	assert.Equal(t, "f00d", refs["heads/main"].HeadCommit)
}

func TestProjectIsMemoizedPerSnapshot(t *testing.T) {
	s := memstore.New()
	m := mirror.New(s, nil)
	ctx := context.Background()
	branch := s.Branch(mirror.BranchName)

	require.NoError(t, branch.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
		require.NoError(t, tx.CreateFile(ctx, "foo/bar/pr/1/head", []byte("aaa\n")))
		return store.Commit("seed"), nil
	}))

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	id := newProjectID(t, "foo", "bar")

	prs1, _, err := snap.Project(ctx, id)
	require.NoError(t, err)
	prs2, _, err := snap.Project(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, prs1, prs2)
}

func TestPRMissingHeadIsSkipped(t *testing.T) {
	s := memstore.New()
	m := mirror.New(s, nil)
	ctx := context.Background()
	branch := s.Branch(mirror.BranchName)

	require.NoError(t, branch.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
		require.NoError(t, tx.CreateFile(ctx, "foo/bar/pr/1/title", []byte("no head\n")))
		return store.Commit("seed"), nil
	}))

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	id := newProjectID(t, "foo", "bar")

	prs, _, err := snap.Project(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, prs)
}

func TestPRMissingTitleGetsSyntheticPlaceholder(t *testing.T) {
	s := memstore.New()
	m := mirror.New(s, nil)
	ctx := context.Background()
	branch := s.Branch(mirror.BranchName)

	require.NoError(t, branch.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
		require.NoError(t, tx.CreateFile(ctx, "foo/bar/pr/1/head", []byte("aaa\n")))
		return store.Commit("seed"), nil
	}))

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	id := newProjectID(t, "foo", "bar")

	prs, _, err := snap.Project(ctx, id)
	require.NoError(t, err)
	require.Contains(t, prs, 1)
	assert.Contains(t, prs[1].Title, "Bad title:")
}

func TestSetStateThenCommitState(t *testing.T) {
	s := memstore.New()
	m := mirror.New(s, nil)
	ctx := context.Background()

	c := store.Commit{Repo: store.Repo{User: "foo", Repo: "bar"}, Hash: "abc123"}
	ci, err := path.New("build")
	require.NoError(t, err)

	require.NoError(t, m.SetState(ctx, c, ci, store.StatusSuccess, "all good", "https://example.test/1", "set state"))

	result, err := m.CommitState(ctx, c, ci)
	require.NoError(t, err)
	assert.True(t, result.Present)
	assert.Equal(t, store.StatusSuccess, result.State)
	assert.Equal(t, "all good", result.Description)
	assert.Equal(t, "https://example.test/1", result.URL)
}

func TestEnableMonitoringIsIdempotent(t *testing.T) {
	s := memstore.New()
	m := mirror.New(s, nil)
	ctx := context.Background()
	id := newProjectID(t, "foo", "bar")

	require.NoError(t, m.EnableMonitoring(ctx, []store.ProjectID{id}))

	branch := s.Branch(mirror.BranchName)
	before, err := branch.Head(ctx)
	require.NoError(t, err)

	require.NoError(t, m.EnableMonitoring(ctx, []store.ProjectID{id}))
	after, err := branch.Head(ctx)
	require.NoError(t, err)

	assert.Equal(t, before.ID(), after.ID())
}
