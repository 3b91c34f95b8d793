package gitstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ci-forge/engine/internal/store"
	"github.com/ci-forge/engine/internal/store/gitstore"
	"github.com/ci-forge/engine/internal/store/storetest"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return gitstore.New()
	})
}

func TestCommitsFormARealHistory(t *testing.T) {
	s := gitstore.New()
	b := s.Branch("github-metadata")
	ctx := context.Background()

	require.NoError(t, b.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
		require.NoError(t, tx.CreateFile(ctx, "foo/bar/pr/7/head", []byte("abc\n")))
		return store.Commit("add pr 7"), nil
	}))

	first, err := b.Head(ctx)
	require.NoError(t, err)

	require.NoError(t, b.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
		require.NoError(t, tx.CreateOrReplaceFile(ctx, "foo/bar/pr/7/head", []byte("def\n")))
		return store.Commit("update pr 7"), nil
	}))

	second, err := b.Head(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())

	data, err := second.Tree().ReadFile(ctx, "foo/bar/pr/7/head")
	require.NoError(t, err)
	assert.Equal(t, "def\n", string(data))
}
