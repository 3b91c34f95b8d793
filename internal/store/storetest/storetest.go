// Package storetest holds a backend-agnostic contract suite run against
// every store.Store implementation (memstore, gitstore) so their observable
// behavior never drifts apart.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ci-forge/engine/internal/store"
)

// Run exercises the full Store/Branch/Tree/Transaction contract against a
// freshly constructed, empty backend.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("EmptyBranchHasNoHead", func(t *testing.T) {
		s := newStore(t)
		b := s.Branch("main")
		head, err := b.Head(context.Background())
		require.NoError(t, err)
		assert.Nil(t, head)
	})

	t.Run("CommitAdvancesHead", func(t *testing.T) {
		s := newStore(t)
		b := s.Branch("main")
		ctx := context.Background()

		err := b.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
			require.NoError(t, tx.CreateFile(ctx, "a/b", []byte("hello\n")))
			return store.Commit("add a/b"), nil
		})
		require.NoError(t, err)

		head, err := b.Head(ctx)
		require.NoError(t, err)
		require.NotNil(t, head)

		data, err := head.Tree().ReadFile(ctx, "a/b")
		require.NoError(t, err)
		assert.Equal(t, "hello\n", string(data))
	})

	t.Run("AbortDiscardsWrites", func(t *testing.T) {
		s := newStore(t)
		b := s.Branch("main")
		ctx := context.Background()

		err := b.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
			require.NoError(t, tx.CreateFile(ctx, "x", []byte("y")))
			return store.Abort(), nil
		})
		require.NoError(t, err)

		head, err := b.Head(ctx)
		require.NoError(t, err)
		assert.Nil(t, head)
	})

	t.Run("ReadMissingFileIsNoEntry", func(t *testing.T) {
		s := newStore(t)
		b := s.Branch("main")
		ctx := context.Background()

		err := b.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
			return store.Commit("empty"), nil
		})
		require.NoError(t, err)

		head, err := b.Head(ctx)
		require.NoError(t, err)
		_, err = head.Tree().ReadFile(ctx, "nope")
		assert.True(t, store.IsNoEntry(err))
	})

	t.Run("SuccessiveTransactionsBuildOnPriorState", func(t *testing.T) {
		s := newStore(t)
		b := s.Branch("main")
		ctx := context.Background()

		require.NoError(t, b.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
			require.NoError(t, tx.CreateFile(ctx, "one", []byte("1")))
			return store.Commit("one"), nil
		}))
		require.NoError(t, b.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
			ok, err := tx.ExistsFile(ctx, "one")
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, tx.CreateFile(ctx, "two", []byte("2")))
			return store.Commit("two"), nil
		}))

		head, err := b.Head(ctx)
		require.NoError(t, err)
		data, err := head.Tree().ReadFile(ctx, "one")
		require.NoError(t, err)
		assert.Equal(t, "1", string(data))
		data, err = head.Tree().ReadFile(ctx, "two")
		require.NoError(t, err)
		assert.Equal(t, "2", string(data))
	})

	t.Run("CreateOrReplaceOverwrites", func(t *testing.T) {
		s := newStore(t)
		b := s.Branch("main")
		ctx := context.Background()

		require.NoError(t, b.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
			require.NoError(t, tx.CreateFile(ctx, "f", []byte("old")))
			return store.Commit("init"), nil
		}))
		require.NoError(t, b.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
			require.NoError(t, tx.CreateOrReplaceFile(ctx, "f", []byte("new")))
			return store.Commit("replace"), nil
		}))

		head, err := b.Head(ctx)
		require.NoError(t, err)
		data, err := head.Tree().ReadFile(ctx, "f")
		require.NoError(t, err)
		assert.Equal(t, "new", string(data))
	})

	t.Run("ReadDirListsChildren", func(t *testing.T) {
		s := newStore(t)
		b := s.Branch("main")
		ctx := context.Background()

		require.NoError(t, b.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
			require.NoError(t, tx.CreateFile(ctx, "dir/a", []byte("1")))
			require.NoError(t, tx.CreateFile(ctx, "dir/b", []byte("2")))
			return store.Commit("init"), nil
		}))

		head, err := b.Head(ctx)
		require.NoError(t, err)
		entries, err := head.Tree().ReadDir(ctx, "dir")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, entries)
	})

	t.Run("RemoveDeletesSubtree", func(t *testing.T) {
		s := newStore(t)
		b := s.Branch("main")
		ctx := context.Background()

		require.NoError(t, b.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
			require.NoError(t, tx.CreateFile(ctx, "dir/a", []byte("1")))
			return store.Commit("init"), nil
		}))
		require.NoError(t, b.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
			require.NoError(t, tx.Remove(ctx, "dir"))
			return store.Commit("remove"), nil
		}))

		head, err := b.Head(ctx)
		require.NoError(t, err)
		ok, err := head.Tree().ExistsFile(ctx, "dir/a")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("WaitForHeadUnblocksOnCommit", func(t *testing.T) {
		s := newStore(t)
		b := s.Branch("main")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		waitErrCh := make(chan error, 1)
		go func() {
			waitErrCh <- b.WaitForHead(ctx, func(head store.Commit) (bool, error) {
				return head != nil, nil
			})
		}()

		require.NoError(t, b.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
			require.NoError(t, tx.CreateFile(ctx, "f", []byte("1")))
			return store.Commit("init"), nil
		}))

		require.NoError(t, <-waitErrCh)
	})

	t.Run("WaitForHeadReturnsOnCancel", func(t *testing.T) {
		s := newStore(t)
		b := s.Branch("main")
		ctx, cancel := context.WithCancel(context.Background())

		waitErrCh := make(chan error, 1)
		go func() {
			waitErrCh <- b.WaitForHead(ctx, func(head store.Commit) (bool, error) {
				return false, nil
			})
		}()

		cancel()
		err := <-waitErrCh
		assert.Error(t, err)
	})

	t.Run("BranchesAreIndependent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := s.Branch("a")
		bBranch := s.Branch("b")

		require.NoError(t, a.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
			require.NoError(t, tx.CreateFile(ctx, "f", []byte("a")))
			return store.Commit("a"), nil
		}))

		head, err := bBranch.Head(ctx)
		require.NoError(t, err)
		assert.Nil(t, head)
	})
}
