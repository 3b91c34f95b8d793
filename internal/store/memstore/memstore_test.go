package memstore_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ci-forge/engine/internal/store"
	"github.com/ci-forge/engine/internal/store/memstore"
	"github.com/ci-forge/engine/internal/store/storetest"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return memstore.New()
	})
}

func TestConcurrentTransactionsSerialize(t *testing.T) {
	s := memstore.New()
	b := s.Branch("main")
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			err := b.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
				return store.Commit("noop"), nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
}

func TestCloseIsNoop(t *testing.T) {
	s := memstore.New()
	require.NoError(t, s.Close())
}
