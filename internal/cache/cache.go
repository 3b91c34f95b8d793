// Package cache is the content-addressed build memoizer (§4.E). A cache
// entry is a Store branch named by its fingerprint; its tip commit holds
// the persisted result. An in-memory pending map gives the at-most-one-
// concurrent-build-per-fingerprint guarantee the spec requires, the same
// "single in-flight construction, late joiners share it" shape as the
// teacher's sandbox provider-registry guard.
package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/ci-forge/engine/internal/livelog"
	"github.com/ci-forge/engine/internal/metrics"
	"github.com/ci-forge/engine/internal/store"
)

const (
	resultLeaf  = "result"
	rebuildLeaf = "rebuild-needed"
	// LogLeaf is the tree path, under a cache entry's branch, holding the
	// build's captured output once persisted — the web adapter reads this
	// directly via store() to serve a saved (non-live) log (§6).
	LogLeaf = "log"
)

// BuildFunc performs the actual work behind a cache miss. appendLog is
// called zero or more times with output as it becomes available.
type BuildFunc func(ctx context.Context, appendLog func([]byte)) (result []byte, err error)

// Result is what Get returns: the build's output, the Store branch its log
// and result live on (for late joiners / saved-log display), and a
// one-shot trigger that invalidates this entry for the next demand.
type Result struct {
	Value     []byte
	LogBranch string
	Rebuild   func()
	FromCache bool
}

// Cache is the build memoizer over a Store.
type Cache struct {
	store   store.Store
	logs    *livelog.Manager
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[string]*pendingBuild
	// oneShot tracks per-branch rebuild triggers so forcing the same
	// trigger twice is a no-op (the second force should not re-invalidate
	// an entry a later build has already refreshed).
	oneShot map[string]*sync.Once
}

type pendingBuild struct {
	done   chan struct{}
	result []byte
	err    error
}

// New constructs a Cache over s, attaching build output to logs and
// recording hit/miss/error counts against m's CacheBuildTotal. m may be
// nil in tests that don't care about metrics.
func New(s store.Store, logs *livelog.Manager, m *metrics.Metrics) *Cache {
	return &Cache{
		store:   s,
		logs:    logs,
		metrics: m,
		pending: map[string]*pendingBuild{},
		oneShot: map[string]*sync.Once{},
	}
}

func (c *Cache) countResult(result string) {
	if c.metrics == nil {
		return
	}
	c.metrics.CacheBuildTotal.WithLabelValues(result).Inc()
}

// BranchName returns the Store branch a cache entry for fingerprint lives
// on; also the live-log branch name used by term evaluation (§4.E) and the
// branch the web adapter reads a saved log from (§6).
func BranchName(fingerprint string) string {
	return "build/" + fingerprint
}

// Get returns the persisted result for fingerprint if present and not
// marked for rebuild; otherwise it runs fn (or, if a build for this
// fingerprint is already in flight, waits for it) and persists the
// result atomically on success.
func (c *Cache) Get(ctx context.Context, fingerprint string, fn BuildFunc) (Result, error) {
	name := BranchName(fingerprint)
	b := c.store.Branch(name)

	if cached, ok, err := c.readPersisted(ctx, b); err != nil {
		return Result{}, err
	} else if ok {
		c.countResult("hit")
		return Result{Value: cached, LogBranch: name, Rebuild: c.rebuildTrigger(name), FromCache: true}, nil
	}

	c.mu.Lock()
	if pb, inFlight := c.pending[name]; inFlight {
		c.mu.Unlock()
		select {
		case <-pb.done:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
		if pb.err != nil {
			return Result{}, pb.err
		}
		return Result{Value: pb.result, LogBranch: name, Rebuild: c.rebuildTrigger(name)}, nil
	}
	pb := &pendingBuild{done: make(chan struct{})}
	c.pending[name] = pb
	c.mu.Unlock()

	// The build's own lifetime is independent of any single joiner's ctx —
	// other observers may still be waiting on it after the caller that
	// started it gives up — so it runs under its own cancelable context,
	// which is exactly what the live log's Cancel hooks into (§4.H).
	buildCtx, buildCancel := context.WithCancel(context.Background())
	log, logErr := c.logs.Create(name, func() (bool, string) {
		buildCancel()
		return true, "build cancelled"
	})
	var captured []byte
	var capturedMu sync.Mutex
	appendLog := func(data []byte) {
		capturedMu.Lock()
		captured = append(captured, data...)
		capturedMu.Unlock()
	}
	if logErr == nil {
		original := appendLog
		appendLog = func(data []byte) {
			original(data)
			log.Append(data)
		}
	}
	// logErr != nil means another demand raced us to registering the live
	// log (e.g. a rebuild in progress); appendLog still captures output for
	// persistence, it just has no live subscriber fan-out of its own.

	result, buildErr := fn(buildCtx, appendLog)
	buildCancel()

	if buildErr == nil {
		buildErr = c.persist(ctx, b, result, captured)
	}

	if log != nil {
		log.Close()
	}

	c.mu.Lock()
	delete(c.pending, name)
	c.mu.Unlock()

	pb.result, pb.err = result, buildErr
	close(pb.done)

	if buildErr != nil {
		c.countResult("error")
		return Result{}, buildErr
	}
	c.countResult("miss")
	return Result{Value: result, LogBranch: name, Rebuild: c.rebuildTrigger(name)}, nil
}

func (c *Cache) readPersisted(ctx context.Context, b store.Branch) ([]byte, bool, error) {
	head, err := b.Head(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("cache: reading branch head: %w", err)
	}
	if head == nil {
		return nil, false, nil
	}
	tree := head.Tree()
	if needsRebuild, err := tree.ExistsFile(ctx, rebuildLeaf); err != nil {
		return nil, false, err
	} else if needsRebuild {
		return nil, false, nil
	}
	data, err := tree.ReadFile(ctx, resultLeaf)
	if err != nil {
		if store.IsNoEntry(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (c *Cache) persist(ctx context.Context, b store.Branch, result, log []byte) error {
	return b.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
		if err := tx.CreateOrReplaceFile(ctx, resultLeaf, result); err != nil {
			return store.Abort(), err
		}
		if err := tx.CreateOrReplaceFile(ctx, LogLeaf, log); err != nil {
			return store.Abort(), err
		}
		if err := tx.Remove(ctx, rebuildLeaf); err != nil && !store.IsNoEntry(err) {
			return store.Abort(), err
		}
		return store.Commit("persist build result"), nil
	})
}

// rebuildTrigger returns the lazy one-shot for branch name: the first call
// marks the entry for rebuild; subsequent calls are no-ops.
func (c *Cache) rebuildTrigger(name string) func() {
	c.mu.Lock()
	once, ok := c.oneShot[name]
	if !ok {
		once = &sync.Once{}
		c.oneShot[name] = once
	}
	c.mu.Unlock()

	return func() {
		once.Do(func() {
			b := c.store.Branch(name)
			_ = b.WithTransaction(context.Background(), func(tx store.Transaction) (store.TxResult, error) {
				if err := tx.CreateOrReplaceFile(context.Background(), rebuildLeaf, []byte{}); err != nil {
					return store.Abort(), err
				}
				return store.Commit("mark for rebuild"), nil
			})
			c.mu.Lock()
			delete(c.oneShot, name)
			c.mu.Unlock()
		})
	}
}
