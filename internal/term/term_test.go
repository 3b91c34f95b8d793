package term

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ci-forge/engine/internal/cache"
	"github.com/ci-forge/engine/internal/livelog"
	"github.com/ci-forge/engine/internal/metrics"
	"github.com/ci-forge/engine/internal/mirror"
	"github.com/ci-forge/engine/internal/sandbox"
	"github.com/ci-forge/engine/internal/store/memstore"
)

type fakeExecutor struct {
	outcome sandbox.BuildOutcome
	err     error
	calls   int32
}

func (f *fakeExecutor) Run(ctx context.Context, req sandbox.BuildRequest, appendLog sandbox.AppendFunc) (sandbox.BuildOutcome, error) {
	atomic.AddInt32(&f.calls, 1)
	if appendLog != nil {
		appendLog([]byte("building\n"))
	}
	return f.outcome, f.err
}

func newTestCache() *cache.Cache {
	return cache.New(memstore.New(), livelog.New(), metrics.New())
}

// run adapts Run for tests that never dereference the *mirror.Snapshot
// argument: every ObserveFn/FingerprintFn/RequestFn below ignores snap, so
// passing nil is safe.
func run(c *cache.Cache, exec sandbox.Executor, root *Node) (*Future, func()) {
	return Run(context.Background(), nil, c, exec, func() {}, root)
}

func TestConstResolvesImmediately(t *testing.T) {
	c := newTestCache()
	root := Const("hello")
	future, cancel := run(c, &fakeExecutor{}, root)
	defer cancel()

	outcome, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, outcome.Status)
	assert.Equal(t, "hello", outcome.Description)
	assert.Equal(t, LogEmpty, outcome.Log.Kind)
}

func TestObserveReadsSnapshot(t *testing.T) {
	c := newTestCache()
	root := Observe(func(ctx context.Context, snap *mirror.Snapshot) (string, error) {
		return "observed", nil
	})
	future, cancel := run(c, &fakeExecutor{}, root)
	defer cancel()

	outcome, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, outcome.Status)
	assert.Equal(t, "observed", outcome.Description)
}

func TestObservePropagatesError(t *testing.T) {
	c := newTestCache()
	root := Observe(func(ctx context.Context, snap *mirror.Snapshot) (string, error) {
		return "", errors.New("no such ref")
	})
	future, cancel := run(c, &fakeExecutor{}, root)
	defer cancel()

	outcome, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, outcome.Status)
	assert.Contains(t, outcome.Description, "no such ref")
}

func TestMapTransformsSuccessfulInput(t *testing.T) {
	c := newTestCache()
	root := Map(Const("base"), func(s string) (string, error) {
		return s + "-mapped", nil
	})
	future, cancel := run(c, &fakeExecutor{}, root)
	defer cancel()

	outcome, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, outcome.Status)
	assert.Equal(t, "base-mapped", outcome.Description)
}

func TestMapPropagatesFailureWithoutCallingFn(t *testing.T) {
	c := newTestCache()
	called := false
	failingInput := Map(Const("x"), func(s string) (string, error) { return "", errors.New("mapfail") })
	root := Map(failingInput, func(s string) (string, error) {
		called = true
		return s, nil
	})
	future, cancel := run(c, &fakeExecutor{}, root)
	defer cancel()

	outcome, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, outcome.Status)
	assert.False(t, called, "outer Map must not invoke its fn once the input failed")
}

func TestCombineFansInAndFoldsResults(t *testing.T) {
	c := newTestCache()
	root := Combine(func(descs []string) (string, error) {
		joined := ""
		for _, d := range descs {
			joined += d
		}
		return joined, nil
	}, Const("a"), Const("b"), Const("c"))

	future, cancel := run(c, &fakeExecutor{}, root)
	defer cancel()

	outcome, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, outcome.Status)
	assert.Equal(t, "abc", outcome.Description)
}

func TestCombineFailsIfAnyInputFails(t *testing.T) {
	c := newTestCache()
	failing := Map(Const("x"), func(s string) (string, error) { return "", errors.New("nope") })
	root := Combine(func(descs []string) (string, error) {
		t.Fatal("combine fn must not run when an input failed")
		return "", nil
	}, Const("ok"), failing)

	future, cancel := run(c, &fakeExecutor{}, root)
	defer cancel()

	outcome, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, outcome.Status)
}

func TestSharedNodeIsEvaluatedOnce(t *testing.T) {
	c := newTestCache()
	var calls int32
	leaf := Map(Const("base"), func(s string) (string, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(5 * time.Millisecond)
		return s, nil
	})
	root := Combine(func(descs []string) (string, error) {
		return descs[0] + descs[1], nil
	}, leaf, leaf)

	future, cancel := run(c, &fakeExecutor{}, root)
	defer cancel()

	outcome, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, outcome.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "shared *Node must evaluate once per run, reused by pointer identity")
	assert.Equal(t, "basebase", outcome.Description)
}

func TestBuildNodeRunsSandboxAndPersists(t *testing.T) {
	c := newTestCache()
	exec := &fakeExecutor{outcome: sandbox.BuildOutcome{ExitCode: 0, Output: "built"}}

	root := Build(
		func(ctx context.Context, snap *mirror.Snapshot) (string, error) { return "fp-ok", nil },
		func(ctx context.Context, snap *mirror.Snapshot) (sandbox.BuildRequest, error) {
			return sandbox.BuildRequest{Image: "alpine"}, nil
		},
	)

	future, cancel := run(c, exec, root)
	defer cancel()

	outcome, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, outcome.Status)
	assert.Equal(t, LogSaved, outcome.Log.Kind)
	assert.Equal(t, "build/fp-ok", outcome.Log.Branch)
	assert.NotNil(t, outcome.Log.Rebuild)
	assert.Equal(t, int32(1), atomic.LoadInt32(&exec.calls))
}

func TestBuildNodeFailsOnNonZeroExit(t *testing.T) {
	c := newTestCache()
	exec := &fakeExecutor{outcome: sandbox.BuildOutcome{ExitCode: 1, Output: "broken"}}

	root := Build(
		func(ctx context.Context, snap *mirror.Snapshot) (string, error) { return "fp-fail", nil },
		func(ctx context.Context, snap *mirror.Snapshot) (sandbox.BuildRequest, error) {
			return sandbox.BuildRequest{Image: "alpine"}, nil
		},
	)

	future, cancel := run(c, exec, root)
	defer cancel()

	outcome, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, outcome.Status)
	assert.Equal(t, LogSaved, outcome.Log.Kind)
}

func TestBuildNodeIsCachedOnSecondRun(t *testing.T) {
	c := newTestCache()
	exec := &fakeExecutor{outcome: sandbox.BuildOutcome{ExitCode: 0, Output: "built"}}

	root := Build(
		func(ctx context.Context, snap *mirror.Snapshot) (string, error) { return "fp-cached", nil },
		func(ctx context.Context, snap *mirror.Snapshot) (sandbox.BuildRequest, error) {
			return sandbox.BuildRequest{Image: "alpine"}, nil
		},
	)

	f1, cancel1 := run(c, exec, root)
	o1, err := f1.Wait(context.Background())
	require.NoError(t, err)
	cancel1()
	assert.Equal(t, StatusSuccess, o1.Status)

	f2, cancel2 := run(c, exec, root)
	defer cancel2()
	o2, err := f2.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, o2.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&exec.calls), "second Run must hit the persisted cache entry, not re-execute")
}

func TestCancelStopsPendingEvaluation(t *testing.T) {
	c := newTestCache()
	started := make(chan struct{})
	unblock := make(chan struct{})
	root := Observe(func(ctx context.Context, snap *mirror.Snapshot) (string, error) {
		close(started)
		select {
		case <-unblock:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	future, cancel := run(c, &fakeExecutor{}, root)
	<-started
	cancel()
	close(unblock)

	outcome, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, outcome.Status)
}

func TestPanicInEvalIsRecoveredAsFailure(t *testing.T) {
	c := newTestCache()
	root := Observe(func(ctx context.Context, snap *mirror.Snapshot) (string, error) {
		panic("kaboom")
	})

	future, cancel := run(c, &fakeExecutor{}, root)
	defer cancel()

	outcome, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, outcome.Status)
	assert.Contains(t, outcome.Description, "kaboom")
}
