// Package term implements the declarative pipeline evaluator (§4.F): a DAG
// of Const/Observe/Map/Combine/Build nodes, evaluated at most once per Node
// pointer per Run, with Combine fan-in parallelized via
// golang.org/x/sync/errgroup the way the term graph's concurrent
// sub-evaluation is described.
package term

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ci-forge/engine/internal/cache"
	"github.com/ci-forge/engine/internal/mirror"
	"github.com/ci-forge/engine/internal/sandbox"
)

// Status is the final resolution of a term evaluation.
type Status int

const (
	StatusSuccess Status = iota
	StatusPending
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPending:
		return "pending"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// LogTreeKind discriminates the LogTree variant.
type LogTreeKind int

const (
	LogEmpty LogTreeKind = iota
	LogLive
	LogSaved
	LogPair
)

// LogTree is Empty | Live{branch} | Saved{branch, rebuild, commit} | Pair(left, right).
type LogTree struct {
	Kind LogTreeKind

	// Live, Saved
	Branch string

	// Saved
	Rebuild  func()
	CommitID string

	// Pair
	Left, Right *LogTree
}

// Empty is the LogTree carried by nodes that did no side-effectful work.
var Empty = LogTree{Kind: LogEmpty}

func pair(a, b LogTree) LogTree {
	if a.Kind == LogEmpty {
		return b
	}
	if b.Kind == LogEmpty {
		return a
	}
	return LogTree{Kind: LogPair, Left: &a, Right: &b}
}

// Outcome is the final (status, description, log) triple a Run resolves to.
type Outcome struct {
	Status      Status
	Description string
	Log         LogTree
}

// Kind discriminates a term Node.
type Kind int

const (
	KindConst Kind = iota
	KindObserve
	KindMap
	KindCombine
	KindBuild
)

// ObserveFunc reads a single value out of a mirror Snapshot.
type ObserveFunc func(ctx context.Context, snap *mirror.Snapshot) (string, error)

// MapFunc transforms one term's resolved description into another.
type MapFunc func(string) (string, error)

// CombineFunc folds several resolved descriptions into one.
type CombineFunc func([]string) (string, error)

// FingerprintFunc computes the cache key for a Build node from the
// snapshot; it must be a pure function of the snapshot's observable state.
type FingerprintFunc func(ctx context.Context, snap *mirror.Snapshot) (string, error)

// RequestFunc describes the sandbox work a Build node hands to the cache.
type RequestFunc func(ctx context.Context, snap *mirror.Snapshot) (sandbox.BuildRequest, error)

// Node is one node of the term DAG. Two term graphs that share the same
// *Node value share a single evaluation per Run (pointer-identity fan-in).
type Node struct {
	Kind Kind

	// KindConst
	Description string

	// KindObserve
	ObserveFn ObserveFunc

	// KindMap
	Input *Node
	MapFn MapFunc

	// KindCombine
	Inputs    []*Node
	CombineFn CombineFunc

	// KindBuild
	FingerprintFn FingerprintFunc
	RequestFn     RequestFunc
}

// Const returns a leaf node that always resolves successfully to description.
func Const(description string) *Node {
	return &Node{Kind: KindConst, Description: description}
}

// Observe returns a leaf node reading snapshot data.
func Observe(fn ObserveFunc) *Node {
	return &Node{Kind: KindObserve, ObserveFn: fn}
}

// Map returns an internal node transforming a single input's description.
func Map(input *Node, fn MapFunc) *Node {
	return &Node{Kind: KindMap, Input: input, MapFn: fn}
}

// Combine returns an internal node fanning in over multiple sub-terms.
func Combine(fn CombineFunc, inputs ...*Node) *Node {
	return &Node{Kind: KindCombine, Inputs: inputs, CombineFn: fn}
}

// Build returns the distinguished, memoized, side-effectful node.
func Build(fingerprint FingerprintFunc, request RequestFunc) *Node {
	return &Node{Kind: KindBuild, FingerprintFn: fingerprint, RequestFn: request}
}

// RecalcFunc is supplied by the engine; it schedules one recomputation on
// the engine loop. The evaluator never calls it more than once per Run.
type RecalcFunc func()

// Future resolves to the final Outcome of a Run.
type Future struct {
	done    chan struct{}
	outcome Outcome
}

// Wait blocks until the Run's Outcome is available.
func (f *Future) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		return f.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

type nodeFuture struct {
	done    chan struct{}
	outcome Outcome
}

type run struct {
	ctx    context.Context
	cancel context.CancelFunc

	snap   *mirror.Snapshot
	cache  *cache.Cache
	exec   sandbox.Executor
	recalc RecalcFunc

	mu        sync.Mutex
	memo      map[*Node]*nodeFuture
	cancelled bool
}

// Run evaluates term against snap, returning a Future of the final outcome
// and a cancel function that aborts all in-flight sub-computations
// (idempotent). recalc is kept with the run but the evaluator never calls
// it; a cache rebuild that completes after Run has returned does not by
// itself cause a recomputation.
func Run(ctx context.Context, snap *mirror.Snapshot, c *cache.Cache, exec sandbox.Executor, recalc RecalcFunc, root *Node) (*Future, func()) {
	runCtx, cancelCtx := context.WithCancel(ctx)
	r := &run{
		ctx:    runCtx,
		cancel: cancelCtx,
		snap:   snap,
		cache:  c,
		exec:   exec,
		recalc: recalc,
		memo:   map[*Node]*nodeFuture{},
	}

	future := &Future{done: make(chan struct{})}
	go func() {
		future.outcome = r.safeEval(root)
		close(future.done)
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			r.cancelled = true
			r.mu.Unlock()
			cancelCtx()
		})
	}
	return future, cancel
}

// safeEval recovers a panic anywhere in the DAG walk and surfaces it as the
// spec's (Failure, message, Empty) triple; the engine loop must never see a
// panic escape a term evaluation.
func (r *run) safeEval(n *Node) (outcome Outcome) {
	defer func() {
		if p := recover(); p != nil {
			outcome = Outcome{Status: StatusFailure, Description: fmt.Sprintf("panic: %v", p), Log: Empty}
		}
	}()
	return r.eval(n)
}

func (r *run) eval(n *Node) Outcome {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return Outcome{Status: StatusFailure, Description: "cancelled", Log: Empty}
	}
	nf, exists := r.memo[n]
	if exists {
		r.mu.Unlock()
		<-nf.done
		return nf.outcome
	}
	nf = &nodeFuture{done: make(chan struct{})}
	r.memo[n] = nf
	r.mu.Unlock()

	nf.outcome = r.evalNode(n)
	close(nf.done)
	return nf.outcome
}

func (r *run) evalNode(n *Node) Outcome {
	switch n.Kind {
	case KindConst:
		return Outcome{Status: StatusSuccess, Description: n.Description, Log: Empty}

	case KindObserve:
		desc, err := n.ObserveFn(r.ctx, r.snap)
		if err != nil {
			return Outcome{Status: StatusFailure, Description: err.Error(), Log: Empty}
		}
		return Outcome{Status: StatusSuccess, Description: desc, Log: Empty}

	case KindMap:
		in := r.eval(n.Input)
		if in.Status != StatusSuccess {
			return in
		}
		desc, err := n.MapFn(in.Description)
		if err != nil {
			return Outcome{Status: StatusFailure, Description: err.Error(), Log: in.Log}
		}
		return Outcome{Status: StatusSuccess, Description: desc, Log: in.Log}

	case KindCombine:
		return r.evalCombine(n)

	case KindBuild:
		return r.evalBuild(n)

	default:
		return Outcome{Status: StatusFailure, Description: "unknown term node kind", Log: Empty}
	}
}

func (r *run) evalCombine(n *Node) Outcome {
	results := make([]Outcome, len(n.Inputs))
	var g errgroup.Group
	for i, input := range n.Inputs {
		i, input := i, input
		g.Go(func() error {
			results[i] = r.eval(input)
			return nil
		})
	}
	_ = g.Wait() // sub-evaluations never return an error; failures are carried in Outcome.Status

	var logs LogTree
	descriptions := make([]string, 0, len(results))
	failed, pending := false, false
	for _, res := range results {
		logs = pair(logs, res.Log)
		switch res.Status {
		case StatusFailure:
			failed = true
		case StatusPending:
			pending = true
		default:
			descriptions = append(descriptions, res.Description)
		}
	}

	switch {
	case failed:
		return Outcome{Status: StatusFailure, Description: "one or more inputs failed", Log: logs}
	case pending:
		return Outcome{Status: StatusPending, Description: "waiting on dependencies", Log: logs}
	}

	desc, err := n.CombineFn(descriptions)
	if err != nil {
		return Outcome{Status: StatusFailure, Description: err.Error(), Log: logs}
	}
	return Outcome{Status: StatusSuccess, Description: desc, Log: logs}
}

func (r *run) evalBuild(n *Node) Outcome {
	fingerprint, err := n.FingerprintFn(r.ctx, r.snap)
	if err != nil {
		return Outcome{Status: StatusFailure, Description: err.Error(), Log: Empty}
	}
	req, err := n.RequestFn(r.ctx, r.snap)
	if err != nil {
		return Outcome{Status: StatusFailure, Description: err.Error(), Log: Empty}
	}

	result, err := r.cache.Get(r.ctx, fingerprint, func(ctx context.Context, appendLog func([]byte)) ([]byte, error) {
		outcome, err := r.exec.Run(ctx, req, appendLog)
		if err != nil {
			return nil, err
		}
		return encodeOutcome(outcome), nil
	})
	if err != nil {
		return Outcome{Status: StatusFailure, Description: err.Error(), Log: Empty}
	}

	outcome, err := decodeOutcome(result.Value)
	if err != nil {
		return Outcome{Status: StatusFailure, Description: err.Error(), Log: Empty}
	}

	logTree := LogTree{Kind: LogSaved, Branch: result.LogBranch, Rebuild: result.Rebuild, CommitID: fingerprint}
	if !outcome.Success() {
		return Outcome{Status: StatusFailure, Description: fmt.Sprintf("build exited %d", outcome.ExitCode), Log: logTree}
	}
	return Outcome{Status: StatusSuccess, Description: "build succeeded", Log: logTree}
}
