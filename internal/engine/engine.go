// Package engine is the core loop (§4.G): it watches a mirrored forge via
// Store snapshots, maintains the in-memory Target/Job lifecycle, drives term
// evaluation under a single serializing termLock, and publishes results both
// to the Store's metadata branch and to the live forge. Its connect/
// auto_restart supervisor generalizes the retry shape of the teacher's
// internal/workflow/transform.go from a single workflow run into a
// perpetually-restarting pair of loops (metadata monitor, forge sync).
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ci-forge/engine/internal/cache"
	"github.com/ci-forge/engine/internal/forge"
	"github.com/ci-forge/engine/internal/livelog"
	"github.com/ci-forge/engine/internal/logx"
	"github.com/ci-forge/engine/internal/metrics"
	"github.com/ci-forge/engine/internal/mirror"
	"github.com/ci-forge/engine/internal/path"
	"github.com/ci-forge/engine/internal/sandbox"
	"github.com/ci-forge/engine/internal/store"
	"github.com/ci-forge/engine/internal/term"
)

// StoreConnector produces a fresh Store handle, e.g. opening a gitstore
// repository or constructing a memstore.
type StoreConnector func(ctx context.Context) (store.Store, error)

// JobBuilder constructs the term DAG for one job, parameterized by the
// target it runs against (its PR number or ref name). Called fresh every
// time a target is newly observed.
type JobBuilder func(target store.Target) *term.Node

// JobSpec names one pipeline step applied uniformly to every target of a
// project.
type JobSpec struct {
	Name    string
	Builder JobBuilder
}

// ProjectConfig is one monitored project plus its pipeline map.
type ProjectConfig struct {
	ID   store.ProjectID
	Jobs []JobSpec
}

// Config is the engine's process-wide configuration (§6).
type Config struct {
	WebBaseURL     string
	StoreConnector StoreConnector
	Projects       []ProjectConfig
	// Canaries restricts monitoring of a project (keyed by ProjectID.String())
	// to an explicit target-ID allow-list; a project absent from this map is
	// monitored unrestricted.
	Canaries          map[string]map[string]bool
	ReconnectBackoff  time.Duration
	ForgeSyncInterval time.Duration

	Logger       logx.Logger
	MirrorLogger *slog.Logger
	Metrics      *metrics.Metrics
	Forge        forge.Bridge
	Cache        *cache.Cache
	Sandbox      sandbox.Executor
	Livelogs     *livelog.Manager
}

type database struct {
	store  store.Store
	mirror *mirror.Mirror
}

type dbFuture struct {
	ready chan struct{}
	value *database
	err   error
}

type targetEntry struct {
	target store.Target
	jobs   []*Job
}

type projectState struct {
	mu       sync.Mutex
	id       store.ProjectID
	jobSpecs []JobSpec
	targets  map[string]*targetEntry
}

// Engine is the running CI evaluation engine.
type Engine struct {
	cfg Config

	termLock sync.Mutex

	dbMu       sync.Mutex
	dbFuture   *dbFuture
	connecting bool
	runCtx     context.Context

	projects map[string]*projectState
	order    []string
}

// New validates cfg and constructs an Engine ready for Run.
func New(cfg Config) (*Engine, error) {
	if cfg.StoreConnector == nil {
		return nil, errors.New("engine: StoreConnector is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("engine: Cache is required")
	}
	if cfg.Forge == nil {
		return nil, errors.New("engine: Forge is required")
	}
	if cfg.Sandbox == nil {
		return nil, errors.New("engine: Sandbox is required")
	}
	if cfg.Livelogs == nil {
		return nil, errors.New("engine: Livelogs is required")
	}
	if len(cfg.Projects) == 0 {
		return nil, errors.New("engine: at least one project is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logx.NewSlogAdapter(nil)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 10 * time.Second
	}
	if cfg.ForgeSyncInterval <= 0 {
		cfg.ForgeSyncInterval = 30 * time.Second
	}

	e := &Engine{cfg: cfg, projects: map[string]*projectState{}}
	for _, pc := range cfg.Projects {
		if len(pc.Jobs) == 0 {
			return nil, fmt.Errorf("engine: project %s declares no jobs", pc.ID)
		}
		key := pc.ID.String()
		e.projects[key] = &projectState{id: pc.ID, jobSpecs: pc.Jobs, targets: map[string]*targetEntry{}}
		e.order = append(e.order, key)
	}
	return e, nil
}

func (e *Engine) projectIDs() []store.ProjectID {
	out := make([]store.ProjectID, 0, len(e.order))
	for _, k := range e.order {
		out = append(out, e.projects[k].id)
	}
	return out
}

func (e *Engine) allowed(id store.ProjectID, t store.Target) bool {
	set, restricted := e.cfg.Canaries[id.String()]
	if !restricted {
		return true
	}
	return set[t.ID()]
}

// Run blocks until ctx is cancelled, driving the metadata monitor and forge
// sync loops under auto_restart supervision (§4.G, §5).
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx

	db, err := e.getDB(ctx)
	if err != nil {
		return err
	}
	if err := db.mirror.EnableMonitoring(ctx, e.projectIDs()); err != nil {
		e.cfg.Logger.Error("engine: enabling monitoring failed", "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.autoRestart(ctx, "monitor", func(ctx context.Context, db *database) error {
			return db.mirror.Monitor(ctx, func(ctx context.Context, snap *mirror.Snapshot) error {
				return e.onSnapshot(ctx, db, snap)
			})
		})
	}()
	go func() {
		defer wg.Done()
		e.autoRestart(ctx, "forge-sync", func(ctx context.Context, db *database) error {
			return e.runForgeSync(ctx, db)
		})
	}()
	wg.Wait()
	return ctx.Err()
}

// getDB returns the current database, connecting (or waiting on an
// in-flight connect) as needed.
func (e *Engine) getDB(ctx context.Context) (*database, error) {
	e.dbMu.Lock()
	f := e.dbFuture
	if f == nil {
		f = &dbFuture{ready: make(chan struct{})}
		e.dbFuture = f
		e.connecting = true
		e.dbMu.Unlock()
		go e.establish(ctx, f)
	} else {
		e.dbMu.Unlock()
	}

	select {
	case <-f.ready:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) establish(ctx context.Context, f *dbFuture) {
	db, err := e.connect(ctx)
	e.dbMu.Lock()
	f.value, f.err = db, err
	e.connecting = false
	e.dbMu.Unlock()
	close(f.ready)
}

func (e *Engine) connect(ctx context.Context) (*database, error) {
	for {
		s, err := e.cfg.StoreConnector(ctx)
		if err == nil {
			return &database{store: s, mirror: mirror.New(s, e.cfg.MirrorLogger)}, nil
		}
		e.cfg.Metrics.StoreReconnectTotal.Inc()
		e.cfg.Logger.Error("engine: store connection failed, retrying", "error", err, "backoff", e.cfg.ReconnectBackoff)
		select {
		case <-time.After(e.cfg.ReconnectBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// reconnect replaces the current database with a freshly connecting one;
// idempotent if a connect is already in flight.
func (e *Engine) reconnect() {
	e.dbMu.Lock()
	if e.connecting {
		e.dbMu.Unlock()
		return
	}
	e.connecting = true
	f := &dbFuture{ready: make(chan struct{})}
	e.dbFuture = f
	ctx := e.runCtx
	e.dbMu.Unlock()
	go e.establish(ctx, f)
}

// autoRestart runs fn against the current database; on failure it probes
// the store's master branch to distinguish a store outage (reconnect and
// retry) from an unrelated failure (log and give up this supervised loop).
func (e *Engine) autoRestart(ctx context.Context, label string, fn func(ctx context.Context, db *database) error) {
	for {
		db, err := e.getDB(ctx)
		if err != nil {
			return
		}

		err = fn(ctx, db)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		if _, probeErr := db.store.Branch("master").Head(ctx); probeErr == nil {
			e.cfg.Logger.Error("engine: "+label+" failed for a reason unrelated to the store", "error", err)
			return
		}

		e.cfg.Logger.Warn("engine: "+label+" failed, store appears unreachable; reconnecting", "error", err)
		e.reconnect()
	}
}

func (e *Engine) runForgeSync(ctx context.Context, db *database) error {
	ticker := time.NewTicker(e.cfg.ForgeSyncInterval)
	defer ticker.Stop()

	for {
		for _, id := range e.projectIDs() {
			if err := e.syncProject(ctx, db, id); err != nil {
				return err
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) syncProject(ctx context.Context, db *database, id store.ProjectID) error {
	branch := db.store.Branch(mirror.BranchName)
	return branch.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
		if err := e.cfg.Forge.SyncInto(ctx, tx, id); err != nil {
			return store.Abort(), err
		}
		return store.Commit(fmt.Sprintf("sync %s from forge", id)), nil
	})
}

// onSnapshot is the per-snapshot step (§4.G): diff targets, then
// recalculate every current job under termLock.
func (e *Engine) onSnapshot(ctx context.Context, db *database, snap *mirror.Snapshot) error {
	for key := range e.cfg.Canaries {
		if _, ok := e.projects[key]; !ok {
			e.cfg.Logger.Warn("engine: canary names a project that is not monitored", "project", key)
		}
	}
	for _, key := range e.order {
		ps := e.projects[key]
		prs, refs, err := snap.Project(ctx, ps.id)
		if err != nil {
			return err
		}
		if err := e.stepProject(ctx, db, snap, ps, prs, refs); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) stepProject(ctx context.Context, db *database, snap *mirror.Snapshot, ps *projectState, prs map[int]store.PR, refs map[string]store.Ref) error {
	current := map[string]store.Target{}
	for n := range prs {
		t := store.NewPRTarget(ps.id.Repo, n)
		if e.allowed(ps.id, t) {
			current[t.ID()] = t
		}
	}
	for name := range refs {
		segs, err := path.Parse(name)
		if err != nil {
			e.cfg.Logger.Warn("engine: malformed ref name, skipping", "project", ps.id, "ref", name)
			continue
		}
		t := store.NewRefTarget(ps.id.Repo, segs)
		if e.allowed(ps.id, t) {
			current[t.ID()] = t
		}
	}

	ps.mu.Lock()
	for id, entry := range ps.targets {
		if _, ok := current[id]; ok {
			continue
		}
		for _, job := range entry.jobs {
			job.cancelCurrent()
		}
		delete(ps.targets, id)
	}

	var toRecalculate []*Job
	for id, t := range current {
		entry, ok := ps.targets[id]
		if !ok {
			entry = &targetEntry{target: t}
			for _, spec := range ps.jobSpecs {
				entry.jobs = append(entry.jobs, &Job{id: JobID(ps.id, t, spec.Name), name: spec.Name, target: t, builder: spec.Builder})
			}
			ps.targets[id] = entry
		} else {
			entry.target = t
			for _, job := range entry.jobs {
				job.setTarget(t)
			}
		}
		toRecalculate = append(toRecalculate, entry.jobs...)
	}
	ps.mu.Unlock()

	e.termLock.Lock()
	defer e.termLock.Unlock()
	for _, job := range toRecalculate {
		if err := e.recalculate(ctx, db, snap, ps.id, job); err != nil {
			return err
		}
	}
	return nil
}

// recalculate must be called with termLock held (§4.G).
func (e *Engine) recalculate(ctx context.Context, db *database, snap *mirror.Snapshot, projectID store.ProjectID, job *Job) error {
	job.cancelCurrent()

	target := job.Target()
	node := job.builder(target)

	var once sync.Once
	recalc := func() {
		once.Do(func() {
			go e.scheduleRecalc(db, projectID, job)
		})
	}

	start := time.Now()
	future, cancel := term.Run(ctx, snap, e.cfg.Cache, e.cfg.Sandbox, recalc, node)
	job.setCancel(cancel)

	outcome, err := future.Wait(ctx)
	duration := time.Since(start)
	if err != nil {
		e.cfg.Metrics.JobRecalculateDuration.WithLabelValues(projectID.String(), "cancelled").Observe(duration.Seconds())
		return nil
	}
	e.cfg.Metrics.JobRecalculateDuration.WithLabelValues(projectID.String(), outcome.Status.String()).Observe(duration.Seconds())

	job.setState(JobState{Status: outcome.Status, Description: outcome.Description, Log: outcome.Log})

	hash, err := e.targetHead(ctx, snap, projectID, target)
	if err != nil {
		e.cfg.Logger.Warn("engine: target missing from snapshot, skipping status publish", "target", target, "error", err)
		return nil
	}
	job.setLastHash(hash)

	newState := mapStatus(outcome.Status)
	if !job.needsPublish(hash, newState, outcome.Description) {
		return nil
	}
	if err := e.publish(ctx, db, projectID, job, target, hash, newState, outcome.Description); err != nil {
		// Baseline stays put on failure: the forge-sync ticker re-snapshots
		// on its own cadence, which will call recalculate again for this
		// job and retry the identical publish.
		return nil
	}
	job.markPublished(hash, newState, outcome.Description)
	return nil
}

func (e *Engine) scheduleRecalc(db *database, projectID store.ProjectID, job *Job) {
	ctx := e.runCtx
	snap, err := db.mirror.Snapshot(ctx)
	if err != nil {
		e.cfg.Logger.Error("engine: recalc-triggered snapshot failed", "error", err)
		return
	}

	e.termLock.Lock()
	defer e.termLock.Unlock()
	if !e.jobStillLive(projectID, job) {
		return
	}
	if err := e.recalculate(ctx, db, snap, projectID, job); err != nil {
		e.cfg.Logger.Error("engine: recalc-triggered recalculate failed", "error", err)
	}
}

func (e *Engine) jobStillLive(projectID store.ProjectID, job *Job) bool {
	ps, ok := e.projects[projectID.String()]
	if !ok {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	entry, ok := ps.targets[job.Target().ID()]
	if !ok {
		return false
	}
	for _, j := range entry.jobs {
		if j == job {
			return true
		}
	}
	return false
}

func (e *Engine) targetHead(ctx context.Context, snap *mirror.Snapshot, id store.ProjectID, t store.Target) (string, error) {
	switch t.Kind {
	case store.TargetPR:
		pr, ok, err := snap.PR(ctx, id, t.PRNumber)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("engine: PR %s no longer present in snapshot", t)
		}
		return pr.HeadCommit, nil
	case store.TargetRef:
		ref, ok, err := snap.Ref(ctx, id, t.RefName.String())
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("engine: ref %s no longer present in snapshot", t)
		}
		return ref.HeadCommit, nil
	default:
		return "", fmt.Errorf("engine: unknown target kind for %s", t)
	}
}

func (e *Engine) targetURL(id store.ProjectID, t store.Target) string {
	switch t.Kind {
	case store.TargetPR:
		return fmt.Sprintf("%s/pr/%s/%s/%d", e.cfg.WebBaseURL, id.Repo.User, id.Repo.Repo, t.PRNumber)
	case store.TargetRef:
		return fmt.Sprintf("%s/ref/%s/%s/%s", e.cfg.WebBaseURL, id.Repo.User, id.Repo.Repo, t.RefName)
	default:
		return e.cfg.WebBaseURL
	}
}

// publish writes state to the store mirror and the forge. It returns an
// error if either write failed; the caller must not advance the job's
// published baseline in that case, so the identical (hash, state,
// description) is retried on the next recalculation.
func (e *Engine) publish(ctx context.Context, db *database, projectID store.ProjectID, job *Job, target store.Target, hash string, state store.StatusState, description string) error {
	ctxSegments, err := path.Parse(job.Name())
	if err != nil {
		e.cfg.Logger.Error("engine: invalid job name as status context", "job", job.Name(), "error", err)
		return err
	}
	commit := store.Commit{Repo: projectID.Repo, Hash: hash}
	url := e.targetURL(projectID, target)
	message := fmt.Sprintf("Set state of %s: %s = %s", target.String(), job.Name(), state)

	if err := db.mirror.SetState(ctx, commit, ctxSegments, state, description, url, message); err != nil {
		e.cfg.Logger.Error("engine: publishing status to store failed", "job", job.Name(), "target", target, "error", err)
		return err
	}

	status := store.Status{Commit: commit, ContextSegments: ctxSegments, State: state, Description: description, URL: url}
	if err := e.cfg.Forge.PublishStatus(ctx, projectID, commit, status); err != nil {
		e.cfg.Metrics.StatusPublishTotal.WithLabelValues("failure").Inc()
		e.cfg.Logger.Error("engine: publishing status to forge failed", "job", job.Name(), "target", target, "error", err)
		return err
	}
	e.cfg.Metrics.StatusPublishTotal.WithLabelValues("success").Inc()
	return nil
}

func mapStatus(s term.Status) store.StatusState {
	switch s {
	case term.StatusSuccess:
		return store.StatusSuccess
	case term.StatusPending:
		return store.StatusPending
	default:
		return store.StatusFailure
	}
}
