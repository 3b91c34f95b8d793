package engine

import (
	"encoding/base64"
	"sync"

	"github.com/ci-forge/engine/internal/store"
	"github.com/ci-forge/engine/internal/term"
)

// JobID returns a stable, URL-safe opaque identifier for the job that a
// (project, target, step-name) triple identifies (§4.I: the web adapter
// addresses jobs by this id alone, with no structure a client should rely
// on).
func JobID(projectID store.ProjectID, target store.Target, name string) string {
	raw := projectID.String() + "|" + target.ID() + "|" + name
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// JobState is the last-resolved outcome of a Job's term evaluation, as
// exposed through the engine's public API and the web adapter.
type JobState struct {
	Status      term.Status
	Description string
	Log         term.LogTree
}

type publishedState struct {
	set         bool
	hash        string
	status      store.StatusState
	description string
}

// Job is one pipeline step bound to one Target; it survives across
// snapshots (its identity is preserved while the Target remains live) so
// that its cancellation handle and last-published status persist between
// recalculations.
type Job struct {
	id      string
	name    string
	builder JobBuilder

	mu        sync.Mutex
	target    store.Target
	cancel    func()
	lastHash  string
	published publishedState
	state     JobState
}

// ID returns the job's opaque, stable identifier (see JobID).
func (j *Job) ID() string { return j.id }

// Name returns the job's pipeline-step name, e.g. "lint" or "test/unit".
func (j *Job) Name() string { return j.name }

// Target returns the target this job is currently bound to.
func (j *Job) Target() store.Target {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.target
}

func (j *Job) setTarget(t store.Target) {
	j.mu.Lock()
	j.target = t
	j.mu.Unlock()
}

func (j *Job) setCancel(c func()) {
	j.mu.Lock()
	j.cancel = c
	j.mu.Unlock()
}

// cancelCurrent invokes and clears the job's current cancellation handle,
// exactly once per evaluation that registered one.
func (j *Job) cancelCurrent() {
	j.mu.Lock()
	c := j.cancel
	j.cancel = nil
	j.mu.Unlock()
	if c != nil {
		c()
	}
}

func (j *Job) setState(s JobState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// State returns the job's last-resolved outcome.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) setLastHash(hash string) {
	j.mu.Lock()
	j.lastHash = hash
	j.mu.Unlock()
}

// needsPublish reports whether (hash, status, description) differs from the
// last publication actually confirmed by markPublished. It does not itself
// advance the baseline — a caller that attempts to publish but fails must
// leave the baseline untouched so the identical triple is retried on the
// next recalculation (spec: "previous published state is preserved until
// success").
func (j *Job) needsPublish(hash string, status store.StatusState, description string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return !j.published.set || j.published.hash != hash || j.published.status != status || j.published.description != description
}

// markPublished records (hash, status, description) as the new baseline.
// Call only after a publish attempt has actually succeeded.
func (j *Job) markPublished(hash string, status store.StatusState, description string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.published = publishedState{set: true, hash: hash, status: status, description: description}
}
