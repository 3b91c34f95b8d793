package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ci-forge/engine/internal/store"
	"github.com/ci-forge/engine/internal/term"
)

type jobRef struct {
	projectID store.ProjectID
	job       *Job
}

// collectRebuildTriggers walks a job's LogTree looking for Saved nodes on
// branch, appending their force-thunks to triggers.
func collectRebuildTriggers(lt term.LogTree, branch string, triggers *[]func()) bool {
	switch lt.Kind {
	case term.LogSaved:
		if lt.Branch == branch && lt.Rebuild != nil {
			*triggers = append(*triggers, lt.Rebuild)
			return true
		}
		return false
	case term.LogPair:
		left := collectRebuildTriggers(*lt.Left, branch, triggers)
		right := collectRebuildTriggers(*lt.Right, branch, triggers)
		return left || right
	default:
		return false
	}
}

// Rebuild forces the rebuild trigger of every saved log on branch (marking
// its cache entry for rebuild), waits for the triggers to return, then
// resynchronizes and recalculates every job whose log referenced that entry,
// which recomputes it (§4.G).
func (e *Engine) Rebuild(ctx context.Context, branch string) error {
	db, err := e.getDB(ctx)
	if err != nil {
		return err
	}

	var triggers []func()
	var affected []jobRef
	for _, key := range e.order {
		ps := e.projects[key]
		ps.mu.Lock()
		for _, entry := range ps.targets {
			for _, job := range entry.jobs {
				var hit bool
				state := job.State()
				hit = collectRebuildTriggers(state.Log, branch, &triggers)
				if hit {
					affected = append(affected, jobRef{projectID: ps.id, job: job})
				}
			}
		}
		ps.mu.Unlock()
	}

	if len(affected) == 0 {
		return fmt.Errorf("engine: no job references log branch %q", branch)
	}

	var g errgroup.Group
	for _, trigger := range triggers {
		trigger := trigger
		g.Go(func() error {
			trigger()
			return nil
		})
	}
	_ = g.Wait()

	e.termLock.Lock()
	defer e.termLock.Unlock()

	snap, err := db.mirror.Snapshot(ctx)
	if err != nil {
		return err
	}
	for _, ref := range affected {
		if err := e.recalculate(ctx, db, snap, ref.projectID, ref.job); err != nil {
			return err
		}
	}
	return nil
}

// Cancel stops the in-progress build backing branch's live log, if any
// (§4.H).
func (e *Engine) Cancel(branch string) (bool, string) {
	log, ok := e.cfg.Livelogs.Lookup(branch)
	if !ok {
		return false, "no live build for that branch"
	}
	return log.Cancel()
}

// ProjectView is a read-only snapshot of one project's monitored targets
// (§6).
type ProjectView struct {
	ID   store.ProjectID
	PRs  map[int]store.PR
	Refs map[string]store.Ref
}

// Projects returns a view of every configured project at the current
// snapshot.
func (e *Engine) Projects(ctx context.Context) ([]ProjectView, error) {
	db, err := e.getDB(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := db.mirror.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ProjectView, 0, len(e.order))
	for _, key := range e.order {
		ps := e.projects[key]
		prs, refs, err := snap.Project(ctx, ps.id)
		if err != nil {
			return nil, err
		}
		out = append(out, ProjectView{ID: ps.id, PRs: prs, Refs: refs})
	}
	return out, nil
}

// Jobs returns the jobs currently bound to target within project.
func (e *Engine) Jobs(id store.ProjectID, target store.Target) ([]*Job, error) {
	ps, ok := e.projects[id.String()]
	if !ok {
		return nil, fmt.Errorf("engine: unknown project %s", id)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	entry, ok := ps.targets[target.ID()]
	if !ok {
		return nil, fmt.Errorf("engine: unknown target %s", target)
	}
	out := make([]*Job, len(entry.jobs))
	copy(out, entry.jobs)
	return out, nil
}

// JobState returns job's last-resolved outcome.
func (e *Engine) JobState(job *Job) JobState { return job.State() }

// FindJob locates the job addressed by id (see JobID) across every
// configured project, for the web adapter's single-job lookup route.
func (e *Engine) FindJob(id string) (store.ProjectID, *Job, error) {
	for _, key := range e.order {
		ps := e.projects[key]
		ps.mu.Lock()
		for _, entry := range ps.targets {
			for _, job := range entry.jobs {
				if job.ID() == id {
					ps.mu.Unlock()
					return ps.id, job, nil
				}
			}
		}
		ps.mu.Unlock()
	}
	return store.ProjectID{}, nil, fmt.Errorf("engine: unknown job id %q", id)
}

// Title returns a human-readable title for target: a PR's title, or a
// ref's name.
func (e *Engine) Title(ctx context.Context, id store.ProjectID, target store.Target) (string, error) {
	db, err := e.getDB(ctx)
	if err != nil {
		return "", err
	}
	snap, err := db.mirror.Snapshot(ctx)
	if err != nil {
		return "", err
	}

	switch target.Kind {
	case store.TargetPR:
		pr, ok, err := snap.PR(ctx, id, target.PRNumber)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("engine: PR #%d not found", target.PRNumber)
		}
		return pr.Title, nil
	case store.TargetRef:
		return target.RefName.String(), nil
	default:
		return "", fmt.Errorf("engine: unknown target kind")
	}
}

// Store returns the currently connected Store handle.
func (e *Engine) Store(ctx context.Context) (store.Store, error) {
	db, err := e.getDB(ctx)
	if err != nil {
		return nil, err
	}
	return db.store, nil
}
