// Package webapi is the thin HTTP adapter over the engine's public API
// (§4.I): a go-chi/v5 router in the structural style of the teacher's
// internal/server/server.go, with every handler a direct call into
// EngineAPI plus JSON marshaling.
package webapi

import (
	"context"

	"github.com/ci-forge/engine/internal/engine"
	"github.com/ci-forge/engine/internal/store"
)

// EngineAPI is the subset of *engine.Engine the web layer depends on,
// narrowed the way the teacher's client_iface.go narrows *client.Client to
// TemporalClient — so tests can supply a fake instead of a running engine.
type EngineAPI interface {
	Projects(ctx context.Context) ([]engine.ProjectView, error)
	Jobs(id store.ProjectID, target store.Target) ([]*engine.Job, error)
	FindJob(id string) (store.ProjectID, *engine.Job, error)
	JobState(job *engine.Job) engine.JobState
	Title(ctx context.Context, id store.ProjectID, target store.Target) (string, error)
	Rebuild(ctx context.Context, branch string) error
	Cancel(branch string) (bool, string)
	Store(ctx context.Context) (store.Store, error)
}

var _ EngineAPI = (*engine.Engine)(nil)
