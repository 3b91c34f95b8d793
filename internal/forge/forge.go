// Package forge defines the boundary between the metadata mirror and the
// external code-forge service. Concrete adapters (internal/forge/github)
// never talk to the engine directly — they only ever write into a
// metadata-branch Transaction the mirror supplies, preserving the
// invariant that forge writes go through a separate transaction that
// commits to the metadata branch.
package forge

import (
	"context"

	"github.com/ci-forge/engine/internal/store"
)

// Bridge is the forge-facing half of the metadata mirror's sync job.
type Bridge interface {
	// SyncInto lists the project's open pull requests and heads/tags refs
	// from the forge and writes them into tx at the mirror's fixed paths.
	SyncInto(ctx context.Context, tx store.Transaction, project store.ProjectID) error

	// PublishStatus reports a commit status back to the forge.
	PublishStatus(ctx context.Context, project store.ProjectID, commit store.Commit, st store.Status) error
}
