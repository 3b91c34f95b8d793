package main

import (
	"context"
	"fmt"

	"github.com/ci-forge/engine/internal/engine"
	"github.com/ci-forge/engine/internal/mirror"
	"github.com/ci-forge/engine/internal/sandbox"
	"github.com/ci-forge/engine/internal/store"
	"github.com/ci-forge/engine/internal/term"
)

// termFactory builds a term DAG for one named pipeline step, parameterized
// by the repo it runs against. config's project.terms names are resolved
// against this registry at startup — config itself has no notion of what a
// term does (internal/config's doc comment), only cmd/ciengine does.
type termFactory func(repo store.Repo) engine.JobBuilder

// termRegistry is the built-in vocabulary of pipeline steps this binary
// knows how to run. Each entry is a distinguished Build node (§4.F.1):
// fingerprint on the target's current head commit plus the step's own
// identity, execute in a fixed Docker image.
var termRegistry = map[string]termFactory{
	"lint":  dockerStepFactory("golangci-lint", "golangci/golangci-lint:latest", []string{"golangci-lint", "run", "./..."}),
	"test":  dockerStepFactory("go-test", "golang:1.22", []string{"go", "test", "./..."}),
	"build": dockerStepFactory("go-build", "golang:1.22", []string{"go", "build", "./..."}),
}

// resolveTerms turns a project's configured term names into job specs,
// erroring on any name absent from termRegistry.
func resolveTerms(repo store.Repo, names []string) ([]engine.JobSpec, error) {
	specs := make([]engine.JobSpec, 0, len(names))
	for _, name := range names {
		factory, ok := termRegistry[name]
		if !ok {
			return nil, fmt.Errorf("ciengine: unknown term %q (known: %s)", name, knownTermNames())
		}
		specs = append(specs, engine.JobSpec{Name: name, Builder: factory(repo)})
	}
	return specs, nil
}

func knownTermNames() string {
	names := make([]string, 0, len(termRegistry))
	for name := range termRegistry {
		names = append(names, name)
	}
	return fmt.Sprint(names)
}

// dockerStepFactory builds a termFactory running command in image, with
// the build memoized by (step, repo, target, head commit) — any change to
// the target's head invalidates the cache entry automatically, with no
// explicit rebuild required.
func dockerStepFactory(step, image string, command []string) termFactory {
	return func(repo store.Repo) engine.JobBuilder {
		return func(target store.Target) *term.Node {
			fingerprint := func(ctx context.Context, snap *mirror.Snapshot) (string, error) {
				commit, err := targetHeadCommit(ctx, snap, repo, target)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%s/%s/%s/%s", repo, step, target.ID(), commit), nil
			}
			request := func(ctx context.Context, snap *mirror.Snapshot) (sandbox.BuildRequest, error) {
				commit, err := targetHeadCommit(ctx, snap, repo, target)
				if err != nil {
					return sandbox.BuildRequest{}, err
				}
				return sandbox.BuildRequest{
					Image:      image,
					Command:    command,
					WorkingDir: "/workspace",
					Env: map[string]string{
						"CI_ENGINE_REPO":   repo.String(),
						"CI_ENGINE_TARGET": target.ID(),
						"CI_ENGINE_COMMIT": commit,
					},
				}, nil
			}
			return term.Build(fingerprint, request)
		}
	}
}

// targetHeadCommit resolves target's current commit hash from snap,
// failing if the target is no longer present (it may have just closed).
func targetHeadCommit(ctx context.Context, snap *mirror.Snapshot, repo store.Repo, target store.Target) (string, error) {
	id, err := store.NewProjectID(repo)
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
			return "", fmt.Errorf("ciengine: pr %d no longer present", target.PRNumber)
		}
		return pr.HeadCommit, nil
	case store.TargetRef:
		ref, ok, err := snap.Ref(ctx, id, target.RefName.String())
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("ciengine: ref %s no longer present", target.RefName)
		}
		return ref.HeadCommit, nil
	default:
		return "", fmt.Errorf("ciengine: unknown target kind for %s", target)
	}
}
