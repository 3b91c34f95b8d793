// Package mirror projects the forge's PR/ref/status/commit model onto the
// metadata branch of a Store and exposes it as read-only, lazily
// materialized Snapshots (§4.C).
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/ci-forge/engine/internal/path"
	"github.com/ci-forge/engine/internal/store"
)

// BranchName is the fixed name of the metadata branch the mirror reads and
// writes (§6).
const BranchName = "github-metadata"

// Mirror wraps a Store, always addressing the fixed metadata branch.
type Mirror struct {
	store  store.Store
	branch store.Branch
	logger *slog.Logger
}

// New constructs a Mirror over s, using the module-wide metadata branch
// name.
func New(s store.Store, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{store: s, branch: s.Branch(BranchName), logger: logger}
}

// Snapshot is an immutable view of the mirror at a fixed Store commit. Each
// project's (PRs, Refs) pair is materialized at most once and cached for
// the Snapshot's lifetime.
type Snapshot struct {
	commit store.Commit
	logger *slog.Logger

	mu       sync.Mutex
	projects map[string]*projectOnce
}

type projectOnce struct {
	once sync.Once
	prs  map[int]store.PR
	refs map[string]store.Ref
	err  error
}

// Snapshot reads the metadata branch head and returns an immutable view
// over it. Fails if the branch has no head yet.
func (m *Mirror) Snapshot(ctx context.Context) (*Snapshot, error) {
	head, err := m.branch.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("mirror: reading metadata branch head: %w", err)
	}
	if head == nil {
		return nil, fmt.Errorf("mirror: metadata branch %q has no head", BranchName)
	}
	return &Snapshot{commit: head, logger: m.logger, projects: map[string]*projectOnce{}}, nil
}

// Project returns the PRs (indexed by number) and Refs (indexed by name)
// mirrored for a project, computed on first call and memoized thereafter.
func (s *Snapshot) Project(ctx context.Context, id store.ProjectID) (map[int]store.PR, map[string]store.Ref, error) {
	s.mu.Lock()
	po, ok := s.projects[id.String()]
	if !ok {
		po = &projectOnce{}
		s.projects[id.String()] = po
	}
	s.mu.Unlock()

	po.once.Do(func() {
		po.prs, po.refs, po.err = s.materializeProject(ctx, id)
	})
	return po.prs, po.refs, po.err
}

func (s *Snapshot) materializeProject(ctx context.Context, id store.ProjectID) (map[int]store.PR, map[string]store.Ref, error) {
	tree := s.commit.Tree()

	prs, err := s.materializePRs(ctx, tree, id)
	if err != nil {
		return nil, nil, err
	}
	refs, err := s.materializeRefs(ctx, tree, id)
	if err != nil {
		return nil, nil, err
	}
	return prs, refs, nil
}

func (s *Snapshot) materializePRs(ctx context.Context, tree store.Tree, id store.ProjectID) (map[int]store.PR, error) {
	prRoot, err := id.TreePath.Append("pr")
	if err != nil {
		return nil, err
	}
	numbers, err := tree.ReadDir(ctx, prRoot.String())
	if err != nil {
		if store.IsNoEntry(err) {
			return map[int]store.PR{}, nil
		}
		return nil, fmt.Errorf("mirror: listing %s: %w", prRoot, err)
	}

	out := make(map[int]store.PR, len(numbers))
	for _, numStr := range numbers {
		n, convErr := strconv.Atoi(numStr)
		if convErr != nil {
			s.logger.Warn("mirror: malformed PR number, skipping", "project", id, "entry", numStr)
			continue
		}

		prPath, err := prRoot.Append(numStr)
		if err != nil {
			s.logger.Warn("mirror: malformed PR path, skipping", "project", id, "entry", numStr)
			continue
		}

		headPath, err := prPath.Append("head")
		if err != nil {
			return nil, err
		}
		headData, err := tree.ReadFile(ctx, headPath.String())
		if err != nil {
			if store.IsNoEntry(err) {
				s.logger.Warn("mirror: PR missing head, skipping", "project", id, "pr", n)
				continue
			}
			return nil, fmt.Errorf("mirror: reading %s: %w", headPath, err)
		}

		title := "Bad title: missing title file"
		titlePath, err := prPath.Append("title")
		if err != nil {
			return nil, err
		}
		titleData, err := tree.ReadFile(ctx, titlePath.String())
		switch {
		case err == nil:
			title = strings.TrimRight(string(titleData), "\n")
		case store.IsNoEntry(err):
			// already set to the synthetic placeholder above (§9 open question)
		default:
			title = fmt.Sprintf("Bad title: %s", err)
		}

		out[n] = store.PR{
			Repo:       id.Repo,
			Number:     n,
			Title:      title,
			State:      store.PROpen,
			HeadCommit: strings.TrimRight(string(headData), "\n"),
		}
	}
	return out, nil
}

func (s *Snapshot) materializeRefs(ctx context.Context, tree store.Tree, id store.ProjectID) (map[string]store.Ref, error) {
	refRoot, err := id.TreePath.Append("ref")
	if err != nil {
		return nil, err
	}
	out := map[string]store.Ref{}
	if err := s.walkRefs(ctx, tree, id, refRoot, out); err != nil {
		if store.IsNoEntry(err) {
			return map[string]store.Ref{}, nil
		}
		return nil, err
	}
	return out, nil
}

// walkRefs performs the depth-first traversal described in §4.C: a
// directory containing a "head" file is a ref at that path; otherwise
// recurse into its children.
func (s *Snapshot) walkRefs(ctx context.Context, tree store.Tree, id store.ProjectID, dir path.Path, out map[string]store.Ref) error {
	headPath, err := dir.Append("head")
	if err != nil {
		return err
	}
	headData, err := tree.ReadFile(ctx, headPath.String())
	if err == nil {
		nameSegments := dir[len(id.TreePath)+1:]
		out[nameSegments.String()] = store.Ref{
			Repo:         id.Repo,
			NameSegments: nameSegments,
			HeadCommit:   strings.TrimRight(string(headData), "\n"),
		}
		return nil
	}
	if !store.IsNoEntry(err) {
		return fmt.Errorf("mirror: reading %s: %w", headPath, err)
	}

	children, err := tree.ReadDir(ctx, dir.String())
	if err != nil {
		return err
	}
	for _, child := range children {
		childPath, err := dir.Append(child)
		if err != nil {
			s.logger.Warn("mirror: malformed ref path segment, skipping", "entry", child)
			continue
		}
		if err := s.walkRefs(ctx, tree, id, childPath, out); err != nil {
			return err
		}
	}
	return nil
}

// CommitStateResult is the result of CommitState: the published status, if
// any, for a given commit and CI context.
type CommitStateResult struct {
	Present     bool
	State       store.StatusState
	Description string
	URL         string
}

// CommitState reads the three status leaves under commit/<hash>/status/<ci…>/.
func (m *Mirror) CommitState(ctx context.Context, c store.Commit, ciContext path.Path) (CommitStateResult, error) {
	head, err := m.branch.Head(ctx)
	if err != nil {
		return CommitStateResult{}, err
	}
	if head == nil {
		return CommitStateResult{}, nil
	}
	tree := head.Tree()

	base, err := commitStatusPath(c, ciContext)
	if err != nil {
		return CommitStateResult{}, err
	}

	statePath, err := base.Append("state")
	if err != nil {
		return CommitStateResult{}, err
	}
	stateData, err := tree.ReadFile(ctx, statePath.String())
	if err != nil {
		if store.IsNoEntry(err) {
			return CommitStateResult{}, nil
		}
		return CommitStateResult{}, err
	}

	result := CommitStateResult{Present: true, State: store.StatusState(strings.TrimRight(string(stateData), "\n"))}

	descPath, err := base.Append("description")
	if err != nil {
		return CommitStateResult{}, err
	}
	if descData, err := tree.ReadFile(ctx, descPath.String()); err == nil {
		result.Description = strings.TrimRight(string(descData), "\n")
	} else if !store.IsNoEntry(err) {
		return CommitStateResult{}, err
	}

	urlPath, err := base.Append("target_url")
	if err != nil {
		return CommitStateResult{}, err
	}
	if urlData, err := tree.ReadFile(ctx, urlPath.String()); err == nil {
		result.URL = strings.TrimRight(string(urlData), "\n")
	} else if !store.IsNoEntry(err) {
		return CommitStateResult{}, err
	}

	return result, nil
}

func commitStatusPath(c store.Commit, ciContext path.Path) (path.Path, error) {
	p, err := path.New(c.Repo.User, c.Repo.Repo, "commit", c.Hash, "status")
	if err != nil {
		return nil, err
	}
	return p.Join(ciContext), nil
}

// SetState writes a commit status: opens a transaction on the metadata
// branch, creates commit/<hash>/status/<ci…>/ if missing, writes state and
// description (newline-terminated), writes or removes target_url, and
// commits with message. Transient conflicts are retried by the Branch
// implementation itself (§4.B).
func (m *Mirror) SetState(ctx context.Context, c store.Commit, ciContext path.Path, state store.StatusState, description, targetURL, message string) error {
	base, err := commitStatusPath(c, ciContext)
	if err != nil {
		return err
	}

	return m.branch.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
		if err := tx.MakeDirs(ctx, base.String()); err != nil {
			return store.Abort(), err
		}

		statePath, err := base.Append("state")
		if err != nil {
			return store.Abort(), err
		}
		if err := tx.CreateOrReplaceFile(ctx, statePath.String(), []byte(string(state)+"\n")); err != nil {
			return store.Abort(), err
		}

		descPath, err := base.Append("description")
		if err != nil {
			return store.Abort(), err
		}
		if err := tx.CreateOrReplaceFile(ctx, descPath.String(), []byte(description+"\n")); err != nil {
			return store.Abort(), err
		}

		urlPath, err := base.Append("target_url")
		if err != nil {
			return store.Abort(), err
		}
		if targetURL == "" {
			if err := tx.Remove(ctx, urlPath.String()); err != nil && !store.IsNoEntry(err) {
				return store.Abort(), err
			}
		} else {
			if err := tx.CreateOrReplaceFile(ctx, urlPath.String(), []byte(targetURL+"\n")); err != nil {
				return store.Abort(), err
			}
		}

		return store.Commit(message), nil
	})
}

// EnableMonitoring opens one transaction; for each project lacking
// .monitor, creates an empty marker; commits only if any were added, else
// aborts.
func (m *Mirror) EnableMonitoring(ctx context.Context, projects []store.ProjectID) error {
	return m.branch.WithTransaction(ctx, func(tx store.Transaction) (store.TxResult, error) {
		added := false
		for _, p := range projects {
			markerPath, err := p.TreePath.Append(".monitor")
			if err != nil {
				return store.Abort(), err
			}
			exists, err := tx.ExistsFile(ctx, markerPath.String())
			if err != nil {
				return store.Abort(), err
			}
			if exists {
				continue
			}
			if err := tx.MakeDirs(ctx, p.TreePath.String()); err != nil {
				return store.Abort(), err
			}
			if err := tx.CreateFile(ctx, markerPath.String(), []byte{}); err != nil {
				return store.Abort(), err
			}
			added = true
		}
		if !added {
			return store.Abort(), nil
		}
		return store.Commit("enable monitoring"), nil
	})
}

// OnSnapshot is invoked by Monitor each time the metadata branch head
// advances.
type OnSnapshot func(ctx context.Context, snap *Snapshot) error

// Monitor streams each new metadata-branch head as a Snapshot to onSnapshot
// until ctx is cancelled.
func (m *Mirror) Monitor(ctx context.Context, onSnapshot OnSnapshot) error {
	var lastID string
	return m.branch.WaitForHead(ctx, func(head store.Commit) (bool, error) {
		if head == nil {
			return false, nil
		}
		if head.ID() == lastID {
			return false, nil
		}
		lastID = head.ID()

		snap := &Snapshot{commit: head, logger: m.logger, projects: map[string]*projectOnce{}}
		if err := onSnapshot(ctx, snap); err != nil {
			return false, err
		}
		return false, nil
	})
}

// PR returns a lazily-hydrated individual PR, or (zero, false) if absent.
func (s *Snapshot) PR(ctx context.Context, id store.ProjectID, number int) (store.PR, bool, error) {
	prs, _, err := s.Project(ctx, id)
	if err != nil {
		return store.PR{}, false, err
	}
	pr, ok := prs[number]
	return pr, ok, nil
}

// Ref returns a lazily-hydrated individual ref, or (zero, false) if absent.
func (s *Snapshot) Ref(ctx context.Context, id store.ProjectID, name string) (store.Ref, bool, error) {
	_, refs, err := s.Project(ctx, id)
	if err != nil {
		return store.Ref{}, false, err
	}
	ref, ok := refs[name]
	return ref, ok, nil
}

// Commit returns the underlying Store commit this snapshot was taken at.
func (s *Snapshot) Commit() store.Commit { return s.commit }
