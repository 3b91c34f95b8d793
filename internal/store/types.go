package store

import (
	"fmt"

	"github.com/ci-forge/engine/internal/path"
)

// Repo names a single repository hosted on the forge.
type Repo struct {
	User string
	Repo string
}

func (r Repo) String() string {
	return fmt.Sprintf("%s/%s", r.User, r.Repo)
}

// Path returns the metadata-branch path segment ("user/repo") this repo
// projects to.
func (r Repo) Path() (path.Path, error) {
	return path.New(r.User, r.Repo)
}

// ProjectID identifies a monitored project: a repo plus its derived tree
// path. The tree path is redundant with Repo but cached here since it is
// consulted on every mirror read.
type ProjectID struct {
	Repo     Repo
	TreePath path.Path
}

func NewProjectID(repo Repo) (ProjectID, error) {
	p, err := repo.Path()
	if err != nil {
		return ProjectID{}, err
	}
	return ProjectID{Repo: repo, TreePath: p}, nil
}

func (p ProjectID) String() string { return p.TreePath.String() }

// Commit names a specific commit hash on a repo known to the forge. It is
// distinct from store.Commit, which is a commit on a Store branch.
type Commit struct {
	Repo Repo
	Hash string
}

func (c Commit) String() string { return c.Repo.String() + "@" + c.Hash }

// PRState is the open/closed lifecycle state of a pull request.
type PRState string

const (
	PROpen   PRState = "open"
	PRClosed PRState = "closed"
)

// PR is a pull request as mirrored from the forge.
type PR struct {
	Repo       Repo
	Number     int
	Title      string
	Base       string
	State      PRState
	HeadCommit string
}

// Ref is a Git reference (branch or tag) as mirrored from the forge.
type Ref struct {
	Repo         Repo
	NameSegments path.Path
	HeadCommit   string
}

// Name renders the ref's segments back into "heads/foo/bar" form.
func (r Ref) Name() string { return r.NameSegments.String() }

// StatusState is the forge-facing commit status vocabulary; exactly one of
// these four values, case-sensitive (§6).
type StatusState string

const (
	StatusError   StatusState = "error"
	StatusPending StatusState = "pending"
	StatusSuccess StatusState = "success"
	StatusFailure StatusState = "failure"
)

// Status is a single CI status attached to a commit under a named context
// (e.g. the segments of a job name).
type Status struct {
	Commit          Commit
	ContextSegments path.Path
	State           StatusState
	Description     string
	URL             string // empty if absent
}

// TargetKind distinguishes the two flavors of Target.
type TargetKind int

const (
	TargetPR TargetKind = iota
	TargetRef
)

// Target is the polymorphic pair Repo × (PR-id | Ref-name); it is the unit
// at which pipelines attach (§3).
type Target struct {
	Repo Repo
	Kind TargetKind

	// Valid when Kind == TargetPR.
	PRNumber int

	// Valid when Kind == TargetRef.
	RefName path.Path
}

func NewPRTarget(repo Repo, number int) Target {
	return Target{Repo: repo, Kind: TargetPR, PRNumber: number}
}

func NewRefTarget(repo Repo, name path.Path) Target {
	return Target{Repo: repo, Kind: TargetRef, RefName: name}
}

// ID is a stable, comparable identity for use as a map key; two Targets
// referring to the same PR or ref compare equal.
func (t Target) ID() string {
	switch t.Kind {
	case TargetPR:
		return fmt.Sprintf("%s#pr/%d", t.Repo, t.PRNumber)
	case TargetRef:
		return fmt.Sprintf("%s#ref/%s", t.Repo, t.RefName)
	default:
		return fmt.Sprintf("%s#unknown", t.Repo)
	}
}

// String renders a short human-readable dump of the target, "PR#7" or
// "ref heads/main", as used in metadata-branch commit messages. It includes
// neither the head commit nor the PR title.
func (t Target) String() string {
	switch t.Kind {
	case TargetPR:
		return fmt.Sprintf("PR#%d", t.PRNumber)
	case TargetRef:
		return fmt.Sprintf("ref %s", t.RefName)
	default:
		return "unknown target"
	}
}
