// Package store defines the transactional tree contract (§4.B) that the rest
// of the engine is built against. It intentionally says nothing about how a
// branch is persisted: internal/store/memstore and internal/store/gitstore
// are the two concrete backends shipped with this module.
package store

import "context"

// Commit identifies an immutable tree snapshot committed to a Branch.
type Commit interface {
	// ID returns a backend-specific, stable identifier for this commit
	// (a content hash for gitstore, a monotonically increasing index for
	// memstore). It is only meaningful for equality comparison.
	ID() string

	// Tree returns the tree rooted at this commit.
	Tree() Tree
}

// Tree is a read-only view of a committed (or in-progress) directory
// structure.
type Tree interface {
	// ReadFile returns the raw bytes at path, or ErrNoEntry if absent.
	ReadFile(ctx context.Context, p string) ([]byte, error)

	// ReadDir lists the direct children of the directory at path, or
	// ErrNoEntry if the directory itself does not exist.
	ReadDir(ctx context.Context, p string) ([]string, error)

	// ExistsFile reports whether a regular file exists at path. It never
	// returns ErrNoEntry; a missing path simply yields (false, nil).
	ExistsFile(ctx context.Context, p string) (bool, error)
}

// Transaction is a mutable view of a tree, live for the duration of a single
// with_transaction callback.
type Transaction interface {
	Tree

	// MakeDirs ensures every directory component of path exists.
	MakeDirs(ctx context.Context, p string) error

	// CreateFile creates a new file; it is an error if one already exists.
	CreateFile(ctx context.Context, p string, data []byte) error

	// CreateOrReplaceFile creates or overwrites a file at path.
	CreateOrReplaceFile(ctx context.Context, p string, data []byte) error

	// Remove deletes the file or directory subtree rooted at path.
	Remove(ctx context.Context, p string) error
}

// TxResult is returned by the callback passed to Branch.WithTransaction: it
// either commits with a message or aborts, discarding all writes.
type TxResult struct {
	committed bool
	message   string
}

// Commit signals that the transaction should be committed with message.
func Commit(message string) TxResult {
	return TxResult{committed: true, message: message}
}

// Abort signals that the transaction should be discarded.
func Abort() TxResult {
	return TxResult{committed: false}
}

func (r TxResult) Committed() bool { return r.committed }
func (r TxResult) Message() string { return r.message }

// HeadPredicate is supplied to Branch.WaitForHead; it is invoked with the
// current head (nil if the branch has none) each time it advances and
// reports whether the wait is satisfied.
type HeadPredicate func(head Commit) (done bool, err error)

// Branch is a named, mutable pointer at a Commit.
type Branch interface {
	// Name returns the branch's name.
	Name() string

	// Head returns the current head commit, or nil if the branch has none.
	Head(ctx context.Context) (Commit, error)

	// WithTransaction supplies fn a mutable Transaction rooted at the
	// current head (an empty tree if the branch has no head yet).
	// Transactions on the same branch serialize with respect to one
	// another. If fn returns a committed TxResult, the branch head is
	// atomically advanced; WithTransaction retries on a concurrent-update
	// conflict by re-invoking fn against the new head.
	WithTransaction(ctx context.Context, fn func(tx Transaction) (TxResult, error)) error

	// WaitForHead blocks, repeatedly invoking pred with each observed head
	// (it is acceptable to skip intermediate heads), until pred reports
	// done or ctx is cancelled.
	WaitForHead(ctx context.Context, pred HeadPredicate) error
}

// Store is the top-level handle consumed by the mirror and the engine.
type Store interface {
	// Branch obtains a handle to a named branch, creating its bookkeeping
	// entry lazily (the branch has no head until something commits to it).
	Branch(name string) Branch

	// Close releases backend resources (connections, file handles).
	Close() error
}
