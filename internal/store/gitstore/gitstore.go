// Package gitstore is the git-native Store backend: every commit is a real
// go-git object.Commit over a real object.Tree, and every branch is a real
// plumbing.Reference. It keeps its object database in memory (go-git's
// storage/memory, the same backend the teacher's sandboxed git sessions
// use) so the module has no on-disk dependency, but the object model is
// indistinguishable from a checkout of an actual repository — the "Store"
// really is Git-backed.
package gitstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/ci-forge/engine/internal/store"
)

// commitSignature is used for every commit this store produces; the engine
// is the sole author of its own metadata history.
var commitSignature = object.Signature{Name: "ci-forge-engine", Email: "ci-forge-engine@localhost"}

// Store is a git-native Store: one in-memory object database shared by all
// branches, each branch a distinct plumbing reference.
type Store struct {
	storage *memory.Storage

	mu       sync.Mutex
	branches map[string]*branch
}

// New constructs an empty git-native Store backed by an in-memory object
// database.
func New() *Store {
	return &Store{
		storage:  memory.NewStorage(),
		branches: map[string]*branch{},
	}
}

func (s *Store) Branch(name string) store.Branch {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[name]
	if !ok {
		b = &branch{
			name:    name,
			refName: plumbing.NewBranchReferenceName(name),
			storage: s.storage,
		}
		b.cond = sync.NewCond(&b.mu)
		s.branches[name] = b
	}
	return b
}

func (s *Store) Close() error { return nil }

var _ store.Store = (*Store)(nil)

// commit wraps a *object.Commit as a store.Commit.
type commit struct {
	storage *memory.Storage
	c       *object.Commit
}

func (c *commit) ID() string { return c.c.Hash.String() }

func (c *commit) Tree() store.Tree {
	t, err := c.c.Tree()
	if err != nil {
		return &errTree{err: err}
	}
	return &tree{storage: c.storage, t: t}
}

// errTree surfaces a deferred error (tree object could not be loaded) the
// first time any read is attempted on it.
type errTree struct{ err error }

func (e *errTree) ReadFile(context.Context, string) ([]byte, error)   { return nil, e.err }
func (e *errTree) ReadDir(context.Context, string) ([]string, error)  { return nil, e.err }
func (e *errTree) ExistsFile(context.Context, string) (bool, error)   { return false, e.err }

type tree struct {
	storage *memory.Storage
	t       *object.Tree
}

func (t *tree) ReadFile(_ context.Context, p string) ([]byte, error) {
	f, err := t.t.File(p)
	if err != nil {
		if err == object.ErrFileNotFound {
			return nil, store.ErrNoEntry
		}
		return nil, err
	}
	r, err := f.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (t *tree) ExistsFile(_ context.Context, p string) (bool, error) {
	_, err := t.t.File(p)
	if err != nil {
		if err == object.ErrFileNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *tree) ReadDir(_ context.Context, p string) ([]string, error) {
	sub := t.t
	if p != "" {
		entry, err := t.t.Tree(p)
		if err != nil {
			if err == object.ErrDirectoryNotFound {
				return nil, store.ErrNoEntry
			}
			return nil, err
		}
		sub = entry
	}
	out := make([]string, 0, len(sub.Entries))
	for _, e := range sub.Entries {
		out = append(out, e.Name)
	}
	sort.Strings(out)
	return out, nil
}

// transaction stages writes in memory before they are flattened into a real
// git tree at commit time.
type transaction struct {
	storage *memory.Storage
	// files holds the full resulting file set for the branch (base files
	// inherited from the parent commit, overlaid with this transaction's
	// writes); Remove deletes entries from it.
	files map[string][]byte
}

func newTransaction(storage *memory.Storage, base *object.Tree) (*transaction, error) {
	tx := &transaction{storage: storage, files: map[string][]byte{}}
	if base == nil {
		return tx, nil
	}
	iter := base.Files()
	defer iter.Close()
	err := iter.ForEach(func(f *object.File) error {
		r, err := f.Reader()
		if err != nil {
			return err
		}
		defer r.Close()
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		tx.files[f.Name] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (tx *transaction) ReadFile(_ context.Context, p string) ([]byte, error) {
	data, ok := tx.files[p]
	if !ok {
		return nil, store.ErrNoEntry
	}
	return data, nil
}

func (tx *transaction) ExistsFile(_ context.Context, p string) (bool, error) {
	_, ok := tx.files[p]
	return ok, nil
}

func (tx *transaction) ReadDir(_ context.Context, p string) ([]string, error) {
	prefix := p
	if prefix != "" {
		prefix += "/"
	}
	seen := map[string]bool{}
	for fp := range tx.files {
		if prefix == "" || strings.HasPrefix(fp, prefix) {
			rest := strings.TrimPrefix(fp, prefix)
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				rest = rest[:i]
			}
			if rest != "" {
				seen[rest] = true
			}
		}
	}
	if len(seen) == 0 {
		if prefix == "" {
			return nil, nil
		}
		return nil, store.ErrNoEntry
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (tx *transaction) MakeDirs(context.Context, string) error { return nil }

func (tx *transaction) CreateFile(_ context.Context, p string, data []byte) error {
	if _, exists := tx.files[p]; exists {
		return fmt.Errorf("gitstore: file already exists: %s", p)
	}
	tx.files[p] = data
	return nil
}

func (tx *transaction) CreateOrReplaceFile(_ context.Context, p string, data []byte) error {
	tx.files[p] = data
	return nil
}

func (tx *transaction) Remove(_ context.Context, p string) error {
	prefix := p + "/"
	deleted := false
	if _, ok := tx.files[p]; ok {
		delete(tx.files, p)
		deleted = true
	}
	for fp := range tx.files {
		if strings.HasPrefix(fp, prefix) {
			delete(tx.files, fp)
			deleted = true
		}
	}
	if !deleted {
		return store.ErrNoEntry
	}
	return nil
}

// writeTree recursively materializes tx.files as real git tree objects,
// returning the hash of the root tree.
func (tx *transaction) writeTree() (plumbing.Hash, error) {
	type dirNode struct {
		files map[string][]byte
		dirs  map[string]*dirNode
	}
	root := &dirNode{files: map[string][]byte{}, dirs: map[string]*dirNode{}}
	for p, data := range tx.files {
		parts := strings.Split(p, "/")
		cur := root
		for _, seg := range parts[:len(parts)-1] {
			next, ok := cur.dirs[seg]
			if !ok {
				next = &dirNode{files: map[string][]byte{}, dirs: map[string]*dirNode{}}
				cur.dirs[seg] = next
			}
			cur = next
		}
		cur.files[parts[len(parts)-1]] = data
	}

	var writeNode func(n *dirNode) (plumbing.Hash, error)
	writeNode = func(n *dirNode) (plumbing.Hash, error) {
		t := &object.Tree{}
		names := make([]string, 0, len(n.files)+len(n.dirs))
		for name := range n.files {
			names = append(names, name)
		}
		for name := range n.dirs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if data, ok := n.files[name]; ok {
				hash, err := tx.writeBlob(data)
				if err != nil {
					return plumbing.ZeroHash, err
				}
				t.Entries = append(t.Entries, object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: hash})
				continue
			}
			sub := n.dirs[name]
			hash, err := writeNode(sub)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			t.Entries = append(t.Entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: hash})
		}
		obj := tx.storage.NewEncodedObject()
		obj.SetType(plumbing.TreeObject)
		if err := t.Encode(obj); err != nil {
			return plumbing.ZeroHash, err
		}
		return tx.storage.SetEncodedObject(obj)
	}

	return writeNode(root)
}

func (tx *transaction) writeBlob(data []byte) (plumbing.Hash, error) {
	obj := tx.storage.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return tx.storage.SetEncodedObject(obj)
}

type branch struct {
	name    string
	refName plumbing.ReferenceName
	storage *memory.Storage

	mu   sync.Mutex
	cond *sync.Cond
}

func (b *branch) Name() string { return b.name }

func (b *branch) headHash() (plumbing.Hash, bool, error) {
	ref, err := b.storage.Reference(b.refName)
	if err == plumbing.ErrReferenceNotFound {
		return plumbing.ZeroHash, false, nil
	}
	if err != nil {
		return plumbing.ZeroHash, false, err
	}
	return ref.Hash(), true, nil
}

func (b *branch) Head(context.Context) (store.Commit, error) {
	hash, ok, err := b.headHash()
	if err != nil || !ok {
		return nil, err
	}
	c, err := object.GetCommit(b.storage, hash)
	if err != nil {
		return nil, err
	}
	return &commit{storage: b.storage, c: c}, nil
}

func (b *branch) WithTransaction(ctx context.Context, fn func(tx store.Transaction) (store.TxResult, error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		baseHash, hasHead, err := b.headHash()
		if err != nil {
			return err
		}
		var baseTree *object.Tree
		if hasHead {
			c, err := object.GetCommit(b.storage, baseHash)
			if err != nil {
				return err
			}
			baseTree, err = c.Tree()
			if err != nil {
				return err
			}
		}

		tx, err := newTransaction(b.storage, baseTree)
		if err != nil {
			return err
		}
		result, err := fn(tx)
		if err != nil {
			return err
		}
		if !result.Committed() {
			return nil
		}

		rootHash, err := tx.writeTree()
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		sig := commitSignature
		sig.When = now
		parents := []plumbing.Hash{}
		if hasHead {
			parents = append(parents, baseHash)
		}
		commitObj := &object.Commit{
			Author:       sig,
			Committer:    sig,
			Message:      result.Message(),
			TreeHash:     rootHash,
			ParentHashes: parents,
		}
		obj := b.storage.NewEncodedObject()
		obj.SetType(plumbing.CommitObject)
		if err := commitObj.Encode(obj); err != nil {
			return err
		}
		newHash, err := b.storage.SetEncodedObject(obj)
		if err != nil {
			return err
		}

		var ref *plumbing.Reference
		if hasHead {
			ref = plumbing.NewHashReference(b.refName, newHash)
			old := plumbing.NewHashReference(b.refName, baseHash)
			if err := b.storage.CheckAndSetReference(ref, old); err != nil {
				// Lost a race with a concurrent writer (should not happen
				// while b.mu is held, but go-git's CAS is cheap insurance);
				// retry against the new base.
				continue
			}
		} else {
			ref = plumbing.NewHashReference(b.refName, newHash)
			if err := b.storage.SetReference(ref); err != nil {
				return err
			}
		}

		b.cond.Broadcast()
		return nil
	}
}

func (b *branch) WaitForHead(ctx context.Context, pred store.HeadPredicate) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	b.mu.Lock()
	defer b.mu.Unlock()
	seen, first := "", true
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		head, err := b.headLocked()
		if err != nil {
			return err
		}
		id := ""
		if head != nil {
			id = head.ID()
		}
		if !first && id == seen {
			b.cond.Wait()
			continue
		}
		first, seen = false, id
		// pred runs without b.mu so it may open a transaction on this branch.
		b.mu.Unlock()
		ok, err := pred(head)
		b.mu.Lock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

func (b *branch) headLocked() (store.Commit, error) {
	hash, ok, err := b.headHash()
	if err != nil || !ok {
		return nil, err
	}
	c, err := object.GetCommit(b.storage, hash)
	if err != nil {
		return nil, err
	}
	return &commit{storage: b.storage, c: c}, nil
}

var _ store.Branch = (*branch)(nil)
