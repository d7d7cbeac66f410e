package tree

import (
	"context"
	"fmt"
	"strconv"

	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/object"
	"github.com/roach88/dagstate/internal/stateerr"
)

// Tracker receives the hash of every stored subtree a read consumed.
type Tracker func(object.Hash)

// Tree is an immutable view of a state tree. Reads resolve nodes from the
// object store on demand; writes return a new Tree that shares every
// untouched subtree with the receiver.
type Tree struct {
	objects *object.Store
	root    *node
	track   Tracker
}

// New returns an empty record tree.
func New(objects *object.Store) *Tree {
	return &Tree{objects: objects, root: dirtyNode(emptyRecord())}
}

// Load returns a tree rooted at a stored node. Nothing is read until used.
func Load(objects *object.Store, root object.Hash) *Tree {
	return &Tree{objects: objects, root: cleanNode(root)}
}

// FromValue builds an unpersisted tree holding v.
func FromValue(objects *object.Store, v ir.IRValue) (*Tree, error) {
	n, err := fromValue(v)
	if err != nil {
		return nil, err
	}
	return &Tree{objects: objects, root: n}, nil
}

// WithTracker returns a view of t whose reads report to tr.
func (t *Tree) WithTracker(tr Tracker) *Tree {
	return &Tree{objects: t.objects, root: t.root, track: tr}
}

func (t *Tree) derive(root *node) *Tree {
	return &Tree{objects: t.objects, root: root, track: t.track}
}

func (t *Tree) record(n *node) {
	if t.track != nil && n.fresh == nil {
		t.track(n.hash)
	}
}

// Hash returns the root hash and true if the tree has no unpersisted
// changes.
func (t *Tree) Hash() (object.Hash, bool) {
	if t.root.fresh != nil {
		return "", false
	}
	return t.root.hash, true
}

// Kind returns the kind of the root node.
func (t *Tree) Kind(ctx context.Context) (object.Kind, error) {
	b, err := t.root.resolve(ctx, t.objects)
	if err != nil {
		return "", err
	}
	return b.kind, nil
}

// child resolves one path segment below n. A missing segment yields nil.
func (t *Tree) child(ctx context.Context, n *node, seg string) (*node, error) {
	b, err := n.resolve(ctx, t.objects)
	if err != nil {
		return nil, err
	}
	switch b.kind {
	case object.KindRecord:
		i, ok := b.fieldIndex(seg)
		if !ok {
			return nil, nil
		}
		return b.kids[i], nil
	case object.KindCollection:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(b.kids) {
			return nil, nil
		}
		return b.kids[i], nil
	default:
		return nil, nil
	}
}

// Get returns the subtree at path. The second result is false if any
// segment is missing, in which case the deepest existing container is
// reported to the tracker; otherwise the target is.
func (t *Tree) Get(ctx context.Context, path ...string) (*Tree, bool, error) {
	cur := t.root
	for _, seg := range path {
		next, err := t.child(ctx, cur, seg)
		if err != nil {
			return nil, false, err
		}
		if next == nil {
			t.record(cur)
			return nil, false, nil
		}
		cur = next
	}
	if len(path) > 0 {
		t.record(cur)
	}
	return t.derive(cur), true, nil
}

// Value materializes the whole tree.
func (t *Tree) Value(ctx context.Context) (ir.IRValue, error) {
	t.record(t.root)
	return materialize(ctx, t.objects, t.root)
}

// Lookup materializes the value at path. ok is false if the path is
// missing.
func (t *Tree) Lookup(ctx context.Context, path ...string) (v ir.IRValue, ok bool, err error) {
	sub, ok, err := t.Get(ctx, path...)
	if err != nil || !ok {
		return nil, ok, err
	}
	v, err = sub.Value(ctx)
	return v, err == nil, err
}

// Keys returns the field names of a record root in canonical order.
func (t *Tree) Keys(ctx context.Context) ([]string, error) {
	b, err := t.root.resolve(ctx, t.objects)
	if err != nil {
		return nil, err
	}
	if b.kind != object.KindRecord {
		return nil, fmt.Errorf("keys: root is a %s", b.kind)
	}
	t.record(t.root)
	return append([]string(nil), b.fields...), nil
}

// Len returns the number of fields of a record or items of a collection.
func (t *Tree) Len(ctx context.Context) (int, error) {
	b, err := t.root.resolve(ctx, t.objects)
	if err != nil {
		return 0, err
	}
	if b.kind == object.KindScalar {
		return 0, fmt.Errorf("len: root is a scalar")
	}
	t.record(t.root)
	return len(b.kids), nil
}

// Set binds v at path, creating intermediate records as needed. An empty
// path replaces the whole tree.
func (t *Tree) Set(ctx context.Context, v ir.IRValue, path ...string) (*Tree, error) {
	leaf, err := fromValue(v)
	if err != nil {
		return nil, fmt.Errorf("set %v: %w", path, err)
	}
	root, err := t.setAt(ctx, t.root, path, leaf)
	if err != nil {
		return nil, err
	}
	return t.derive(root), nil
}

// Graft binds the subtree sub at path without materializing it.
func (t *Tree) Graft(ctx context.Context, sub *Tree, path ...string) (*Tree, error) {
	root, err := t.setAt(ctx, t.root, path, sub.root)
	if err != nil {
		return nil, err
	}
	return t.derive(root), nil
}

func (t *Tree) setAt(ctx context.Context, n *node, path []string, leaf *node) (*node, error) {
	if len(path) == 0 {
		return leaf, nil
	}
	var b *body
	if n == nil {
		b = emptyRecord()
	} else {
		var err error
		if b, err = n.resolve(ctx, t.objects); err != nil {
			return nil, err
		}
	}

	seg := path[0]
	switch b.kind {
	case object.KindRecord:
		var existing *node
		if i, ok := b.fieldIndex(seg); ok {
			existing = b.kids[i]
		}
		child, err := t.setAt(ctx, existing, path[1:], leaf)
		if err != nil {
			return nil, err
		}
		return dirtyNode(b.withField(seg, child)), nil
	case object.KindCollection:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i > len(b.kids) {
			return nil, stateerr.New(stateerr.CodeNotFound, "tree.set", "index %q out of range for collection of %d", seg, len(b.kids))
		}
		var existing *node
		if i < len(b.kids) {
			existing = b.kids[i]
		}
		child, err := t.setAt(ctx, existing, path[1:], leaf)
		if err != nil {
			return nil, err
		}
		kids := append([]*node(nil), b.kids...)
		if i == len(kids) {
			kids = append(kids, child)
		} else {
			kids[i] = child
		}
		return dirtyNode(&body{kind: object.KindCollection, kids: kids}), nil
	default:
		return nil, fmt.Errorf("set: cannot descend into scalar at %q", seg)
	}
}

// Delete removes the value at path. Deleting a missing path returns t
// unchanged. Deleting the root is not allowed.
func (t *Tree) Delete(ctx context.Context, path ...string) (*Tree, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("delete: empty path")
	}
	root, changed, err := t.deleteAt(ctx, t.root, path)
	if err != nil {
		return nil, err
	}
	if !changed {
		return t, nil
	}
	return t.derive(root), nil
}

func (t *Tree) deleteAt(ctx context.Context, n *node, path []string) (*node, bool, error) {
	b, err := n.resolve(ctx, t.objects)
	if err != nil {
		return nil, false, err
	}
	seg := path[0]

	switch b.kind {
	case object.KindRecord:
		i, ok := b.fieldIndex(seg)
		if !ok {
			return n, false, nil
		}
		if len(path) == 1 {
			return dirtyNode(b.withoutField(seg)), true, nil
		}
		child, changed, err := t.deleteAt(ctx, b.kids[i], path[1:])
		if err != nil || !changed {
			return n, false, err
		}
		return dirtyNode(b.withField(seg, child)), true, nil
	case object.KindCollection:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(b.kids) {
			return n, false, nil
		}
		kids := append([]*node(nil), b.kids...)
		if len(path) == 1 {
			kids = append(kids[:i], kids[i+1:]...)
		} else {
			child, changed, err := t.deleteAt(ctx, b.kids[i], path[1:])
			if err != nil || !changed {
				return n, false, err
			}
			kids[i] = child
		}
		return dirtyNode(&body{kind: object.KindCollection, kids: kids}), true, nil
	default:
		return n, false, nil
	}
}

// Append adds v to the end of the collection at path. A missing path is
// created as a one-item collection.
func (t *Tree) Append(ctx context.Context, v ir.IRValue, path ...string) (*Tree, error) {
	leaf, err := fromValue(v)
	if err != nil {
		return nil, fmt.Errorf("append %v: %w", path, err)
	}

	target, ok, err := t.Get(ctx, path...)
	if err != nil {
		return nil, err
	}
	items := []*node{leaf}
	if ok {
		b, err := target.root.resolve(ctx, t.objects)
		if err != nil {
			return nil, err
		}
		if b.kind != object.KindCollection {
			return nil, fmt.Errorf("append %v: target is a %s", path, b.kind)
		}
		items = append(append([]*node(nil), b.kids...), leaf)
	}

	coll := dirtyNode(&body{kind: object.KindCollection, kids: items})
	root, err := t.setAt(ctx, t.root, path, coll)
	if err != nil {
		return nil, err
	}
	return t.derive(root), nil
}

// Commit writes every unpersisted node to the object store and returns the
// root hash together with the hashes that were put. Each put retained one
// reference, which the caller must release.
func (t *Tree) Commit(ctx context.Context) (object.Hash, []object.Hash, error) {
	var put []object.Hash
	h, err := persist(ctx, t.objects, t.root, &put)
	if err != nil {
		return "", put, err
	}
	return h, put, nil
}
