package tree

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/object"
)

// body is the decoded content of one node. Bodies are never modified after
// construction.
type body struct {
	kind   object.Kind
	scalar ir.IRValue
	fields []string // records only, canonical key order
	kids   []*node  // record children parallel to fields, or collection items
}

// node is either clean (hash set, body loaded on first use) or dirty (fresh
// body, no hash until committed).
type node struct {
	hash  object.Hash
	fresh *body

	mu     sync.Mutex
	loaded *body
}

func cleanNode(h object.Hash) *node {
	return &node{hash: h}
}

func dirtyNode(b *body) *node {
	return &node{fresh: b}
}

func (n *node) resolve(ctx context.Context, objects *object.Store) (*body, error) {
	if n.fresh != nil {
		return n.fresh, nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.loaded != nil {
		return n.loaded, nil
	}
	b, err := loadBody(ctx, objects, n.hash)
	if err != nil {
		return nil, err
	}
	n.loaded = b
	return b, nil
}

func loadBody(ctx context.Context, objects *object.Store, h object.Hash) (*body, error) {
	stored, err := objects.Get(ctx, h)
	if err != nil {
		return nil, err
	}

	b := &body{kind: stored.Kind}
	switch stored.Kind {
	case object.KindScalar:
		v, err := stored.ScalarValue()
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", h.Short(), err)
		}
		b.scalar = v
	case object.KindRecord:
		fields, err := stored.Fields()
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", h.Short(), err)
		}
		b.fields = fields
		b.kids = make([]*node, len(stored.Children))
		for i, c := range stored.Children {
			b.kids[i] = cleanNode(c)
		}
	case object.KindCollection:
		b.kids = make([]*node, len(stored.Children))
		for i, c := range stored.Children {
			b.kids[i] = cleanNode(c)
		}
	default:
		return nil, fmt.Errorf("load %s: unknown kind %q", h.Short(), stored.Kind)
	}
	return b, nil
}

func emptyRecord() *body {
	return &body{kind: object.KindRecord}
}

// fieldIndex returns the position of name in a record body and whether it
// is present; when absent the position is where it would be inserted.
func (b *body) fieldIndex(name string) (int, bool) {
	return slices.BinarySearchFunc(b.fields, name, ir.CompareKeys)
}

// withField returns a copy of a record body with name bound to child.
func (b *body) withField(name string, child *node) *body {
	i, found := b.fieldIndex(name)
	out := &body{kind: object.KindRecord}
	if found {
		out.fields = slices.Clone(b.fields)
		out.kids = slices.Clone(b.kids)
		out.kids[i] = child
		return out
	}
	out.fields = slices.Insert(slices.Clone(b.fields), i, name)
	out.kids = slices.Insert(slices.Clone(b.kids), i, child)
	return out
}

// withoutField returns a copy of a record body without name.
func (b *body) withoutField(name string) *body {
	i, found := b.fieldIndex(name)
	if !found {
		return b
	}
	return &body{
		kind:   object.KindRecord,
		fields: slices.Delete(slices.Clone(b.fields), i, i+1),
		kids:   slices.Delete(slices.Clone(b.kids), i, i+1),
	}
}

// fromValue builds a dirty subtree for v.
func fromValue(v ir.IRValue) (*node, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("cannot store untyped nil")
	case ir.IRObject:
		b := emptyRecord()
		b.fields = val.SortedKeys()
		b.kids = make([]*node, len(b.fields))
		for i, k := range b.fields {
			child, err := fromValue(val[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			b.kids[i] = child
		}
		return dirtyNode(b), nil
	case ir.IRArray:
		b := &body{kind: object.KindCollection, kids: make([]*node, len(val))}
		for i, elem := range val {
			child, err := fromValue(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			b.kids[i] = child
		}
		return dirtyNode(b), nil
	default:
		if !ir.IsScalar(v) {
			return nil, fmt.Errorf("unsupported value type %T", v)
		}
		return dirtyNode(&body{kind: object.KindScalar, scalar: v}), nil
	}
}

// materialize converts a subtree into an IR value.
func materialize(ctx context.Context, objects *object.Store, n *node) (ir.IRValue, error) {
	b, err := n.resolve(ctx, objects)
	if err != nil {
		return nil, err
	}
	switch b.kind {
	case object.KindScalar:
		return b.scalar, nil
	case object.KindRecord:
		obj := make(ir.IRObject, len(b.fields))
		for i, f := range b.fields {
			v, err := materialize(ctx, objects, b.kids[i])
			if err != nil {
				return nil, err
			}
			obj[f] = v
		}
		return obj, nil
	default:
		arr := make(ir.IRArray, len(b.kids))
		for i, k := range b.kids {
			v, err := materialize(ctx, objects, k)
			if err != nil {
				return nil, err
			}
			arr[i] = v
		}
		return arr, nil
	}
}

// persist writes every dirty node under n, children first, and returns the
// hash of n. Clean subtrees are returned as-is without being loaded.
func persist(ctx context.Context, objects *object.Store, n *node, put *[]object.Hash) (object.Hash, error) {
	if n.fresh == nil {
		return n.hash, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b := n.fresh

	var (
		stored *object.Node
		err    error
	)
	switch b.kind {
	case object.KindScalar:
		stored, err = object.NewScalar(b.scalar)
	default:
		children := make([]object.Hash, len(b.kids))
		for i, k := range b.kids {
			h, err := persist(ctx, objects, k, put)
			if err != nil {
				return "", err
			}
			children[i] = h
		}
		if b.kind == object.KindRecord {
			stored, err = object.NewRecord(b.fields, children)
		} else {
			stored, err = object.NewCollection(children)
		}
	}
	if err != nil {
		return "", err
	}

	h, err := objects.Put(ctx, stored)
	if err != nil {
		return "", err
	}
	*put = append(*put, h)
	return h, nil
}
