package object

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/dagstate/internal/ir"
)

// Hash is the algorithm-tagged digest of a node ("sha256:<hex>").
type Hash string

func (h Hash) String() string { return string(h) }

// Short returns the algorithm tag plus the first 12 hex digits, for logs.
func (h Hash) Short() string {
	s := string(h)
	if i := strings.IndexByte(s, ':'); i >= 0 && len(s) > i+13 {
		return s[:i+13]
	}
	return s
}

// Valid reports whether h is a well-formed digest string.
func (h Hash) Valid() bool { return ir.ValidDigest(string(h)) }

// Kind classifies a node.
type Kind string

const (
	KindScalar     Kind = "scalar"
	KindRecord     Kind = "record"
	KindCollection Kind = "collection"
)

// Node is an immutable value node.
//
// Scalars carry the canonical JSON of one scalar IR value in Payload and have
// no children. Records carry the canonical JSON array of their field names in
// Payload, in canonical key order, with one child per field in the same order.
// Collections have ordered children and an empty payload.
//
// Nodes returned by Store.Get are shared; callers must not modify them.
type Node struct {
	Hash     Hash
	Kind     Kind
	Children []Hash
	Payload  []byte
}

// NewScalar builds a scalar node for v.
func NewScalar(v ir.IRValue) (*Node, error) {
	if !ir.IsScalar(v) {
		return nil, fmt.Errorf("scalar node: %s is not a scalar", ir.TypeName(v))
	}
	payload, err := ir.MarshalCanonical(v)
	if err != nil {
		return nil, fmt.Errorf("scalar node: %w", err)
	}
	return seal(&Node{Kind: KindScalar, Payload: payload})
}

// NewRecord builds a record node. fields and children are parallel; they are
// reordered into canonical key order.
func NewRecord(fields []string, children []Hash) (*Node, error) {
	if len(fields) != len(children) {
		return nil, fmt.Errorf("record node: %d fields but %d children", len(fields), len(children))
	}

	byName := make(map[string]Hash, len(fields))
	for i, f := range fields {
		if _, dup := byName[f]; dup {
			return nil, fmt.Errorf("record node: duplicate field %q", f)
		}
		byName[f] = children[i]
	}

	obj := make(ir.IRObject, len(fields))
	for _, f := range fields {
		obj[f] = ir.IRNull{}
	}
	sorted := obj.SortedKeys()

	names := make(ir.IRArray, len(sorted))
	ordered := make([]Hash, len(sorted))
	for i, f := range sorted {
		names[i] = ir.IRString(f)
		ordered[i] = byName[f]
	}

	payload, err := ir.MarshalCanonical(names)
	if err != nil {
		return nil, fmt.Errorf("record node: %w", err)
	}
	return seal(&Node{Kind: KindRecord, Children: ordered, Payload: payload})
}

// NewCollection builds a collection node over ordered children.
func NewCollection(children []Hash) (*Node, error) {
	return seal(&Node{Kind: KindCollection, Children: append([]Hash{}, children...)})
}

func seal(n *Node) (*Node, error) {
	h, err := ComputeHash(n)
	if err != nil {
		return nil, err
	}
	n.Hash = h
	return n, nil
}

// ScalarValue decodes the payload of a scalar node.
func (n *Node) ScalarValue() (ir.IRValue, error) {
	if n.Kind != KindScalar {
		return nil, fmt.Errorf("node %s is a %s, not a scalar", n.Hash.Short(), n.Kind)
	}
	return ir.UnmarshalCanonical(n.Payload)
}

// Fields decodes the field names of a record node, in child order.
func (n *Node) Fields() ([]string, error) {
	if n.Kind != KindRecord {
		return nil, fmt.Errorf("node %s is a %s, not a record", n.Hash.Short(), n.Kind)
	}
	var fields []string
	if err := json.Unmarshal(n.Payload, &fields); err != nil {
		return nil, fmt.Errorf("record %s fields: %w", n.Hash.Short(), err)
	}
	if len(fields) != len(n.Children) {
		return nil, fmt.Errorf("record %s: %d fields but %d children", n.Hash.Short(), len(fields), len(n.Children))
	}
	return fields, nil
}

// Field returns the child hash for a record field.
func (n *Node) Field(name string) (Hash, bool, error) {
	fields, err := n.Fields()
	if err != nil {
		return "", false, err
	}
	for i, f := range fields {
		if f == name {
			return n.Children[i], true, nil
		}
	}
	return "", false, nil
}
