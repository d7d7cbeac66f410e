package object

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/dagstate/internal/ir"
)

// identity is the part of a node its hash covers.
func identity(n *Node) ir.IRObject {
	children := make(ir.IRArray, len(n.Children))
	for i, c := range n.Children {
		children[i] = ir.IRString(c)
	}
	return ir.IRObject{
		"kind":     ir.IRString(n.Kind),
		"children": children,
		"payload":  ir.IRString(n.Payload),
	}
}

// ComputeHash returns the content hash of n: the domain-separated digest of
// the canonical encoding of kind, children and payload.
func ComputeHash(n *Node) (Hash, error) {
	if err := validateShape(n); err != nil {
		return "", err
	}
	d, err := ir.DigestValue(ir.DomainNode, identity(n))
	if err != nil {
		return "", fmt.Errorf("hash node: %w", err)
	}
	return Hash(d), nil
}

func validateShape(n *Node) error {
	switch n.Kind {
	case KindScalar:
		if len(n.Children) != 0 {
			return fmt.Errorf("scalar node has %d children", len(n.Children))
		}
	case KindRecord, KindCollection:
	default:
		return fmt.Errorf("unknown node kind %q", n.Kind)
	}
	if !json.Valid(n.Payload) && len(n.Payload) != 0 {
		return fmt.Errorf("%s node payload is not JSON", n.Kind)
	}
	return nil
}

// Encode returns the persisted form of n: canonical JSON carrying the
// identity fields plus format and digest tags.
func Encode(n *Node) ([]byte, error) {
	obj := identity(n)
	obj["format"] = ir.IRInt(ir.FormatVersion)
	obj["digest"] = ir.IRString(ir.DigestAlgorithm)

	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("encode node: %w", err)
	}
	return data, nil
}

type encodedNode struct {
	Kind     Kind     `json:"kind"`
	Children []string `json:"children"`
	Payload  string   `json:"payload"`
	Format   int      `json:"format"`
	Digest   string   `json:"digest"`
}

// Decode parses a persisted node and recomputes its hash.
func Decode(data []byte) (*Node, error) {
	var enc encodedNode
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("decode node: %w", err)
	}
	if enc.Format != ir.FormatVersion {
		return nil, fmt.Errorf("decode node: unsupported format %d", enc.Format)
	}
	if enc.Digest != ir.DigestAlgorithm {
		return nil, fmt.Errorf("decode node: unsupported digest %q", enc.Digest)
	}

	n := &Node{Kind: enc.Kind}
	if enc.Payload != "" {
		n.Payload = []byte(enc.Payload)
	}
	if len(enc.Children) > 0 {
		n.Children = make([]Hash, len(enc.Children))
		for i, c := range enc.Children {
			n.Children[i] = Hash(c)
		}
	}

	h, err := ComputeHash(n)
	if err != nil {
		return nil, fmt.Errorf("decode node: %w", err)
	}
	n.Hash = h
	return n, nil
}
