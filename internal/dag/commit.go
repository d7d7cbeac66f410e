package dag

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/object"
)

// Commit is an immutable version of a context's state: a value root plus
// the commits it was derived from.
type Commit struct {
	Hash      object.Hash   `json:"hash"`
	Root      object.Hash   `json:"root"`
	Parents   []object.Hash `json:"parents"`
	Author    string        `json:"author"`
	Timestamp int64         `json:"timestamp"`
	Signature []byte        `json:"signature,omitempty"`
}

// IsGenesis reports whether c has no parents.
func (c *Commit) IsGenesis() bool {
	return len(c.Parents) == 0
}

func (c *Commit) bodyObject() ir.IRObject {
	parents := make(ir.IRArray, len(c.Parents))
	for i, p := range c.Parents {
		parents[i] = ir.IRString(p)
	}
	return ir.IRObject{
		"author":    ir.IRString(c.Author),
		"parents":   parents,
		"root":      ir.IRString(c.Root),
		"timestamp": ir.IRInt(c.Timestamp),
	}
}

// Body returns the canonical bytes a signature covers: root, parents,
// author and timestamp.
func (c *Commit) Body() ([]byte, error) {
	data, err := ir.MarshalCanonical(c.bodyObject())
	if err != nil {
		return nil, fmt.Errorf("commit body: %w", err)
	}
	return data, nil
}

func (c *Commit) identityObject() ir.IRObject {
	obj := c.bodyObject()
	obj["signature"] = ir.IRString(base64.StdEncoding.EncodeToString(c.Signature))
	return obj
}

// ComputeHash returns the commit's content hash. The signature is part of
// the identity, so re-signing yields a different commit.
func (c *Commit) ComputeHash() (object.Hash, error) {
	d, err := ir.DigestValue(ir.DomainCommit, c.identityObject())
	if err != nil {
		return "", fmt.Errorf("hash commit: %w", err)
	}
	return object.Hash(d), nil
}

// Encode returns the persisted form of c.
func (c *Commit) Encode() ([]byte, error) {
	obj := c.identityObject()
	obj["format"] = ir.IRInt(ir.FormatVersion)
	obj["digest"] = ir.IRString(ir.DigestAlgorithm)

	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("encode commit: %w", err)
	}
	return data, nil
}

type encodedCommit struct {
	Root      string   `json:"root"`
	Parents   []string `json:"parents"`
	Author    string   `json:"author"`
	Timestamp int64    `json:"timestamp"`
	Signature string   `json:"signature"`
	Format    int      `json:"format"`
	Digest    string   `json:"digest"`
}

// DecodeCommit parses a persisted commit and recomputes its hash.
func DecodeCommit(data []byte) (*Commit, error) {
	var enc encodedCommit
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("decode commit: %w", err)
	}
	if enc.Format != ir.FormatVersion {
		return nil, fmt.Errorf("decode commit: unsupported format %d", enc.Format)
	}
	if enc.Digest != ir.DigestAlgorithm {
		return nil, fmt.Errorf("decode commit: unsupported digest %q", enc.Digest)
	}

	c := &Commit{
		Root:      object.Hash(enc.Root),
		Author:    enc.Author,
		Timestamp: enc.Timestamp,
	}
	for _, p := range enc.Parents {
		c.Parents = append(c.Parents, object.Hash(p))
	}
	if enc.Signature != "" {
		sig, err := base64.StdEncoding.DecodeString(enc.Signature)
		if err != nil {
			return nil, fmt.Errorf("decode commit signature: %w", err)
		}
		c.Signature = sig
	}

	h, err := c.ComputeHash()
	if err != nil {
		return nil, err
	}
	c.Hash = h
	return c, nil
}
