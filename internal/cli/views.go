package cli

import (
	"fmt"
	"strings"

	"github.com/roach88/dagstate/internal/dag"
	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/object"
	"github.com/roach88/dagstate/internal/store"
)

// headOutput is a context head.
type headOutput struct {
	Context    string `json:"context"`
	Commit     string `json:"commit"`
	Root       string `json:"root"`
	Generation int64  `json:"generation"`
}

func newHeadOutput(id string, ref store.Ref) headOutput {
	return headOutput{Context: id, Commit: ref.Commit, Root: ref.Root, Generation: ref.Generation}
}

func (h headOutput) String() string {
	return fmt.Sprintf("%s @ %s (generation %d, root %s)",
		h.Context, object.Hash(h.Commit).Short(), h.Generation, object.Hash(h.Root).Short())
}

// valueOutput is a value read from a context.
type valueOutput struct {
	Context string     `json:"context"`
	Path    string     `json:"path,omitempty"`
	Value   ir.IRValue `json:"value"`
}

func (v valueOutput) String() string {
	data, err := ir.MarshalCanonical(v.Value)
	if err != nil {
		return fmt.Sprintf("%v", v.Value)
	}
	return string(data)
}

// commitOutput is one history entry.
type commitOutput struct {
	Hash      string   `json:"hash"`
	Root      string   `json:"root"`
	Parents   []string `json:"parents"`
	Author    string   `json:"author"`
	Timestamp int64    `json:"timestamp"`
	Signed    bool     `json:"signed"`
}

func newCommitOutput(c *dag.Commit) commitOutput {
	parents := make([]string, len(c.Parents))
	for i, p := range c.Parents {
		parents[i] = string(p)
	}
	return commitOutput{
		Hash:      string(c.Hash),
		Root:      string(c.Root),
		Parents:   parents,
		Author:    c.Author,
		Timestamp: c.Timestamp,
		Signed:    len(c.Signature) > 0,
	}
}

type commitList []commitOutput

func (l commitList) String() string {
	var b strings.Builder
	for i, c := range l {
		if i > 0 {
			b.WriteByte('\n')
		}
		mark := " "
		if c.Signed {
			mark = "S"
		}
		fmt.Fprintf(&b, "%s %s %s root=%s parents=%d ts=%d",
			mark, object.Hash(c.Hash).Short(), c.Author, object.Hash(c.Root).Short(), len(c.Parents), c.Timestamp)
	}
	return b.String()
}

// hashList is a set of changed node hashes.
type hashList struct {
	Changed []string `json:"changed"`
}

func newHashList(set object.HashSet) hashList {
	sorted := set.Sorted()
	out := hashList{Changed: make([]string, len(sorted))}
	for i, h := range sorted {
		out.Changed[i] = string(h)
	}
	return out
}

func (l hashList) String() string {
	if len(l.Changed) == 0 {
		return "no changes"
	}
	return strings.Join(l.Changed, "\n")
}

// message is a one-line text result that renders as {"message": ...} in
// JSON.
type message struct {
	Message string `json:"message"`
}

func (m message) String() string { return m.Message }

func messagef(format string, args ...any) message {
	return message{Message: fmt.Sprintf(format, args...)}
}
