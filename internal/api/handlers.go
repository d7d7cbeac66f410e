package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/roach88/dagstate/internal/boundary"
	"github.com/roach88/dagstate/internal/dag"
	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/object"
	"github.com/roach88/dagstate/internal/store"
)

// HeadView is a context head in responses.
type HeadView struct {
	Context    string      `json:"context"`
	Commit     object.Hash `json:"commit"`
	Root       object.Hash `json:"root"`
	Generation int64       `json:"generation"`
}

func headView(id string, ref store.Ref) HeadView {
	return HeadView{Context: id, Commit: object.Hash(ref.Commit), Root: object.Hash(ref.Root), Generation: ref.Generation}
}

// CommitView is a commit in responses.
type CommitView struct {
	Hash      object.Hash   `json:"hash"`
	Root      object.Hash   `json:"root"`
	Parents   []object.Hash `json:"parents"`
	Author    string        `json:"author"`
	Timestamp int64         `json:"timestamp"`
	Signed    bool          `json:"signed"`
}

func commitView(c *dag.Commit) CommitView {
	parents := c.Parents
	if parents == nil {
		parents = []object.Hash{}
	}
	return CommitView{
		Hash:      c.Hash,
		Root:      c.Root,
		Parents:   parents,
		Author:    c.Author,
		Timestamp: c.Timestamp,
		Signed:    len(c.Signature) > 0,
	}
}

// ApplyRequest names a registered reducer and its input.
type ApplyRequest struct {
	Reducer string          `json:"reducer" binding:"required"`
	Input   json.RawMessage `json:"input"`
}

// ExportRequest asks for a handle moving hash from one context to
// another.
type ExportRequest struct {
	Hash object.Hash `json:"hash" binding:"required"`
	From string      `json:"from" binding:"required"`
	To   string      `json:"to" binding:"required"`
}

// splitPath turns "a.b.0" into tree segments; empty means the root.
func splitPath(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}

func (s *Server) listContexts(c *gin.Context) {
	refs, err := s.inst.Engine.Contexts(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]HeadView, len(refs))
	for i, nr := range refs {
		out[i] = headView(nr.Name, nr.Ref)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) initContext(c *gin.Context) {
	id := c.Param("id")
	res, err := s.inst.Engine.Init(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, headView(id, res.Ref))
}

func (s *Server) head(c *gin.Context) {
	id := c.Param("id")
	ref, err := s.inst.Engine.Head(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, headView(id, ref))
}

func (s *Server) value(c *gin.Context) {
	ctx := c.Request.Context()
	state, err := s.inst.Engine.State(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	v, ok, err := state.Lookup(ctx, splitPath(c.Query("path"))...)
	if err != nil {
		fail(c, err)
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, errorBody{Error: fmt.Sprintf("no value at %q", c.Query("path")), Code: "NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": v})
}

func (s *Server) history(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, fmt.Errorf("bad limit %q", raw))
			return
		}
		limit = n
	}
	out := []CommitView{}
	for commit, err := range s.inst.Engine.History(c.Request.Context(), c.Param("id")) {
		if err != nil {
			fail(c, err)
			return
		}
		out = append(out, commitView(commit))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) object(c *gin.Context) {
	ctx := c.Request.Context()
	h := object.Hash(c.Param("hash"))
	if !h.Valid() {
		badRequest(c, fmt.Errorf("malformed hash %q", h))
		return
	}
	t, err := s.inst.Engine.Resolve(ctx, c.Param("id"), h)
	if err != nil {
		fail(c, err)
		return
	}
	v, err := t.Value(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hash": h, "value": v})
}

func (s *Server) apply(c *gin.Context) {
	var req ApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	r, err := s.inst.Reducers.Get(req.Reducer)
	if err != nil {
		fail(c, err)
		return
	}
	var input ir.IRValue = ir.IRNull{}
	if len(req.Input) > 0 {
		if input, err = ir.ParseJSON(req.Input); err != nil {
			badRequest(c, fmt.Errorf("input: %w", err))
			return
		}
	}

	id := c.Param("id")
	res, err := s.inst.Engine.Apply(c.Request.Context(), id, r, input)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"head":   headView(id, res.Ref),
		"commit": commitView(res.Commit),
	})
}

func (s *Server) export(c *gin.Context) {
	var req ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h, err := s.inst.Boundary.Export(c.Request.Context(), req.Hash, req.From, req.To)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

func (s *Server) importHandle(c *gin.Context) {
	var h boundary.Handle
	if err := c.ShouldBindJSON(&h); err != nil {
		badRequest(c, err)
		return
	}
	got, err := s.inst.Boundary.Import(c.Request.Context(), &h, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hash": got})
}

func (s *Server) diff(c *gin.Context) {
	a, b := object.Hash(c.Query("a")), object.Hash(c.Query("b"))
	if !a.Valid() || !b.Valid() {
		badRequest(c, fmt.Errorf("a and b must be commit hashes"))
		return
	}
	set, err := s.inst.Engine.Diff(c.Request.Context(), a, b)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": set.Sorted()})
}
