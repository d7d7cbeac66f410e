package boundary

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/dagstate/internal/dag"
	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/object"
	"github.com/roach88/dagstate/internal/stateerr"
	"github.com/roach88/dagstate/internal/store"
	"github.com/roach88/dagstate/internal/telemetry"
)

// Wildcard in a permission list allows sharing with every context.
const Wildcard = "*"

// entry is the enforcer's record of one context.
type entry struct {
	local    bool
	perms    map[string]bool
	keys     *keyring
	imported object.HashSet
	roots    object.HashSet // roots of imported subtrees
}

// Enforcer is the only path by which a hash crosses from one context to
// another.
//
// A context holds a hash if it is reachable from the context's head root
// or was imported into it. Export requires the source to hold the hash and
// to be permitted to share with the destination; Import verifies the
// handle against the policy before any node reaches the object store.
type Enforcer struct {
	objects *object.Store
	refs    store.RefStore
	imports store.ImportStore
	policy  Policy
	ids     ir.IDGenerator
	logger  *slog.Logger
	tracer  trace.Tracer
	reach   *lru.Cache

	mu       sync.RWMutex
	contexts map[string]*entry
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithPolicy sets the transfer policy. The default requires nothing.
func WithPolicy(p Policy) Option {
	return func(e *Enforcer) { e.policy = p }
}

// WithImportStore records imported roots in s so that they stay held, and
// are marked by garbage collection, after a restart. See LoadImports.
func WithImportStore(s store.ImportStore) Option {
	return func(e *Enforcer) { e.imports = s }
}

// WithIDGenerator sets the handle id source.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(e *Enforcer) { e.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Enforcer) { e.logger = l }
}

const reachCacheSize = 256

// New returns an enforcer reading context heads from refs.
func New(objects *object.Store, refs store.RefStore, opts ...Option) *Enforcer {
	cache, _ := lru.New(reachCacheSize)
	e := &Enforcer{
		objects:  objects,
		refs:     refs,
		policy:   StaticPolicy{},
		ids:      ir.UUIDv7Generator{},
		logger:   slog.Default(),
		tracer:   telemetry.Tracer("boundary"),
		reach:    cache,
		contexts: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds or replaces a local context. Its key slices are wiped.
// Previously imported hashes are kept on replacement.
func (e *Enforcer) Register(c Context) error {
	if c.ID == "" {
		return fmt.Errorf("register: empty context id")
	}
	keys, err := newKeyring(c)
	if err != nil {
		return err
	}
	perms := make(map[string]bool, len(c.Permissions))
	for _, p := range c.Permissions {
		perms[p] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ent := e.contexts[c.ID]
	if ent == nil {
		ent = &entry{imported: object.NewHashSet(), roots: object.NewHashSet()}
		e.contexts[c.ID] = ent
	}
	ent.local = true
	ent.perms = perms
	ent.keys = keys
	e.logger.Info("context registered",
		"context", c.ID,
		"permissions", len(perms),
		"signing", keys.signing != nil,
		"encryption", keys.encryption != nil,
	)
	return nil
}

// LoadImports restores, for every registered local context, the subtrees
// recorded in the import store. It is idempotent; call it again after
// registering more contexts. Without an import store it does nothing.
func (e *Enforcer) LoadImports(ctx context.Context) error {
	if e.imports == nil {
		return nil
	}
	e.mu.RLock()
	var ids []string
	for id, ent := range e.contexts {
		if ent.local {
			ids = append(ids, id)
		}
	}
	e.mu.RUnlock()
	slices.Sort(ids)

	for _, id := range ids {
		roots, err := e.imports.Imports(ctx, id)
		if err != nil {
			return fmt.Errorf("load imports of %s: %w", id, err)
		}
		for _, r := range roots {
			root := object.Hash(r)
			set, err := e.reachable(ctx, root)
			if stateerr.IsNotFound(err) {
				e.logger.Warn("imported subtree incomplete", "context", id, "root", root.Short(), "error", err)
				set = object.NewHashSet()
			} else if err != nil {
				return fmt.Errorf("load import %s of %s: %w", root.Short(), id, err)
			}
			e.mu.Lock()
			ent := e.contexts[id]
			ent.imported.Union(set)
			ent.roots.Add(root)
			e.mu.Unlock()
		}
		if len(roots) > 0 {
			e.logger.Debug("imports restored", "context", id, "roots", len(roots))
		}
	}
	return nil
}

// RegisterPeer adds a remote context known only by its public keys.
func (e *Enforcer) RegisterPeer(p Peer) error {
	if p.ID == "" {
		return fmt.Errorf("register peer: empty context id")
	}
	keys, err := peerKeyring(p)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ent := e.contexts[p.ID]; ent != nil && ent.local {
		return fmt.Errorf("register peer: %s is a local context", p.ID)
	}
	e.contexts[p.ID] = &entry{keys: keys, perms: map[string]bool{}, imported: object.NewHashSet(), roots: object.NewHashSet()}
	return nil
}

// PublicKeys returns the public half of a registered context.
func (e *Enforcer) PublicKeys(contextID string) (Peer, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent := e.contexts[contextID]
	if ent == nil {
		return Peer{}, stateerr.PermissionDenied("boundary.PublicKeys", contextID, "unknown context")
	}
	return Peer{
		ID:               contextID,
		SigningPublic:    slices.Clone(ent.keys.signPub),
		EncryptionPublic: slices.Clone(ent.keys.encPub),
	}, nil
}

// Grant lets from export to to.
func (e *Enforcer) Grant(from, to string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent := e.contexts[from]
	if ent == nil || !ent.local {
		return stateerr.PermissionDenied("boundary.Grant", from, "unknown context")
	}
	ent.perms[to] = true
	return nil
}

// Revoke withdraws a grant. Hashes already imported by to stay held.
func (e *Enforcer) Revoke(from, to string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent := e.contexts[from]
	if ent == nil || !ent.local {
		return stateerr.PermissionDenied("boundary.Revoke", from, "unknown context")
	}
	delete(ent.perms, to)
	return nil
}

// SetPermissions replaces the permission list of a local context.
func (e *Enforcer) SetPermissions(contextID string, permissions []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent := e.contexts[contextID]
	if ent == nil || !ent.local {
		return stateerr.PermissionDenied("boundary.SetPermissions", contextID, "unknown context")
	}
	ent.perms = make(map[string]bool, len(permissions))
	for _, p := range permissions {
		ent.perms[p] = true
	}
	return nil
}

// Allowed reports whether from may export to to.
func (e *Enforcer) Allowed(from, to string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent := e.contexts[from]
	return ent != nil && ent.local && (ent.perms[to] || ent.perms[Wildcard])
}

func (e *Enforcer) lookup(id string) *entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.contexts[id]
}

// Holds reports whether contextID may read h. It implements
// engine.AccessChecker.
func (e *Enforcer) Holds(ctx context.Context, contextID string, h object.Hash) (bool, error) {
	e.mu.RLock()
	ent := e.contexts[contextID]
	imported := ent != nil && ent.imported.Has(h)
	e.mu.RUnlock()
	if imported {
		return true, nil
	}

	ref, ok, err := e.refs.GetRef(ctx, contextID)
	if err != nil {
		return false, fmt.Errorf("holds: %w", err)
	}
	if !ok {
		return false, nil
	}
	set, err := e.reachable(ctx, object.Hash(ref.Root))
	if err != nil {
		return false, err
	}
	return set.Has(h), nil
}

// HeldRoots returns the roots of every subtree imported into any context.
// Garbage collection marks from them.
func (e *Enforcer) HeldRoots() []object.Hash {
	e.mu.RLock()
	defer e.mu.RUnlock()
	all := object.NewHashSet()
	for _, ent := range e.contexts {
		all.Union(ent.roots)
	}
	return all.Sorted()
}

// Signer returns the commit signer of a local context with a signing
// key. It implements engine.SignerSource.
func (e *Enforcer) Signer(contextID string) dag.Signer {
	ent := e.lookup(contextID)
	if ent == nil || ent.keys.signing == nil {
		return nil
	}
	return signer{ent.keys}
}

// Verify checks a commit signature by author. It implements dag.Verifier.
func (e *Enforcer) Verify(author string, body, sig []byte) error {
	ent := e.lookup(author)
	if ent == nil || len(ent.keys.signPub) == 0 {
		return fmt.Errorf("no signing key for %s", author)
	}
	if !ed25519.Verify(ent.keys.signPub, body, sig) {
		return fmt.Errorf("signature by %s does not verify", author)
	}
	return nil
}

// Export packages the subtree at h for transfer from one context to
// another.
//
// It fails with PERMISSION_DENIED if from may not share with to or does
// not hold h. Signing and sealing follow the policy.
func (e *Enforcer) Export(ctx context.Context, h object.Hash, from, to string) (handle *Handle, err error) {
	const op = "boundary.Export"
	ctx, span := e.tracer.Start(ctx, "boundary.export", trace.WithAttributes(
		attribute.String("dagstate.from", from),
		attribute.String("dagstate.to", to),
	))
	defer func() { finish(span, "export", err) }()

	src := e.lookup(from)
	if src == nil || !src.local {
		return nil, stateerr.PermissionDenied(op, from, "unknown source context")
	}
	dst := e.lookup(to)
	if dst == nil {
		return nil, stateerr.PermissionDenied(op, to, "unknown destination context")
	}
	if !e.Allowed(from, to) {
		return nil, stateerr.PermissionDenied(op, from, "not permitted to share with %s", to)
	}
	held, err := e.Holds(ctx, from, h)
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, &stateerr.Error{Code: stateerr.CodePermissionDenied, Op: op, Context: from, Hash: string(h), Message: "hash not held by source context"}
	}

	hashes, err := subtree(ctx, e.objects, h)
	if err != nil {
		return nil, err
	}
	bundle := make([][]byte, len(hashes))
	for i, nh := range hashes {
		n, err := e.objects.Get(ctx, nh)
		if err != nil {
			return nil, err
		}
		if bundle[i], err = object.Encode(n); err != nil {
			return nil, err
		}
	}
	payload, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("%s: encode bundle: %w", op, err)
	}

	handle = &Handle{
		Format:  ir.FormatVersion,
		ID:      e.ids.Generate(),
		From:    from,
		To:      to,
		Hash:    h,
		Payload: payload,
	}

	req := e.policy.Requirements(from, to)
	if req.Encrypt {
		if len(dst.keys.encPub) == 0 {
			return nil, &stateerr.Error{Code: stateerr.CodeDecryption, Op: op, Context: to, Message: "destination has no encryption key"}
		}
		if err := seal(handle, dst.keys.encPub); err != nil {
			return nil, fmt.Errorf("%s: seal: %w", op, err)
		}
	}
	if req.Sign {
		if src.keys.signing == nil {
			return nil, &stateerr.Error{Code: stateerr.CodeIntegrity, Op: op, Context: from, Message: "source has no signing key"}
		}
		body, err := handle.SigningBody()
		if err != nil {
			return nil, err
		}
		if handle.Signature, err = src.keys.sign(body); err != nil {
			return nil, fmt.Errorf("%s: sign: %w", op, err)
		}
	}

	e.logger.Info("value exported",
		"handle", handle.ID,
		"from", from,
		"to", to,
		"hash", h.Short(),
		"nodes", len(hashes),
		"sealed", handle.Sealed,
		"signed", len(handle.Signature) > 0,
	)
	return handle, nil
}

// Import verifies a handle addressed to to and stores its subtree. The
// returned hash, and every hash under it, is then held by to.
//
// Errors: PERMISSION_DENIED if the handle is addressed elsewhere or to is
// unknown; INTEGRITY if a required signature is missing or wrong, or a
// bundle node does not match its hash; DECRYPTION if the handle is sealed
// and to has no key or the payload does not open.
func (e *Enforcer) Import(ctx context.Context, handle *Handle, to string) (h object.Hash, err error) {
	const op = "boundary.Import"
	ctx, span := e.tracer.Start(ctx, "boundary.import", trace.WithAttributes(
		attribute.String("dagstate.from", handle.From),
		attribute.String("dagstate.to", to),
	))
	defer func() { finish(span, "import", err) }()

	if handle.To != to {
		return "", stateerr.PermissionDenied(op, to, "handle is addressed to %s", handle.To)
	}
	dst := e.lookup(to)
	if dst == nil || !dst.local {
		return "", stateerr.PermissionDenied(op, to, "unknown destination context")
	}
	src := e.lookup(handle.From)

	integrity := func(format string, args ...any) error {
		return &stateerr.Error{Code: stateerr.CodeIntegrity, Op: op, Context: to, Hash: string(handle.Hash), Message: fmt.Sprintf(format, args...)}
	}

	req := e.policy.Requirements(handle.From, to)
	if req.Sign || len(handle.Signature) > 0 {
		if len(handle.Signature) == 0 {
			return "", integrity("handle is not signed")
		}
		if src == nil || len(src.keys.signPub) == 0 {
			return "", integrity("no signing key known for %s", handle.From)
		}
		body, err := handle.SigningBody()
		if err != nil {
			return "", err
		}
		if !ed25519.Verify(src.keys.signPub, body, handle.Signature) {
			return "", integrity("signature by %s does not verify", handle.From)
		}
	}

	payload := handle.Payload
	switch {
	case handle.Sealed:
		if dst.keys.encryption == nil {
			return "", &stateerr.Error{Code: stateerr.CodeDecryption, Op: op, Context: to, Message: "no decryption key"}
		}
		if payload, err = open(handle, dst.keys); err != nil {
			return "", &stateerr.Error{Code: stateerr.CodeDecryption, Op: op, Context: to, Err: err}
		}
	case req.Encrypt:
		return "", integrity("handle must be sealed")
	}

	var bundle [][]byte
	if err := json.Unmarshal(payload, &bundle); err != nil {
		return "", integrity("bundle does not decode: %v", err)
	}
	nodes := make(map[object.Hash]*object.Node, len(bundle))
	for i, data := range bundle {
		n, err := object.Decode(data)
		if err != nil {
			return "", integrity("bundle node %d: %v", i, err)
		}
		nodes[n.Hash] = n
	}
	if _, ok := nodes[handle.Hash]; !ok {
		return "", integrity("bundle does not contain its root")
	}
	for _, n := range nodes {
		for _, c := range n.Children {
			if _, ok := nodes[c]; !ok {
				return "", integrity("bundle is missing child %s", c.Short())
			}
		}
	}

	held := object.NewHashSet()
	for nh, n := range nodes {
		if _, err := e.objects.Put(ctx, n); err != nil {
			for p := range held {
				e.objects.Release(p)
			}
			return "", err
		}
		held.Add(nh)
	}

	if e.imports != nil {
		if err := e.imports.PutImport(ctx, to, string(handle.Hash)); err != nil {
			for p := range held {
				e.objects.Release(p)
			}
			return "", fmt.Errorf("record import: %w", err)
		}
	}

	e.mu.Lock()
	dst.imported.Union(held)
	dst.roots.Add(handle.Hash)
	e.mu.Unlock()

	// Held roots are marked by garbage collection from now on.
	for p := range held {
		e.objects.Release(p)
	}

	e.logger.Info("value imported",
		"handle", handle.ID,
		"from", handle.From,
		"to", to,
		"hash", handle.Hash.Short(),
		"nodes", len(nodes),
	)
	return handle.Hash, nil
}

func finish(span trace.Span, operation string, err error) {
	result := telemetry.ResultOK
	if err != nil {
		result = string(stateerr.CodeOf(err))
		if result == "" {
			result = telemetry.ResultError
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	telemetry.BoundaryTransfers.WithLabelValues(operation, result).Inc()
	span.End()
}
