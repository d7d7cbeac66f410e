package boundary

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dagstate/internal/dag"
	"github.com/roach88/dagstate/internal/engine"
	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/object"
	"github.com/roach88/dagstate/internal/stateerr"
	"github.com/roach88/dagstate/internal/store/memstore"
	"github.com/roach88/dagstate/internal/testutil"
	"github.com/roach88/dagstate/internal/tree"
)

type fixture struct {
	enforcer *Enforcer
	engine   *engine.Engine
	objects  *object.Store
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	backend := memstore.New()
	objects, err := object.New(backend)
	require.NoError(t, err)
	enf := New(objects, backend, WithPolicy(policy), WithIDGenerator(ir.NewSequenceGenerator("handle")))
	d := dag.New(backend, objects, dag.WithClock(testutil.NewDeterministicClock()))
	e := engine.New(backend, d, engine.WithAccessChecker(enf), engine.WithSigners(enf))
	return &fixture{enforcer: enf, engine: e, objects: objects}
}

func (f *fixture) register(t *testing.T, id string, perms ...string) {
	t.Helper()
	c, err := GenerateContext(id, perms...)
	require.NoError(t, err)
	require.NoError(t, f.enforcer.Register(c))
}

func (f *fixture) store(t *testing.T, contextID string, v ir.IRValue, path ...string) object.Hash {
	t.Helper()
	ctx := context.Background()
	res, err := f.engine.Apply(ctx, contextID, func(ctx context.Context, s *tree.Tree, in ir.IRValue) (*tree.Tree, error) {
		return s.Set(ctx, in, path...)
	}, v)
	require.NoError(t, err)
	sub, ok, err := res.State.Get(ctx, path...)
	require.NoError(t, err)
	require.True(t, ok)
	h, clean := sub.Hash()
	require.True(t, clean)
	return h
}

var secret = ir.Obj(
	ir.O("name", ir.IRString("widget")),
	ir.O("tags", ir.Arr(ir.IRString("x"), ir.IRString("y"))),
)

func TestExportRequiresPermission(t *testing.T) {
	f := newFixture(t, StaticPolicy{})
	ctx := context.Background()
	f.register(t, "a")
	f.register(t, "b")
	h := f.store(t, "a", secret, "item")

	_, err := f.enforcer.Export(ctx, h, "a", "b")
	require.Error(t, err)
	assert.True(t, stateerr.IsPermissionDenied(err))

	require.NoError(t, f.enforcer.Grant("a", "b"))
	handle, err := f.enforcer.Export(ctx, h, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "handle-1", handle.ID)

	got, err := f.enforcer.Import(ctx, handle, "b")
	require.NoError(t, err)
	assert.Equal(t, h, got)

	state, err := f.engine.Resolve(ctx, "b", got)
	require.NoError(t, err)
	v, err := state.Value(ctx)
	require.NoError(t, err)
	assert.True(t, ir.Equal(secret, v))

	require.NoError(t, f.enforcer.Revoke("a", "b"))
	_, err = f.enforcer.Export(ctx, h, "a", "b")
	assert.True(t, stateerr.IsPermissionDenied(err))
}

func TestUnexportedValuesStayPrivate(t *testing.T) {
	f := newFixture(t, StaticPolicy{})
	ctx := context.Background()
	f.register(t, "a", Wildcard)
	f.register(t, "b", Wildcard)
	h := f.store(t, "a", ir.IRString("only-a"), "v")

	ok, err := f.enforcer.Holds(ctx, "a", h)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.enforcer.Holds(ctx, "b", h)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.engine.Resolve(ctx, "b", h)
	assert.True(t, stateerr.IsPermissionDenied(err))

	_, err = f.enforcer.Export(ctx, h, "b", "a")
	assert.True(t, stateerr.IsPermissionDenied(err), "b cannot re-export what it does not hold")
}

func TestImportRejectsMisaddressedHandle(t *testing.T) {
	f := newFixture(t, StaticPolicy{})
	ctx := context.Background()
	f.register(t, "a", "b")
	f.register(t, "b")
	f.register(t, "c")
	handle, err := f.enforcer.Export(ctx, f.store(t, "a", secret, "item"), "a", "b")
	require.NoError(t, err)

	_, err = f.enforcer.Import(ctx, handle, "c")
	assert.True(t, stateerr.IsPermissionDenied(err))
}

func TestSignedTransfer(t *testing.T) {
	f := newFixture(t, StaticPolicy{Default: Requirements{Sign: true}})
	ctx := context.Background()
	f.register(t, "a", "b")
	f.register(t, "b")
	h := f.store(t, "a", secret, "item")

	handle, err := f.enforcer.Export(ctx, h, "a", "b")
	require.NoError(t, err)
	assert.NotEmpty(t, handle.Signature)

	t.Run("tampered routing", func(t *testing.T) {
		bad := *handle
		bad.ID = "forged"
		_, err := f.enforcer.Import(ctx, &bad, "b")
		assert.True(t, stateerr.IsIntegrity(err))
	})

	t.Run("stripped signature", func(t *testing.T) {
		bad := *handle
		bad.Signature = nil
		_, err := f.enforcer.Import(ctx, &bad, "b")
		assert.True(t, stateerr.IsIntegrity(err))
	})

	t.Run("valid", func(t *testing.T) {
		got, err := f.enforcer.Import(ctx, handle, "b")
		require.NoError(t, err)
		assert.Equal(t, h, got)
	})
}

func TestSealedTransfer(t *testing.T) {
	f := newFixture(t, StaticPolicy{Default: Requirements{Sign: true, Encrypt: true}})
	ctx := context.Background()
	f.register(t, "a", "b")
	f.register(t, "b")
	h := f.store(t, "a", secret, "item")

	handle, err := f.enforcer.Export(ctx, h, "a", "b")
	require.NoError(t, err)
	assert.True(t, handle.Sealed)
	assert.NotContains(t, string(handle.Payload), "widget")

	data, err := handle.Marshal()
	require.NoError(t, err)
	wire, err := UnmarshalHandle(data)
	require.NoError(t, err)

	got, err := f.enforcer.Import(ctx, wire, "b")
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestDecryptionErrors(t *testing.T) {
	f := newFixture(t, StaticPolicy{Default: Requirements{Encrypt: true}})
	ctx := context.Background()
	f.register(t, "a", "b")
	f.register(t, "b")
	h := f.store(t, "a", secret, "item")

	handle, err := f.enforcer.Export(ctx, h, "a", "b")
	require.NoError(t, err)

	t.Run("corrupted ciphertext", func(t *testing.T) {
		bad := *handle
		bad.Payload = append([]byte(nil), handle.Payload...)
		bad.Payload[0] ^= 0xff
		_, err := f.enforcer.Import(ctx, &bad, "b")
		assert.True(t, stateerr.IsDecryption(err))
	})

	t.Run("destination lost its key", func(t *testing.T) {
		require.NoError(t, f.enforcer.Register(Context{ID: "b"}))
		_, err := f.enforcer.Import(ctx, handle, "b")
		assert.True(t, stateerr.IsDecryption(err))
	})

	t.Run("destination without key cannot receive", func(t *testing.T) {
		_, err := f.enforcer.Export(ctx, h, "a", "b")
		assert.True(t, stateerr.IsDecryption(err))
	})
}

func TestUnsealedHandleRejectedWhenEncryptionRequired(t *testing.T) {
	f := newFixture(t, StaticPolicy{Overrides: map[[2]string]Requirements{{"a", "b"}: {Encrypt: true}}})
	ctx := context.Background()
	f.register(t, "a", "b", "c")
	f.register(t, "b")
	f.register(t, "c")
	h := f.store(t, "a", secret, "item")

	plain, err := f.enforcer.Export(ctx, h, "a", "c")
	require.NoError(t, err)
	assert.False(t, plain.Sealed)

	plain.To = "b"
	_, err = f.enforcer.Import(ctx, plain, "b")
	assert.True(t, stateerr.IsIntegrity(err))
}

func TestTamperedBundleIsIntegrityError(t *testing.T) {
	f := newFixture(t, StaticPolicy{})
	ctx := context.Background()
	f.register(t, "a", "b")
	f.register(t, "b")
	handle, err := f.enforcer.Export(ctx, f.store(t, "a", secret, "item"), "a", "b")
	require.NoError(t, err)

	var bundle [][]byte
	require.NoError(t, json.Unmarshal(handle.Payload, &bundle))
	require.Greater(t, len(bundle), 1)

	t.Run("missing child", func(t *testing.T) {
		bad := *handle
		bad.Payload, err = json.Marshal(bundle[:1])
		require.NoError(t, err)
		_, err := f.enforcer.Import(ctx, &bad, "b")
		assert.True(t, stateerr.IsIntegrity(err))
	})

	t.Run("wrong root", func(t *testing.T) {
		bad := *handle
		bad.Hash = "sha256:5555555555555555555555555555555555555555555555555555555555555555"
		_, err := f.enforcer.Import(ctx, &bad, "b")
		assert.True(t, stateerr.IsIntegrity(err))
	})
}

func TestPeerAndCommitSignatures(t *testing.T) {
	f := newFixture(t, StaticPolicy{})
	ctx := context.Background()
	f.register(t, "a")

	res, err := f.engine.Apply(ctx, "a", func(ctx context.Context, s *tree.Tree, in ir.IRValue) (*tree.Tree, error) {
		return s.Set(ctx, in, "v")
	}, ir.IRInt(1))
	require.NoError(t, err)
	require.NotEmpty(t, res.Commit.Signature)

	report, err := f.engine.DAG().Verify(ctx, res.Commit.Hash, f.enforcer)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Signed)

	pub, err := f.enforcer.PublicKeys("a")
	require.NoError(t, err)
	other := New(f.objects, memstore.New())
	require.NoError(t, other.RegisterPeer(pub))
	_, err = f.engine.DAG().Verify(ctx, res.Commit.Hash, other)
	assert.NoError(t, err, "a peer verifies with public keys only")

	assert.Nil(t, other.Signer("a"), "peers cannot sign")
	assert.Error(t, other.RegisterPeer(Peer{ID: "bad", SigningPublic: []byte{1, 2, 3}}))
}

func TestStaticPolicyOverrides(t *testing.T) {
	p := StaticPolicy{
		Default:   Requirements{Sign: true},
		Overrides: map[[2]string]Requirements{{"x", "y"}: {Encrypt: true}},
	}
	assert.Equal(t, Requirements{Sign: true}, p.Requirements("x", "z"))
	assert.Equal(t, Requirements{Encrypt: true}, p.Requirements("x", "y"))
}
