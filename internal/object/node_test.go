package object

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dagstate/internal/ir"
)

const (
	hash42   Hash = "sha256:a144c97f14a6b3e8e5e1be58c22b5109203ceae91aa05526d9fcb47f70725dcd"
	hashA    Hash = "sha256:2d51ae55d3f1d2ebbaaeb4190b8b3f78d0ee9fd2755302b2237e47a69bb7e153"
	hashTrue Hash = "sha256:6a3f0d60d53e49a7a603fdd958d3ebea9117e5a4504c55747b477c45579268f3"
)

func TestScalarHashes(t *testing.T) {
	tests := []struct {
		value    ir.IRValue
		expected Hash
	}{
		{ir.IRInt(42), hash42},
		{ir.IRString("a"), hashA},
		{ir.IRBool(true), hashTrue},
	}

	for _, tt := range tests {
		t.Run(ir.TypeName(tt.value), func(t *testing.T) {
			n, err := NewScalar(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, n.Hash)
			assert.True(t, n.Hash.Valid())
		})
	}
}

func TestRecordFieldOrderIsCanonical(t *testing.T) {
	a, err := NewRecord([]string{"name", "count"}, []Hash{hashA, hash42})
	require.NoError(t, err)
	b, err := NewRecord([]string{"count", "name"}, []Hash{hash42, hashA})
	require.NoError(t, err)

	assert.Equal(t, a.Hash, b.Hash)
	assert.Equal(t, Hash("sha256:90d54ee28485554e6072968cbe68286e7e2d263573cc9ae13c84961d827ce4d9"), a.Hash)

	fields, err := a.Fields()
	require.NoError(t, err)
	assert.Equal(t, []string{"count", "name"}, fields)

	child, ok, err := a.Field("name")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, hashA, child)

	_, ok, err = a.Field("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCollectionHash(t *testing.T) {
	n, err := NewCollection([]Hash{hash42, hashTrue})
	require.NoError(t, err)
	assert.Equal(t, Hash("sha256:22c4b84b1aad425eb5fd1169f3ed6581a71f0c757a1c6bc464fa5717a8880c13"), n.Hash)

	reversed, err := NewCollection([]Hash{hashTrue, hash42})
	require.NoError(t, err)
	assert.NotEqual(t, n.Hash, reversed.Hash, "collections are ordered")
}

func TestNodeConstructorErrors(t *testing.T) {
	_, err := NewScalar(ir.IRObject{})
	assert.Error(t, err)

	_, err = NewRecord([]string{"a"}, nil)
	assert.Error(t, err)

	_, err = NewRecord([]string{"a", "a"}, []Hash{hash42, hash42})
	assert.Error(t, err)

	_, err = ComputeHash(&Node{Kind: "blob"})
	assert.Error(t, err)

	_, err = ComputeHash(&Node{Kind: KindScalar, Children: []Hash{hash42}, Payload: []byte("1")})
	assert.Error(t, err)
}

func TestScalarValue(t *testing.T) {
	n, err := NewScalar(ir.IRString("hello"))
	require.NoError(t, err)

	v, err := n.ScalarValue()
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("hello"), v)

	rec, err := NewRecord(nil, nil)
	require.NoError(t, err)
	_, err = rec.ScalarValue()
	assert.Error(t, err)
}

func TestEncodeGolden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	scalar, err := NewScalar(ir.IRInt(42))
	require.NoError(t, err)
	data, err := Encode(scalar)
	require.NoError(t, err)
	g.Assert(t, "scalar_node", data)

	record, err := NewRecord([]string{"name", "count"}, []Hash{hashA, hash42})
	require.NoError(t, err)
	data, err = Encode(record)
	require.NoError(t, err)
	g.Assert(t, "record_node", data)
}

func TestDecodeRoundTrip(t *testing.T) {
	record, err := NewRecord([]string{"x"}, []Hash{hashTrue})
	require.NoError(t, err)

	data, err := Encode(record)
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, record.Hash, back.Hash)
	assert.Equal(t, record.Children, back.Children)
	assert.Equal(t, record.Payload, back.Payload)
}

func TestDecodeRejectsUnknownFormat(t *testing.T) {
	_, err := Decode([]byte(`{"children":[],"digest":"sha256","format":2,"kind":"scalar","payload":"1"}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"children":[],"digest":"md5","format":1,"kind":"scalar","payload":"1"}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestHashShort(t *testing.T) {
	assert.Equal(t, "sha256:a144c97f14a6", hash42.Short())
	assert.Equal(t, "odd", Hash("odd").Short())
}

func TestHashSet(t *testing.T) {
	a := NewHashSet(hash42, hashA)
	b := NewHashSet(hashTrue)

	assert.False(t, a.Intersects(b))
	b.Add(hashA)
	assert.True(t, a.Intersects(b))
	assert.True(t, b.Intersects(a))

	a.Union(b)
	assert.Equal(t, 3, a.Len())
	assert.Equal(t, []Hash{hashA, hashTrue, hash42}, a.Sorted())
	assert.True(t, a.Equal(NewHashSet(hashTrue, hash42, hashA)))
	assert.False(t, a.Equal(b))
}
