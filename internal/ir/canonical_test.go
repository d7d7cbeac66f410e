package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"null", IRNull{}, "null"},
		{"string", IRString("hello"), `"hello"`},
		{"empty string", IRString(""), `""`},
		{"int", IRInt(42), "42"},
		{"negative int", IRInt(-100), "-100"},
		{"max int64", IRInt(9223372036854775807), "9223372036854775807"},
		{"min int64", IRInt(-9223372036854775808), "-9223372036854775808"},
		{"bool true", IRBool(true), "true"},
		{"bool false", IRBool(false), "false"},
		{"empty array", IRArray{}, "[]"},
		{"empty object", IRObject{}, "{}"},
		{"array of ints", IRArray{IRInt(1), IRInt(2), IRInt(3)}, "[1,2,3]"},
		{"simple object", IRObject{"a": IRInt(1)}, `{"a":1}`},
		{"go string slice", []string{"b", "a"}, `["b","a"]`},
		{"go map", map[string]any{"k": []string{"x"}, "n": int64(1)}, `{"k":["x"],"n":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalNestedSortedKeys(t *testing.T) {
	obj := IRObject{
		"z": IRObject{
			"b": IRInt(1),
			"a": IRInt(2),
		},
		"a": IRInt(3),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":3,"z":{"a":2,"b":1}}`, string(result))
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// U+10000 encodes as a surrogate pair starting 0xD800, which sorts
	// before U+E000 in UTF-16 but after it in UTF-8.
	obj := IRObject{
		"\uE000": IRInt(1),
		"𐀀":      IRInt(2),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"𐀀":2,"`+"\uE000"+`":1}`, string(result))
}

func TestMarshalCanonicalEscaping(t *testing.T) {
	tests := []struct {
		name     string
		input    IRString
		expected string
	}{
		{"html is verbatim", "<a & b>", `"<a & b>"`},
		{"quote", `say "hi"`, `"say \"hi\""`},
		{"backslash", `a\b`, `"a\\b"`},
		{"newline and tab", "a\nb\tc", `"a\nb\tc"`},
		{"control char", "\x01", `"\u0001"`},
		{"line separator literal", "a\u2028b", "\"a\u2028b\""},
		{"paragraph separator literal", "a\u2029b", "\"a\u2029b\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalNFC(t *testing.T) {
	composed := IRString("café")
	decomposed := IRString("café")

	a, err := MarshalCanonical(composed)
	require.NoError(t, err)
	b, err := MarshalCanonical(decomposed)
	require.NoError(t, err)

	assert.Equal(t, a, b, "NFC normalization must make both forms identical")
	assert.True(t, Equal(composed, decomposed))
}

func TestMarshalCanonicalRejects(t *testing.T) {
	tests := []struct {
		name  string
		input any
	}{
		{"untyped nil", nil},
		{"float64", 1.5},
		{"float32", float32(2)},
		{"struct", struct{}{}},
		{"nested float", map[string]any{"x": 1.25}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MarshalCanonical(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestMarshalCanonicalDeterministic(t *testing.T) {
	obj := IRObject{
		"items": IRArray{IRObject{"b": IRBool(true), "a": IRNull{}}},
		"count": IRInt(7),
		"name":  IRString("cart"),
	}

	first, err := MarshalCanonical(obj)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := MarshalCanonical(obj)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
	assert.Equal(t, `{"count":7,"items":[{"a":null,"b":true}],"name":"cart"}`, string(first))
}

func TestUnmarshalCanonicalRoundTrip(t *testing.T) {
	input := `{"a":[1,true,null,"x"],"b":{"c":-3}}`

	v, err := UnmarshalCanonical([]byte(input))
	require.NoError(t, err)

	out, err := MarshalCanonical(v)
	require.NoError(t, err)
	assert.Equal(t, input, string(out))
}

func TestUnmarshalCanonicalRejectsFloats(t *testing.T) {
	_, err := UnmarshalCanonical([]byte(`{"a":1.5}`))
	assert.Error(t, err)

	_, err = UnmarshalCanonical([]byte(`{"a":`))
	assert.Error(t, err)
}
