package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeysByUTF16(t *testing.T) {
	// U+1D306 (non-BMP, surrogate pair in UTF-16) sorts before U+FF01
	// under UTF-16 code unit order, after it under UTF-8 byte order.
	obj := map[string]any{
		"！":     int64(1),
		"\U0001D306": int64(2),
		"a":          int64(3),
	}

	out, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":3,"𝌆":2,"！":1}`, string(out))
}

func TestMarshalCanonical_NFCNormalizesStrings(t *testing.T) {
	// "e" + combining acute accent normalizes to precomposed U+00E9.
	out, err := MarshalCanonical("é")
	require.NoError(t, err)
	assert.Equal(t, "\"é\"", string(out))
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	out, err := MarshalCanonical("<a>&</a>")
	require.NoError(t, err)
	assert.Equal(t, `"<a>&</a>"`, string(out))
}

func TestMarshalCanonical_EscapesControlCharacters(t *testing.T) {
	out, err := MarshalCanonical("line1\nline2\x01")
	require.NoError(t, err)
	assert.Equal(t, `"line1\nline2"`, string(out))
}

func TestMarshalCanonical_RejectsFloats(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"x": 1.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "float")
}

func TestMarshalCanonical_RejectsNull(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"x": nil})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "null")
}

func TestMarshalCanonical_ValueVariants(t *testing.T) {
	obj := map[string]any{
		"i": Int(-7),
		"s": String("hi"),
		"b": Bool(true),
		"p": Bytes{0xde, 0xad},
	}

	out, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"b":true,"i":-7,"p":"dead","s":"hi"}`, string(out))
}

func TestMarshalCanonical_NestedDeterminism(t *testing.T) {
	obj := map[string]any{
		"outer": map[string]any{"z": int64(1), "a": []any{"x", int64(2), false}},
	}

	first, err := MarshalCanonical(obj)
	require.NoError(t, err)

	// Map iteration order must not leak into the output.
	for i := 0; i < 50; i++ {
		again, err := MarshalCanonical(obj)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}
