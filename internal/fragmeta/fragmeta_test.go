package fragmeta

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMeta_MarshalUnmarshalRoundTrip(t *testing.T) {
	var m Meta
	require.NoError(t, m.AddString([]byte(KeyBuiltBy), "jetx-build"))
	require.NoError(t, m.AddString([]byte(KeySourcePath), "/data/epoch-42"))
	require.NoError(t, m.AddUint64([]byte("num_fragments"), 7))

	encoded, err := m.MarshalBinary()
	require.NoError(t, err)

	var decoded Meta
	require.NoError(t, decoded.UnmarshalBinary(encoded))
	require.Equal(t, m.KeyVals, decoded.KeyVals)

	builtBy, ok := decoded.GetString([]byte(KeyBuiltBy))
	require.True(t, ok)
	require.Equal(t, "jetx-build", builtBy)

	sourcePath, ok := decoded.GetString([]byte(KeySourcePath))
	require.True(t, ok)
	require.Equal(t, "/data/epoch-42", sourcePath)

	n, ok := decoded.GetUint64([]byte("num_fragments"))
	require.True(t, ok)
	require.Equal(t, uint64(7), n)
}

func TestMeta_UnmarshalEmpty(t *testing.T) {
	var m Meta
	require.NoError(t, m.UnmarshalBinary(nil))
	require.Empty(t, m.KeyVals)
}

func TestMeta_GetAll(t *testing.T) {
	var m Meta
	require.NoError(t, m.AddString([]byte("tag"), "a"))
	require.NoError(t, m.AddString([]byte("tag"), "b"))

	all := m.GetAll([]byte("tag"))
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, all)

	first, ok := m.Get([]byte("tag"))
	require.True(t, ok)
	require.Equal(t, []byte("a"), first)
}

func TestMeta_HasDuplicateKeys(t *testing.T) {
	var unique Meta
	require.NoError(t, unique.AddString([]byte("a"), "1"))
	require.NoError(t, unique.AddString([]byte("b"), "2"))
	require.False(t, unique.HasDuplicateKeys())

	var dup Meta
	require.NoError(t, dup.AddString([]byte("a"), "1"))
	require.NoError(t, dup.AddString([]byte("a"), "2"))
	require.True(t, dup.HasDuplicateKeys())
}

func TestMeta_AddRejectsOversizeKeyOrValue(t *testing.T) {
	var m Meta
	require.Error(t, m.Add(make([]byte, MaxKeySize+1), []byte("v")))
	require.Error(t, m.Add([]byte("k"), make([]byte, MaxValueSize+1)))
}

func TestMeta_BytesPanicsNever(t *testing.T) {
	var m Meta
	require.NoError(t, m.AddString([]byte("k"), "v"))
	require.NotPanics(t, func() { m.Bytes() })
}
