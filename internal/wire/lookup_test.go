package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestLookup_EncodeDecode_WorkedExample reproduces the protocol's own worked
// example: a 4-byte correlation, no explicit destination, an 8-byte key.
func TestLookup_EncodeDecode_WorkedExample(t *testing.T) {
	correlation := []byte{0xEF, 0xBE, 0xAD, 0xDE} // 0xDEADBEEF, little-endian on the wire
	var tableUUID [16]byte
	for i := range tableUUID {
		tableUUID[i] = byte(i + 1)
	}
	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, 0x0102030405060708)

	buf := make([]byte, MaxDatagramLen)
	n, err := EncodeLookup(buf, correlation, Destination{Kind: DestSelf}, tableUUID, key)
	require.NoError(t, err)
	require.Equal(t, 8+8+16+8, n)

	source := Destination{Kind: DestV4, IP: []byte{127, 0, 0, 1}, Port: 12345}
	decoded, err := DecodeLookup(buf, n, source)
	require.NoError(t, err)

	require.Equal(t, uint16(n), decoded.Header.Len)
	require.Equal(t, TypeLookup, decoded.Header.Type)
	require.Equal(t, 8, len(decoded.Correlation))
	require.Equal(t, correlation, decoded.Correlation[:4])
	require.Equal(t, []byte{0, 0, 0, 0}, decoded.Correlation[4:])
	require.Equal(t, source, decoded.Destination)
	require.Equal(t, tableUUID, decoded.TableUUID)
	require.Equal(t, uint64(0x0102030405060708), decoded.Key[0])
	for i := 1; i < 8; i++ {
		require.Equal(t, uint64(0), decoded.Key[i])
	}
}

func TestLookup_EncodeDecode_WithExplicitDestination(t *testing.T) {
	var tableUUID [16]byte
	key := make([]byte, 16)

	dest := Destination{Kind: DestV4, IP: []byte{192, 168, 1, 1}, Port: 4242}
	buf := make([]byte, MaxDatagramLen)
	n, err := EncodeLookup(buf, nil, dest, tableUUID, key)
	require.NoError(t, err)

	decoded, err := DecodeLookup(buf, n, Destination{Kind: DestSelf})
	require.NoError(t, err)
	require.Equal(t, DestV4, decoded.Destination.Kind)
	require.Equal(t, dest.Port, decoded.Destination.Port)
	require.True(t, decoded.Destination.IP.Equal(dest.IP))
}

func TestLookup_RejectsBadKeyLength(t *testing.T) {
	buf := make([]byte, MaxDatagramLen)
	var tableUUID [16]byte
	_, err := EncodeLookup(buf, nil, Destination{Kind: DestSelf}, tableUUID, make([]byte, 7))
	require.Error(t, err)
}

func TestLookup_DecodeRejectsWrongType(t *testing.T) {
	var h Header
	h.Type = TypeFound
	h.Len = HeaderSize
	buf := make([]byte, HeaderSize)
	h.Encode(buf)

	_, err := DecodeLookup(buf, HeaderSize, Destination{Kind: DestSelf})
	require.Error(t, err)
}

func TestKeyLenSelectorRoundTrip(t *testing.T) {
	for _, n := range []int{8, 16, 32, 64} {
		sel, err := keyLenToSelector(n)
		require.NoError(t, err)
		got, err := selectorToKeyLen(sel)
		require.NoError(t, err)
		require.Equal(t, n, got)
	}
	_, err := keyLenToSelector(24)
	require.Error(t, err)
}
