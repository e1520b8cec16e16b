package wire

import (
	"encoding/binary"
	"fmt"
)

// Key is an 8-word lookup key, matching fragment.Key's layout. Unused high
// words for logical keys shorter than 64 bytes are zero.
type Key [8]uint64

// maxCorrelationWords bounds correlation length: the low nibble encodes
// (word count - 1) in 4 bits, so at most 16 words (128 bytes).
const maxCorrelationWords = 16

func correlationWords(correlationLen int) (int, error) {
	if correlationLen < 0 || correlationLen > maxCorrelationWords*8 {
		return 0, fmt.Errorf("wire: correlation length %d out of range", correlationLen)
	}
	c := (correlationLen + 7) / 8
	if c == 0 {
		c = 1
	}
	return c, nil
}

func keyLenToSelector(keyLen int) (uint8, error) {
	switch keyLen {
	case 8:
		return 0, nil
	case 16:
		return 1, nil
	case 32:
		return 2, nil
	case 64:
		return 3, nil
	default:
		return 0, fmt.Errorf("wire: key length %d is not a power of two in [8,64]", keyLen)
	}
}

func selectorToKeyLen(sel uint8) (int, error) {
	switch sel {
	case 0:
		return 8, nil
	case 1:
		return 16, nil
	case 2:
		return 32, nil
	case 3:
		return 64, nil
	default:
		return 0, fmt.Errorf("wire: unknown key length selector %d", sel)
	}
}

// Lookup is a decoded lookup request.
type Lookup struct {
	Header      Header
	Correlation []byte // aliases the decoded buffer; zero-padded to a multiple of 8
	Destination Destination
	TableUUID   [16]byte
	Key         Key
	KeyLen      int
}

// EncodeLookup writes a lookup datagram into dst, returning the number of
// bytes written. correlation may be empty (one zero slot is still
// reserved); dest.Kind selects whether a redirect destination is encoded;
// key must be 8, 16, 32, or 64 bytes.
func EncodeLookup(dst []byte, correlation []byte, dest Destination, tableUUID [16]byte, key []byte) (int, error) {
	cWords, err := correlationWords(len(correlation))
	if err != nil {
		return 0, err
	}
	destLen, err := encodedLen(dest.Kind)
	if err != nil {
		return 0, err
	}
	if _, err := keyLenToSelector(len(key)); err != nil {
		return 0, err
	}

	total := HeaderSize + cWords*8 + destLen + 16 + len(key)
	if total > len(dst) || total > MaxDatagramLen {
		return 0, fmt.Errorf("wire: encoded lookup of %d bytes exceeds buffer/limit", total)
	}

	off := HeaderSize
	off += copy(dst[off:off+cWords*8], correlation)
	// copy() above zero-pads naturally since dst was zeroed by caller
	// convention; be defensive and clear any tail beyond correlation.
	for i := len(correlation); i < cWords*8; i++ {
		dst[HeaderSize+i] = 0
	}

	n, err := encodeDestination(dst[off:], dest)
	if err != nil {
		return 0, err
	}
	off += n

	off += copy(dst[off:off+16], tableUUID[:])
	off += copy(dst[off:off+len(key)], key)

	var h Header
	h.Type = TypeLookup
	h.SetLow4(uint8(cWords - 1))
	h.SetHigh4(destKindExtra(dest.Kind))
	h.Len = uint16(off)
	h.Encode(dst[0:HeaderSize])

	return off, nil
}

func destKindExtra(kind uint8) uint8 {
	return kind
}

// DecodeLookup parses a lookup datagram of length n from buf, given the
// address the datagram arrived from (used as the destination when the
// wire destination kind is DestSelf).
func DecodeLookup(buf []byte, n int, source Destination) (Lookup, error) {
	if n < HeaderSize || n > len(buf) {
		return Lookup{}, fmt.Errorf("wire: lookup datagram length %d out of range", n)
	}
	h := DecodeHeader(buf)
	if int(h.Len) != n {
		return Lookup{}, fmt.Errorf("wire: header.len %d != packet length %d", h.Len, n)
	}
	if h.Type != TypeLookup {
		return Lookup{}, fmt.Errorf("wire: expected lookup type, got %d", h.Type)
	}
	if n > MaxDatagramLen {
		return Lookup{}, fmt.Errorf("wire: lookup datagram too large: %d", n)
	}

	cWords := int(h.Low4()) + 1
	off := HeaderSize
	if off+cWords*8 > n {
		return Lookup{}, fmt.Errorf("wire: truncated correlation field")
	}
	correlation := buf[off : off+cWords*8]
	off += cWords * 8

	dest, consumed, err := decodeDestination(h.High4(), buf[off:n], source)
	if err != nil {
		return Lookup{}, err
	}
	off += consumed

	if off+16 > n {
		return Lookup{}, fmt.Errorf("wire: truncated table uuid")
	}
	var tableUUID [16]byte
	copy(tableUUID[:], buf[off:off+16])
	off += 16

	keyLen := n - off
	if keyLen > 64 {
		keyLen = 64
	}
	var keyBuf [64]byte
	copy(keyBuf[:], buf[off:n])
	var key Key
	for i := 0; i < 8; i++ {
		key[i] = binary.LittleEndian.Uint64(keyBuf[i*8 : i*8+8])
	}

	return Lookup{
		Header:      h,
		Correlation: correlation,
		Destination: dest,
		TableUUID:   tableUUID,
		Key:         key,
		KeyLen:      keyLen,
	}, nil
}
