package wire

import (
	"encoding/binary"
	"fmt"
)

// Response is a decoded Found or Missing response.
type Response struct {
	Header    Header
	IsFound   bool
	Correlation []byte
	TableUUID [16]byte
	Key       Key
	KeyLen    int
	Value     []byte // non-nil only when IsFound
}

// responseHeader writes the shared correlation/table/key prefix common to
// both Found and Missing responses, returning the number of bytes written
// and the in-progress Header (caller sets Type and extends Len for Found).
func responseHeader(dst []byte, correlation []byte, tableUUID [16]byte, key []byte) (Header, int, error) {
	cWords, err := correlationWords(len(correlation))
	if err != nil {
		return Header{}, 0, err
	}
	keySel, err := keyLenToSelector(len(key))
	if err != nil {
		return Header{}, 0, err
	}

	total := HeaderSize + cWords*8 + 16 + len(key)
	if total > len(dst) {
		return Header{}, 0, fmt.Errorf("wire: encoded response of %d bytes exceeds buffer", total)
	}

	off := HeaderSize
	off += copy(dst[off:off+cWords*8], correlation)
	for i := len(correlation); i < cWords*8; i++ {
		dst[HeaderSize+i] = 0
	}
	off += copy(dst[off:off+16], tableUUID[:])
	off += copy(dst[off:off+len(key)], key)

	var h Header
	h.SetLow4(uint8(cWords - 1))
	h.SetHigh4(keySel)
	h.Len = uint16(off)
	return h, off, nil
}

// EncodeMissing writes a Missing response into dst.
func EncodeMissing(dst []byte, correlation []byte, tableUUID [16]byte, key []byte) (int, error) {
	h, off, err := responseHeader(dst, correlation, tableUUID, key)
	if err != nil {
		return 0, err
	}
	h.Type = TypeMissing
	h.Encode(dst[0:HeaderSize])
	return off, nil
}

// EncodeFound writes a Found response (header/correlation/table/key plus
// the value bytes) into dst.
func EncodeFound(dst []byte, correlation []byte, tableUUID [16]byte, key []byte, value []byte) (int, error) {
	h, off, err := responseHeader(dst, correlation, tableUUID, key)
	if err != nil {
		return 0, err
	}
	total := off + len(value)
	if total >= 1<<15 || total > len(dst) {
		return 0, fmt.Errorf("wire: found response of %d bytes exceeds 2^15 or buffer", total)
	}
	n := copy(dst[off:total], value)
	off += n
	h.Type = TypeFound
	h.Len = uint16(off)
	h.Encode(dst[0:HeaderSize])
	return off, nil
}

// DecodeResponse parses a Found or Missing datagram of length n from buf.
func DecodeResponse(buf []byte, n int) (Response, error) {
	if n < HeaderSize || n > len(buf) {
		return Response{}, fmt.Errorf("wire: response datagram length %d out of range", n)
	}
	h := DecodeHeader(buf)
	if int(h.Len) != n {
		return Response{}, fmt.Errorf("wire: header.len %d != packet length %d", h.Len, n)
	}
	if h.Type != TypeFound && h.Type != TypeMissing {
		return Response{}, fmt.Errorf("wire: expected found/missing type, got %d", h.Type)
	}

	cWords := int(h.Low4()) + 1
	off := HeaderSize
	if off+cWords*8 > n {
		return Response{}, fmt.Errorf("wire: truncated correlation field")
	}
	correlation := buf[off : off+cWords*8]
	off += cWords * 8

	if off+16 > n {
		return Response{}, fmt.Errorf("wire: truncated table uuid")
	}
	var tableUUID [16]byte
	copy(tableUUID[:], buf[off:off+16])
	off += 16

	keyLen, err := selectorToKeyLen(h.High4())
	if err != nil {
		return Response{}, err
	}
	if off+keyLen > n {
		return Response{}, fmt.Errorf("wire: truncated key field")
	}
	var keyBuf [64]byte
	copy(keyBuf[:], buf[off:off+keyLen])
	off += keyLen
	var key Key
	for i := 0; i < 8; i++ {
		key[i] = binary.LittleEndian.Uint64(keyBuf[i*8 : i*8+8])
	}

	resp := Response{
		Header:      h,
		IsFound:     h.Type == TypeFound,
		Correlation: correlation,
		TableUUID:   tableUUID,
		Key:         key,
		KeyLen:      keyLen,
	}
	if resp.IsFound {
		resp.Value = buf[off:n]
	}
	return resp, nil
}
