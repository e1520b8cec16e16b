// Package wire implements the JetX datagram protocol: lookup requests and
// found/missing responses, including correlation, destination redirection,
// TTL and deadline handling (spec section 3.4 / 4.4).
package wire

import "encoding/binary"

// HeaderSize is the fixed byte length of a datagram header.
const HeaderSize = 8

// MaxDatagramLen is the largest value header.len may encode.
const MaxDatagramLen = 32767

// Message types.
const (
	TypeLookup  uint8 = 0
	TypeFound   uint8 = 1
	TypeMissing uint8 = 3
)

// Header is the 8-byte datagram header common to every message.
type Header struct {
	Len    uint16
	Type   uint8
	Extra  uint8
	Expiry uint32
}

// Low4 returns the correlation-length nibble (encodes count-1).
func (h Header) Low4() uint8 { return h.Extra & 0x0F }

// High4 returns the destination-kind / key-length-selector nibble.
func (h Header) High4() uint8 { return (h.Extra >> 4) & 0x0F }

// SetLow4 overwrites the low nibble of Extra.
func (h *Header) SetLow4(v uint8) { h.Extra = (h.Extra &^ 0x0F) | (v & 0x0F) }

// SetHigh4 overwrites the high nibble of Extra.
func (h *Header) SetHigh4(v uint8) { h.Extra = (h.Extra & 0x0F) | ((v & 0x0F) << 4) }

// DecodeHeader reads a Header from the first HeaderSize bytes of buf.
func DecodeHeader(buf []byte) Header {
	return Header{
		Len:    binary.LittleEndian.Uint16(buf[0:2]),
		Type:   buf[2],
		Extra:  buf[3],
		Expiry: binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// Encode writes the header into the first HeaderSize bytes of buf.
func (h Header) Encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], h.Len)
	buf[2] = h.Type
	buf[3] = h.Extra
	binary.LittleEndian.PutUint32(buf[4:8], h.Expiry)
}

// SetTTL overwrites the low byte of Expiry (the hop-count TTL).
func (h *Header) SetTTL(t uint8) {
	h.Expiry = (h.Expiry &^ 0xFF) | uint32(t)
}

// TTL returns the current hop-count TTL.
func (h Header) TTL() uint8 { return uint8(h.Expiry & 0xFF) }

// DecTTL decrements the TTL by one hop and reports whether the datagram
// remains alive. A zero TTL means "disabled" and is never decremented; any
// other value is decremented, dying (returning false) only when it reaches
// zero. Because the low byte is guaranteed nonzero here, subtracting 1 from
// the full 32-bit Expiry cannot borrow into the deadline bits above it.
func (h *Header) DecTTL() (alive bool) {
	if h.Expiry&0xFF == 0 {
		return true
	}
	h.Expiry--
	return h.Expiry&0xFF != 0
}

// deadlineMask covers the high 24 bits of Expiry that hold the ms-since-
// epoch deadline, left-shifted by 8.
const deadlineMask = 0xFFFFFF00

// SetDeadline stamps the high 24 bits of Expiry with nowMs (truncated to 24
// bits), shifted left by 8. If that would encode to zero — which would be
// indistinguishable from "no deadline" — the encoded deadline is forced to
// the smallest nonzero value (0x100) instead, per spec 4.4.
func (h *Header) SetDeadline(nowMs uint32) {
	enc := (nowMs & 0x00FFFFFF) << 8
	if enc == 0 {
		enc = 0x100
	}
	h.Expiry = (h.Expiry &^ deadlineMask) | enc
}

// Expired reports whether, as of nowMs, this header's deadline has passed.
// A datagram with no deadline never expires. The comparison is a 32-bit
// modular one, so it tolerates wraparound of the ms-since-epoch clock in
// either direction; a false positive (treating a just-expired datagram as
// still alive, or vice versa, right at the boundary) is acceptable, a
// systematic false negative across the deployment lifetime is not.
func (h Header) Expired(nowMs uint32) bool {
	limit := h.Expiry | 0xFF
	if limit == 0xFF {
		return false
	}
	nowShifted := nowMs << 8
	return int32(limit-nowShifted) < 0
}
