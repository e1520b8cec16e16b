// Package fragment implements the on-disk fragment format: a memory-mapped,
// sorted, open-addressed key/value table laid out for O(1) average /
// O(max displacement) worst-case probes.
package fragment

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
)

// Magic identifies a fragment file: little-endian "JetX".
const Magic uint32 = 0x5874654A

// Version is the only header version this package understands.
const Version uint32 = 0

// HeaderSize is the fixed byte length of a fragment header, including the
// explicit padding fields called out in the on-disk format.
const HeaderSize = 120

// Header mirrors the on-disk fragment header byte for byte. Field offsets:
//
//	0   magic             uint32
//	4   version           uint32
//	8   pattern           uint64
//	16  n_bits            uint8
//	17  key_size          uint8  (words)
//	18  item_size         uint8  (words)
//	19  _pad0             uint8  (explicit padding, ignored)
//	20  max_displacement  uint32
//	24  table_size        uint64 (bytes)
//	32  min               uint64
//	40  max               uint64
//	48  multiplier        uint64
//	56  signature         [64]byte
type Header struct {
	Magic           uint32
	Version         uint32
	Pattern         uint64
	NBits           uint8
	KeySize         uint8
	ItemSize        uint8
	MaxDisplacement uint32
	TableSize       uint64
	Min             uint64
	Max             uint64
	Multiplier      uint64
	Signature       [64]byte
}

// LoadHeader decodes a Header from a HeaderSize-byte buffer.
func LoadHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("fragment: short header: got %d bytes, want %d", len(buf), HeaderSize)
	}
	var h Header
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Version = binary.LittleEndian.Uint32(buf[4:8])
	h.Pattern = binary.LittleEndian.Uint64(buf[8:16])
	h.NBits = buf[16]
	h.KeySize = buf[17]
	h.ItemSize = buf[18]
	// buf[19] is explicit padding, ignored.
	h.MaxDisplacement = binary.LittleEndian.Uint32(buf[20:24])
	h.TableSize = binary.LittleEndian.Uint64(buf[24:32])
	h.Min = binary.LittleEndian.Uint64(buf[32:40])
	h.Max = binary.LittleEndian.Uint64(buf[40:48])
	h.Multiplier = binary.LittleEndian.Uint64(buf[48:56])
	copy(h.Signature[:], buf[56:120])
	return h, nil
}

// Bytes encodes the header into its on-disk representation.
func (h Header) Bytes() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint64(buf[8:16], h.Pattern)
	buf[16] = h.NBits
	buf[17] = h.KeySize
	buf[18] = h.ItemSize
	binary.LittleEndian.PutUint32(buf[20:24], h.MaxDisplacement)
	binary.LittleEndian.PutUint64(buf[24:32], h.TableSize)
	binary.LittleEndian.PutUint64(buf[32:40], h.Min)
	binary.LittleEndian.PutUint64(buf[40:48], h.Max)
	binary.LittleEndian.PutUint64(buf[48:56], h.Multiplier)
	copy(buf[56:120], h.Signature[:])
	return buf
}

// validKeySize reports whether n is one of the four supported key widths.
func validKeySize(n uint8) bool {
	switch n {
	case 1, 2, 4, 8:
		return true
	default:
		return false
	}
}

// validate checks every header invariant from the fragment format spec
// against the actual size of the backing file, computed without integer
// overflow.
func (h Header) validate(fileSize int64) error {
	if h.Magic != Magic {
		return fmt.Errorf("fragment: bad magic %#x, want %#x", h.Magic, Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("fragment: unsupported version %d", h.Version)
	}
	if h.NBits >= 64 {
		return fmt.Errorf("fragment: n_bits %d >= 64", h.NBits)
	}
	lowBits := uint64(64 - h.NBits)
	if h.NBits == 0 {
		if h.Pattern != 0 {
			return fmt.Errorf("fragment: n_bits=0 requires pattern=0, got %#x", h.Pattern)
		}
	} else if lowMask := lowBitsMask(lowBits); h.Pattern&lowMask != 0 {
		return fmt.Errorf("fragment: pattern %#x has nonzero low bits for n_bits=%d", h.Pattern, h.NBits)
	}
	if !validKeySize(h.KeySize) {
		return fmt.Errorf("fragment: invalid key_size %d", h.KeySize)
	}
	if h.ItemSize < h.KeySize {
		return fmt.Errorf("fragment: item_size %d < key_size %d", h.ItemSize, h.KeySize)
	}
	if h.Max < h.Min {
		return fmt.Errorf("fragment: max %d < min %d", h.Max, h.Min)
	}

	rng := h.Max - h.Min
	guessMax := scale(rng, h.Multiplier)

	displacedMax, ok := addUint64(guessMax, uint64(h.MaxDisplacement))
	if !ok {
		return fmt.Errorf("fragment: guess_max + max_displacement overflows uint64")
	}
	itemBytes, ok := mulUint64(uint64(h.ItemSize), 8)
	if !ok {
		return fmt.Errorf("fragment: item_size overflows when converted to bytes")
	}
	maxOffset, ok := mulUint64(displacedMax, itemBytes)
	if !ok {
		return fmt.Errorf("fragment: max_offset overflows uint64")
	}
	totalNeeded, ok := addUint64(maxOffset, HeaderSize)
	if !ok {
		return fmt.Errorf("fragment: header + max_offset overflows uint64")
	}
	if totalNeeded > h.TableSize {
		return fmt.Errorf("fragment: table_size %d too small for max_offset+header %d", h.TableSize, totalNeeded)
	}
	if fileSize < 0 || h.TableSize > uint64(fileSize) {
		return fmt.Errorf("fragment: table_size %d exceeds file size %d", h.TableSize, fileSize)
	}
	return nil
}

func lowBitsMask(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	if n >= 64 {
		return math.MaxUint64
	}
	return (uint64(1) << n) - 1
}

// scale computes (uint128(delta) * multiplier) >> 64, the fixed-point map
// from a key delta to its initial probe slot.
func scale(delta, multiplier uint64) uint64 {
	hi, _ := bits.Mul64(delta, multiplier)
	return hi
}

func addUint64(a, b uint64) (sum uint64, ok bool) {
	sum = a + b
	return sum, sum >= a
}

func mulUint64(a, b uint64) (product uint64, ok bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	product = a * b
	return product, product/a == b
}
