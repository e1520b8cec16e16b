package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/mmap"
	"golang.org/x/sys/unix"
)

// maxHeaderRetries bounds the number of EINTR retries when reading the
// header off a freshly opened fragment file. The count is arbitrary, kept
// at the value this format has always used.
const maxHeaderRetries = 10

// ErrNotFound is the sentinel error for a key absent from the fragment.
// Lookup itself reports a miss through its boolean result and does not
// return this error.
var ErrNotFound = errors.New("fragment: key not found")

// Verifier is a pluggable hook invoked during Open, giving a caller the
// chance to reject fragments whose reserved signature bytes don't check
// out. JetX itself never interprets the signature; it only refuses to map
// a fragment when a Verifier is configured and it returns an error.
type Verifier interface {
	Verify(header Header, body io.ReaderAt) error
}

// Fragment is a memory-mapped, read-only view of one fragment file.
type Fragment struct {
	path   string
	header Header
	rng    uint64 // header.Max - header.Min
	data   *mmap.ReaderAt
}

// Option configures Open.
type Option func(*openConfig)

type openConfig struct {
	verifier Verifier
}

// WithVerifier installs a signature Verifier. A fragment with an all-zero
// signature is rejected when a verifier is configured, since it cannot
// possibly have been signed.
func WithVerifier(v Verifier) Option {
	return func(c *openConfig) { c.verifier = v }
}

// Open validates and memory-maps the fragment file at path.
//
// On any validation failure the file is left unmapped and an error is
// returned; no partial Fragment is ever exposed.
func Open(path string, opts ...Option) (*Fragment, error) {
	var cfg openConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fragment: open %s: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("fragment: stat %s: %w", path, err)
	}

	headerBuf := make([]byte, HeaderSize)
	if err := readHeaderWithRetry(f, headerBuf); err != nil {
		return nil, fmt.Errorf("fragment: read header %s: %w", path, err)
	}
	header, err := LoadHeader(headerBuf)
	if err != nil {
		return nil, fmt.Errorf("fragment: decode header %s: %w", path, err)
	}
	if err := header.validate(stat.Size()); err != nil {
		return nil, fmt.Errorf("fragment: invalid %s: %w", path, err)
	}

	if cfg.verifier != nil {
		if allZero(header.Signature[:]) {
			return nil, fmt.Errorf("fragment: %s is unsigned and a verifier is configured", path)
		}
		if err := cfg.verifier.Verify(header, f); err != nil {
			return nil, fmt.Errorf("fragment: signature verification failed for %s: %w", path, err)
		}
	}

	if err := unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM); err != nil {
		slog.Warn("fadvise(RANDOM) failed", "file", path, "error", err)
	}

	mapped, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fragment: mmap %s: %w", path, err)
	}

	return &Fragment{
		path:   path,
		header: header,
		rng:    header.Max - header.Min,
		data:   mapped,
	}, nil
}

func readHeaderWithRetry(r io.ReaderAt, buf []byte) error {
	var lastErr error
	for i := 0; i < maxHeaderRetries; i++ {
		n, err := r.ReadAt(buf, 0)
		if n == len(buf) {
			return nil
		}
		lastErr = err
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("header read interrupted %d times: %w", maxHeaderRetries, lastErr)
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Close unmaps the fragment. It is idempotent and safe to call on a nil
// *Fragment.
func (f *Fragment) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	err := f.data.Close()
	f.data = nil
	return err
}

// Pattern returns the high-bit prefix and bit count every key in this
// fragment shares.
func (f *Fragment) Pattern() (pattern uint64, nBits uint8) {
	return f.header.Pattern, f.header.NBits
}

// KeySize returns the key width in 64-bit words.
func (f *Fragment) KeySize() int { return int(f.header.KeySize) }

// ItemSize returns the item width in 64-bit words.
func (f *Fragment) ItemSize() int { return int(f.header.ItemSize) }

// MaxDisplacement returns the fragment's probe budget.
func (f *Fragment) MaxDisplacement() uint32 { return f.header.MaxDisplacement }

// Base returns an address-equivalent identity for the underlying mapping.
// Every Fragment value returned by Open owns exactly one mapping, so the
// struct's own address serves as that mapping's base for the purposes of
// Table's "unmap each distinct base exactly once" bookkeeping (spec 4.2).
func (f *Fragment) Base() uintptr {
	return uintptr(unsafe.Pointer(f))
}

// Fingerprint is a non-cryptographic checksum over the header and first
// page of item data, suitable for logging/metrics or as a building block
// for a Verifier implementation. It is not itself a security check.
func (f *Fragment) Fingerprint() uint64 {
	h := xxhash.New()
	h.Write(f.header.Bytes())
	const probe = 4096
	buf := make([]byte, probe)
	n, _ := f.data.ReadAt(buf, HeaderSize)
	h.Write(buf[:n])
	return h.Sum64()
}

// Key is an 8-word lookup key. Unused high words for logical keys shorter
// than 64 bytes must be zero (or, for the sentinel, all-ones; see Lookup).
type Key [8]uint64

// Lookup probes the fragment for key k, returning the value bytes and true
// on a match, or (nil, false) if the key is absent.
//
// The returned slice is a copy read out of the memory-mapped file, not an
// alias of it; it remains valid after the Fragment is closed.
func (f *Fragment) Lookup(k Key) ([]byte, bool) {
	h := &f.header
	delta := k[0] - h.Min // unsigned subtraction per spec
	if delta > f.rng {
		return nil, false
	}
	guess := scale(delta, h.Multiplier)

	if delta == f.rng && sentinelTail(k, int(h.KeySize)) {
		slot := guess + uint64(h.MaxDisplacement)
		return f.valueAt(slot), true
	}

	itemWords := int(h.ItemSize)
	keyWords := int(h.KeySize)
	for i := uint64(0); i <= uint64(h.MaxDisplacement); i++ {
		slot := guess + i
		cur0 := f.wordAt(slot * uint64(itemWords))
		if itemMatches(f, slot, itemWords, keyWords, cur0, k) {
			return f.valueAt(slot), true
		}
		if cur0 > k[0] {
			return nil, false
		}
	}
	return nil, false
}

// sentinelTail reports whether the tail sentinel condition holds: all key
// words beyond the first are UINT64_MAX. Vacuously true for key_size==1.
func sentinelTail(k Key, keySize int) bool {
	for i := 1; i < keySize; i++ {
		if k[i] != ^uint64(0) {
			return false
		}
	}
	return true
}

// itemMatches tests whether the item at the given slot equals k.
//
// For key_size==2 (and the first two words of key_size 4/8), the match
// test is the AND-mask form "(c0^k0)|(c1&k1) == 0" rather than plain
// equality on c1. This is preserved bit-for-bit per the format's encoded
// contract (see design notes); callers must pre-mask k1 accordingly.
func itemMatches(f *Fragment, slot uint64, itemWords, keySize int, cur0 uint64, k Key) bool {
	if keySize == 1 {
		return cur0 == k[0]
	}
	cur1 := f.wordAt(slot*uint64(itemWords) + 1)
	if (cur0^k[0])|(cur1&k[1]) != 0 {
		return false
	}
	for i := 2; i < keySize; i++ {
		if f.wordAt(slot*uint64(itemWords)+uint64(i)) != k[i] {
			return false
		}
	}
	return true
}

// wordAt reads the 64-bit little-endian word at the given word offset from
// the start of the item array (i.e. not including the header).
func (f *Fragment) wordAt(wordOffset uint64) uint64 {
	var buf [8]byte
	off := int64(HeaderSize) + int64(wordOffset)*8
	if _, err := f.data.ReadAt(buf[:], off); err != nil && err != io.EOF {
		// A read failure here means the file is shorter than table_size
		// promised, which Open's validation should have already excluded.
		// Treat it as "no match" rather than panicking the serve loop.
		return ^uint64(0)
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// valueAt returns the value bytes for the item at slot.
func (f *Fragment) valueAt(slot uint64) []byte {
	itemWords := int(f.header.ItemSize)
	keySize := int(f.header.KeySize)
	valueWords := itemWords - keySize
	buf := make([]byte, valueWords*8)
	off := int64(HeaderSize) + (int64(slot)*int64(itemWords)+int64(keySize))*8
	f.data.ReadAt(buf, off)
	return buf
}

