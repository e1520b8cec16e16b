// Package table implements the dispatch structure over fragments: an array
// of fragment slots indexed by a prefix of the lookup key, as described in
// spec section 4.2.
package table

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jetxdb/jetx/internal/fragment"
	"github.com/jetxdb/jetx/internal/fragmeta"
)

// maxNBits is the cap on an input fragment's n_bits at build time: n_bits
// up to 63 is valid for an individual fragment, but table_create rejects
// n_bits >= 32 to bound the fragment-slot array to at most 2^32 entries.
const maxNBits = 32

// Input describes one fragment contributed to a table build, alongside an
// out-parameter slot for its resulting refcount.
type Input struct {
	Fragment *fragment.Fragment
	// RefCount is populated by Build with the number of slots the
	// fragment ended up backing (0 means it was fully shadowed and has
	// already been closed).
	RefCount int
}

// Table dispatches lookups to the fragment covering a key's prefix.
type Table struct {
	uuid          uuid.UUID
	fragmentShift uint
	minFragment   uint64
	fragments     []*fragment.Fragment
	numShadowed   int
	meta          fragmeta.Meta
}

// UUID returns the table's identifier.
func (t *Table) UUID() uuid.UUID { return t.uuid }

// Build scans and validates every input fragment, derives the shared
// fragment-slot layout, and places each fragment into every slot its
// (pattern, n_bits) range covers.
//
// On any invalid fragment, or n_bits >= 32, Build aborts and returns an
// error; no partial Table is exposed. Fragments already opened by the
// caller remain open (ownership of Fragment lifetimes belongs to the
// caller until Build succeeds, after which Table.Close owns them).
func Build(id uuid.UUID, inputs []*Input) (*Table, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("table: zero input fragments")
	}

	var nBits uint8
	minPattern := ^uint64(0)
	var maxPatternTop uint64
	haveTop := false

	for _, in := range inputs {
		pattern, n := in.Fragment.Pattern()
		if n >= maxNBits {
			return nil, fmt.Errorf("table: fragment n_bits=%d >= %d", n, maxNBits)
		}
		if n > nBits {
			nBits = n
		}
		if pattern < minPattern {
			minPattern = pattern
		}
		top := inclusiveTop(pattern, n)
		if !haveTop || top > maxPatternTop {
			maxPatternTop = top
			haveTop = true
		}
	}

	fragmentShift := uint(64 - nBits)
	minFragment := shiftDown(minPattern, fragmentShift)
	maxFragmentIdx := shiftDown(maxPatternTop, fragmentShift)
	nFragment := 1 + (maxFragmentIdx - minFragment)
	if nFragment == 0 || nFragment > (1<<32) {
		return nil, fmt.Errorf("table: computed fragment slot count %d out of range", nFragment)
	}

	slots := make([]*fragment.Fragment, nFragment)
	refOf := make(map[*fragment.Fragment]*Input, len(inputs))
	for _, in := range inputs {
		refOf[in.Fragment] = in
	}

	for _, in := range inputs {
		pattern, n := in.Fragment.Pattern()
		lo := shiftDown(pattern, fragmentShift) - minFragment
		hi := shiftDown(inclusiveTop(pattern, n), fragmentShift) - minFragment
		for j := lo; j <= hi; j++ {
			if prev := slots[j]; prev != nil {
				refOf[prev].RefCount--
			}
			slots[j] = in.Fragment
			in.RefCount++
		}
	}

	shadowed := 0
	for _, in := range inputs {
		if in.RefCount == 0 {
			in.Fragment.Close()
			shadowed++
		}
	}

	t := &Table{
		uuid:          id,
		fragmentShift: fragmentShift,
		minFragment:   minFragment,
		fragments:     slots,
		numShadowed:   shadowed,
	}
	idBytes, _ := id.MarshalBinary()
	_ = t.meta.Add([]byte(fragmeta.KeyTableUUID), idBytes)
	_ = t.meta.AddUint64([]byte("num_fragments"), uint64(len(inputs)-shadowed))
	_ = t.meta.AddUint64([]byte("num_shadowed"), uint64(shadowed))
	return t, nil
}

// Meta returns build-time metadata recorded for this table (table UUID,
// fragment counts). cmd/jetx-serve logs it at startup under -v=2.
func (t *Table) Meta() fragmeta.Meta { return t.meta }

// inclusiveTop returns pattern | ((1 << (64-n_bits)) - 1), with the
// convention that n_bits==0 yields UINT64_MAX.
func inclusiveTop(pattern uint64, nBits uint8) uint64 {
	if nBits == 0 {
		return ^uint64(0)
	}
	lowBits := 64 - uint(nBits)
	mask := (uint64(1) << lowBits) - 1
	return pattern | mask
}

func shiftDown(v uint64, shift uint) uint64 {
	if shift >= 64 {
		return 0
	}
	return v >> shift
}

// Lookup dispatches to the fragment slot covering key's first word, or
// reports a miss if the prefix isn't covered by this table at all.
func (t *Table) Lookup(k fragment.Key) ([]byte, bool) {
	var idx uint64
	if t.fragmentShift < 64 {
		idx = k[0] >> t.fragmentShift
	}
	if idx < t.minFragment {
		return nil, false
	}
	slot := idx - t.minFragment
	if slot >= uint64(len(t.fragments)) {
		return nil, false
	}
	f := t.fragments[slot]
	if f == nil {
		return nil, false
	}
	return f.Lookup(k)
}

// Stats summarizes a built table for observability, modeled on the
// teacher's side-channel metadata pattern: build-time facts that travel
// with an artifact without being part of the hot lookup path.
type Stats struct {
	NBits            uint8
	FragmentShift    uint
	MinFragmentSlot  uint64
	NumFragmentSlots int
	NumFragments     int
	NumShadowed      int
}

// Stats reports build-time metadata about the table's fragment layout.
func (t *Table) Stats() Stats {
	seen := make(map[*fragment.Fragment]struct{})
	for _, f := range t.fragments {
		if f == nil {
			continue
		}
		seen[f] = struct{}{}
	}
	return Stats{
		NBits:            uint8(64 - t.fragmentShift),
		FragmentShift:    t.fragmentShift,
		MinFragmentSlot:  t.minFragment,
		NumFragmentSlots: len(t.fragments),
		NumFragments:     len(seen),
		NumShadowed:      t.numShadowed,
	}
}

// Close unmaps every distinct fragment mapping referenced by this table
// exactly once, sorting by mapping identity first per spec 4.2.
func (t *Table) Close() error {
	unique := make([]*fragment.Fragment, 0, len(t.fragments))
	seen := make(map[*fragment.Fragment]bool, len(t.fragments))
	for _, f := range t.fragments {
		if f == nil || seen[f] {
			continue
		}
		seen[f] = true
		unique = append(unique, f)
	}
	sort.Slice(unique, func(i, j int) bool {
		return unique[i].Base() < unique[j].Base()
	})
	var firstErr error
	for _, f := range unique {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.fragments = nil
	return firstErr
}
