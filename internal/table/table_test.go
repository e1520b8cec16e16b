package table_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jetxdb/jetx/internal/fragment"
	"github.com/jetxdb/jetx/internal/table"
)

// buildFragment writes a minimal valid fragment file (key_size=1,
// item_size=2) with the given pattern/n_bits and a single item at key min,
// and opens it.
func buildFragment(t *testing.T, dir, name string, pattern uint64, nBits uint8, min, max uint64) *fragment.Fragment {
	t.Helper()

	const itemSize = 2
	const keySize = 1
	const maxDisplacement = 0
	numSlots := uint64(1)
	tableSize := uint64(fragment.HeaderSize) + numSlots*itemSize*8

	h := fragment.Header{
		Magic:           fragment.Magic,
		Version:         fragment.Version,
		Pattern:         pattern,
		NBits:           nBits,
		KeySize:         keySize,
		ItemSize:        itemSize,
		MaxDisplacement: maxDisplacement,
		TableSize:       tableSize,
		Min:             min,
		Max:             max,
		Multiplier:      0,
	}

	buf := make([]byte, tableSize)
	copy(buf, h.Bytes())
	binary.LittleEndian.PutUint64(buf[fragment.HeaderSize:fragment.HeaderSize+8], min)
	binary.LittleEndian.PutUint64(buf[fragment.HeaderSize+8:fragment.HeaderSize+16], min)

	path := filepath.Join(dir, name+".frag")
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	f, err := fragment.Open(path)
	require.NoError(t, err)
	return f
}

func TestTable_TwoSiblingFragments(t *testing.T) {
	dir := t.TempDir()
	fragA := buildFragment(t, dir, "a", 0x00<<56, 8, 0, 0x00FFFFFFFFFFFFFF)
	fragB := buildFragment(t, dir, "b", 0x01<<56, 8, 0x0100000000000000, 0x01FFFFFFFFFFFFFF)

	id := uuid.New()
	tbl, err := table.Build(id, []*table.Input{
		{Fragment: fragA},
		{Fragment: fragB},
	})
	require.NoError(t, err)
	defer tbl.Close()

	_, ok := tbl.Lookup(fragment.Key{0})
	require.True(t, ok)

	_, ok = tbl.Lookup(fragment.Key{0x0100000000000000})
	require.True(t, ok)

	_, ok = tbl.Lookup(fragment.Key{0x0200000000000000})
	require.False(t, ok)
}

func TestTable_WideAndNarrowShadowing(t *testing.T) {
	dir := t.TempDir()
	wide := buildFragment(t, dir, "wide", 0, 0, 0, ^uint64(0))
	narrow := buildFragment(t, dir, "narrow", 0x05<<56, 8, 0x0500000000000000, 0x05FFFFFFFFFFFFFF)

	id := uuid.New()
	wideInput := &table.Input{Fragment: wide}
	narrowInput := &table.Input{Fragment: narrow}
	tbl, err := table.Build(id, []*table.Input{wideInput, narrowInput})
	require.NoError(t, err)
	defer tbl.Close()

	require.Equal(t, 255, wideInput.RefCount)
	require.Equal(t, 1, narrowInput.RefCount)

	_, ok := tbl.Lookup(fragment.Key{0x0500000000000000})
	require.True(t, ok)

	_, ok = tbl.Lookup(fragment.Key{0})
	require.True(t, ok)

	stats := tbl.Stats()
	require.Equal(t, 2, stats.NumFragments)
	require.Equal(t, 0, stats.NumShadowed)
}

func TestTable_RejectsEmptyInputs(t *testing.T) {
	_, err := table.Build(uuid.New(), nil)
	require.Error(t, err)
}

func TestTable_RejectsNBitsTooLarge(t *testing.T) {
	dir := t.TempDir()
	f := buildFragment(t, dir, "toowide", 0, 32, 0, ^uint64(0))
	defer f.Close()

	_, err := table.Build(uuid.New(), []*table.Input{{Fragment: f}})
	require.Error(t, err)
}
