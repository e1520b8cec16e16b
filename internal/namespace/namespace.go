// Package namespace implements a sorted, UUID-keyed collection of tables
// (spec section 4.3).
package namespace

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jetxdb/jetx/internal/table"
)

// Namespace is an immutable, sorted-by-UUID array of tables.
type Namespace struct {
	tables []*table.Table
}

// Build sorts the given tables into ascending UUID order and returns a
// Namespace over them. UUIDs must be unique; a duplicate is a build error.
func Build(tables []*table.Table) (*Namespace, error) {
	sorted := append([]*table.Table(nil), tables...)
	sort.Slice(sorted, func(i, j int) bool {
		return compareUUID(sorted[i].UUID(), sorted[j].UUID()) < 0
	})
	for i := 1; i < len(sorted); i++ {
		if compareUUID(sorted[i-1].UUID(), sorted[i].UUID()) == 0 {
			return nil, fmt.Errorf("namespace: duplicate table uuid %s", sorted[i].UUID())
		}
	}
	return &Namespace{tables: sorted}, nil
}

// compareUUID orders two UUIDs by plain lexicographic byte comparison
// (bytes.Compare), which is the same order as comparing the first 8 bytes,
// then the next 8, each read as a big-endian unsigned 64-bit word.
func compareUUID(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

// Lookup returns the table registered under id, if any.
func (ns *Namespace) Lookup(id uuid.UUID) (*table.Table, bool) {
	tables := ns.tables
	i := sort.Search(len(tables), func(i int) bool {
		return compareUUID(tables[i].UUID(), id) >= 0
	})
	if i < len(tables) && compareUUID(tables[i].UUID(), id) == 0 {
		return tables[i], true
	}
	return nil, false
}

// Len returns the number of tables in the namespace.
func (ns *Namespace) Len() int { return len(ns.tables) }

// Close frees the namespace. When recursive is true, every owned table is
// also closed; otherwise tables are left untouched (the caller retains
// responsibility for them).
func (ns *Namespace) Close(recursive bool) error {
	var firstErr error
	if recursive {
		for _, t := range ns.tables {
			if err := t.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	ns.tables = nil
	return firstErr
}
