// Package fragmeta implements a small self-describing key-value container
// used to attach build-time metadata (source path, build time, table UUID,
// content hash) to a fragment or table without making it part of the hot
// lookup path. Layout is a length-prefixed list of byte-string key-value
// pairs, decoded with a Borsh decoder from github.com/gagliardetto/binary.
package fragmeta

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	bin "github.com/gagliardetto/binary"
)

const (
	MaxNumKVs    = 255
	MaxKeySize   = 255
	MaxValueSize = 255
)

// Well-known keys used across fragment and table metadata.
const (
	KeyBuiltBy    = "built_by"
	KeySourcePath = "source_path"
	KeyBuiltAtUTC = "built_at_utc"
	KeyTableUUID  = "table_uuid"
	KeyFragmentID = "fragment_id"
)

// KV is one key-value pair.
type KV struct {
	Key   []byte
	Value []byte
}

// NewKV constructs a KV, copying neither slice.
func NewKV(key, value []byte) KV {
	return KV{Key: key, Value: value}
}

// Meta is an ordered, duplicate-tolerant bag of key-value pairs.
type Meta struct {
	KeyVals []KV
}

// Bytes returns the serialized metadata, panicking if it cannot be encoded
// (only possible if the bag exceeds the size limits, which Add prevents).
func (m *Meta) Bytes() []byte {
	b, err := m.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

func (m Meta) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if len(m.KeyVals) > MaxNumKVs {
		return nil, fmt.Errorf("fragmeta: number of key-value pairs %d exceeds max %d", len(m.KeyVals), MaxNumKVs)
	}
	buf.WriteByte(byte(len(m.KeyVals)))
	for i, kv := range m.KeyVals {
		if len(kv.Key) > MaxKeySize {
			return nil, fmt.Errorf("fragmeta: key %d size %d exceeds max %d", i, len(kv.Key), MaxKeySize)
		}
		buf.WriteByte(byte(len(kv.Key)))
		buf.Write(kv.Key)

		if len(kv.Value) > MaxValueSize {
			return nil, fmt.Errorf("fragmeta: value %d size %d exceeds max %d", i, len(kv.Value), MaxValueSize)
		}
		buf.WriteByte(byte(len(kv.Value)))
		buf.Write(kv.Value)
	}
	return buf.Bytes(), nil
}

// Decoder is the minimal reader interface UnmarshalWithDecoder needs.
type Decoder interface {
	io.ByteReader
	io.Reader
}

func (m *Meta) UnmarshalWithDecoder(decoder Decoder) error {
	numKVs, err := decoder.ReadByte()
	if err != nil {
		return fmt.Errorf("fragmeta: read count: %w", err)
	}
	for i := 0; i < int(numKVs); i++ {
		var kv KV
		keyLen, err := decoder.ReadByte()
		if err != nil {
			return fmt.Errorf("fragmeta: read key length %d: %w", i, err)
		}
		kv.Key = make([]byte, keyLen)
		if _, err := io.ReadFull(decoder, kv.Key); err != nil {
			return fmt.Errorf("fragmeta: read key %d: %w", i, err)
		}

		valueLen, err := decoder.ReadByte()
		if err != nil {
			return fmt.Errorf("fragmeta: read value length %d: %w", i, err)
		}
		kv.Value = make([]byte, valueLen)
		if _, err := io.ReadFull(decoder, kv.Value); err != nil {
			return fmt.Errorf("fragmeta: read value %d: %w", i, err)
		}
		m.KeyVals = append(m.KeyVals, kv)
	}
	return nil
}

func (m *Meta) UnmarshalBinary(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return m.UnmarshalWithDecoder(bin.NewBorshDecoder(b))
}

// Add appends a key-value pair, copying both slices.
func (m *Meta) Add(key, value []byte) error {
	if len(m.KeyVals) >= MaxNumKVs {
		return fmt.Errorf("fragmeta: number of key-value pairs %d exceeds max %d", len(m.KeyVals), MaxNumKVs)
	}
	if len(key) > MaxKeySize {
		return fmt.Errorf("fragmeta: key size %d exceeds max %d", len(key), MaxKeySize)
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("fragmeta: value size %d exceeds max %d", len(value), MaxValueSize)
	}
	m.KeyVals = append(m.KeyVals, KV{Key: cloneBytes(key), Value: cloneBytes(value)})
	return nil
}

func cloneBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}

func (m *Meta) AddString(key []byte, value string) error {
	return m.Add(key, []byte(value))
}

func (m Meta) GetString(key []byte) (string, bool) {
	value, ok := m.Get(key)
	if !ok {
		return "", false
	}
	return string(value), true
}

func (m *Meta) AddUint64(key []byte, value uint64) error {
	return m.Add(key, encodeUint64(value))
}

func (m Meta) GetUint64(key []byte) (uint64, bool) {
	value, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	return decodeUint64(value), true
}

func encodeUint64(value uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return buf
}

func decodeUint64(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

// Get returns the first value for the given key.
func (m Meta) Get(key []byte) ([]byte, bool) {
	for _, kv := range m.KeyVals {
		if bytes.Equal(kv.Key, key) {
			return kv.Value, true
		}
	}
	return nil, false
}

// GetAll returns every value recorded under the given key, in insertion
// order.
func (m Meta) GetAll(key []byte) [][]byte {
	var values [][]byte
	for _, kv := range m.KeyVals {
		if bytes.Equal(kv.Key, key) {
			values = append(values, kv.Value)
		}
	}
	return values
}

// HasDuplicateKeys reports whether any key appears more than once.
func (m Meta) HasDuplicateKeys() bool {
	seen := make(map[string]struct{}, len(m.KeyVals))
	for _, kv := range m.KeyVals {
		k := string(kv.Key)
		if _, ok := seen[k]; ok {
			return true
		}
		seen[k] = struct{}{}
	}
	return false
}
