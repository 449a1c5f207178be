// Package index implements the ordered key -> (block, length) mapping of
// §4.B: an IndexRecord per live entry, ordered iteration by key, bit-exact
// serialization, a block_footprint estimate for the compactor, and a bloom
// filter in front of the ordered lookup so misses (the common case while
// walking a path that doesn't exist) short-circuit without touching the
// underlying map. The bloom filter is the teacher's own
// (sst/writer.go's use of bits-and-blooms/bloom) adapted from an on-disk
// artifact into an in-memory fast-reject cache. Insert adds the key to the
// filter; Erase leaves it there (the filter cannot forget a key); the filter
// is rebuilt only when the table is replaced wholesale (Rebuild, e.g. after
// compaction, and Deserialize).
package index

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/negativ/skvdb-sub000/kverrors"
	"github.com/negativ/skvdb-sub000/record"
)

// Record is the on-disk location of one entry: (key, block-index,
// byte-length), as described in §3 "Index record".
type Record struct {
	Key        record.Key
	BlockIndex uint32
	ByteLength uint32
}

const bloomFalsePositiveRate = 0.01

// Table is an ordered mapping from key to Record. Table is NOT safe for
// concurrent use by itself — callers (the storage engine) serialize access
// behind their own lock, per spec.md §4.B "never accessed directly by
// multiple threads".
type Table struct {
	byKey  map[record.Key]Record
	filter *bloom.BloomFilter
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		byKey:  make(map[record.Key]Record),
		filter: newFilter(0),
	}
}

func newFilter(expectedItems uint) *bloom.BloomFilter {
	if expectedItems < 1024 {
		expectedItems = 1024
	}
	return bloom.NewWithEstimates(expectedItems, bloomFalsePositiveRate)
}

func keyBytes(k record.Key) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(k))
	return buf[:]
}

// Find looks up key. The bloom filter is consulted first: a negative there
// is authoritative (no false negatives), so a miss returns immediately
// without touching the map. A positive still requires the exact map lookup,
// since the filter can false-positive.
func (t *Table) Find(key record.Key) (Record, bool) {
	if !t.filter.Test(keyBytes(key)) {
		return Record{}, false
	}
	r, ok := t.byKey[key]
	return r, ok
}

// Insert upserts the record for key, overwriting any previous location (the
// old on-disk bytes become garbage, per §4.D.3).
func (t *Table) Insert(r Record) {
	t.byKey[r.Key] = r
	t.filter.Add(keyBytes(r.Key))
}

// Erase removes key. Returns whether it was present.
func (t *Table) Erase(key record.Key) bool {
	if _, ok := t.byKey[key]; !ok {
		return false
	}
	delete(t.byKey, key)
	// The bloom filter cannot un-learn a key; a stale positive just costs an
	// extra map miss on Find, which is within the filter's documented
	// contract (no false negatives, occasional false positives).
	return true
}

// Size returns the number of live records.
func (t *Table) Size() int { return len(t.byKey) }

// Ordered returns all records sorted ascending by key, per §3 "Ordering is
// by key".
func (t *Table) Ordered() []Record {
	out := make([]Record, 0, len(t.byKey))
	for _, r := range t.byKey {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// BlockFootprint returns the summed blocks occupied by all live records
// given blockSize, used by the compactor to decide whether compaction is
// worthwhile (§4.D.5).
func (t *Table) BlockFootprint(blockSize int) int64 {
	if blockSize <= 0 {
		return 0
	}
	var blocks int64
	for _, r := range t.byKey {
		n := int64(r.ByteLength) / int64(blockSize)
		if int64(r.ByteLength)%int64(blockSize) != 0 {
			n++
		}
		blocks += n
	}
	return blocks
}

// Rebuild replaces the table's contents wholesale (used after compaction)
// and rebuilds the bloom filter sized to the new record count.
func (t *Table) Rebuild(records []Record) {
	t.byKey = make(map[record.Key]Record, len(records))
	t.filter = newFilter(uint(len(records)))
	for _, r := range records {
		t.byKey[r.Key] = r
		t.filter.Add(keyBytes(r.Key))
	}
}

// Serialize writes the count-prefixed, bit-exact wire form of §6:
// "<dir>/<name>.index ... u64 indexRecordCount, then that many records,
// each (key, block_index, byte_length) little-endian." Ordering is by key.
func (t *Table) Serialize(w io.Writer) error {
	records := t.Ordered()
	if err := binary.Write(w, binary.LittleEndian, uint64(len(records))); err != nil {
		return err
	}
	for _, r := range records {
		if err := binary.Write(w, binary.LittleEndian, uint64(r.Key)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, r.BlockIndex); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, r.ByteLength); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize reads the wire form produced by Serialize into a fresh Table.
func Deserialize(r io.Reader) (*Table, error) {
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, kverrors.Wrap(kverrors.Fatal, "read index record count", err)
	}

	t := &Table{
		byKey:  make(map[record.Key]Record, count),
		filter: newFilter(uint(count)),
	}

	for i := uint64(0); i < count; i++ {
		var key uint64
		var rec Record
		if err := binary.Read(r, binary.LittleEndian, &key); err != nil {
			return nil, kverrors.Wrap(kverrors.Fatal, "read index record key", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &rec.BlockIndex); err != nil {
			return nil, kverrors.Wrap(kverrors.Fatal, "read index record block", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &rec.ByteLength); err != nil {
			return nil, kverrors.Wrap(kverrors.Fatal, "read index record length", err)
		}
		rec.Key = record.Key(key)
		t.byKey[rec.Key] = rec
		t.filter.Add(keyBytes(rec.Key))
	}

	return t, nil
}
