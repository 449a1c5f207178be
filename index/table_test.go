package index

import (
	"bytes"
	"testing"

	"github.com/negativ/skvdb-sub000/record"
)

func TestInsertFindErase(t *testing.T) {
	tbl := New()

	tbl.Insert(Record{Key: record.RootKey, BlockIndex: 0, ByteLength: 64})
	tbl.Insert(Record{Key: record.Key(2), BlockIndex: 1, ByteLength: 128})

	if _, ok := tbl.Find(record.Key(999)); ok {
		t.Fatalf("did not expect to find key 999")
	}

	r, ok := tbl.Find(record.RootKey)
	if !ok || r.ByteLength != 64 {
		t.Fatalf("Find(RootKey) = %+v, %v", r, ok)
	}

	if !tbl.Erase(record.Key(2)) {
		t.Fatalf("expected Erase to report key was present")
	}
	if _, ok := tbl.Find(record.Key(2)); ok {
		t.Fatalf("erased key should no longer be found")
	}
	if tbl.Erase(record.Key(2)) {
		t.Fatalf("second Erase of the same key should report false")
	}
}

func TestOrderedByKey(t *testing.T) {
	tbl := New()
	for _, k := range []record.Key{5, 1, 3, 2, 4} {
		tbl.Insert(Record{Key: k})
	}

	ordered := tbl.Ordered()
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1].Key >= ordered[i].Key {
			t.Fatalf("Ordered() is not strictly ascending: %+v", ordered)
		}
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	tbl := New()
	tbl.Insert(Record{Key: 1, BlockIndex: 0, ByteLength: 10})
	tbl.Insert(Record{Key: 2, BlockIndex: 1, ByteLength: 20})
	tbl.Insert(Record{Key: 3, BlockIndex: 3, ByteLength: 30})

	var buf bytes.Buffer
	if err := tbl.Serialize(&buf); err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, err := Deserialize(&buf)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if got.Size() != tbl.Size() {
		t.Fatalf("Size mismatch: got %d want %d", got.Size(), tbl.Size())
	}
	for _, want := range tbl.Ordered() {
		r, ok := got.Find(want.Key)
		if !ok || r != want {
			t.Fatalf("record for key %d mismatch: got %+v want %+v", want.Key, r, want)
		}
	}
}

func TestBlockFootprint(t *testing.T) {
	tbl := New()
	tbl.Insert(Record{Key: 1, ByteLength: 100})
	tbl.Insert(Record{Key: 2, ByteLength: 4096})
	tbl.Insert(Record{Key: 3, ByteLength: 4097})

	got := tbl.BlockFootprint(4096)
	want := int64(1 + 1 + 2)
	if got != want {
		t.Fatalf("BlockFootprint = %d, want %d", got, want)
	}
}

func TestRebuild(t *testing.T) {
	tbl := New()
	tbl.Insert(Record{Key: 1})
	tbl.Insert(Record{Key: 2})

	tbl.Rebuild([]Record{{Key: 3, ByteLength: 10}})

	if tbl.Size() != 1 {
		t.Fatalf("Size after Rebuild = %d, want 1", tbl.Size())
	}
	if _, ok := tbl.Find(1); ok {
		t.Fatalf("stale key 1 should be gone after Rebuild")
	}
	if _, ok := tbl.Find(3); !ok {
		t.Fatalf("expected key 3 to be present after Rebuild")
	}
}
