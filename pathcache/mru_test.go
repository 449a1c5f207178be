package pathcache

import (
	"fmt"
	"testing"

	"github.com/negativ/skvdb-sub000/record"
)

func TestLookupInsertRemove(t *testing.T) {
	c := New(4)

	if _, ok := c.Lookup("/a"); ok {
		t.Fatalf("did not expect a hit on an empty cache")
	}

	c.Insert("/a", record.Key(1))
	if k, ok := c.Lookup("/a"); !ok || k != 1 {
		t.Fatalf("Lookup(/a) = %v, %v", k, ok)
	}

	c.Remove("/a")
	if _, ok := c.Lookup("/a"); ok {
		t.Fatalf("expected /a to be gone after Remove")
	}
}

func TestMRUEviction(t *testing.T) {
	c := New(3)

	c.Insert("/a", 1)
	c.Insert("/b", 2)
	c.Insert("/c", 3)

	// Touch /a so it's most-recently-used; /b becomes the least-recent.
	if _, ok := c.Lookup("/a"); !ok {
		t.Fatalf("expected hit on /a")
	}

	c.Insert("/d", 4) // capacity 3: evicts least-recently-used, which is /b

	if _, ok := c.Lookup("/b"); ok {
		t.Fatalf("expected /b to have been evicted")
	}
	if _, ok := c.Lookup("/a"); !ok {
		t.Fatalf("expected /a (touched since) to survive eviction")
	}
	if _, ok := c.Lookup("/c"); !ok {
		t.Fatalf("expected /c to survive eviction")
	}
	if _, ok := c.Lookup("/d"); !ok {
		t.Fatalf("expected /d to be present")
	}
}

func TestStatsHitsAndMisses(t *testing.T) {
	c := New(4)
	c.Insert("/a", 1)

	c.Lookup("/a")    // hit
	c.Lookup("/a")    // hit
	c.Lookup("/zzzz") // miss

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Fatalf("Stats() = %+v, want Hits=2 Misses=1", stats)
	}
	if stats.Size != 1 {
		t.Fatalf("Stats().Size = %d, want 1", stats.Size)
	}
}

func TestInsertUpdatesExistingKey(t *testing.T) {
	c := New(4)
	c.Insert("/a", 1)
	c.Insert("/a", 2)

	k, ok := c.Lookup("/a")
	if !ok || k != 2 {
		t.Fatalf("Lookup(/a) = %v, %v, want 2, true", k, ok)
	}
	if c.Stats().Size != 1 {
		t.Fatalf("re-inserting an existing path should not grow the cache")
	}
}

func TestCapacityEnforced(t *testing.T) {
	c := New(10)
	for i := 0; i < 100; i++ {
		c.Insert(fmt.Sprintf("/p%d", i), record.Key(i))
	}
	if c.Stats().Size > 10 {
		t.Fatalf("cache grew past capacity: size=%d", c.Stats().Size)
	}
}
