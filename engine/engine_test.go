package engine

import (
	"os"
	"strings"
	"testing"

	"github.com/negativ/skvdb-sub000/kverrors"
	"github.com/negativ/skvdb-sub000/record"
)

func open(t *testing.T, dir string, opts Options) *Engine {
	t.Helper()
	opts.CreateIfMissing = true
	e, err := Open(dir, "test", opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return e
}

func TestOpenSynthesizesRoot(t *testing.T) {
	e := open(t, t.TempDir(), Options{})
	defer e.Close()

	root, err := e.Load(record.RootKey)
	if err != nil {
		t.Fatalf("Load(RootKey): %v", err)
	}
	if root.Key != record.RootKey || root.Name != "" || root.ParentKey != record.InvalidKey {
		t.Fatalf("unexpected synthesized root: %+v", root)
	}

	if k := e.NewKey(); k != record.RootKey+1 {
		t.Fatalf("first NewKey() after root synthesis = %d, want %d", k, record.RootKey+1)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	e := open(t, t.TempDir(), Options{})
	defer e.Close()

	root, err := e.Load(record.RootKey)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	root.Properties["s"] = record.PropertyString("hi")
	root.Properties["i"] = record.PropertyU32(42)
	root.Properties["d"] = record.PropertyF64(3.5)

	if err := e.Save(root); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := e.Load(record.RootKey)
	if err != nil {
		t.Fatalf("Load after save: %v", err)
	}
	for name, want := range root.Properties {
		gotProp, ok := got.Properties[name]
		if !ok || !want.Equal(gotProp) {
			t.Fatalf("property %q mismatch after reload: %+v vs %+v", name, want, gotProp)
		}
	}
}

func TestReopenPreservesEntries(t *testing.T) {
	dir := t.TempDir()

	e := open(t, dir, Options{})
	root, err := e.Load(record.RootKey)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	dev := record.NewEntry(e.NewKey(), "dev")
	if err := root.AddChild("dev", dev); err != nil {
		t.Fatalf("AddChild: %v", err)
	}
	if err := e.Save(dev); err != nil {
		t.Fatalf("Save(dev): %v", err)
	}
	if err := e.Save(root); err != nil {
		t.Fatalf("Save(root): %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2 := open(t, dir, Options{})
	defer e2.Close()

	got, err := e2.Load(record.RootKey)
	if err != nil {
		t.Fatalf("Load(root) after reopen: %v", err)
	}
	childKey, ok := got.ChildByName("dev")
	if !ok {
		t.Fatalf("expected root to still link 'dev' after reopen")
	}

	gotDev, err := e2.Load(childKey)
	if err != nil {
		t.Fatalf("Load(dev) after reopen: %v", err)
	}
	if gotDev.Name != "dev" {
		t.Fatalf("reloaded dev entry name = %q, want dev", gotDev.Name)
	}

	if next := e2.NewKey(); next <= childKey {
		t.Fatalf("key counter did not survive reopen: NewKey() = %d after child key %d", next, childKey)
	}
}

func TestRemove(t *testing.T) {
	e := open(t, t.TempDir(), Options{})
	defer e.Close()

	child := record.NewEntry(e.NewKey(), "x")
	if err := e.Save(child); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := e.Remove(child.Key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := e.Load(child.Key); !kverrors.Is(err, kverrors.InvalidArgument) {
		t.Fatalf("Load after Remove: err = %v, want InvalidArgument", err)
	}
}

func TestLoadInvalidKey(t *testing.T) {
	e := open(t, t.TempDir(), Options{})
	defer e.Close()

	if _, err := e.Load(record.InvalidKey); !kverrors.Is(err, kverrors.InvalidArgument) {
		t.Fatalf("Load(InvalidKey) err = %v, want InvalidArgument", err)
	}
}

func TestBrokenStorageDetected(t *testing.T) {
	dir := t.TempDir()

	e := open(t, dir, Options{BlockSize: 512})
	child := record.NewEntry(e.NewKey(), "x")
	if err := e.Save(child); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Drop the index file: the device still has blocks but the index is
	// now empty, which Open must treat as broken storage (§4.D.1 step 3).
	idxPath := dir + "/test.index"
	if err := os.Remove(idxPath); err != nil {
		t.Fatalf("remove index file: %v", err)
	}

	_, err := Open(dir, "test", Options{BlockSize: 512})
	if !kverrors.Is(err, kverrors.Fatal) {
		t.Fatalf("Open with device-but-no-index err = %v, want Fatal", err)
	}
	if !strings.Contains(err.Error(), "Broken storage") {
		t.Fatalf("error message = %q, want mention of broken storage", err.Error())
	}
}

func TestCompactionShrinksDevice(t *testing.T) {
	dir := t.TempDir()

	e := open(t, dir, Options{
		BlockSize:               512,
		CompactionRatio:         0.9,
		CompactionDeviceMinSize: 1024 * 1024,
	})

	big := strings.Repeat("a", 4096)
	root, err := e.Load(record.RootKey)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for i := 0; i < 1024; i++ {
		root.Properties["blob"] = record.PropertyString(big)
		if err := e.Save(root); err != nil {
			t.Fatalf("Save #%d: %v", i, err)
		}
	}

	sizeBeforeReopen := e.device.SizeInBytes()
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(dir, "test", Options{
		BlockSize:               512,
		CompactionRatio:         0.9,
		CompactionDeviceMinSize: 1024 * 1024,
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	got, err := e2.Load(record.RootKey)
	if err != nil {
		t.Fatalf("Load after compaction: %v", err)
	}
	s, ok := got.Properties["blob"].AsString()
	if !ok || s != big {
		t.Fatalf("blob property did not survive compaction intact")
	}

	if e2.device.SizeInBytes() >= sizeBeforeReopen {
		t.Fatalf("device did not shrink after compaction: before=%d after=%d",
			sizeBeforeReopen, e2.device.SizeInBytes())
	}
}
