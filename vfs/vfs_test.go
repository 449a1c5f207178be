package vfs

import (
	"testing"

	"github.com/negativ/skvdb-sub000/engine"
	"github.com/negativ/skvdb-sub000/kverrors"
	"github.com/negativ/skvdb-sub000/record"
	"github.com/negativ/skvdb-sub000/volume"
)

func openVolume(t *testing.T) *volume.Volume {
	t.Helper()
	v, err := volume.Open(t.TempDir(), "test", engine.Options{CreateIfMissing: true}, volume.Options{})
	if err != nil {
		t.Fatalf("volume.Open: %v", err)
	}
	return v
}

func TestMountOpenUnmount(t *testing.T) {
	v := openVolume(t)
	defer v.Close()

	vs := New()
	if err := vs.Mount(v, "/", "/mnt", 1); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	h, err := vs.Open("/mnt")
	if err != nil {
		t.Fatalf("Open(/mnt): %v", err)
	}
	if err := vs.Close(h); err != nil {
		t.Fatalf("Close(handle): %v", err)
	}

	if err := vs.Unmount(v, "/", "/mnt"); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	if _, err := vs.Open("/mnt"); !kverrors.Is(err, kverrors.InvalidArgument) {
		t.Fatalf("Open(/mnt) after unmount = %v, want InvalidArgument", err)
	}
}

func TestMountRejectsMissingEntryPath(t *testing.T) {
	v := openVolume(t)
	defer v.Close()

	vs := New()
	if err := vs.Mount(v, "/nope", "/mnt", 1); err == nil {
		t.Fatalf("Mount with missing entry path should fail")
	}
	if v.Claimed() {
		t.Fatalf("failed mount must not leave the volume claimed")
	}
}

func TestDuplicateMountRejected(t *testing.T) {
	v := openVolume(t)
	defer v.Close()

	vs := New()
	if err := vs.Mount(v, "/", "/mnt", 1); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if err := vs.Mount(v, "/", "/mnt", 1); !kverrors.Is(err, kverrors.InvalidOperation) {
		t.Fatalf("duplicate Mount = %v, want InvalidOperation", err)
	}
}

func TestPropertyFanOutPriority(t *testing.T) {
	high := openVolume(t)
	defer high.Close()
	low := openVolume(t)
	defer low.Close()

	setRootProperty(t, high, "shared", record.PropertyString("high"))
	setRootProperty(t, high, "only-high", record.PropertyString("h"))
	setRootProperty(t, low, "shared", record.PropertyString("low"))
	setRootProperty(t, low, "only-low", record.PropertyString("l"))

	vs := New()
	if err := vs.Mount(high, "/", "/mnt", 10); err != nil {
		t.Fatalf("Mount(high): %v", err)
	}
	if err := vs.Mount(low, "/", "/mnt", 1); err != nil {
		t.Fatalf("Mount(low): %v", err)
	}

	h, err := vs.Open("/mnt")
	if err != nil {
		t.Fatalf("Open(/mnt): %v", err)
	}
	defer vs.Close(h)

	p, ok, err := vs.Property(h, "shared")
	if err != nil || !ok {
		t.Fatalf("Property(shared): %v, %v", p, err)
	}
	if s, _ := p.AsString(); s != "high" {
		t.Fatalf("Property(shared) = %q, want high (highest priority wins)", s)
	}

	props, err := vs.Properties(h)
	if err != nil {
		t.Fatalf("Properties: %v", err)
	}
	if s, _ := props["shared"].AsString(); s != "high" {
		t.Fatalf("Properties()[shared] = %q, want high", s)
	}
	if _, ok := props["only-low"]; !ok {
		t.Fatalf("expected union to include only-low")
	}
	if _, ok := props["only-high"]; !ok {
		t.Fatalf("expected union to include only-high")
	}
}

func TestSetPropertyRequiresAllVolumes(t *testing.T) {
	a := openVolume(t)
	defer a.Close()
	b := openVolume(t)
	defer b.Close()

	vs := New()
	if err := vs.Mount(a, "/", "/mnt", 1); err != nil {
		t.Fatalf("Mount(a): %v", err)
	}
	if err := vs.Mount(b, "/", "/mnt", 1); err != nil {
		t.Fatalf("Mount(b): %v", err)
	}

	h, err := vs.Open("/mnt")
	if err != nil {
		t.Fatalf("Open(/mnt): %v", err)
	}
	defer vs.Close(h)

	if err := vs.SetProperty(h, "k", record.PropertyU32(9)); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}

	for i, v := range []*volume.Volume{a, b} {
		root, err := v.Open("/")
		if err != nil {
			t.Fatalf("volume %d Open: %v", i, err)
		}
		p, ok, err := v.Property(root, "k")
		if err != nil || !ok {
			t.Fatalf("volume %d Property: %v, %v", i, p, err)
		}
		v.CloseHandle(root)
	}
}

func setRootProperty(t *testing.T, v *volume.Volume, name string, value record.Property) {
	t.Helper()
	root, err := v.Open("/")
	if err != nil {
		t.Fatalf("Open(/): %v", err)
	}
	defer v.CloseHandle(root)
	if err := v.SetProperty(root, name, value); err != nil {
		t.Fatalf("SetProperty(%s): %v", name, err)
	}
}
