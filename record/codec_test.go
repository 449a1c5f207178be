package record

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func newRoot() *Entry {
	e := NewEntry(RootKey, "")
	e.Properties["s"] = PropertyString("hi")
	e.Properties["i"] = PropertyU32(42)
	e.Properties["d"] = PropertyF64(3.5)
	return e
}

func TestRoundTrip(t *testing.T) {
	e := newRoot()
	e.Children = []Child{{Name: "dev", Key: 2}, {Name: "proc", Key: 3}}

	data, err := Serialize(e)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if diff := cmp.Diff(e, got, cmp.AllowUnexported(Property{}), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripAllPropertyTags(t *testing.T) {
	e := NewEntry(Key(7), "leaf")
	e.Properties["u8"] = PropertyU8(200)
	e.Properties["i8"] = PropertyI8(-5)
	e.Properties["u16"] = PropertyU16(60000)
	e.Properties["i16"] = PropertyI16(-30000)
	e.Properties["u32"] = PropertyU32(4000000000)
	e.Properties["i32"] = PropertyI32(-2000000000)
	e.Properties["u64"] = PropertyU64(1 << 62)
	e.Properties["i64"] = PropertyI64(-(1 << 62))
	e.Properties["f32"] = PropertyF32(1.5)
	e.Properties["f64"] = PropertyF64(2.25)
	e.Properties["str"] = PropertyString("hello world")
	e.Properties["blob"] = PropertyBlob([]byte{0, 1, 2, 3, 255})

	data, err := Serialize(e)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	for name, want := range e.Properties {
		gotProp, ok := got.Properties[name]
		if !ok {
			t.Fatalf("missing property %q after round trip", name)
		}
		if !want.Equal(gotProp) {
			t.Fatalf("property %q mismatch: %+v != %+v", name, want, gotProp)
		}
	}
}

func TestSerializeDropsExpiredProperties(t *testing.T) {
	restore := NowMillis
	defer func() { NowMillis = restore }()
	NowMillis = func() int64 { return 1000 }

	e := NewEntry(Key(9), "x")
	e.Properties["gone"] = PropertyU8(1)
	e.Properties["kept"] = PropertyU8(2)
	e.Expirations["gone"] = 500 // already past

	data, err := Serialize(e)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	if _, ok := e.Properties["gone"]; ok {
		t.Fatalf("write-side sweep should have removed expired property from in-memory entry")
	}

	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if _, ok := got.Properties["gone"]; ok {
		t.Fatalf("expired property should not be present on disk")
	}
	if _, ok := got.Properties["kept"]; !ok {
		t.Fatalf("non-expired property should survive")
	}
}

func TestDeserializeSweepsNewlyExpired(t *testing.T) {
	restore := NowMillis
	defer func() { NowMillis = restore }()

	NowMillis = func() int64 { return 100 }
	e := NewEntry(Key(1), "x")
	e.Properties["p"] = PropertyU8(1)
	e.Expirations["p"] = 10000 // not yet expired at write time

	data, err := Serialize(e)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	NowMillis = func() int64 { return 20000 } // now past deadline
	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if _, ok := got.Properties["p"]; ok {
		t.Fatalf("read-side sweep should drop property whose deadline has since passed")
	}
}

func TestAddChildInvariants(t *testing.T) {
	parent := NewEntry(RootKey, "")
	child := NewEntry(Key(2), "a")

	if err := parent.AddChild("a", child); err != nil {
		t.Fatalf("AddChild: %v", err)
	}
	if child.ParentKey != parent.Key {
		t.Fatalf("AddChild did not set child.ParentKey")
	}

	other := NewEntry(Key(3), "a")
	if err := parent.AddChild("a", other); err == nil {
		t.Fatalf("expected error linking a duplicate name")
	}

	already := NewEntry(Key(4), "b")
	already.ParentKey = Key(99)
	if err := parent.AddChild("b", already); err == nil {
		t.Fatalf("expected error linking an already-parented entry")
	}
}
