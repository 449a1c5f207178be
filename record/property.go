package record

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/negativ/skvdb-sub000/kverrors"
)

// Tag identifies a Property's alternative. The ordinal IS the wire encoding
// (§4.C "Property encoding"): never reorder this list.
type Tag uint16

const (
	TagU8 Tag = iota
	TagI8
	TagU16
	TagI16
	TagU32
	TagI32
	TagU64
	TagI64
	TagF32
	TagF64
	TagString
	TagBlob
)

// Property is a tagged union over the fixed alternative set in spec.md §3.
// The zero Property is not valid; use one of the constructors.
type Property struct {
	tag Tag
	// u holds the native bytes for every alternative except string/blob,
	// reinterpreted according to tag.
	u uint64
	// s holds the string/blob payload when tag is TagString or TagBlob.
	s []byte
}

func PropertyU8(v uint8) Property   { return Property{tag: TagU8, u: uint64(v)} }
func PropertyI8(v int8) Property    { return Property{tag: TagI8, u: uint64(uint8(v))} }
func PropertyU16(v uint16) Property { return Property{tag: TagU16, u: uint64(v)} }
func PropertyI16(v int16) Property  { return Property{tag: TagI16, u: uint64(uint16(v))} }
func PropertyU32(v uint32) Property { return Property{tag: TagU32, u: uint64(v)} }
func PropertyI32(v int32) Property  { return Property{tag: TagI32, u: uint64(uint32(v))} }
func PropertyU64(v uint64) Property { return Property{tag: TagU64, u: v} }
func PropertyI64(v int64) Property  { return Property{tag: TagI64, u: uint64(v)} }
func PropertyF32(v float32) Property {
	return Property{tag: TagF32, u: uint64(math.Float32bits(v))}
}
func PropertyF64(v float64) Property { return Property{tag: TagF64, u: math.Float64bits(v)} }
func PropertyString(v string) Property {
	return Property{tag: TagString, s: []byte(v)}
}
func PropertyBlob(v []byte) Property {
	cp := make([]byte, len(v))
	copy(cp, v)
	return Property{tag: TagBlob, s: cp}
}

// Tag reports the property's alternative.
func (p Property) Tag() Tag { return p.tag }

func (p Property) AsU8() (uint8, bool)   { return uint8(p.u), p.tag == TagU8 }
func (p Property) AsI8() (int8, bool)    { return int8(uint8(p.u)), p.tag == TagI8 }
func (p Property) AsU16() (uint16, bool) { return uint16(p.u), p.tag == TagU16 }
func (p Property) AsI16() (int16, bool)  { return int16(uint16(p.u)), p.tag == TagI16 }
func (p Property) AsU32() (uint32, bool) { return uint32(p.u), p.tag == TagU32 }
func (p Property) AsI32() (int32, bool)  { return int32(uint32(p.u)), p.tag == TagI32 }
func (p Property) AsU64() (uint64, bool) { return p.u, p.tag == TagU64 }
func (p Property) AsI64() (int64, bool)  { return int64(p.u), p.tag == TagI64 }
func (p Property) AsF32() (float32, bool) {
	return math.Float32frombits(uint32(p.u)), p.tag == TagF32
}
func (p Property) AsF64() (float64, bool) { return math.Float64frombits(p.u), p.tag == TagF64 }
func (p Property) AsString() (string, bool) {
	return string(p.s), p.tag == TagString
}
func (p Property) AsBlob() ([]byte, bool) {
	if p.tag != TagBlob {
		return nil, false
	}
	cp := make([]byte, len(p.s))
	copy(cp, p.s)
	return cp, true
}

// Equal reports deep equality, used by codec round-trip tests.
func (p Property) Equal(o Property) bool {
	if p.tag != o.tag {
		return false
	}
	if p.tag == TagString || p.tag == TagBlob {
		return string(p.s) == string(o.s)
	}
	return p.u == o.u
}

func nativeSize(tag Tag) (int, bool) {
	switch tag {
	case TagU8, TagI8:
		return 1, true
	case TagU16, TagI16:
		return 2, true
	case TagU32, TagI32, TagF32:
		return 4, true
	case TagU64, TagI64, TagF64:
		return 8, true
	default:
		return 0, false
	}
}

// encode writes the wire form: u16 tag, then native bytes, or u64 len+bytes
// for string/blob.
func (p Property) encode(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, uint16(p.tag)); err != nil {
		return err
	}

	if size, ok := nativeSize(p.tag); ok {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], p.u)
		_, err := w.Write(buf[:size])
		return err
	}

	if p.tag == TagString || p.tag == TagBlob {
		if err := binary.Write(w, binary.LittleEndian, uint64(len(p.s))); err != nil {
			return err
		}
		_, err := w.Write(p.s)
		return err
	}

	return fmt.Errorf("unknown property tag %d", p.tag)
}

func decodeProperty(r io.Reader) (Property, error) {
	var rawTag uint16
	if err := binary.Read(r, binary.LittleEndian, &rawTag); err != nil {
		return Property{}, err
	}
	tag := Tag(rawTag)

	if size, ok := nativeSize(tag); ok {
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Property{}, err
		}
		var full [8]byte
		copy(full[:], buf)
		return Property{tag: tag, u: binary.LittleEndian.Uint64(full[:])}, nil
	}

	if tag == TagString || tag == TagBlob {
		var n uint64
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return Property{}, err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Property{}, err
		}
		return Property{tag: tag, s: buf}, nil
	}

	return Property{}, kverrors.Wrap(kverrors.Fatal, "decode property", fmt.Errorf("unknown tag %d", rawTag))
}
