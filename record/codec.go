package record

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/negativ/skvdb-sub000/kverrors"
)

// Serialization order (§4.C), little-endian throughout:
//
//  1. key
//  2. parent-key
//  3. name (u64 length, bytes)
//  4. property-count (u64), then that many (name, value) pairs
//  5. child-count (u64), then that many (name, child-key) pairs
//  6. expire-count (u64), then that many (property-name, i64 expiry-millis)

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Serialize produces the on-disk bytes for e, after running the write-side
// expiration hygiene pass (expired properties removed from both the
// property map and the expirations map, per §4.C). The sweep mutates e in
// place, matching the original design's "read-back observably equal to
// write-side state" contract.
func Serialize(e *Entry) ([]byte, error) {
	e.sweepExpired()

	var buf bytes.Buffer

	err := kverrors.Boundary(func() error {
		if err := binary.Write(&buf, binary.LittleEndian, uint64(e.Key)); err != nil {
			return err
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint64(e.ParentKey)); err != nil {
			return err
		}
		if err := writeString(&buf, e.Name); err != nil {
			return err
		}

		if err := binary.Write(&buf, binary.LittleEndian, uint64(len(e.Properties))); err != nil {
			return err
		}
		for name, prop := range e.Properties {
			if err := writeString(&buf, name); err != nil {
				return err
			}
			if err := prop.encode(&buf); err != nil {
				return err
			}
		}

		if err := binary.Write(&buf, binary.LittleEndian, uint64(len(e.Children))); err != nil {
			return err
		}
		for _, c := range e.Children {
			if err := writeString(&buf, c.Name); err != nil {
				return err
			}
			if err := binary.Write(&buf, binary.LittleEndian, uint64(c.Key)); err != nil {
				return err
			}
		}

		if err := binary.Write(&buf, binary.LittleEndian, uint64(len(e.Expirations))); err != nil {
			return err
		}
		for name, deadline := range e.Expirations {
			if err := writeString(&buf, name); err != nil {
				return err
			}
			if err := binary.Write(&buf, binary.LittleEndian, deadline); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, kverrors.Wrap(kverrors.Fatal, "serialize entry", err)
	}

	return buf.Bytes(), nil
}

// Deserialize parses the on-disk bytes produced by Serialize and then runs
// the read-side expiration sweep (§4.C): any expiration whose deadline has
// already passed causes the corresponding property to be dropped, so a
// caller never observes an expired value even if it was persisted before
// its deadline.
func Deserialize(data []byte) (*Entry, error) {
	r := bytes.NewReader(data)

	e := &Entry{
		Properties:  make(map[string]Property),
		Expirations: make(map[string]int64),
	}

	err := kverrors.Boundary(func() error {
		var key, parent uint64
		if err := binary.Read(r, binary.LittleEndian, &key); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &parent); err != nil {
			return err
		}
		e.Key = Key(key)
		e.ParentKey = Key(parent)

		name, err := readString(r)
		if err != nil {
			return err
		}
		e.Name = name

		var propCount uint64
		if err := binary.Read(r, binary.LittleEndian, &propCount); err != nil {
			return err
		}
		for i := uint64(0); i < propCount; i++ {
			pname, err := readString(r)
			if err != nil {
				return err
			}
			prop, err := decodeProperty(r)
			if err != nil {
				return err
			}
			e.Properties[pname] = prop
		}

		var childCount uint64
		if err := binary.Read(r, binary.LittleEndian, &childCount); err != nil {
			return err
		}
		for i := uint64(0); i < childCount; i++ {
			cname, err := readString(r)
			if err != nil {
				return err
			}
			var ckey uint64
			if err := binary.Read(r, binary.LittleEndian, &ckey); err != nil {
				return err
			}
			e.Children = append(e.Children, Child{Name: cname, Key: Key(ckey)})
		}

		var expireCount uint64
		if err := binary.Read(r, binary.LittleEndian, &expireCount); err != nil {
			return err
		}
		for i := uint64(0); i < expireCount; i++ {
			pname, err := readString(r)
			if err != nil {
				return err
			}
			var deadline int64
			if err := binary.Read(r, binary.LittleEndian, &deadline); err != nil {
				return err
			}
			e.Expirations[pname] = deadline
		}

		return nil
	})
	if err != nil {
		return nil, kverrors.Wrap(kverrors.Fatal, "deserialize entry", err)
	}

	e.sweepExpired()

	return e, nil
}
