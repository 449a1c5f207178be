// Package record implements the entry data model (§3) and its bit-exact
// on-disk codec (§4.C): the property tagged union, the entry itself
// (properties, children, expirations), and serialize/deserialize with the
// write-side and read-side expiration sweeps §4.C mandates.
package record

import (
	"errors"
	"time"
)

var (
	errAlreadyLinked = errors.New("record: child already has a parent")
	errNameExists    = errors.New("record: name already exists among children")
)

// Key identifies an entry. Zero is InvalidKey; one is RootKey. All other
// keys are allocated by the engine's monotonic counter.
type Key uint64

const (
	InvalidKey Key = 0
	RootKey    Key = 1
)

// Child is one named link from a parent entry to a child entry.
type Child struct {
	Name string
	Key  Key
}

// Entry is the tree node of §3: key, parent, name, properties, children,
// and lazily-swept expirations.
type Entry struct {
	Key       Key
	ParentKey Key
	Name      string

	Properties  map[string]Property
	Children    []Child
	Expirations map[string]int64 // property name -> epoch millis deadline
}

// NewEntry builds an empty, unlinked entry with the given key and name.
func NewEntry(key Key, name string) *Entry {
	return &Entry{
		Key:         key,
		ParentKey:   InvalidKey,
		Name:        name,
		Properties:  make(map[string]Property),
		Children:    nil,
		Expirations: make(map[string]int64),
	}
}

// NowMillis is the wall-clock source used to test expiration deadlines. It
// is a variable (not a direct time.Now call) so tests can control it.
var NowMillis = func() int64 { return time.Now().UnixMilli() }

// sweepExpired removes every property whose deadline has already passed,
// and the corresponding expirations entries. Shared by the write-side
// hygiene pass (before serialize) and the read-side hygiene pass (after
// deserialize) described in §4.C.
func (e *Entry) sweepExpired() {
	if len(e.Expirations) == 0 {
		return
	}
	now := NowMillis()
	for name, deadline := range e.Expirations {
		if now >= deadline {
			delete(e.Properties, name)
			delete(e.Expirations, name)
		}
	}
}

// SweepExpired drops every property whose expiration deadline has already
// passed. Volume read paths call this under the entry lock so that an
// expired property is never revealed without being materially removed
// (§4.G.4).
func (e *Entry) SweepExpired() { e.sweepExpired() }

// ChildByName returns the key linked under name, if any.
func (e *Entry) ChildByName(name string) (Key, bool) {
	for _, c := range e.Children {
		if c.Name == name {
			return c.Key, true
		}
	}
	return InvalidKey, false
}

// AddChild links child under name. It enforces invariant 2 (§3): the child
// must currently be unlinked, and invariant 3: the name must be unique
// among this entry's children.
func (e *Entry) AddChild(name string, child *Entry) error {
	if child.ParentKey != InvalidKey {
		return errAlreadyLinked
	}
	if _, exists := e.ChildByName(name); exists {
		return errNameExists
	}
	e.Children = append(e.Children, Child{Name: name, Key: child.Key})
	child.ParentKey = e.Key
	return nil
}

// RemoveChild unlinks the child named name, if present.
func (e *Entry) RemoveChild(name string) bool {
	for i, c := range e.Children {
		if c.Name == name {
			e.Children = append(e.Children[:i], e.Children[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy, used so control blocks and callers never share
// mutable slices/maps.
func (e *Entry) Clone() *Entry {
	cp := &Entry{
		Key:         e.Key,
		ParentKey:   e.ParentKey,
		Name:        e.Name,
		Properties:  make(map[string]Property, len(e.Properties)),
		Children:    append([]Child(nil), e.Children...),
		Expirations: make(map[string]int64, len(e.Expirations)),
	}
	for k, v := range e.Properties {
		cp.Properties[k] = v
	}
	for k, v := range e.Expirations {
		cp.Expirations[k] = v
	}
	return cp
}
