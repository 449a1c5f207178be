// Package volume implements §4.G: one storage engine, one control-block
// table enforcing at-most-one-in-memory-instance-per-key, a path cache, and
// a claim-token counter that keeps a volume from being closed while any
// token holds a claim. Distinct tokens may hold claims at the same time; a
// single owner is not enforced.
package volume

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/negativ/skvdb-sub000/control"
	"github.com/negativ/skvdb-sub000/engine"
	"github.com/negativ/skvdb-sub000/kverrors"
	"github.com/negativ/skvdb-sub000/pathcache"
	"github.com/negativ/skvdb-sub000/record"
)

// Options configures a Volume, mirroring engine.Options' functional-defaults
// pattern.
type Options struct {
	PathCacheCapacity int
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.PathCacheCapacity == 0 {
		o.PathCacheCapacity = pathcache.DefaultCapacity
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Volume owns one engine, one control-block table, and one path cache
// (§4.G).
type Volume struct {
	eng    *engine.Engine
	logger *slog.Logger

	pathCache *pathcache.Cache

	cbLock sync.RWMutex
	cbs    map[record.Key]*control.Block

	claimLock sync.Mutex
	claims    map[any]int
}

// Open opens the volume's backing engine at <dir>/<name>.{logd,index} and
// returns a ready Volume whose path cache starts empty; "/" -> RootKey and
// the walked paths are inserted lazily on resolution.
func Open(dir, name string, engineOpts engine.Options, opts Options) (*Volume, error) {
	opts = opts.withDefaults()

	eng, err := engine.Open(dir, name, engineOpts)
	if err != nil {
		return nil, err
	}

	return &Volume{
		eng:       eng,
		logger:    opts.Logger,
		pathCache: pathcache.New(opts.PathCacheCapacity),
		cbs:       make(map[record.Key]*control.Block),
		claims:    make(map[any]int),
	}, nil
}

// Close closes the underlying engine. Fails with InvalidOperation if the
// volume is currently claimed (§4.G.5).
func (v *Volume) Close() error {
	v.claimLock.Lock()
	claimed := len(v.claims) > 0
	v.claimLock.Unlock()

	if claimed {
		return kverrors.NewInvalidOperation("volume is claimed")
	}
	return v.eng.Close()
}

// Claim increments token's claim count (§4.G.5). token must be a stable,
// comparable value — typically a pointer, as the design's "stable
// non-zero pointer-sized value" intends. Claims by distinct tokens are
// counted independently; a claim by a second token is not rejected.
func (v *Volume) Claim(token any) {
	v.claimLock.Lock()
	defer v.claimLock.Unlock()
	v.claims[token]++
}

// ReleaseClaim decrements token's claim count, removing it once it reaches
// zero.
func (v *Volume) ReleaseClaim(token any) {
	v.claimLock.Lock()
	defer v.claimLock.Unlock()
	if v.claims[token] == 0 {
		return
	}
	v.claims[token]--
	if v.claims[token] == 0 {
		delete(v.claims, token)
	}
}

// Claimed reports whether any token currently holds a claim.
func (v *Volume) Claimed() bool {
	v.claimLock.Lock()
	defer v.claimLock.Unlock()
	return len(v.claims) > 0
}

// Open resolves path (§4.G.1) and claims the control block for the entry it
// names (§4.G.2), returning the entry's key as the caller's handle.
func (v *Volume) Open(path string) (record.Key, error) {
	key, err := v.resolve(simplify(path))
	if err != nil {
		return record.InvalidKey, err
	}
	if _, err := v.claim(key); err != nil {
		return record.InvalidKey, err
	}
	return key, nil
}

// CloseHandle releases the control block claimed for handle (§4.G.2),
// saving it through the engine first if it is dirty.
func (v *Volume) CloseHandle(handle record.Key) error {
	return v.release(handle)
}

// resolve implements §4.G.1's path-walk: probe the path cache at
// successively shorter prefixes of p, then walk the remaining segments one
// hop at a time, verifying each against the live children of its parent.
func (v *Volume) resolve(p string) (record.Key, error) {
	startKey := record.RootKey
	prefixPath := "/"

	found := false
	for _, pre := range prefixesDescending(p) {
		key, ok := v.pathCache.Lookup(pre)
		if !ok {
			continue
		}
		// A cached hop is advisory: confirm the entry is still linked under
		// its parent by the same name, and drop the cache entry if not.
		if pre != "/" {
			entry, err := v.eng.Load(key)
			var siblings []record.Child
			if err == nil {
				siblings, err = v.childrenOf(entry.ParentKey)
			}
			if linked, _ := childByName(siblings, pre[strings.LastIndex(pre, "/")+1:]); err != nil || linked != key {
				v.pathCache.Remove(pre)
				continue
			}
		}
		startKey = key
		prefixPath = pre
		found = true
		break
	}
	if !found {
		v.pathCache.Insert("/", record.RootKey)
	}

	remainder := strings.TrimPrefix(p, prefixPath)
	remainder = strings.Trim(remainder, "/")

	currentKey := startKey
	trackedPath := prefixPath

	if remainder == "" {
		return currentKey, nil
	}

	for _, tok := range strings.Split(remainder, "/") {
		children, err := v.childrenOf(currentKey)
		if err != nil {
			return record.InvalidKey, err
		}

		childKey, ok := childByName(children, tok)
		if !ok {
			return record.InvalidKey, kverrors.NewNotFound("no such path segment: " + tok)
		}

		currentKey = childKey
		trackedPath = join(trackedPath, tok)
		v.pathCache.Insert(trackedPath, currentKey)
	}

	return currentKey, nil
}

func childByName(children []record.Child, name string) (record.Key, bool) {
	for _, c := range children {
		if c.Name == name {
			return c.Key, true
		}
	}
	return record.InvalidKey, false
}

// childrenOf returns key's current children, preferring a resident control
// block over an ad-hoc engine load (§4.G.1 step 2).
func (v *Volume) childrenOf(key record.Key) ([]record.Child, error) {
	v.cbLock.RLock()
	cb, ok := v.cbs[key]
	v.cbLock.RUnlock()

	if ok {
		cb.EntryLock.RLock()
		children := append([]record.Child(nil), cb.Entry().Children...)
		cb.EntryLock.RUnlock()
		return children, nil
	}

	entry, err := v.eng.Load(key)
	if err != nil {
		return nil, err
	}
	return entry.Children, nil
}

// claim implements §4.G.2's double-checked claim: try the fast path under a
// single lock; on miss, load outside the lock, then re-check before
// installing so concurrent claimants never construct two control blocks for
// the same key.
func (v *Volume) claim(key record.Key) (*control.Block, error) {
	v.cbLock.Lock()
	if cb, ok := v.cbs[key]; ok {
		cb.Acquire()
		v.cbLock.Unlock()
		return cb, nil
	}
	v.cbLock.Unlock()

	entry, err := v.eng.Load(key)
	if err != nil {
		return nil, err
	}

	v.cbLock.Lock()
	defer v.cbLock.Unlock()

	if cb, ok := v.cbs[key]; ok {
		cb.Acquire()
		return cb, nil
	}

	cb := control.New(entry)
	v.cbs[key] = cb
	return cb, nil
}

// release implements §4.G.2: decrement usage; on reaching zero, evict and,
// if dirty, save back through the engine.
func (v *Volume) release(key record.Key) error {
	v.cbLock.Lock()
	cb, ok := v.cbs[key]
	if !ok {
		v.cbLock.Unlock()
		return kverrors.NewInvalidArgument("handle not open")
	}

	if cb.Release() > 0 {
		v.cbLock.Unlock()
		return nil
	}
	delete(v.cbs, key)
	v.cbLock.Unlock()

	if !cb.Dirty() {
		return nil
	}

	cb.EntryLock.RLock()
	entry := cb.Entry().Clone()
	cb.EntryLock.RUnlock()

	if err := v.eng.Save(entry); err != nil {
		return err
	}
	cb.ClearDirty()
	return nil
}

func (v *Volume) fetchCB(handle record.Key) (*control.Block, error) {
	v.cbLock.RLock()
	defer v.cbLock.RUnlock()

	cb, ok := v.cbs[handle]
	if !ok {
		return nil, kverrors.NewInvalidArgument("handle not open")
	}
	return cb, nil
}

// Properties returns a copy of handle's current (non-expired) properties
// (§4.G.3, §4.G.4).
func (v *Volume) Properties(handle record.Key) (map[string]record.Property, error) {
	cb, err := v.fetchCB(handle)
	if err != nil {
		return nil, err
	}

	cb.EntryLock.Lock()
	defer cb.EntryLock.Unlock()

	cb.Entry().SweepExpired()

	out := make(map[string]record.Property, len(cb.Entry().Properties))
	for k, val := range cb.Entry().Properties {
		out[k] = val
	}
	return out, nil
}

// Property returns handle's property named name, swept for expiration first.
func (v *Volume) Property(handle record.Key, name string) (record.Property, bool, error) {
	cb, err := v.fetchCB(handle)
	if err != nil {
		return record.Property{}, false, err
	}

	cb.EntryLock.Lock()
	defer cb.EntryLock.Unlock()

	cb.Entry().SweepExpired()

	p, ok := cb.Entry().Properties[name]
	return p, ok, nil
}

// HasProperty reports whether name is present (and unexpired) on handle.
func (v *Volume) HasProperty(handle record.Key, name string) (bool, error) {
	_, ok, err := v.Property(handle, name)
	return ok, err
}

// SetProperty sets name to value on handle, marking the control block dirty.
func (v *Volume) SetProperty(handle record.Key, name string, value record.Property) error {
	cb, err := v.fetchCB(handle)
	if err != nil {
		return err
	}

	cb.EntryLock.Lock()
	defer cb.EntryLock.Unlock()

	cb.Entry().Properties[name] = value
	cb.MarkDirty()
	return nil
}

// RemoveProperty cancels any pending expiration on name and removes it if
// present. Per §9's resolved open question: cancelling the expiration always
// happens; the result reflects whether the raw property map held the key.
func (v *Volume) RemoveProperty(handle record.Key, name string) error {
	cb, err := v.fetchCB(handle)
	if err != nil {
		return err
	}

	cb.EntryLock.Lock()
	defer cb.EntryLock.Unlock()

	delete(cb.Entry().Expirations, name)

	if _, ok := cb.Entry().Properties[name]; !ok {
		return kverrors.NewNotFound("no such property: " + name)
	}
	delete(cb.Entry().Properties, name)
	cb.MarkDirty()
	return nil
}

// ExpireProperty stores deadlineMillis as name's absolute expiry instant
// (§4.G.4). It does not remove the property; a later access sweeps it.
func (v *Volume) ExpireProperty(handle record.Key, name string, deadlineMillis int64) error {
	cb, err := v.fetchCB(handle)
	if err != nil {
		return err
	}

	cb.EntryLock.Lock()
	defer cb.EntryLock.Unlock()

	if _, ok := cb.Entry().Properties[name]; !ok {
		return kverrors.NewNotFound("no such property: " + name)
	}
	cb.Entry().Expirations[name] = deadlineMillis
	cb.MarkDirty()
	return nil
}

// CancelExpiration removes any pending expiration for name.
func (v *Volume) CancelExpiration(handle record.Key, name string) error {
	cb, err := v.fetchCB(handle)
	if err != nil {
		return err
	}

	cb.EntryLock.Lock()
	defer cb.EntryLock.Unlock()

	delete(cb.Entry().Expirations, name)
	cb.MarkDirty()
	return nil
}

// Children returns a copy of handle's current child links.
func (v *Volume) Children(handle record.Key) ([]record.Child, error) {
	cb, err := v.fetchCB(handle)
	if err != nil {
		return nil, err
	}

	cb.EntryLock.RLock()
	defer cb.EntryLock.RUnlock()

	return append([]record.Child(nil), cb.Entry().Children...), nil
}

// Link creates a new child named name under handle (§4.G.3). On save
// failure the child is unlinked from the parent before the error is
// returned.
func (v *Volume) Link(handle record.Key, name string) (record.Key, error) {
	if name == "" || strings.Contains(name, "/") {
		return record.InvalidKey, kverrors.NewInvalidArgument("invalid child name")
	}

	cb, err := v.fetchCB(handle)
	if err != nil {
		return record.InvalidKey, err
	}

	cb.EntryLock.Lock()
	defer cb.EntryLock.Unlock()

	if _, exists := cb.Entry().ChildByName(name); exists {
		return record.InvalidKey, kverrors.NewInvalidOperation("child already exists: " + name)
	}

	childKey := v.eng.NewKey()
	child := record.NewEntry(childKey, name)

	if err := cb.Entry().AddChild(name, child); err != nil {
		return record.InvalidKey, kverrors.Wrap(kverrors.InvalidOperation, "link", err)
	}

	if err := v.eng.Save(child); err != nil {
		cb.Entry().RemoveChild(name)
		return record.InvalidKey, err
	}

	cb.MarkDirty()
	return childKey, nil
}

// Unlink removes the child named name from handle (§4.G.3). It rejects a
// child that is currently open (non-zero usage) or whose on-disk form still
// has children of its own.
func (v *Volume) Unlink(handle record.Key, name string) error {
	parentCB, err := v.fetchCB(handle)
	if err != nil {
		return err
	}

	parentCB.EntryLock.RLock()
	childKey, ok := parentCB.Entry().ChildByName(name)
	parentCB.EntryLock.RUnlock()
	if !ok {
		return kverrors.NewNotFound("no such child: " + name)
	}

	v.cbLock.RLock()
	childCB, open := v.cbs[childKey]
	v.cbLock.RUnlock()
	if open && childCB.Usage() > 0 {
		return kverrors.NewInvalidOperation("child is open: " + name)
	}

	childEntry, err := v.eng.Load(childKey)
	if err != nil {
		return err
	}
	if len(childEntry.Children) > 0 {
		return kverrors.NewInvalidOperation("child has children: " + name)
	}

	parentCB.EntryLock.Lock()
	parentCB.Entry().RemoveChild(name)
	parentCB.MarkDirty()
	parentCB.EntryLock.Unlock()

	return v.eng.Remove(childKey)
}
