package vfs

import (
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/negativ/skvdb-sub000/kverrors"
	"github.com/negativ/skvdb-sub000/record"
	"github.com/negativ/skvdb-sub000/volume"
)

// VirtualEntry is one (volume, handle) pair backing a virtual handle,
// ordered by descending priority once stored.
type VirtualEntry struct {
	Volume   *volume.Volume
	Handle   record.Key
	Priority int
}

// VirtualStorage is the mount table and open-virtual-handle table of §4.H.
type VirtualStorage struct {
	mountLock sync.RWMutex
	mounts    map[mountKey]*mountEntry

	handleLock sync.Mutex
	nextHandle record.Key
	handles    map[record.Key][]VirtualEntry
}

// New returns an empty VirtualStorage.
func New() *VirtualStorage {
	return &VirtualStorage{
		mounts:     make(map[mountKey]*mountEntry),
		handles:    make(map[record.Key][]VirtualEntry),
		nextHandle: record.RootKey,
	}
}

// Open resolves virtual path v (§4.H "Opening a virtual path"): finds the
// longest registered mount_path prefix, opens the remainder on every volume
// mounted there in parallel, and keeps whichever succeed.
func (vs *VirtualStorage) Open(v string) (record.Key, error) {
	vprime := simplify(v)

	mountPath, entries, ok := vs.entriesForLongestMount(vprime)
	if !ok {
		return record.InvalidKey, kverrors.NewInvalidArgument("No such path")
	}

	remainder := trimMountPrefix(mountPath, vprime)

	type opened struct {
		ve  VirtualEntry
		err error
	}
	results := make([]opened, len(entries))

	var g errgroup.Group
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			target := join(e.entryPath, remainder)
			h, err := e.vol.Open(target)
			if err != nil {
				results[i] = opened{err: err}
				return nil
			}
			results[i] = opened{ve: VirtualEntry{Volume: e.vol, Handle: h, Priority: e.priority}}
			return nil
		})
	}
	g.Wait()

	var collected []VirtualEntry
	for _, r := range results {
		if r.err == nil {
			collected = append(collected, r.ve)
		}
	}
	if len(collected) == 0 {
		return record.InvalidKey, kverrors.NewInvalidArgument("No such path")
	}

	sort.SliceStable(collected, func(i, j int) bool {
		return collected[i].Priority > collected[j].Priority
	})

	vs.handleLock.Lock()
	defer vs.handleLock.Unlock()

	if vs.nextHandle == record.RootKey {
		vs.nextHandle = record.RootKey + 1
	}
	handle := vs.nextHandle
	vs.nextHandle++
	vs.handles[handle] = collected

	return handle, nil
}

// entriesForLongestMount finds the longest registered mount_path that is a
// prefix of v and returns every mount entry registered at that path.
func (vs *VirtualStorage) entriesForLongestMount(v string) (string, []*mountEntry, bool) {
	vs.mountLock.RLock()
	defer vs.mountLock.RUnlock()

	best := ""
	found := false
	for k := range vs.mounts {
		if isPrefix(k.mountPath, v) && len(k.mountPath) >= len(best) {
			best = k.mountPath
			found = true
		}
	}
	if !found {
		return "", nil, false
	}

	var entries []*mountEntry
	for k, e := range vs.mounts {
		if k.mountPath == best {
			entries = append(entries, e)
		}
	}
	return best, entries, true
}

func (vs *VirtualStorage) entries(handle record.Key) ([]VirtualEntry, error) {
	vs.handleLock.Lock()
	defer vs.handleLock.Unlock()

	es, ok := vs.handles[handle]
	if !ok {
		return nil, kverrors.NewInvalidArgument("handle not open")
	}
	return es, nil
}

// Close requires success closing the handle on every backing volume.
func (vs *VirtualStorage) Close(handle record.Key) error {
	entries, err := vs.entries(handle)
	if err != nil {
		return err
	}

	errs := make([]error, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			errs[i] = e.Volume.CloseHandle(e.Handle)
			return nil
		})
	}
	g.Wait()

	vs.handleLock.Lock()
	delete(vs.handles, handle)
	vs.handleLock.Unlock()

	for _, err := range errs {
		if err != nil {
			return kverrors.Wrap(kverrors.InvalidOperation, "close failed on a mounted volume", err)
		}
	}
	return nil
}

// Properties unions the properties visible across every backing volume;
// on a name conflict the highest-priority volume wins (entries are already
// priority-ordered). Any per-volume failure fails the whole operation.
func (vs *VirtualStorage) Properties(handle record.Key) (map[string]record.Property, error) {
	entries, err := vs.entries(handle)
	if err != nil {
		return nil, err
	}

	type result struct {
		props map[string]record.Property
		err   error
	}
	results := make([]result, len(entries))

	var g errgroup.Group
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			p, err := e.Volume.Properties(e.Handle)
			results[i] = result{props: p, err: err}
			return nil
		})
	}
	g.Wait()

	out := make(map[string]record.Property)
	for _, r := range results {
		if r.err != nil {
			return nil, kverrors.Wrap(kverrors.InvalidOperation, "properties failed on a mounted volume", r.err)
		}
		for name, val := range r.props {
			if _, exists := out[name]; !exists {
				out[name] = val
			}
		}
	}
	return out, nil
}

// Property returns the first success in priority order (the highest-
// priority volume that has the property).
func (vs *VirtualStorage) Property(handle record.Key, name string) (record.Property, bool, error) {
	entries, err := vs.entries(handle)
	if err != nil {
		return record.Property{}, false, err
	}

	type result struct {
		prop record.Property
		ok   bool
		err  error
	}
	results := make([]result, len(entries))

	var g errgroup.Group
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			p, ok, err := e.Volume.Property(e.Handle, name)
			results[i] = result{prop: p, ok: ok, err: err}
			return nil
		})
	}
	g.Wait()

	for _, r := range results {
		if r.err == nil && r.ok {
			return r.prop, true, nil
		}
	}
	return record.Property{}, false, nil
}

// HasProperty ORs across volumes; if any volume errored, the op fails.
func (vs *VirtualStorage) HasProperty(handle record.Key, name string) (bool, error) {
	entries, err := vs.entries(handle)
	if err != nil {
		return false, err
	}

	type result struct {
		ok  bool
		err error
	}
	results := make([]result, len(entries))

	var g errgroup.Group
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			ok, err := e.Volume.HasProperty(e.Handle, name)
			results[i] = result{ok: ok, err: err}
			return nil
		})
	}
	g.Wait()

	any := false
	for _, r := range results {
		if r.err != nil {
			return false, kverrors.Wrap(kverrors.InvalidOperation, "has_property failed on a mounted volume", r.err)
		}
		if r.ok {
			any = true
		}
	}
	return any, nil
}

// SetProperty applies to every backing volume and succeeds only if all of
// them do.
func (vs *VirtualStorage) SetProperty(handle record.Key, name string, value record.Property) error {
	entries, err := vs.entries(handle)
	if err != nil {
		return err
	}

	errs := make([]error, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			errs[i] = e.Volume.SetProperty(e.Handle, name, value)
			return nil
		})
	}
	g.Wait()

	for _, err := range errs {
		if err != nil {
			return kverrors.Wrap(kverrors.InvalidOperation, "set_property failed on a mounted volume", err)
		}
	}
	return nil
}

// RemoveProperty applies to every backing volume and succeeds if at least
// one does.
func (vs *VirtualStorage) RemoveProperty(handle record.Key, name string) error {
	return vs.applyAllSucceedIfAny(handle, func(e VirtualEntry) error {
		return e.Volume.RemoveProperty(e.Handle, name)
	})
}

// ExpireProperty applies to every backing volume and succeeds if at least
// one does.
func (vs *VirtualStorage) ExpireProperty(handle record.Key, name string, deadlineMillis int64) error {
	return vs.applyAllSucceedIfAny(handle, func(e VirtualEntry) error {
		return e.Volume.ExpireProperty(e.Handle, name, deadlineMillis)
	})
}

// CancelExpiration applies to every backing volume and succeeds if at least
// one does.
func (vs *VirtualStorage) CancelExpiration(handle record.Key, name string) error {
	return vs.applyAllSucceedIfAny(handle, func(e VirtualEntry) error {
		return e.Volume.CancelExpiration(e.Handle, name)
	})
}

// Link applies to every backing volume and succeeds if at least one does.
func (vs *VirtualStorage) Link(handle record.Key, name string) error {
	return vs.applyAllSucceedIfAny(handle, func(e VirtualEntry) error {
		_, err := e.Volume.Link(e.Handle, name)
		return err
	})
}

// Unlink applies to every backing volume and succeeds if at least one does.
func (vs *VirtualStorage) Unlink(handle record.Key, name string) error {
	return vs.applyAllSucceedIfAny(handle, func(e VirtualEntry) error {
		return e.Volume.Unlink(e.Handle, name)
	})
}

// applyAllSucceedIfAny fans fn out to every backing volume and succeeds if
// at least one invocation does, per the "apply to all; succeed if at least
// one succeeded" combiner shared by several operations in §4.H's table.
func (vs *VirtualStorage) applyAllSucceedIfAny(handle record.Key, fn func(VirtualEntry) error) error {
	entries, err := vs.entries(handle)
	if err != nil {
		return err
	}

	errs := make([]error, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			errs[i] = fn(e)
			return nil
		})
	}
	g.Wait()

	var firstErr error
	for _, err := range errs {
		if err == nil {
			return nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Children unions the child links visible across every backing volume,
// deduplicating by name with the highest-priority volume's link winning.
// Any per-volume failure fails the whole operation.
func (vs *VirtualStorage) Children(handle record.Key) ([]record.Child, error) {
	entries, err := vs.entries(handle)
	if err != nil {
		return nil, err
	}

	type result struct {
		children []record.Child
		err      error
	}
	results := make([]result, len(entries))

	var g errgroup.Group
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			c, err := e.Volume.Children(e.Handle)
			results[i] = result{children: c, err: err}
			return nil
		})
	}
	g.Wait()

	seen := make(map[string]bool)
	var out []record.Child
	for _, r := range results {
		if r.err != nil {
			return nil, kverrors.Wrap(kverrors.InvalidOperation, "children failed on a mounted volume", r.err)
		}
		for _, c := range r.children {
			if seen[c.Name] {
				continue
			}
			seen[c.Name] = true
			out = append(out, c)
		}
	}
	return out, nil
}
