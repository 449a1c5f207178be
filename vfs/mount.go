// Package vfs implements §4.H: a mount table composing independent volumes
// under shared virtual paths, and priority-ordered fan-out of every
// operation across the volumes backing an open virtual handle.
package vfs

import (
	"github.com/negativ/skvdb-sub000/kverrors"
	"github.com/negativ/skvdb-sub000/record"
	"github.com/negativ/skvdb-sub000/volume"
)

// mountKey uniquely identifies a mount entry: (mount_path, entry_path,
// volume) per §4.H.
type mountKey struct {
	mountPath string
	entryPath string
	vol       *volume.Volume
}

// mountEntry is one registered (volume, entry_path, mount_path, priority)
// tuple, holding the handle opened at mount time to validate entryPath
// exists and kept open until unmount.
type mountEntry struct {
	mountPath string
	entryPath string
	vol       *volume.Volume
	priority  int
	handle    record.Key
}

// Mount validates entryPath exists on vol, claims vol (using vs as the
// claim token), and registers the mount entry (§4.H). Duplicate
// (volume, entryPath, mountPath) mounts fail with InvalidOperation.
func (vs *VirtualStorage) Mount(vol *volume.Volume, entryPath, mountPath string, priority int) error {
	entryPath = simplify(entryPath)
	mountPath = simplify(mountPath)

	key := mountKey{mountPath: mountPath, entryPath: entryPath, vol: vol}

	vs.mountLock.Lock()
	if _, exists := vs.mounts[key]; exists {
		vs.mountLock.Unlock()
		return kverrors.NewInvalidOperation("duplicate mount")
	}
	vs.mountLock.Unlock()

	vol.Claim(vs)

	h, err := vol.Open(entryPath)
	if err != nil {
		vol.ReleaseClaim(vs)
		return err
	}

	vs.mountLock.Lock()
	defer vs.mountLock.Unlock()

	if _, exists := vs.mounts[key]; exists {
		vol.CloseHandle(h)
		vol.ReleaseClaim(vs)
		return kverrors.NewInvalidOperation("duplicate mount")
	}

	vs.mounts[key] = &mountEntry{
		mountPath: mountPath,
		entryPath: entryPath,
		vol:       vol,
		priority:  priority,
		handle:    h,
	}
	return nil
}

// Unmount closes the underlying handle opened at Mount, releases vol's
// claim, and erases the mount entry.
func (vs *VirtualStorage) Unmount(vol *volume.Volume, entryPath, mountPath string) error {
	entryPath = simplify(entryPath)
	mountPath = simplify(mountPath)

	key := mountKey{mountPath: mountPath, entryPath: entryPath, vol: vol}

	vs.mountLock.Lock()
	e, ok := vs.mounts[key]
	if !ok {
		vs.mountLock.Unlock()
		return kverrors.NewNotFound("no such mount entry")
	}
	delete(vs.mounts, key)
	vs.mountLock.Unlock()

	err := e.vol.CloseHandle(e.handle)
	e.vol.ReleaseClaim(vs)
	return err
}
