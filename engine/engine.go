// Package engine composes block, index and record into the storage engine
// of §4.D: Open/Load/Save/Remove, the monotonic key allocator, and offline
// compaction run once at Open.
package engine

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/negativ/skvdb-sub000/block"
	"github.com/negativ/skvdb-sub000/index"
	"github.com/negativ/skvdb-sub000/kverrors"
	"github.com/negativ/skvdb-sub000/record"
)

const (
	logDeviceSuffix           = ".logd"
	indexTableSuffix          = ".index"
	logDeviceCompactedSuffix  = ".logdc"
	defaultCompactionRatio    = 0.60
	defaultCompactionMinBytes = uint64(4) * 1024 * 1024 * 1024 // 4 GiB
)

// Options configures Open, mirroring the original design's OpenOptions. It
// is a plain struct; zero-valued fields are replaced by defaults.
type Options struct {
	BlockSize               int
	CreateIfMissing         bool
	CompactionRatio         float64
	CompactionDeviceMinSize uint64
	Logger                  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.BlockSize == 0 {
		o.BlockSize = block.DefaultBlockSize
	}
	if o.CompactionRatio == 0 {
		o.CompactionRatio = defaultCompactionRatio
	}
	if o.CompactionDeviceMinSize == 0 {
		o.CompactionDeviceMinSize = defaultCompactionMinBytes
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Engine is the storage engine of §4.D: one block device, one index table,
// a monotonic key counter, and the locks in the order spec.md §5 mandates
// (engineLock outermost here, keyCounterLock innermost).
type Engine struct {
	dir  string
	name string
	opts Options

	engineLock sync.RWMutex
	device     *block.Device
	idx        *index.Table
	opened     bool

	keyCounterLock sync.Mutex
	keyCounter     record.Key
}

func paths(dir, name string) (logPath, idxPath, compPath string) {
	return filepath.Join(dir, name+logDeviceSuffix),
		filepath.Join(dir, name+indexTableSuffix),
		filepath.Join(dir, name+logDeviceCompactedSuffix)
}

// Open opens (or creates) the engine's backing files at <dir>/<name>.logd
// and <dir>/<name>.index, synthesizes a root entry if absent, and runs
// offline compaction (§4.D.1, §4.D.5).
func Open(dir, name string, opts Options) (*Engine, error) {
	opts = opts.withDefaults()

	logPath, idxPath, _ := paths(dir, name)

	device, err := block.Open(logPath, block.Options{
		BlockSize:       opts.BlockSize,
		CreateIfMissing: opts.CreateIfMissing,
	})
	if err != nil {
		return nil, err
	}

	idx, keyCounter, err := loadIndex(idxPath)
	if err != nil {
		device.Close()
		return nil, err
	}

	if idx.Size() == 0 && device.BlockCount() > 0 {
		device.Close()
		return nil, kverrors.NewFatal("Broken storage")
	}

	e := &Engine{
		dir:        dir,
		name:       name,
		opts:       opts,
		device:     device,
		idx:        idx,
		opened:     true,
		keyCounter: keyCounter,
	}

	if _, ok := idx.Find(record.RootKey); !ok {
		if err := e.createRootEntry(); err != nil {
			device.Close()
			return nil, err
		}
	}

	if err := e.compact(); err != nil {
		return nil, err
	}

	opts.Logger.Debug("engine opened", "dir", dir, "name", name, "keyCounter", e.keyCounter)

	return e, nil
}

func loadIndex(path string) (*index.Table, record.Key, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return index.New(), record.InvalidKey, nil
		}
		return nil, 0, kverrors.Wrap(kverrors.IOError, "open index file", err)
	}
	defer f.Close()

	var counter uint64
	if err := binary.Read(f, binary.LittleEndian, &counter); err != nil {
		return nil, 0, kverrors.Wrap(kverrors.Fatal, "read key counter", err)
	}

	idx, err := index.Deserialize(f)
	if err != nil {
		return nil, 0, err
	}

	return idx, record.Key(counter), nil
}

// createRootEntry synthesizes an empty root entry (key=RootKey, name=""),
// resetting the key counter to RootKey before allocating so the root's key
// is consumed from exactly RootKey and the counter lands on RootKey+1
// afterward — the first NewKey() call a caller makes post-open therefore
// yields RootKey+1 (§4.D.1 step 4).
func (e *Engine) createRootEntry() error {
	e.keyCounterLock.Lock()
	e.keyCounter = record.RootKey
	e.keyCounterLock.Unlock()

	root := record.NewEntry(e.NewKey(), "")

	return e.Save(root)
}

// NewKey returns the next monotonically increasing key, never InvalidKey
// and never one already present in the index table (§4.D.6).
func (e *Engine) NewKey() record.Key {
	e.keyCounterLock.Lock()
	defer e.keyCounterLock.Unlock()
	if e.keyCounter == record.InvalidKey {
		e.keyCounter = record.RootKey + 1
	}
	k := e.keyCounter
	e.keyCounter++
	return k
}

// ReuseKey is a reservation placeholder per §4.D.6: specified, not required
// to do anything useful in this version.
func (e *Engine) ReuseKey(key record.Key) {}

// Load deserializes the entry stored under key (§4.D.2).
func (e *Engine) Load(key record.Key) (*record.Entry, error) {
	if key == record.InvalidKey {
		return nil, kverrors.NewInvalidArgument("invalid entry id")
	}

	e.engineLock.RLock()
	if !e.opened {
		e.engineLock.RUnlock()
		return nil, kverrors.NewIOError("device not opened")
	}
	rec, ok := e.idx.Find(key)
	e.engineLock.RUnlock()

	if !ok {
		return nil, kverrors.NewInvalidArgument("key doesn't exist")
	}

	data, err := e.device.Read(callerShardToken(), int64(rec.BlockIndex), int(rec.ByteLength))
	if err != nil {
		return nil, kverrors.Wrap(kverrors.Fatal, "load entry", err)
	}

	entry, err := record.Deserialize(data)
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// Save serializes and appends entry, then upserts its index record (§4.D.3).
// The previous on-disk bytes for this key, if any, become garbage for
// compaction to reclaim later.
func (e *Engine) Save(entry *record.Entry) error {
	if entry.Key == record.InvalidKey {
		return kverrors.NewInvalidArgument("invalid entry id")
	}

	data, err := record.Serialize(entry)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return kverrors.NewFatal("unable to serialize entry")
	}
	if uint64(len(data)) > uint64(^uint32(0)) {
		return kverrors.NewIOError("entry too big")
	}

	e.engineLock.Lock()
	defer e.engineLock.Unlock()

	if !e.opened {
		return kverrors.NewIOError("device not opened")
	}

	blockIdx, _, err := e.device.Append(data)
	if err != nil {
		return err
	}

	e.idx.Insert(index.Record{
		Key:        entry.Key,
		BlockIndex: uint32(blockIdx),
		ByteLength: uint32(len(data)),
	})

	return nil
}

// Remove erases key from the index table. The on-disk bytes are not
// actively reclaimed; compaction drops them later (§4.D.4).
func (e *Engine) Remove(key record.Key) error {
	e.engineLock.Lock()
	defer e.engineLock.Unlock()

	if !e.opened {
		return kverrors.NewIOError("device not opened")
	}
	if !e.idx.Erase(key) {
		return kverrors.NewInvalidArgument("key doesn't exist")
	}
	return nil
}

// Close flushes the index table to disk and releases the device. Idempotent.
func (e *Engine) Close() error {
	e.engineLock.Lock()
	defer e.engineLock.Unlock()

	if !e.opened {
		return nil
	}
	e.opened = false

	idxPath := filepath.Join(e.dir, e.name+indexTableSuffix)
	if err := e.persistIndex(idxPath); err != nil {
		return err
	}

	return e.device.Close()
}

// persistIndex writes "<name>.index" as <u64 keyCounter><serialized table>
// (§6) to a buffer, then publishes it via a rename so a reader never
// observes a half-written index file, the same discipline
// calvinalkan-agent-task's internal/fs.real applies to its own state files.
func (e *Engine) persistIndex(path string) error {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, uint64(e.keyCounter)); err != nil {
		return kverrors.Wrap(kverrors.Fatal, "serialize key counter", err)
	}
	if err := e.idx.Serialize(&buf); err != nil {
		return kverrors.Wrap(kverrors.Fatal, "serialize index table", err)
	}

	if err := atomic.WriteFile(path, &buf); err != nil {
		return kverrors.Wrap(kverrors.IOError, "persist index table", err)
	}
	return nil
}

// callerShardToken gives the block device's reader pool a value to hash on.
// It need not be a real thread id (§4.9: "any O(1) stable shard function is
// acceptable") — a per-call random token spreads load across the pool
// without requiring goroutine-local storage, which Go has no public API for.
func callerShardToken() uint64 { return rand.Uint64() }
