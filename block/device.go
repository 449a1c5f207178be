// Package block implements an append-only block device over a single file:
// a write path that only ever extends the file in block-aligned chunks, and
// a small pool of independent read handles sharded by caller identity so
// concurrent readers don't contend on one *os.File's seek position.
package block

import (
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/negativ/skvdb-sub000/kverrors"
)

const (
	// DefaultBlockSize is used when Options.BlockSize is zero.
	DefaultBlockSize = 4096
	// DefaultReaderPoolSize is the convention from the design: 17 reader
	// handles, enough to decorrelate most thread-id hashes without being
	// wasteful of file descriptors.
	DefaultReaderPoolSize = 17
)

// Options configures Open.
type Options struct {
	// BlockSize must be a multiple of 512. Zero means DefaultBlockSize.
	BlockSize int
	// CreateIfMissing creates the file (and any missing parent directories
	// are NOT created; the caller's directory must already exist) if it does
	// not exist.
	CreateIfMissing bool
	// ReaderPoolSize is the number of independent read handles. Zero means
	// DefaultReaderPoolSize.
	ReaderPoolSize int
}

func (o Options) withDefaults() Options {
	if o.BlockSize == 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.ReaderPoolSize == 0 {
		o.ReaderPoolSize = DefaultReaderPoolSize
	}
	return o
}

type reader struct {
	mu sync.Mutex
	f  *os.File
}

// Device is an append-only, block-aligned log over one file. A Device is
// safe for concurrent use.
type Device struct {
	blockSize int

	writeMu sync.Mutex
	writer  *os.File

	readers []*reader

	closedMu sync.RWMutex
	closed   bool

	blockCount int64
}

// Open opens (or, with Options.CreateIfMissing, creates) the file at path as
// a block device. On reopen the existing file size must already be a whole
// number of blocks.
func Open(path string, opts Options) (*Device, error) {
	opts = opts.withDefaults()

	if opts.BlockSize <= 0 || opts.BlockSize%512 != 0 {
		return nil, kverrors.NewInvalidArgument("block size must be a positive multiple of 512")
	}

	flags := os.O_RDWR
	if opts.CreateIfMissing {
		flags |= os.O_CREATE
	}

	writer, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.IOError, "open device for writing", err)
	}

	info, err := writer.Stat()
	if err != nil {
		writer.Close()
		return nil, kverrors.Wrap(kverrors.IOError, "stat device", err)
	}

	if info.Size()%int64(opts.BlockSize) != 0 {
		writer.Close()
		return nil, kverrors.NewFatal("malformed device file: size is not block-aligned")
	}

	if _, err := writer.Seek(0, io.SeekEnd); err != nil {
		writer.Close()
		return nil, kverrors.Wrap(kverrors.IOError, "seek to end of device", err)
	}

	readers := make([]*reader, opts.ReaderPoolSize)
	for i := range readers {
		rf, err := os.OpenFile(path, os.O_RDONLY, 0o644)
		if err != nil {
			writer.Close()
			for _, r := range readers[:i] {
				r.f.Close()
			}
			return nil, kverrors.Wrap(kverrors.IOError, "open device reader handle", err)
		}
		readers[i] = &reader{f: rf}
	}

	return &Device{
		blockSize:  opts.BlockSize,
		writer:     writer,
		readers:    readers,
		blockCount: info.Size() / int64(opts.BlockSize),
	}, nil
}

// BlockSize returns the device's fixed block size.
func (d *Device) BlockSize() int { return d.blockSize }

// BlockCount returns the number of blocks currently in the device.
func (d *Device) BlockCount() int64 {
	d.closedMu.RLock()
	defer d.closedMu.RUnlock()
	return d.blockCount
}

// SizeInBytes returns BlockCount()*BlockSize(), the device's on-disk extent.
func (d *Device) SizeInBytes() int64 {
	return d.BlockCount() * int64(d.blockSize)
}

func (d *Device) checkOpen() error {
	d.closedMu.RLock()
	defer d.closedMu.RUnlock()
	if d.closed {
		return kverrors.NewIOError("device is closed")
	}
	return nil
}

// Append writes buffer to the end of the device under the device's single
// write lock, zero-padding it to a whole number of blocks, and flushes
// before returning. It reports the starting block index and the number of
// blocks written; buffers of length > 0 always produce at least one block.
func (d *Device) Append(buffer []byte) (startBlock int64, blocksWritten int64, err error) {
	if err := d.checkOpen(); err != nil {
		return 0, 0, err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	offset, err := d.writer.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, 0, kverrors.Wrap(kverrors.IOError, "tell device write offset", err)
	}
	if offset%int64(d.blockSize) != 0 {
		return 0, 0, kverrors.NewFatal("device write offset is not block-aligned")
	}

	if _, err := d.writer.Write(buffer); err != nil {
		return 0, 0, kverrors.Wrap(kverrors.IOError, "append to device", err)
	}

	pad := 0
	if rem := len(buffer) % d.blockSize; rem != 0 {
		pad = d.blockSize - rem
	}
	if pad > 0 {
		if _, err := d.writer.Write(make([]byte, pad)); err != nil {
			return 0, 0, kverrors.Wrap(kverrors.IOError, "zero-pad device append", err)
		}
	}

	if err := d.writer.Sync(); err != nil {
		return 0, 0, kverrors.Wrap(kverrors.IOError, "flush device append", err)
	}

	blocksWritten = int64(len(buffer)+pad) / int64(d.blockSize)

	d.closedMu.Lock()
	startBlock = d.blockCount
	d.blockCount += blocksWritten
	d.closedMu.Unlock()

	return startBlock, blocksWritten, nil
}

// shardFor hashes an opaque caller-identity token to a reader-pool index.
// Any O(1) stable shard function is acceptable (design note §9); xxhash
// avoids the clustering a plain modulo can exhibit on sequential ids.
func (d *Device) shardFor(callerID uint64) int {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(callerID >> (8 * i))
	}
	return int(xxhash.Sum64(buf[:]) % uint64(len(d.readers)))
}

// Read reads exactly byteCount bytes starting at blockIndex, using the
// reader-pool slot selected by hashing callerID. callerID is any value the
// caller wants sharded on (e.g. a goroutine-local token); distinct values
// spread load across the pool, but correctness does not depend on the
// choice.
func (d *Device) Read(callerID uint64, blockIndex int64, byteCount int) ([]byte, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if blockIndex < 0 || byteCount < 0 {
		return nil, kverrors.NewInvalidArgument("negative block index or byte count")
	}

	blocksNeeded := (int64(byteCount) + int64(d.blockSize) - 1) / int64(d.blockSize)
	if byteCount == 0 {
		blocksNeeded = 0
	}

	d.closedMu.RLock()
	blockCount := d.blockCount
	d.closedMu.RUnlock()

	if blockIndex+blocksNeeded > blockCount {
		return nil, kverrors.NewInvalidArgument("read past end of device")
	}

	r := d.readers[d.shardFor(callerID)]
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.f.Seek(blockIndex*int64(d.blockSize), io.SeekStart); err != nil {
		return nil, kverrors.Wrap(kverrors.IOError, "seek device reader", err)
	}

	buf := make([]byte, byteCount)
	if _, err := io.ReadFull(r.f, buf); err != nil {
		return nil, kverrors.Wrap(kverrors.IOError, "read device", err)
	}

	return buf, nil
}

// Close drops all handles. Idempotent: calling Close a second time is a
// no-op that returns nil.
func (d *Device) Close() error {
	d.closedMu.Lock()
	defer d.closedMu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var firstErr error
	if err := d.writer.Close(); err != nil {
		firstErr = kverrors.Wrap(kverrors.IOError, "close device writer", err)
	}
	for _, r := range d.readers {
		if err := r.f.Close(); err != nil && firstErr == nil {
			firstErr = kverrors.Wrap(kverrors.IOError, "close device reader", err)
		}
	}
	d.readers = nil

	return firstErr
}
