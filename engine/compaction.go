package engine

import (
	"os"

	"github.com/negativ/skvdb-sub000/block"
	"github.com/negativ/skvdb-sub000/index"
	"github.com/negativ/skvdb-sub000/kverrors"
)

// compact implements §4.D.5, run once at Open. It is skipped unless the
// device is already at least CompactionDeviceMinSize bytes AND the live
// fraction of its blocks is at or below CompactionRatio — i.e. skip both
// when the device is still small and when utilization is already high
// enough that rewriting it wouldn't reclaim much.
func (e *Engine) compact() error {
	e.engineLock.Lock()
	defer e.engineLock.Unlock()

	if uint64(e.device.SizeInBytes()) < e.opts.CompactionDeviceMinSize {
		return nil
	}

	liveBlocks := e.idx.BlockFootprint(e.device.BlockSize())
	deviceBlocks := e.device.BlockCount()
	if deviceBlocks == 0 {
		return nil
	}

	ratio := float64(liveBlocks) / float64(deviceBlocks)
	if ratio > e.opts.CompactionRatio {
		return nil
	}

	logPath, _, compPath := paths(e.dir, e.name)

	os.Remove(compPath)

	scratch, err := block.Open(compPath, block.Options{
		BlockSize:       e.device.BlockSize(),
		CreateIfMissing: true,
	})
	if err != nil {
		return kverrors.Wrap(kverrors.IOError, "open compaction scratch device", err)
	}

	compacted := index.New()
	var records []index.Record

	ordered := e.idx.Ordered()
	for _, rec := range ordered {
		data, err := e.device.Read(callerShardToken(), int64(rec.BlockIndex), int(rec.ByteLength))
		if err != nil {
			scratch.Close()
			os.Remove(compPath)
			return kverrors.Wrap(kverrors.IOError, "read entry during compaction", err)
		}

		newBlock, _, err := scratch.Append(data)
		if err != nil {
			scratch.Close()
			os.Remove(compPath)
			return kverrors.Wrap(kverrors.IOError, "append entry during compaction", err)
		}

		records = append(records, index.Record{
			Key:        rec.Key,
			BlockIndex: uint32(newBlock),
			ByteLength: rec.ByteLength,
		})
	}
	compacted.Rebuild(records)

	if err := e.device.Close(); err != nil {
		scratch.Close()
		os.Remove(compPath)
		return kverrors.Wrap(kverrors.IOError, "close device before compaction swap", err)
	}
	if err := scratch.Close(); err != nil {
		os.Remove(compPath)
		return kverrors.Wrap(kverrors.IOError, "close compaction scratch device", err)
	}

	if err := os.Remove(logPath); err != nil {
		return kverrors.Wrap(kverrors.Fatal, "remove old device before compaction rename", err)
	}
	if err := os.Rename(compPath, logPath); err != nil {
		return kverrors.NewFatal("unable to rename compacted device into place")
	}

	reopened, err := block.Open(logPath, block.Options{BlockSize: e.device.BlockSize()})
	if err != nil {
		return kverrors.Wrap(kverrors.Fatal, "reopen device after compaction", err)
	}

	// Key counter is preserved across compaction (§4.D.5).
	e.device = reopened
	e.idx = compacted

	e.opts.Logger.Debug("compaction complete", "name", e.name, "liveBlocks", liveBlocks, "deviceBlocks", deviceBlocks)

	return nil
}
