package recfile

import (
	"github.com/pkkm/blockdb/internal/check"
)

// blockCache caches the most recently used block of the file.
//
// At most one block is cached. While dirty, the cached bytes differ from
// disk and are flushed before another block is loaded and on Sync.
//
// Earlier revisions kept this as process-wide state, which silently limited
// a process to one record file. It lives in the handle now.
type blockCache struct {
	dirty bool
	block uint64 // Cached block index, or nilIdx.
	data  [BlockSize]byte
}

// cacheFlush writes the cached block back if it is dirty.
func (f *File) cacheFlush() error {
	if !f.cache.dirty {
		return nil
	}

	if err := f.file.WriteAt(f.cache.data[:], f.cache.block*BlockSize); err != nil {
		return err
	}

	f.cache.dirty = false

	return nil
}

// cacheLoad makes the cache hold the given block, flushing the previous
// one if needed.
func (f *File) cacheLoad(block uint64) error {
	if block == f.cache.block {
		return nil
	}

	if err := f.cacheFlush(); err != nil {
		return err
	}

	if err := f.file.ReadAt(f.cache.data[:], block*BlockSize); err != nil {
		return err
	}

	f.cache.block = block

	return nil
}

// cacheRead copies n bytes at the given file offset out of the cache.
// The request must lie within a single block; the record-to-offset mapping
// guarantees this.
func (f *File) cacheRead(dst []byte, offset uint64) error {
	block := offset / BlockSize
	if err := f.cacheLoad(block); err != nil {
		return err
	}

	offsetInBlock := offset - block*BlockSize
	check.Assert(1, offsetInBlock+uint64(len(dst)) <= BlockSize,
		"cache read [%d, %d) spans block boundary", offset, offset+uint64(len(dst)))

	copy(dst, f.cache.data[offsetInBlock:])

	return nil
}

// cacheWrite copies src into the cache at the given file offset and marks
// the cache dirty.
func (f *File) cacheWrite(src []byte, offset uint64) error {
	block := offset / BlockSize
	if err := f.cacheLoad(block); err != nil {
		return err
	}

	offsetInBlock := offset - block*BlockSize
	check.Assert(1, offsetInBlock+uint64(len(src)) <= BlockSize,
		"cache write [%d, %d) spans block boundary", offset, offset+uint64(len(src)))

	copy(f.cache.data[offsetInBlock:], src)
	f.cache.dirty = true

	return nil
}
