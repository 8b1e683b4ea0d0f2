// Package recfile implements a slot-addressable store of fixed-size
// records with stable indices.
//
// Records are packed into aligned blocks of a backing [blockio.File].
// Block 0 is the superblock; deallocated slots are threaded into a LIFO
// free list stored inside the slots themselves. The file never shrinks.
//
// All I/O goes through a single-block write-back cache owned by the
// handle, so consecutive operations on the same block cost no disk access.
//
// The superblock is cached in memory and written out on [File.Sync] and
// [File.Close] only. A crash mid-run can therefore lose recent
// allocations; the store offers no crash-consistency guarantees.
package recfile

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pkkm/blockdb/pkg/blockio"
	"github.com/pkkm/blockdb/pkg/fs"
)

// Record is the fixed-size payload stored in each slot.
type Record uint64

// BlockSize is the alignment unit of the backing file. Should match the
// disk's block size.
const BlockSize = 256

const (
	// A slot must be able to hold either a record or a free-list link.
	recordSize = 8
	indexSize  = 8
	itemSize   = max(recordSize, indexSize)

	recordsPerBlock = BlockSize / itemSize

	superblockSize = 16 // freeListHead + end, uint64 each.
)

// nilIdx marks the end of the free list.
const nilIdx = ^uint64(0)

// Sentinel errors returned by recfile operations.
var (
	// ErrOutOfRange indicates a record index at or past the end of the file.
	ErrOutOfRange = errors.New("recfile: record index out of range")

	// ErrCorrupt indicates the file's superblock is inconsistent with its size.
	ErrCorrupt = errors.New("recfile: corrupt")
)

// superblock is the metadata stored in block 0.
type superblock struct {
	freeListHead uint64 // First free slot, or nilIdx.
	end          uint64 // One past the highest-ever-allocated index.
}

// File is a handle to an open record file.
//
// File is not safe for concurrent use, and at most one File may be open
// per host file (enforced by the blockio lock).
type File struct {
	file  *blockio.File
	super superblock // Cache; durable only after Sync/Close.
	cache blockCache
}

// idxToBlock returns the file block holding record idx. Block 0 is the
// superblock, so records start at block 1.
func idxToBlock(idx uint64) uint64 {
	return idx/recordsPerBlock + 1
}

// idxToOffset returns the byte offset of record idx in the file.
func idxToOffset(idx uint64) uint64 {
	return BlockSize*idxToBlock(idx) + itemSize*(idx%recordsPerBlock)
}

// Create creates (or truncates) the record file at path with an empty
// superblock.
func Create(fsys fs.FS, path string) (*File, error) {
	file, err := blockio.Open(fsys, path, true)
	if err != nil {
		return nil, err
	}

	if err := file.SetSize(BlockSize); err != nil {
		_ = file.Close()

		return nil, err
	}

	f := &File{
		file:  file,
		super: superblock{freeListHead: nilIdx, end: 0},
	}
	f.cache.block = nilIdx

	if err := f.writeSuperblock(); err != nil {
		_ = file.Close()

		return nil, err
	}

	return f, nil
}

// Open opens an existing record file and loads its superblock.
func Open(fsys fs.FS, path string) (*File, error) {
	file, err := blockio.Open(fsys, path, false)
	if err != nil {
		return nil, err
	}

	if file.Size() < BlockSize || file.Size()%BlockSize != 0 {
		_ = file.Close()

		return nil, fmt.Errorf("%s: size %d not a positive multiple of %d: %w",
			path, file.Size(), BlockSize, ErrCorrupt)
	}

	f := &File{file: file}
	f.cache.block = nilIdx

	if err := f.readSuperblock(); err != nil {
		_ = file.Close()

		return nil, err
	}

	if f.super.end > 0 && file.Size() < (idxToBlock(f.super.end-1)+1)*BlockSize {
		_ = file.Close()

		return nil, fmt.Errorf("%s: %d records don't fit in %d bytes: %w",
			path, f.super.end, file.Size(), ErrCorrupt)
	}

	if f.super.freeListHead != nilIdx && f.super.freeListHead >= f.super.end {
		_ = file.Close()

		return nil, fmt.Errorf("%s: free list head %d past end %d: %w",
			path, f.super.freeListHead, f.super.end, ErrCorrupt)
	}

	return f, nil
}

// Close syncs and releases the file.
func (f *File) Close() error {
	if f.file == nil {
		return nil
	}

	syncErr := f.Sync()
	closeErr := f.file.Close()
	f.file = nil

	if syncErr != nil {
		return syncErr
	}

	return closeErr
}

// Sync writes the cached superblock and flushes the block cache.
func (f *File) Sync() error {
	if err := f.writeSuperblock(); err != nil {
		return err
	}

	return f.cacheFlush()
}

func (f *File) readSuperblock() error {
	var buf [superblockSize]byte
	if err := f.cacheRead(buf[:], 0); err != nil {
		return err
	}

	f.super.freeListHead = binary.LittleEndian.Uint64(buf[0:])
	f.super.end = binary.LittleEndian.Uint64(buf[8:])

	return nil
}

func (f *File) writeSuperblock() error {
	var buf [superblockSize]byte
	binary.LittleEndian.PutUint64(buf[0:], f.super.freeListHead)
	binary.LittleEndian.PutUint64(buf[8:], f.super.end)

	return f.cacheWrite(buf[:], 0)
}

// readFree returns the free-list link stored in slot idx.
func (f *File) readFree(idx uint64) (uint64, error) {
	var buf [indexSize]byte
	if err := f.cacheRead(buf[:], idxToOffset(idx)); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// writeFree stores a free-list link in slot idx.
func (f *File) writeFree(idx, nextFree uint64) error {
	var buf [indexSize]byte
	binary.LittleEndian.PutUint64(buf[:], nextFree)

	return f.cacheWrite(buf[:], idxToOffset(idx))
}

// alloc pops a slot off the free list, or if the list is empty takes the
// slot at end, growing the file by a block when that slot starts a new
// block. The superblock cache is only updated once the slot is
// usable, so a failed grow leaves the file unchanged.
func (f *File) alloc() (uint64, error) {
	if f.super.freeListHead != nilIdx {
		idx := f.super.freeListHead

		nextFree, err := f.readFree(idx)
		if err != nil {
			return 0, err
		}

		f.super.freeListHead = nextFree

		return idx, nil
	}

	oldEnd := f.super.end
	newEnd := oldEnd + 1

	if oldEnd == 0 || idxToBlock(newEnd-1) > idxToBlock(oldEnd-1) {
		if err := f.file.SetSize((idxToBlock(newEnd-1) + 1) * BlockSize); err != nil {
			return 0, err
		}
	}

	f.super.end = newEnd

	return oldEnd, nil
}

// dealloc pushes slot idx onto the free list. The file is not shrunk.
func (f *File) dealloc(idx uint64) error {
	if err := f.writeFree(idx, f.super.freeListHead); err != nil {
		return err
	}

	f.super.freeListHead = idx

	return nil
}

// Add allocates a slot, stores record there, and returns its index.
// Indices are stable: they never move under later adds or deletes.
func (f *File) Add(record Record) (uint64, error) {
	idx, err := f.alloc()
	if err != nil {
		return 0, err
	}

	var buf [recordSize]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(record))

	if err := f.cacheWrite(buf[:], idxToOffset(idx)); err != nil {
		return 0, err
	}

	return idx, nil
}

// Get returns the record stored at idx.
//
// Reading a slot that is on the free list returns the free-list link
// reinterpreted as a record; tracking liveness is the caller's job.
func (f *File) Get(idx uint64) (Record, error) {
	if idx >= f.super.end {
		return 0, fmt.Errorf("index %d, end %d: %w", idx, f.super.end, ErrOutOfRange)
	}

	var buf [recordSize]byte
	if err := f.cacheRead(buf[:], idxToOffset(idx)); err != nil {
		return 0, err
	}

	return Record(binary.LittleEndian.Uint64(buf[:])), nil
}

// Delete releases the slot at idx for reuse by a later [File.Add].
func (f *File) Delete(idx uint64) error {
	if idx >= f.super.end {
		return fmt.Errorf("index %d, end %d: %w", idx, f.super.end, ErrOutOfRange)
	}

	return f.dealloc(idx)
}

// Stats returns the underlying file's operation counters.
func (f *File) Stats() blockio.Stats {
	return f.file.Stats()
}
