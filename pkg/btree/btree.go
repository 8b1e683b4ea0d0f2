// Package btree implements an on-disk B-tree mapping 32-bit keys to
// 64-bit values.
//
// The tree lives in a file partitioned into fixed-size blocks. Block 0 is
// the superblock (root pointer, free-list head, end-of-file block index);
// every other block is either a serialized node or an entry in the free
// list of deallocated blocks. A node "pointer" is just its block index.
//
// Inserts avoid splits where possible: a full node first tries to shed
// items into an under-full sibling through the parent's separator
// (compensation), and only splits when both siblings are full. Splits
// propagate a separator upward and grow a new root when they reach the top.
//
// The superblock is cached in memory and written out on [Tree.Sync] and
// [Tree.Close] only. A crash mid-run can therefore lose recent
// allocations; the tree offers no crash-consistency guarantees.
//
// There is no delete operation.
package btree

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pkkm/blockdb/pkg/blockio"
	"github.com/pkkm/blockdb/pkg/fs"
)

// Key orders the tree. Keys are unique.
type Key uint32

// Value is the payload associated with a key. Typically a record-file
// index, but the tree doesn't care.
type Value uint64

// DefaultBlockSize is the block size used when [Options.BlockSize] is zero.
// Should match the disk's block size.
const DefaultBlockSize = 512

// nilPtr is the null block pointer, used as the free-list terminator and
// in the unused child slots of leaves.
const nilPtr = ^uint64(0)

// superblockSize is the serialized size of the superblock:
// root, freeListHead and end, uint64 each.
const superblockSize = 24

// Sentinel errors returned by btree operations.
var (
	// ErrInvalidOptions indicates unusable [Options], e.g. a block size too
	// small to hold a node.
	ErrInvalidOptions = errors.New("btree: invalid options")

	// ErrCorrupt indicates an existing file whose superblock is
	// inconsistent with its size, or a tree that fails [Tree.Check].
	ErrCorrupt = errors.New("btree: corrupt")
)

// Options configures creating or opening a tree.
type Options struct {
	// BlockSize is the size of the file's blocks in bytes. Defaults to
	// [DefaultBlockSize]. The node fanout is derived from it.
	//
	// A tree must always be opened with the block size it was created
	// with; the value is not stored in the file.
	BlockSize int
}

// superblock is the metadata stored in block 0.
type superblock struct {
	root         uint64 // Block index of the root node.
	freeListHead uint64 // First free block, or nilPtr.
	end          uint64 // One past the last used block.
}

// Tree is a handle to an open B-tree file.
//
// Tree is not safe for concurrent use, and at most one Tree may be open
// per host file (enforced by the blockio lock).
type Tree struct {
	file  *blockio.File
	geo   geometry
	super superblock // Cache; durable only after Sync/Close.
}

// Create creates (or truncates) the tree file at path, writing a
// superblock and an empty root leaf.
func Create(fsys fs.FS, path string, opts Options) (*Tree, error) {
	geo, err := geometryFor(opts)
	if err != nil {
		return nil, err
	}

	file, err := blockio.Open(fsys, path, true)
	if err != nil {
		return nil, err
	}

	if err := file.SetSize(2 * geo.blockSize); err != nil {
		_ = file.Close()

		return nil, err
	}

	t := &Tree{
		file:  file,
		geo:   geo,
		super: superblock{root: 1, freeListHead: nilPtr, end: 2},
	}

	if err := t.writeSuperblock(); err != nil {
		_ = file.Close()

		return nil, err
	}

	if err := t.writeNode(t.newNode(), t.super.root); err != nil {
		_ = file.Close()

		return nil, err
	}

	return t, nil
}

// Open opens an existing tree file and loads its superblock. opts must
// match the options the tree was created with.
func Open(fsys fs.FS, path string, opts Options) (*Tree, error) {
	geo, err := geometryFor(opts)
	if err != nil {
		return nil, err
	}

	file, err := blockio.Open(fsys, path, false)
	if err != nil {
		return nil, err
	}

	t := &Tree{file: file, geo: geo}

	if err := t.readSuperblock(); err != nil {
		_ = file.Close()

		return nil, err
	}

	nBlocks := file.Size() / geo.blockSize
	if file.Size()%geo.blockSize != 0 || t.super.end < 2 || t.super.end > nBlocks {
		_ = file.Close()

		return nil, fmt.Errorf("%s: end %d vs %d blocks on disk: %w",
			path, t.super.end, nBlocks, ErrCorrupt)
	}

	if t.super.root < 1 || t.super.root >= t.super.end {
		_ = file.Close()

		return nil, fmt.Errorf("%s: root %d outside [1, %d): %w",
			path, t.super.root, t.super.end, ErrCorrupt)
	}

	if t.super.freeListHead != nilPtr &&
		(t.super.freeListHead < 1 || t.super.freeListHead >= t.super.end) {
		_ = file.Close()

		return nil, fmt.Errorf("%s: free list head %d outside [1, %d): %w",
			path, t.super.freeListHead, t.super.end, ErrCorrupt)
	}

	return t, nil
}

// Close syncs and releases the file.
func (t *Tree) Close() error {
	if t.file == nil {
		return nil
	}

	syncErr := t.Sync()
	closeErr := t.file.Close()
	t.file = nil

	if syncErr != nil {
		return syncErr
	}

	return closeErr
}

// Sync writes the cached superblock to disk.
func (t *Tree) Sync() error {
	return t.writeSuperblock()
}

func (t *Tree) readSuperblock() error {
	var buf [superblockSize]byte
	if err := t.file.ReadAt(buf[:], 0); err != nil {
		return err
	}

	t.super.root = binary.LittleEndian.Uint64(buf[0:])
	t.super.freeListHead = binary.LittleEndian.Uint64(buf[8:])
	t.super.end = binary.LittleEndian.Uint64(buf[16:])

	return nil
}

func (t *Tree) writeSuperblock() error {
	var buf [superblockSize]byte
	binary.LittleEndian.PutUint64(buf[0:], t.super.root)
	binary.LittleEndian.PutUint64(buf[8:], t.super.freeListHead)
	binary.LittleEndian.PutUint64(buf[16:], t.super.end)

	return t.file.WriteAt(buf[:], 0)
}

// Stats returns the underlying file's operation counters.
func (t *Tree) Stats() blockio.Stats {
	return t.file.Stats()
}
