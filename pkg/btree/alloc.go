package btree

import (
	"encoding/binary"
)

// Free blocks store the index of the next free block (or nilPtr) at
// offset 0 and nothing else.

// readFree returns the free-list link stored in block ptr.
func (t *Tree) readFree(ptr uint64) (uint64, error) {
	var buf [ptrSize]byte
	if err := t.file.ReadAt(buf[:], ptr*t.geo.blockSize); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// writeFree stores a free-list link in block ptr.
func (t *Tree) writeFree(ptr, nextFree uint64) error {
	var buf [ptrSize]byte
	binary.LittleEndian.PutUint64(buf[:], nextFree)

	return t.file.WriteAt(buf[:], ptr*t.geo.blockSize)
}

// allocBlock pops a block off the free list, or enlarges the file by one
// block if the list is empty. The superblock cache is only updated once
// the block is usable, so a failed grow leaves the tree unchanged.
func (t *Tree) allocBlock() (uint64, error) {
	if t.super.freeListHead != nilPtr {
		ptr := t.super.freeListHead

		nextFree, err := t.readFree(ptr)
		if err != nil {
			return 0, err
		}

		t.super.freeListHead = nextFree

		return ptr, nil
	}

	oldEnd := t.super.end

	if err := t.file.SetSize((oldEnd + 1) * t.geo.blockSize); err != nil {
		return 0, err
	}

	t.super.end = oldEnd + 1

	return oldEnd, nil
}

// deallocBlock pushes block ptr onto the free list. The file is not
// shrunk.
func (t *Tree) deallocBlock(ptr uint64) error {
	if err := t.writeFree(ptr, t.super.freeListHead); err != nil {
		return err
	}

	t.super.freeListHead = ptr

	return nil
}
