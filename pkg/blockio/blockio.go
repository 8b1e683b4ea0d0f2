// Package blockio provides the positional random-access file the storage
// engines are built on.
//
// A [File] tracks the logical file size and counts read and write
// operations. The counters are observational only: higher layers diff them
// across a command boundary to report how much I/O the command cost.
//
// A File takes an exclusive advisory lock on the underlying descriptor for
// its whole lifetime. Two handles over the same host file would race on the
// engines' superblock caches and corrupt state, so the second open fails
// with [ErrLocked] instead.
package blockio

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/pkkm/blockdb/internal/check"
	"github.com/pkkm/blockdb/pkg/fs"
)

// Sentinel errors returned by blockio operations.
var (
	// ErrLocked indicates another handle holds the file's advisory lock.
	ErrLocked = errors.New("blockio: file locked by another handle")

	// ErrClosed indicates the [File] has already been closed.
	ErrClosed = errors.New("blockio: closed")
)

// Stats holds the read and write operation counters of a [File].
// Counters never decrease.
type Stats struct {
	Reads  uint64
	Writes uint64
}

// File is a handle over a named host file with positional I/O.
//
// All reads and writes must lie strictly within [0, size). The size only
// changes through [File.SetSize].
//
// File is not safe for concurrent use.
type File struct {
	f    fs.File
	path string
	size uint64

	nReads  uint64
	nWrites uint64
}

// Open creates or opens the file at path. If truncate is true, the logical
// size becomes 0; otherwise it is the current length of the host file.
//
// The returned File must be paired with [File.Close] on every exit path.
func Open(fsys fs.FS, path string, truncate bool) (*File, error) {
	flag := os.O_RDWR | os.O_CREATE
	if truncate {
		flag |= os.O_TRUNC
	}

	f, err := fsys.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()

		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}

		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	return &File{f: f, path: path, size: uint64(info.Size())}, nil
}

// Close flushes through to the host and releases the descriptor (which also
// drops the advisory lock). Close is idempotent.
func (f *File) Close() error {
	if f.f == nil {
		return nil
	}

	syncErr := f.f.Sync()
	closeErr := f.f.Close()
	f.f = nil

	if syncErr != nil {
		return fmt.Errorf("syncing %s: %w", f.path, syncErr)
	}

	if closeErr != nil {
		return fmt.Errorf("closing %s: %w", f.path, closeErr)
	}

	return nil
}

// SetSize extends or truncates the file to exactly n bytes.
func (f *File) SetSize(n uint64) error {
	if f.f == nil {
		return ErrClosed
	}

	if err := f.f.Truncate(int64(n)); err != nil {
		return fmt.Errorf("resizing %s to %d: %w", f.path, n, err)
	}

	f.size = n

	return nil
}

// Size returns the current logical size in bytes.
func (f *File) Size() uint64 {
	return f.size
}

// ReadAt fills dst from the given byte offset. The request must lie
// entirely within the file; a violation is a programmer error.
func (f *File) ReadAt(dst []byte, off uint64) error {
	if f.f == nil {
		return ErrClosed
	}

	check.Assert(1, off+uint64(len(dst)) <= f.size,
		"read [%d, %d) outside file %s of size %d", off, off+uint64(len(dst)), f.path, f.size)

	f.nReads++

	if _, err := f.f.ReadAt(dst, int64(off)); err != nil {
		return fmt.Errorf("reading %d bytes at %d from %s: %w", len(dst), off, f.path, err)
	}

	return nil
}

// WriteAt writes src at the given byte offset. The request must lie
// entirely within the file; a violation is a programmer error.
func (f *File) WriteAt(src []byte, off uint64) error {
	if f.f == nil {
		return ErrClosed
	}

	check.Assert(1, off+uint64(len(src)) <= f.size,
		"write [%d, %d) outside file %s of size %d", off, off+uint64(len(src)), f.path, f.size)

	f.nWrites++

	if _, err := f.f.WriteAt(src, int64(off)); err != nil {
		return fmt.Errorf("writing %d bytes at %d to %s: %w", len(src), off, f.path, err)
	}

	return nil
}

// Stats returns the operation counters.
func (f *File) Stats() Stats {
	return Stats{Reads: f.nReads, Writes: f.nWrites}
}
