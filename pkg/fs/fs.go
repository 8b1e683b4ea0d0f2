// Package fs provides the filesystem abstraction consumed by the storage
// engines, plus implementations for testing and fault injection.
//
// The main types are:
//   - [FS]: interface for filesystem operations
//   - [File]: interface for open files (satisfied by [os.File])
//   - [Real]: production implementation using [os] package
//   - [Chaos]: testing implementation that injects deterministic failures
//
// Example usage:
//
//	fsys := fs.NewReal()
//	f, err := fsys.OpenFile("index.db", os.O_RDWR|os.O_CREATE, 0o644)
//	if err != nil {
//	    return err
//	}
//	defer f.Close()
package fs

import (
	"io"
	"os"
)

// File represents an OS-backed open file descriptor with positional I/O.
//
// This interface is satisfied by [os.File]. The storage engines only ever
// read and write at explicit offsets; there is no cursor.
//
// Implementations must behave like [os.File], including that [File.Fd]
// returns a valid OS file descriptor usable with syscalls (for example
// flock) until the file is closed.
type File interface {
	// ReadAt and WriteAt provide positional I/O. See [os.File.ReadAt] and
	// [os.File.WriteAt].
	io.ReaderAt
	io.WriterAt

	// Close releases the descriptor. See [os.File.Close].
	io.Closer

	// Truncate changes the size of the file. See [os.File.Truncate].
	Truncate(size int64) error

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to disk. See [os.File.Sync].
	Sync() error

	// Fd returns the file descriptor. See [os.File.Fd].
	// Used for low-level operations like flock.
	Fd() uintptr
}

// FS defines the filesystem operations the storage engines need.
//
// Implementations in this package:
//   - [Real]: production use, wraps the [os] package
//   - [Chaos]: testing use, injects deterministic failures
//
// All methods mirror their [os] package equivalents but can be intercepted
// for testing with fault injection. Paths use OS semantics (like the os
// package and path/filepath), not the slash-separated paths of io/fs.
type FS interface {
	// OpenFile opens a file with the specified flags and permissions.
	// See [os.OpenFile].
	//
	// Common flags: [os.O_RDWR], [os.O_CREATE], [os.O_TRUNC], [os.O_EXCL].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// Stat returns file info. See [os.Stat].
	// Returns [os.ErrNotExist] if the file doesn't exist.
	Stat(path string) (os.FileInfo, error)

	// Remove deletes a file. See [os.Remove].
	Remove(path string) error

	// Rename moves/renames a file. See [os.Rename].
	// Atomic on the same filesystem.
	Rename(oldpath, newpath string) error
}

// Compile-time interface check.
var _ File = (*os.File)(nil)
