package fs

import (
	"io/fs"
	"math/rand/v2"
	"os"
	"sync"
	"syscall"
)

// ChaosConfig controls fault injection probabilities.
// Each rate is a float64 from 0.0 (never) to 1.0 (always).
//
// The zero value disables all fault injection. Partially initialized
// configs only inject faults for the specified rates; unset fields default
// to 0.0.
type ChaosConfig struct {
	// OpenFailRate controls how often FS.OpenFile fails, returning
	// EACCES, EIO, EMFILE, or ENOSPC.
	OpenFailRate float64

	// ReadFailRate controls how often File.ReadAt fails entirely,
	// returning zero bytes and EIO.
	ReadFailRate float64

	// WriteFailRate controls how often File.WriteAt fails entirely,
	// writing zero bytes and returning EIO, ENOSPC, or EDQUOT.
	WriteFailRate float64

	// TruncateFailRate controls how often File.Truncate fails, returning
	// EIO or ENOSPC. The file size is left unchanged.
	TruncateFailRate float64

	// SyncFailRate controls how often File.Sync (fsync) fails. Sync
	// failures can surface delayed write errors that weren't reported
	// during WriteAt.
	SyncFailRate float64
}

// Chaos implements [FS] by wrapping another filesystem and injecting
// failures according to a [ChaosConfig].
//
// Failures are drawn from a seeded PRNG, so a given (seed, operation
// sequence) pair always fails at the same points. This keeps engine
// robustness tests reproducible.
//
// Chaos never corrupts data: an injected failure performs no I/O at all.
type Chaos struct {
	inner FS
	cfg   ChaosConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewChaos wraps inner with fault injection driven by seed.
func NewChaos(inner FS, cfg ChaosConfig, seed uint64) *Chaos {
	return &Chaos{
		inner: inner,
		cfg:   cfg,
		rng:   rand.New(rand.NewPCG(seed, seed)),
	}
}

// roll reports whether an operation with the given failure rate should fail.
func (c *Chaos) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rng.Float64() < rate
}

// pick returns one of the given errnos, chosen by the PRNG.
func (c *Chaos) pick(errnos ...syscall.Errno) syscall.Errno {
	c.mu.Lock()
	defer c.mu.Unlock()

	return errnos[c.rng.IntN(len(errnos))]
}

func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if c.roll(c.cfg.OpenFailRate) {
		return nil, &fs.PathError{
			Op:   "open",
			Path: path,
			Err:  c.pick(syscall.EACCES, syscall.EIO, syscall.EMFILE, syscall.ENOSPC),
		}
	}

	f, err := c.inner.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &chaosFile{chaos: c, inner: f, path: path}, nil
}

func (c *Chaos) Stat(path string) (os.FileInfo, error) {
	return c.inner.Stat(path)
}

func (c *Chaos) Remove(path string) error {
	return c.inner.Remove(path)
}

func (c *Chaos) Rename(oldpath, newpath string) error {
	return c.inner.Rename(oldpath, newpath)
}

// chaosFile wraps a [File], injecting failures on positional I/O.
type chaosFile struct {
	chaos *Chaos
	inner File
	path  string
}

func (f *chaosFile) ReadAt(p []byte, off int64) (int, error) {
	if f.chaos.roll(f.chaos.cfg.ReadFailRate) {
		return 0, &fs.PathError{Op: "read", Path: f.path, Err: syscall.EIO}
	}

	return f.inner.ReadAt(p, off)
}

func (f *chaosFile) WriteAt(p []byte, off int64) (int, error) {
	if f.chaos.roll(f.chaos.cfg.WriteFailRate) {
		return 0, &fs.PathError{
			Op:   "write",
			Path: f.path,
			Err:  f.chaos.pick(syscall.EIO, syscall.ENOSPC, syscall.EDQUOT),
		}
	}

	return f.inner.WriteAt(p, off)
}

func (f *chaosFile) Truncate(size int64) error {
	if f.chaos.roll(f.chaos.cfg.TruncateFailRate) {
		return &fs.PathError{
			Op:   "truncate",
			Path: f.path,
			Err:  f.chaos.pick(syscall.EIO, syscall.ENOSPC),
		}
	}

	return f.inner.Truncate(size)
}

func (f *chaosFile) Sync() error {
	if f.chaos.roll(f.chaos.cfg.SyncFailRate) {
		return &fs.PathError{
			Op:   "sync",
			Path: f.path,
			Err:  f.chaos.pick(syscall.EIO, syscall.ENOSPC),
		}
	}

	return f.inner.Sync()
}

// Close always closes the underlying descriptor to avoid leaks.
func (f *chaosFile) Close() error {
	return f.inner.Close()
}

func (f *chaosFile) Stat() (os.FileInfo, error) {
	return f.inner.Stat()
}

func (f *chaosFile) Fd() uintptr {
	return f.inner.Fd()
}

// Compile-time interface checks.
var (
	_ FS   = (*Chaos)(nil)
	_ File = (*chaosFile)(nil)
)
