// Package filebacking owns the engine's output file: creation, optional
// full-size preallocation, and concurrent positional writes at disjoint
// offsets. Safety of concurrent WriteAt calls at non-overlapping offsets
// relies on the OS guarantee that a single pwrite is atomic with respect to
// its own byte range; this package adds no locking beyond that.
package filebacking

import (
	"fmt"
	"os"

	"github.com/ctdl/dget/internal/engine/enginerr"
)

// File wraps the output *os.File with preallocation-on-create and
// positional-write semantics.
type File struct {
	f *os.File
}

// Open creates path if absent (or opens it read-write if present, for the
// resume path) and, when totalSize is known (totalSize >= 0) and the file
// did not previously exist, preallocates it to totalSize so any worker can
// safely WriteAt any offset within it.
func Open(path string, totalSize int64) (*File, bool, error) {
	_, statErr := os.Stat(path)
	existed := statErr == nil

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("%w: open %s: %v", enginerr.ErrFileIo, path, err)
	}

	if !existed && totalSize >= 0 {
		if err := f.Truncate(totalSize); err != nil {
			f.Close()
			return nil, false, fmt.Errorf("%w: preallocate %s: %v", enginerr.ErrFileIo, path, err)
		}
	}

	return &File{f: f}, existed, nil
}

// WriteAt writes p at offset off, positionally, with no shared file cursor.
func (w *File) WriteAt(p []byte, off int64) (int, error) {
	n, err := w.f.WriteAt(p, off)
	if err != nil {
		return n, fmt.Errorf("%w: write at %d: %v", enginerr.ErrFileIo, off, err)
	}
	return n, nil
}

// Sync flushes the file to stable storage.
func (w *File) Sync() error {
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", enginerr.ErrFileIo, err)
	}
	return nil
}

// Size reports the current on-disk size.
func (w *File) Size() (int64, error) {
	info, err := w.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat: %v", enginerr.ErrFileIo, err)
	}
	return info.Size(), nil
}

// Close closes the underlying descriptor. Safe to call once.
func (w *File) Close() error {
	return w.f.Close()
}

// Remove deletes path. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove %s: %v", enginerr.ErrFileIo, path, err)
	}
	return nil
}

// Exists reports whether path is present on disk.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
