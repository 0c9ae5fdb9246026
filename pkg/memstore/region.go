package memstore

import (
	"crypto/rand"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/genomewalker/memstore/internal/vfs"
)

// region is a memory-mapped file shared by the blob store, connection
// pool, and unified index. It owns the file descriptor and the mapping
// together so that growing one always grows the other in lockstep.
//
// Resizing an mmap'd file cannot be done by remapping in place — the
// address has to move. grow follows the move-assignment-safe sequence:
// extend the file on disk, map the new size into a fresh slice, then
// only after that succeeds tear down the old mapping and adopt the new
// one. A reader holding the old data slice during a crash mid-grow
// still sees a valid, if stale, mapping; nothing is ever torn down
// before its replacement is ready.
type region struct {
	fsys vfs.FS
	file vfs.File
	data []byte
}

// createRegion creates a new file at path sized to initialSize via a
// temp-file-then-rename sequence (so a concurrent opener never observes
// a partially-written file at the final path), then maps it.
func createRegion(fsys vfs.FS, path string, initialSize int64) (*region, error) {
	randBytes := make([]byte, 8)
	_, _ = rand.Read(randBytes)
	tmpPath := fmt.Sprintf("%s.tmp.%x", path, randBytes)

	f, err := fsys.Create(tmpPath, os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create temp region file: %w", err)
	}

	if err := f.Truncate(initialSize); err != nil {
		f.Close()
		fsys.Remove(tmpPath)

		return nil, fmt.Errorf("truncate temp region file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		fsys.Remove(tmpPath)

		return nil, fmt.Errorf("sync temp region file: %w", err)
	}

	f.Close()

	if err := fsys.Rename(tmpPath, path); err != nil {
		fsys.Remove(tmpPath)

		return nil, fmt.Errorf("rename region file into place: %w", err)
	}

	return openRegion(fsys, path)
}

// openRegion opens an existing region file and maps its full current
// size.
func openRegion(fsys vfs.FS, path string) (*region, error) {
	f, err := fsys.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open region file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("stat region file: %w", err)
	}

	data, err := mmapFile(f, info.Size())
	if err != nil {
		f.Close()

		return nil, err
	}

	return &region{fsys: fsys, file: f, data: data}, nil
}

func mmapFile(f vfs.File, size int64) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("region file is empty: %w", ErrCorruptHeader)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap region: %w", err)
	}

	return data, nil
}

// Len returns the current mapped size in bytes.
func (r *region) Len() int {
	return len(r.data)
}

// Bytes returns the mapped region's backing slice. Callers must not
// retain it across a Grow call, since Grow replaces the slice.
func (r *region) Bytes() []byte {
	return r.data
}

// Grow extends the underlying file to newSize and remaps it, following
// the move-assignment-safe sequence: the file is extended and a fresh
// mapping established before the old mapping is torn down, so a crash
// partway through leaves either the old, fully valid mapping or the
// new, fully valid one — never a half-updated one.
func (r *region) Grow(newSize int64) error {
	if int(newSize) <= len(r.data) {
		return nil
	}

	if err := r.file.Truncate(newSize); err != nil {
		return fmt.Errorf("extend region file: %w", err)
	}

	if err := r.file.Sync(); err != nil {
		return fmt.Errorf("sync extended region file: %w", err)
	}

	newData, err := mmapFile(r.file, newSize)
	if err != nil {
		return err
	}

	if err := unix.Munmap(r.data); err != nil {
		unix.Munmap(newData)

		return fmt.Errorf("unmap old region: %w", err)
	}

	r.data = newData

	return nil
}

// Sync flushes dirty mapped pages to disk.
func (r *region) Sync() error {
	if err := unix.Msync(r.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync region: %w", err)
	}

	return nil
}

// Advise gives the kernel a usage hint for the whole mapping (e.g.
// MADV_RANDOM for index/graph files whose access pattern is not
// sequential).
func (r *region) Advise(advice int) error {
	if err := unix.Madvise(r.data, advice); err != nil {
		return fmt.Errorf("madvise region: %w", err)
	}

	return nil
}

// Close unmaps and closes the underlying file.
func (r *region) Close() error {
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			r.file.Close()

			return fmt.Errorf("munmap region: %w", err)
		}

		r.data = nil
	}

	return r.file.Close()
}
