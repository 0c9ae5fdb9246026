// Package vfs provides the filesystem and file-locking seam used by
// every mmap-backed component of the store. [Real] is the only
// implementation; production code and tests both go through it.
package vfs

import (
	"io"
	"os"
)

// File is the subset of *os.File the store's components need: byte-range
// reads/writes for header and slot access, Seek for append-style writers,
// Fd for flock and mmap, and Sync/Truncate for durability and growth.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.ReadWriteCloser
	io.Seeker

	Fd() uintptr
	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
}

// FS defines the filesystem operations the store's components perform.
// All methods mirror their os package equivalents; see [Real].
type FS interface {
	Open(path string) (File, error)
	OpenFile(path string, flag int, perm os.FileMode) (File, error)
	Create(path string, flag int, perm os.FileMode) (File, error)
	Stat(path string) (os.FileInfo, error)
	Exists(path string) (bool, error)
	MkdirAll(path string, perm os.FileMode) error
	Remove(path string) error
	Rename(oldpath, newpath string) error
	ReadFile(path string) ([]byte, error)
	WriteFileAtomic(path string, data []byte, perm os.FileMode) error

	// Locker returns the cross-process file locker this FS uses for
	// WAL and grow coordination.
	Locker() *Locker
}

var _ File = (*os.File)(nil)
