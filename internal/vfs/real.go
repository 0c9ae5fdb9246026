package vfs

import (
	"bytes"
	"os"

	"github.com/natefinch/atomic"
)

// Real implements [FS] against the real filesystem. All methods are
// passthroughs to the os package except WriteFileAtomic, which uses a
// temp-file-then-rename so a reader never observes a half-written file.
type Real struct {
	locker *Locker
}

// NewReal returns an [FS] backed by the real filesystem, with its own
// cross-process lock coordination.
func NewReal() *Real {
	return &Real{locker: NewLocker()}
}

func (r *Real) Open(path string) (File, error) {
	return os.Open(path)
}

func (r *Real) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

// Create opens path with O_CREATE and the caller-supplied flag bits
// (typically O_EXCL for a race-free first creation, or none for
// reopening an existing file created by a different process).
func (r *Real) Create(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, os.O_CREATE|flag, perm)
}

func (r *Real) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (r *Real) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return atomic.WriteFile(path, bytes.NewReader(data))
}

func (r *Real) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (r *Real) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

func (r *Real) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return false, err
}

func (r *Real) Remove(path string) error {
	return os.Remove(path)
}

func (r *Real) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (r *Real) Locker() *Locker {
	return r.locker
}

var _ FS = (*Real)(nil)
