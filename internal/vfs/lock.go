package vfs

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by the non-blocking lock acquisition methods
// when a peer already holds the lock.
var ErrWouldBlock = errors.New("vfs: lock would block")

// errInodeMismatch signals that the lock file at path was replaced (by a
// racing creator) between open and flock acquisition; the caller should
// retry from scratch so it locks the file that is actually live.
var errInodeMismatch = errors.New("vfs: lock file identity changed")

// maxFlockEINTRRetries bounds EINTR retries on flock(2). The Go runtime's
// own syscall wrappers retry forever on EINTR for most calls; flock is
// blocking and a signal storm could in principle spin here indefinitely,
// so this caps it at a number far larger than any plausible legitimate
// signal rate.
const maxFlockEINTRRetries = 10_000

// Lock is a held advisory file lock. Close releases it. Safe to call
// Close more than once; the lock file itself is never removed, since a
// peer may be in the middle of opening it.
type Lock struct {
	file *os.File
}

// Close releases the lock and closes the underlying file descriptor.
func (l *Lock) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil

	return err
}

// Locker coordinates cross-process access to one or more advisory lock
// files via flock(2). Each [Real] gets its own Locker from NewReal;
// since a Locker holds no state, separate instances coordinate through
// the same OS flock table.
type Locker struct{}

// NewLocker returns a Locker. Locker holds no mutable state of its own;
// all coordination lives in the OS's flock table, keyed by the lock
// file's path.
func NewLocker() *Locker {
	return &Locker{}
}

// Lock blocks until an exclusive lock on path is acquired.
func (l *Locker) Lock(path string) (*Lock, error) {
	return l.acquire(path, unix.LOCK_EX, true)
}

// RLock blocks until a shared lock on path is acquired.
func (l *Locker) RLock(path string) (*Lock, error) {
	return l.acquire(path, unix.LOCK_SH, true)
}

// TryLock attempts to acquire an exclusive lock without blocking. Returns
// ErrWouldBlock if a peer already holds it.
func (l *Locker) TryLock(path string) (*Lock, error) {
	return l.acquire(path, unix.LOCK_EX, false)
}

// TryRLock attempts to acquire a shared lock without blocking.
func (l *Locker) TryRLock(path string) (*Lock, error) {
	return l.acquire(path, unix.LOCK_SH, false)
}

func (l *Locker) acquire(path string, how int, blocking bool) (*Lock, error) {
	for {
		lk, err := l.tryOnce(path, how, blocking)
		if err == nil {
			return lk, nil
		}

		if errors.Is(err, errInodeMismatch) {
			continue
		}

		return nil, err
	}
}

func (l *Locker) tryOnce(path string, how int, blocking bool) (*Lock, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}

	flags := how
	if !blocking {
		flags |= unix.LOCK_NB
	}

	if err := flockRetryEINTR(int(f.Fd()), flags); err != nil {
		f.Close()

		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, ErrWouldBlock
		}

		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	match, err := inodeMatchesPath(f, path)
	if err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()

		return nil, err
	}

	if !match {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()

		return nil, errInodeMismatch
	}

	return &Lock{file: f}, nil
}

func openLockFile(path string) (*os.File, error) {
	if err := os.MkdirAll(parentDir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	return f, nil
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}

	return "."
}

// flockRetryEINTR retries flock(2) on EINTR up to maxFlockEINTRRetries
// times before giving up, rather than looping forever under a signal
// storm.
func flockRetryEINTR(fd int, how int) error {
	for i := 0; i < maxFlockEINTRRetries; i++ {
		err := unix.Flock(fd, how)
		if err == nil {
			return nil
		}

		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return fmt.Errorf("flock: exceeded %d EINTR retries", maxFlockEINTRRetries)
}

// inodeMatchesPath reports whether the still-open fd f refers to the same
// inode the filesystem currently has at path. A mismatch means a racing
// creator replaced the lock file between open and flock acquisition.
func inodeMatchesPath(f *os.File, path string) (bool, error) {
	var openStat unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &openStat); err != nil {
		return false, fmt.Errorf("fstat lock file: %w", err)
	}

	var pathStat unix.Stat_t
	if err := unix.Stat(path, &pathStat); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}

		return false, fmt.Errorf("stat lock file: %w", err)
	}

	return openStat.Dev == pathStat.Dev && openStat.Ino == pathStat.Ino, nil
}
