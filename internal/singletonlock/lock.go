// Package singletonlock acquires an exclusive advisory file lock at
// startup, so a second supervisor instance against the same data directory
// fails fast instead of racing the first over the same child processes and
// log files.
package singletonlock

import (
	"fmt"
	"os"
	"syscall"
)

// Lock holds an open file descriptor with an exclusive flock on it for the
// life of the process. Release is idempotent.
type Lock struct {
	f *os.File
}

// ErrHeld is returned by Acquire when another process already holds path.
var ErrHeld = fmt.Errorf("lock already held")

// Acquire opens (creating if needed) path and takes a non-blocking
// exclusive flock on it. The lock is released when the process exits or
// Release is called; it is not released by closing other descriptors on
// the same file.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("flock: %w", err)
	}
	return &Lock{f: f}, nil
}

// Release unlocks and closes the underlying file descriptor.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
