package singletonlock

import (
	"path/filepath"
	"testing"
)

func TestAcquireThenReleaseAllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exeio.lock")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	l2, err := Acquire(path)
	if err != nil {
		t.Fatalf("second Acquire after Release: %v", err)
	}
	_ = l2.Release()
}

func TestAcquireFailsWhenAlreadyHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exeio.lock")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = l.Release() }()

	if _, err := Acquire(path); err != ErrHeld {
		t.Fatalf("expected ErrHeld for a second acquire, got %v", err)
	}
}
