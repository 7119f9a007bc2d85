// Package singleinstance provides a single-instance process lock, grounded
// on the call site in the teacher's cmd/aetherd/main.go
// (util.AcquireLock/Release, a lock file under os.TempDir()) — the
// internal/util package that originally implemented it was not present in
// the retrieved pack, so the lock itself is rebuilt here in the same shape
// the call site expects, using flock(2) instead of an unspecified locking
// strategy.
package singleinstance

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Lock is a held single-instance lock. Call Release when the process is
// done with it (or let process exit release it implicitly).
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes an exclusive, non-blocking lock on a file named
// "<name>.lock" under os.TempDir(). If another process already holds it,
// Acquire returns an error naming the lock file path so an operator can
// inspect or remove it.
func Acquire(name string) (*Lock, error) {
	path := filepath.Join(os.TempDir(), name+".lock")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("singleinstance: opening lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("singleinstance: another instance holds %s", path)
	}

	_ = f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())

	return &Lock{f: f, path: path}, nil
}

// Release unlocks and removes the lock file.
func (l *Lock) Release() error {
	syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	os.Remove(l.path)
	return err
}
