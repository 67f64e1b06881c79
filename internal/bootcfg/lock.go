package bootcfg

import (
	"errors"

	"github.com/gofrs/flock"
)

// ErrAlreadyBooted is returned when another kernel instance already holds
// the boot marker lock for the same backing arena file.
var ErrAlreadyBooted = errors.New("bootcfg: another kernel instance holds the boot lock")

// BootLock guards against two kernel instances booting with the same lock
// file path. It is an exclusive file lock; the frame allocator and heap
// themselves use anonymous memory only.
type BootLock struct {
	fl *flock.Flock
}

// AcquireBootLock tries to take an exclusive, non-blocking lock on path. It
// returns ErrAlreadyBooted if another process already holds it.
func AcquireBootLock(path string) (*BootLock, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, ErrAlreadyBooted
	}
	return &BootLock{fl: fl}, nil
}

// Release gives up the boot lock, allowing a subsequent kernel instance to
// acquire it.
func (b *BootLock) Release() error {
	return b.fl.Unlock()
}
