// Package lock serialises tuning sessions per volume.
package lock

import (
	"context"
	_ "crypto/sha256"
	"errors"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// ErrLocked is returned when another session already holds the volume.
var ErrLocked = errors.New("volume is locked by another session")

// Locker hands out exclusive per-volume locks keyed by digest.
// Acquisition does not wait: a held lock fails with ErrLocked.
type Locker interface {
	AcquireLock(ctx context.Context, key digest.Digest) (Lock, error)
}

// Lock represents an acquired lock that must be released
type Lock interface {
	Release() error
}

// KeyFor derives the lock key of a volume from its cleaned absolute path,
// so "./disk.img" and "/abs/disk.img" contend for the same lock.
func KeyFor(volume string) digest.Digest {
	path, err := filepath.Abs(volume)
	if err != nil {
		path = filepath.Clean(volume)
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return digest.FromString(path)
}
