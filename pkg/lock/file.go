package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/opencontainers/go-digest"
)

// FileLocker implements Locker with flock(2) on one file per key under dir.
type FileLocker struct {
	dir    string
	logger *slog.Logger
}

func NewFileLocker(dir string, logger *slog.Logger) (*FileLocker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock dir %s: %w", dir, err)
	}

	return &FileLocker{dir: dir, logger: logger}, nil
}

func (l *FileLocker) AcquireLock(ctx context.Context, key digest.Digest) (Lock, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lock key: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(l.dir, key.Encoded()+".lock")
	fl := flock.New(path)

	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}

	l.logger.DebugContext(ctx, "acquired volume lock", "key", key, "path", path)

	return &fileLock{fl: fl}, nil
}

type fileLock struct {
	fl *flock.Flock
}

func (l *fileLock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("unlocking %s: %w", l.fl.Path(), err)
	}

	return nil
}
