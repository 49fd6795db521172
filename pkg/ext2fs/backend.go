package ext2fs

import (
	"fmt"
	"os"
)

// diskBackend abstracts random access to the device or image holding the
// volume so tests can run against plain files.
type diskBackend interface {
	readAt(p []byte, off int64) error
	writeAt(p []byte, off int64) error
	sync() error
	close() error
}

// fileBackend implements diskBackend on top of an *os.File, which covers
// both image files and block device nodes.
type fileBackend struct {
	f *os.File
}

func openFileBackend(path string, readOnly bool) (*fileBackend, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	return &fileBackend{f: f}, nil
}

func (fb *fileBackend) readAt(p []byte, off int64) error {
	_, err := fb.f.ReadAt(p, off)
	if err != nil {
		return fmt.Errorf("disk read error at %d: %w", off, err)
	}

	return nil
}

func (fb *fileBackend) writeAt(p []byte, off int64) error {
	_, err := fb.f.WriteAt(p, off)
	if err != nil {
		return fmt.Errorf("disk write error at %d: %w", off, err)
	}

	return nil
}

func (fb *fileBackend) sync() error {
	if err := fb.f.Sync(); err != nil {
		return fmt.Errorf("disk sync error: %w", err)
	}

	return nil
}

func (fb *fileBackend) close() error {
	if err := fb.f.Close(); err != nil {
		return fmt.Errorf("disk close error: %w", err)
	}

	return nil
}
