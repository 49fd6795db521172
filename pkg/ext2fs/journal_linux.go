//go:build linux

package ext2fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

func isBlockDevice(fi os.FileInfo) bool {
	return fi.Mode()&os.ModeDevice != 0 && fi.Mode()&os.ModeCharDevice == 0
}

func deviceNumber(fi os.FileInfo) uint32 {
	if !isBlockDevice(fi) {
		return 0
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0
	}
	rdev := uint64(st.Rdev)
	return EncodeDevice(unix.Major(rdev), unix.Minor(rdev))
}

// createMountedJournal writes the journal as <mountpoint>/.journal through
// the kernel and marks it nodump and immutable.
func (v *Volume) createMountedJournal(p JournalParams) (uint32, error) {
	path := filepath.Join(p.MountPoint, ".journal")

	if f, err := os.Open(path); err == nil {
		_ = unix.IoctlSetPointerInt(int(f.Fd()), unix.FS_IOC_SETFLAGS, 0)
		f.Close()
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("removing stale %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	bs := int64(v.sb.BlockSize())
	write := func(i uint64, data []byte) error {
		if _, err := f.WriteAt(data, int64(i)*bs); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		return nil
	}
	if err := v.writeJournalContents(write, p.Blocks, p.Flags); err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("syncing %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}

	flags := InodeFlagNoDump | InodeFlagImmutable
	if err := unix.IoctlSetPointerInt(int(f.Fd()), unix.FS_IOC_SETFLAGS, flags); err != nil {
		return 0, fmt.Errorf("setting flags on %s: %w", path, err)
	}

	v.logger.Debug("created journal file", "path", path, "inode", st.Ino)

	return uint32(st.Ino), nil
}
