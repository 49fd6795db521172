//go:build linux

package mount

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func blockRdev(fi os.FileInfo) (uint64, bool) {
	if fi.Mode()&os.ModeDevice == 0 || fi.Mode()&os.ModeCharDevice != 0 {
		return 0, false
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return uint64(st.Rdev), true
}

func sameDeviceNumber(a, b os.FileInfo) bool {
	ra, okA := blockRdev(a)
	rb, okB := blockRdev(b)
	return okA && okB && ra == rb
}

// rootDeviceMatches handles the kernel's "/dev/root" placeholder by
// comparing the device backing the mount point with the target.
func rootDeviceMatches(mountPoint string, target os.FileInfo) bool {
	rdev, ok := blockRdev(target)
	if !ok {
		return false
	}

	var st unix.Stat_t
	if err := unix.Stat(mountPoint, &st); err != nil {
		return false
	}
	return uint64(st.Dev) == rdev
}

// checkExclusive opens a block device with O_EXCL, which the kernel refuses
// while a filesystem, md array or another O_EXCL opener holds it.
func checkExclusive(device string) error {
	fi, err := os.Stat(device)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProbe, err)
	}
	if _, ok := blockRdev(fi); !ok {
		return nil
	}

	fd, err := unix.Open(device, unix.O_RDONLY|unix.O_EXCL|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.EBUSY) {
			return fmt.Errorf("%w: %s is busy", ErrInUse, device)
		}
		return fmt.Errorf("%w: opening %s: %v", ErrProbe, device, err)
	}
	return unix.Close(fd)
}
