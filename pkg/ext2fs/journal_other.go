//go:build !linux

package ext2fs

import (
	"fmt"
	"os"
)

func isBlockDevice(fi os.FileInfo) bool {
	return fi.Mode()&os.ModeDevice != 0 && fi.Mode()&os.ModeCharDevice == 0
}

func deviceNumber(os.FileInfo) uint32 {
	return 0
}

func (v *Volume) createMountedJournal(JournalParams) (uint32, error) {
	return 0, fmt.Errorf("creating a journal on a mounted volume: %w", ErrUnsupported)
}
