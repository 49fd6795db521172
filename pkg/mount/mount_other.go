//go:build !linux

package mount

import "os"

func sameDeviceNumber(a, b os.FileInfo) bool {
	return false
}

func rootDeviceMatches(string, os.FileInfo) bool {
	return false
}

func checkExclusive(string) error {
	return nil
}
