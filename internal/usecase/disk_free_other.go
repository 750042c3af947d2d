//go:build !linux && !darwin

package usecase

import "errors"

// diskFreeBytes is not implemented outside Linux and macOS; the janitor
// skips the free space check when it fails.
func diskFreeBytes(path string) (int64, error) {
	return 0, errors.New("disk space check not supported on this platform")
}
