//go:build linux

package wal

import "golang.org/x/sys/unix"

// datasync flushes file data, skipping metadata that is not needed to read it back.
func datasync(f fileHandle) error {
	for {
		err := unix.Fdatasync(int(f.Fd()))
		if err != unix.EINTR {
			return err
		}
	}
}
