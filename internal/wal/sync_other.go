//go:build !linux

package wal

func datasync(f fileHandle) error {
	return f.Sync()
}
