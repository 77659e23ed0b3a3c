package wal

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	walFilePerm = 0600
)

// fileHandle is the part of *os.File the writer depends on.
type fileHandle interface {
	io.Writer
	Truncate(size int64) error
	Sync() error
	Close() error
	Fd() uintptr
}

// FileWriter appends to a single WAL file. The tracked size always equals the
// end of the last complete append.
type FileWriter struct {
	path   string
	f      fileHandle
	size   int64
	closed bool
}

// OpenFileWriter opens path for appending, creating it if needed. The size is
// taken from the end of the existing file so a restart resumes where the file
// left off. When the file is created its directory entry is synced as well.
func OpenFileWriter(path string) (*FileWriter, error) {
	_, statErr := os.Stat(path)
	created := errors.Is(statErr, fs.ErrNotExist)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, walFilePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to find end of WAL file: %w", err)
	}

	if created {
		if err := SyncDir(filepath.Dir(path)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to sync WAL directory: %w", err)
		}
	}

	return &FileWriter{path: path, f: f, size: size}, nil
}

// Append writes p at the end of the file and returns the new size.
// A failed or short write is reverted on a best-effort basis and then aborts
// the process: a partial record can be read neither as written nor as absent.
func (w *FileWriter) Append(p []byte) int64 {
	if len(p) == 0 {
		return w.size
	}
	if err := w.write(p); err != nil {
		if terr := w.f.Truncate(w.size); terr != nil {
			err = errors.Join(err, fmt.Errorf("revert to %d bytes: %w", w.size, terr))
		}
		abort("append", w.path, err)
	}
	w.size += int64(len(p))
	return w.size
}

func (w *FileWriter) write(p []byte) error {
	n, err := w.f.Write(p)
	if err != nil {
		return fmt.Errorf("wrote %d of %d bytes: %w", n, len(p), err)
	}
	if n != len(p) {
		return fmt.Errorf("%w: wrote %d of %d bytes", io.ErrShortWrite, n, len(p))
	}
	return nil
}

// Truncate discards everything beyond size.
func (w *FileWriter) Truncate(size int64) {
	if size < 0 || size > w.size {
		panic(fmt.Sprintf("wal: truncate to %d outside [0, %d] of %s", size, w.size, w.path))
	}
	if err := w.f.Truncate(size); err != nil {
		abort("truncate", w.path, err)
	}
	w.size = size
}

// Sync flushes all appended bytes to stable storage.
func (w *FileWriter) Sync() {
	if err := datasync(w.f); err != nil {
		abort("sync", w.path, err)
	}
}

// Size returns the logical end of the file.
func (w *FileWriter) Size() int64 {
	return w.size
}

// Path returns the file the writer appends to.
func (w *FileWriter) Path() string {
	return w.path
}

// Reader opens an independent FileReader on the same file.
func (w *FileWriter) Reader() (*FileReader, error) {
	return OpenFileReader(w.path)
}

// Close syncs and closes the file, so a closed writer implies durable data.
func (w *FileWriter) Close() error {
	if w.closed {
		return nil
	}
	w.Sync()
	w.closed = true
	return w.f.Close()
}

// SyncDir makes the entries of dir, such as a newly created or renamed file, durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
