package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Errors
var (
	ErrCannotRead = errors.New("cannot read WAL file")
)

// FileReader reads a WAL file sequentially from an explicit position.
type FileReader struct {
	path string
	f    *os.File
	pos  int64
}

// OpenFileReader opens path for reading, positioned at offset 0.
func OpenFileReader(path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCannotRead, path, err)
	}
	return &FileReader{path: path, f: f}, nil
}

// Read reads up to len(p) bytes. The end of the file is reported as io.EOF,
// any other failure wraps ErrCannotRead.
func (r *FileReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	r.pos += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: %s: %v", ErrCannotRead, r.path, err)
	}
	return n, err
}

// Seek moves the read position to pos. Seeking past the end of the file is a
// programming error and panics.
func (r *FileReader) Seek(pos int64) error {
	size, err := r.Size()
	if err != nil {
		return err
	}
	if pos < 0 || pos > size {
		panic(fmt.Sprintf("wal: seek to %d outside [0, %d] of %s", pos, size, r.path))
	}
	if _, err := r.f.Seek(pos, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCannotRead, r.path, err)
	}
	r.pos = pos
	return nil
}

// Position returns the offset of the next read.
func (r *FileReader) Position() int64 {
	return r.pos
}

// Size returns the current length of the file in bytes.
func (r *FileReader) Size() (int64, error) {
	info, err := r.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrCannotRead, r.path, err)
	}
	return info.Size(), nil
}

// Close releases the file handle. The file itself is left untouched.
func (r *FileReader) Close() error {
	return r.f.Close()
}

var _ io.ReadCloser = (*FileReader)(nil)
