package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/isparth/Distributed-Systems/replog/internal/types"
	"github.com/isparth/Distributed-Systems/replog/internal/wal"
)

type stableState struct {
	CurrentTerm types.LogTerm `msgpack:"current_term"`
}

// FileStableStore keeps the current term in a small msgpack file that is
// replaced atomically on every change.
type FileStableStore struct {
	mu    sync.Mutex
	path  string
	state stableState
}

// OpenFileStableStore loads the state at path, starting from term 0 when the
// file does not exist yet.
func OpenFileStableStore(path string) (*FileStableStore, error) {
	s := &FileStableStore{path: path}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stable state: %w", err)
	}
	if err := msgpack.Unmarshal(raw, &s.state); err != nil {
		return nil, fmt.Errorf("failed to decode stable state %s: %w", path, err)
	}
	return s, nil
}

func (s *FileStableStore) GetCurrentTerm() (types.LogTerm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CurrentTerm, nil
}

func (s *FileStableStore) SetCurrentTerm(term types.LogTerm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state
	next.CurrentTerm = term
	if err := s.writeLocked(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *FileStableStore) writeLocked(st stableState) error {
	raw, err := msgpack.Marshal(&st)
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	return wal.SyncDir(filepath.Dir(s.path))
}

var _ StableStore = (*FileStableStore)(nil)
