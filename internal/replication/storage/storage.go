package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/isparth/Distributed-Systems/replog/internal/types"
)

var (
	ErrOutOfRange    = errors.New("log index out of range")
	ErrNonContiguous = errors.New("entries do not extend the log")
	ErrClosed        = errors.New("log store is closed")
)

// --- Interfaces ---

// StableStore persists the participant's current term.
type StableStore interface {
	GetCurrentTerm() (types.LogTerm, error)
	SetCurrentTerm(types.LogTerm) error
}

// LogStore persists the replicated log.
//
// TermAt(0) is 0: index 0 denotes the start of the log.
// DurableIndex is the last index covered by a successful Sync.
type LogStore interface {
	LastIndex() types.LogIndex
	LastTerm() types.LogTerm
	TermAt(index types.LogIndex) (types.LogTerm, error)
	Append(entries []types.LogEntry) error
	ReadRange(lo, hi types.LogIndex) ([]types.LogEntry, error)
	DeleteFrom(index types.LogIndex) error
	Sync() error
	DurableIndex() types.LogIndex
	Close() error
}

// checkAppend verifies that entries continue a log ending at (last, lastTerm):
// consecutive indexes starting at last+1 and terms that never go down.
func checkAppend(last types.LogIndex, lastTerm types.LogTerm, entries []types.LogEntry) error {
	next, term := last.Next(), lastTerm
	for _, e := range entries {
		if e.Index != next {
			return fmt.Errorf("%w: got index %d, want %d", ErrNonContiguous, e.Index, next)
		}
		if e.Term < term {
			return fmt.Errorf("%w: term %d at index %d follows term %d", ErrNonContiguous, e.Term, e.Index, term)
		}
		next, term = next.Next(), e.Term
	}
	return nil
}

func checkRange(lo, hi, last types.LogIndex) error {
	if lo < 1 || hi > last || lo > hi {
		return fmt.Errorf("%w: [%d, %d], log length %d", ErrOutOfRange, lo, hi, last)
	}
	return nil
}

// --- Memory implementations ---

// MemStableStore is an in-memory StableStore.
type MemStableStore struct {
	mu   sync.Mutex
	term types.LogTerm
}

func NewMemStableStore() *MemStableStore {
	return &MemStableStore{}
}

func (s *MemStableStore) GetCurrentTerm() (types.LogTerm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, nil
}

func (s *MemStableStore) SetCurrentTerm(term types.LogTerm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
	return nil
}

// MemLogStore is an in-memory LogStore. Index 0 is a dummy sentinel.
type MemLogStore struct {
	mu      sync.Mutex
	entries []types.LogEntry // entries[0] is sentinel
	durable types.LogIndex
}

func NewMemLogStore() *MemLogStore {
	return &MemLogStore{
		entries: []types.LogEntry{{}}, // dummy at index 0
	}
}

func (s *MemLogStore) LastIndex() types.LogIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.LogIndex(len(s.entries) - 1)
}

func (s *MemLogStore) LastTerm() types.LogTerm {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[len(s.entries)-1].Term
}

func (s *MemLogStore) TermAt(index types.LogIndex) (types.LogTerm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(index) >= len(s.entries) {
		return 0, fmt.Errorf("%w: index %d, log length %d", ErrOutOfRange, index, len(s.entries)-1)
	}
	return s.entries[index].Term, nil
}

func (s *MemLogStore) Append(entries []types.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.entries[len(s.entries)-1]
	if err := checkAppend(types.LogIndex(len(s.entries)-1), last.Term, entries); err != nil {
		return err
	}
	for _, e := range entries {
		e.Payload = append([]byte(nil), e.Payload...)
		s.entries = append(s.entries, e)
	}
	return nil
}

func (s *MemLogStore) ReadRange(lo, hi types.LogIndex) ([]types.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkRange(lo, hi, types.LogIndex(len(s.entries)-1)); err != nil {
		return nil, err
	}
	// Return a copy
	result := make([]types.LogEntry, hi-lo+1)
	copy(result, s.entries[lo:hi+1])
	return result, nil
}

func (s *MemLogStore) DeleteFrom(index types.LogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 1 || int(index) >= len(s.entries) {
		return fmt.Errorf("%w: index %d, log length %d", ErrOutOfRange, index, len(s.entries)-1)
	}
	s.entries = s.entries[:index]
	s.durable = types.MinIndex(s.durable, index.Prev())
	return nil
}

func (s *MemLogStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durable = types.LogIndex(len(s.entries) - 1)
	return nil
}

func (s *MemLogStore) DurableIndex() types.LogIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durable
}

func (s *MemLogStore) Close() error { return nil }

var (
	_ LogStore    = (*MemLogStore)(nil)
	_ StableStore = (*MemStableStore)(nil)
)
