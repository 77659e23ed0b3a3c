package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/isparth/Distributed-Systems/replog/internal/types"
	"github.com/isparth/Distributed-Systems/replog/internal/wal"
)

const defaultCacheBytes = 32 * 1024 * 1024

// WALOptions tunes a WALLogStore.
type WALOptions struct {
	// CacheBytes bounds the encoded-entry cache. Zero picks a default,
	// a negative value disables the cache.
	CacheBytes int
	Logger     *slog.Logger
}

// recordPos locates one entry's record inside the WAL file.
type recordPos struct {
	term   types.LogTerm
	offset int64
	length int64
}

// WALLogStore is a LogStore persisted in a single WAL file. The position of
// every record is kept in memory, so term lookups never touch the disk and
// conflict truncation is a single file truncate.
type WALLogStore struct {
	mu      sync.RWMutex
	w       *wal.FileWriter
	records []recordPos // records[i] holds log index i+1
	durable types.LogIndex
	dirty   bool
	closed  bool

	cache  *fastcache.Cache
	logger *slog.Logger
	buf    []byte
}

// OpenWALLogStore opens or creates the WAL at path and replays it. A torn or
// damaged tail left by a crash is cut off before the store is returned.
func OpenWALLogStore(path string, opts WALOptions) (*WALLogStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w, err := wal.OpenFileWriter(path)
	if err != nil {
		return nil, err
	}

	s := &WALLogStore{
		w:      w,
		logger: logger.With(slog.String("wal", path)),
	}
	switch {
	case opts.CacheBytes == 0:
		s.cache = fastcache.New(defaultCacheBytes)
	case opts.CacheBytes > 0:
		s.cache = fastcache.New(opts.CacheBytes)
	}

	if err := s.replay(); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to replay WAL: %w", err)
	}
	return s, nil
}

func (s *WALLogStore) replay() error {
	r, err := s.w.Reader()
	if err != nil {
		return err
	}
	defer r.Close()

	br := bufio.NewReader(r)
	var offset int64
	for {
		e, n, err := decodeRecord(br)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrCorrupted) {
			s.logger.Warn("discarding damaged WAL tail",
				slog.Int64("offset", offset),
				slog.Int64("size", s.w.Size()),
				slog.Any("error", err))
			s.w.Truncate(offset)
			break
		}
		if err != nil {
			return err
		}

		want := types.LogIndex(len(s.records) + 1)
		if e.Index != want {
			return fmt.Errorf("%w: found index %d at offset %d, want %d", ErrCorrupted, e.Index, offset, want)
		}
		s.records = append(s.records, recordPos{term: e.Term, offset: offset, length: n})
		offset += n
	}

	// Whatever survived the restart is treated as durable from here on.
	s.w.Sync()
	s.durable = types.LogIndex(len(s.records))
	s.logger.Info("replayed WAL",
		slog.Uint64("last_index", uint64(s.durable)),
		slog.Int64("size", s.w.Size()))
	return nil
}

func (s *WALLogStore) LastIndex() types.LogIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.LogIndex(len(s.records))
}

func (s *WALLogStore) LastTerm() types.LogTerm {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return 0
	}
	return s.records[len(s.records)-1].term
}

func (s *WALLogStore) TermAt(index types.LogIndex) (types.LogTerm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index == 0 {
		return 0, nil
	}
	if int(index) > len(s.records) {
		return 0, fmt.Errorf("%w: index %d, log length %d", ErrOutOfRange, index, len(s.records))
	}
	return s.records[index-1].term, nil
}

// Append writes entries to the end of the WAL in a single append.
// Entries are only durable after the next Sync.
func (s *WALLogStore) Append(entries []types.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	last := types.LogIndex(len(s.records))
	var lastTerm types.LogTerm
	if last > 0 {
		lastTerm = s.records[last-1].term
	}
	if err := checkAppend(last, lastTerm, entries); err != nil {
		return err
	}

	base := s.w.Size()
	buf := s.buf[:0]
	added := make([]recordPos, 0, len(entries))
	for _, e := range entries {
		start := len(buf)
		var err error
		if buf, err = appendRecord(buf, e); err != nil {
			return err
		}
		added = append(added, recordPos{
			term:   e.Term,
			offset: base + int64(start),
			length: int64(len(buf) - start),
		})
	}

	s.w.Append(buf)
	for i, pos := range added {
		s.records = append(s.records, pos)
		if s.cache != nil {
			s.cache.Set(cacheKey(entries[i].Index), buf[pos.offset-base:pos.offset-base+pos.length])
		}
	}
	s.buf = buf[:0]
	s.dirty = true
	return nil
}

// ReadRange returns entries [lo, hi], from the cache when possible and from
// the WAL file otherwise.
func (s *WALLogStore) ReadRange(lo, hi types.LogIndex) ([]types.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := checkRange(lo, hi, types.LogIndex(len(s.records))); err != nil {
		return nil, err
	}

	var r *wal.FileReader
	defer func() {
		if r != nil {
			r.Close()
		}
	}()

	result := make([]types.LogEntry, 0, hi-lo+1)
	for idx := lo; idx <= hi; idx++ {
		pos := s.records[idx-1]

		raw, ok := s.cached(idx)
		if !ok {
			if r == nil {
				var err error
				if r, err = s.w.Reader(); err != nil {
					return nil, err
				}
			}
			if err := r.Seek(pos.offset); err != nil {
				return nil, err
			}
			raw = make([]byte, pos.length)
			if _, err := io.ReadFull(r, raw); err != nil {
				return nil, fmt.Errorf("failed to read entry %d: %w", idx, err)
			}
			if s.cache != nil {
				s.cache.Set(cacheKey(idx), raw)
			}
		}

		e, _, err := decodeRecord(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to decode entry %d: %w", idx, err)
		}
		if e.Index != idx || e.Term != pos.term {
			return nil, fmt.Errorf("%w: entry at index %d reads as (%d, %d)", ErrCorrupted, idx, e.Term, e.Index)
		}
		result = append(result, e)
	}
	return result, nil
}

func (s *WALLogStore) cached(idx types.LogIndex) ([]byte, bool) {
	if s.cache == nil {
		return nil, false
	}
	return s.cache.HasGet(nil, cacheKey(idx))
}

// DeleteFrom removes index and everything after it by truncating the WAL to
// the offset of index.
func (s *WALLogStore) DeleteFrom(index types.LogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if index < 1 || int(index) > len(s.records) {
		return fmt.Errorf("%w: index %d, log length %d", ErrOutOfRange, index, len(s.records))
	}

	s.w.Truncate(s.records[index-1].offset)
	if s.cache != nil {
		for idx := index; int(idx) <= len(s.records); idx++ {
			s.cache.Del(cacheKey(idx))
		}
	}
	s.records = s.records[:index-1]
	s.durable = types.MinIndex(s.durable, index.Prev())
	s.dirty = true
	return nil
}

// Sync makes every appended entry durable. It is a no-op when nothing changed
// since the last sync.
func (s *WALLogStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.dirty {
		return nil
	}
	s.w.Sync()
	s.durable = types.LogIndex(len(s.records))
	s.dirty = false
	return nil
}

func (s *WALLogStore) DurableIndex() types.LogIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.durable
}

// Size returns the byte length of the WAL.
func (s *WALLogStore) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.w.Size()
}

func (s *WALLogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cache != nil {
		s.cache.Reset()
	}
	return s.w.Close()
}

func cacheKey(idx types.LogIndex) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(idx))
}

var _ LogStore = (*WALLogStore)(nil)
