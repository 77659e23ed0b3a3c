package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/isparth/Distributed-Systems/replog/internal/replication/storage"
	"github.com/isparth/Distributed-Systems/replog/internal/types"
)

var ErrNotLeader = errors.New("not leader")

// LeaderConfig configures a Leader. The term is handed in by whoever decided
// that this participant leads; the leader never changes it.
type LeaderConfig struct {
	ID        types.ParticipantID
	Addr      string
	Term      types.LogTerm
	Followers []types.ParticipantID

	WaitForSync       bool
	MaxBatch          int
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
}

// DefaultLeaderConfig returns sensible defaults for production.
func DefaultLeaderConfig() LeaderConfig {
	return LeaderConfig{
		WaitForSync:       true,
		MaxBatch:          64,
		HeartbeatInterval: 50 * time.Millisecond,
		RequestTimeout:    500 * time.Millisecond,
	}
}

// followerProgress is the leader's view of one follower.
type followerProgress struct {
	nextIndex     types.LogIndex
	matchIndex    types.LogIndex
	lastMessageID types.MessageID // latest outstanding request
	signal        chan struct{}
}

// Leader extends its own log and replicates it to the followers.
type Leader struct {
	cfg    LeaderConfig
	log    storage.LogStore
	tp     Transport
	logger *slog.Logger

	mu            sync.Mutex
	nextMessageID types.MessageID
	commitIndex   types.LogIndex
	deposed       bool
	observedTerm  types.LogTerm
	progress      map[types.ParticipantID]*followerProgress
	waiters       map[types.LogIndex][]chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLeader creates a leader for cfg.Term over log.
func NewLeader(cfg LeaderConfig, log storage.LogStore, tp Transport, logger *slog.Logger) (*Leader, error) {
	def := DefaultLeaderConfig()
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.Term == 0 {
		return nil, fmt.Errorf("leader %s needs a term", cfg.ID)
	}
	if last := log.LastTerm(); last > cfg.Term {
		return nil, fmt.Errorf("log already holds term %d, leader term is %d", last, cfg.Term)
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Entries already on disk may not have been synced by a previous run.
	if err := log.Sync(); err != nil {
		return nil, err
	}

	l := &Leader{
		cfg:      cfg,
		log:      log,
		tp:       tp,
		logger:   logger.With(slog.String("participant", string(cfg.ID)), slog.String("role", "leader")),
		progress: make(map[types.ParticipantID]*followerProgress),
		waiters:  make(map[types.LogIndex][]chan struct{}),
		// followers remember the last id they saw from this leader and term,
		// so ids must keep growing across leader restarts
		nextMessageID: types.MessageID(time.Now().UnixNano()),
	}
	next := log.LastIndex().Next()
	for _, p := range cfg.Followers {
		l.progress[p] = &followerProgress{nextIndex: next, signal: make(chan struct{}, 1)}
	}
	l.advanceCommitLocked()
	return l, nil
}

// Start launches one replication loop per follower.
func (l *Leader) Start(ctx context.Context) error {
	ctx, l.cancel = context.WithCancel(ctx)
	for id, p := range l.progress {
		l.wg.Add(1)
		go l.replicationLoop(ctx, id, p.signal)
	}
	return nil
}

// Stop ends the replication loops and waits for them.
func (l *Leader) Stop(ctx context.Context) error {
	if l.cancel == nil {
		return ErrNotStarted
	}
	l.cancel()
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Append adds payload to the log as a new entry of the leader's term, syncs
// it, and wakes up replication. It returns the new entry's index.
func (l *Leader) Append(payload []byte) (types.LogIndex, error) {
	l.mu.Lock()
	if l.deposed {
		l.mu.Unlock()
		return 0, ErrNotLeader
	}
	idx := l.log.LastIndex().Next()
	e := types.LogEntry{Term: l.cfg.Term, Index: idx, Payload: append([]byte(nil), payload...)}
	if err := l.log.Append([]types.LogEntry{e}); err != nil {
		l.mu.Unlock()
		return 0, err
	}
	if err := l.log.Sync(); err != nil {
		l.mu.Unlock()
		return 0, err
	}
	l.advanceCommitLocked()
	l.mu.Unlock()

	l.signalAll()
	return idx, nil
}

// WaitCommitted blocks until index is committed or ctx is done.
func (l *Leader) WaitCommitted(ctx context.Context, index types.LogIndex) error {
	l.mu.Lock()
	if l.commitIndex >= index {
		l.mu.Unlock()
		return nil
	}
	if l.deposed {
		l.mu.Unlock()
		return ErrNotLeader
	}
	ch := make(chan struct{})
	l.waiters[index] = append(l.waiters[index], ch)
	l.mu.Unlock()

	select {
	case <-ch:
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.commitIndex < index {
			return ErrNotLeader
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Leader) signalAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.progress {
		select {
		case p.signal <- struct{}{}:
		default:
		}
	}
}

func (l *Leader) replicationLoop(ctx context.Context, peer types.ParticipantID, signal <-chan struct{}) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		// keep sending while the follower is behind
		for {
			more, err := l.replicateOnce(ctx, peer)
			if err != nil {
				if ctx.Err() == nil {
					l.logger.Debug("replication round failed", slog.String("follower", string(peer)), slog.Any("error", err))
				}
				break
			}
			if !more {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-signal:
		case <-ticker.C:
		}
	}
}

// replicateOnce sends one request to peer and applies its result. It reports
// whether the follower still lags behind the leader's log.
func (l *Leader) replicateOnce(ctx context.Context, peer types.ParticipantID) (bool, error) {
	req, err := l.buildRequest(peer)
	if err != nil {
		return false, err
	}

	res, err := l.send(ctx, peer, req)
	return l.handleResult(peer, req, res), err
}

// send delivers req within RequestTimeout. A transport failure, timeouts
// included, comes back as a communication-error result for req together
// with the error.
func (l *Leader) send(ctx context.Context, peer types.ParticipantID, req AppendEntriesRequest) (AppendEntriesResult, error) {
	rctx, cancel := context.WithTimeout(ctx, l.cfg.RequestTimeout)
	defer cancel()
	res, err := l.tp.AppendEntries(rctx, peer, req)
	if err != nil {
		return communicationFailed(req.MessageID), err
	}
	return res, nil
}

// buildRequest takes the log tail the follower is missing, at most MaxBatch
// entries, and tags the request with a fresh message id.
func (l *Leader) buildRequest(peer types.ParticipantID) (AppendEntriesRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.deposed {
		return AppendEntriesRequest{}, ErrNotLeader
	}
	p, ok := l.progress[peer]
	if !ok {
		return AppendEntriesRequest{}, fmt.Errorf("unknown follower %s", peer)
	}

	prevIndex := p.nextIndex.Prev()
	prevTerm, err := l.log.TermAt(prevIndex)
	if err != nil {
		return AppendEntriesRequest{}, err
	}

	var entries []types.LogEntry
	if last := l.log.LastIndex(); p.nextIndex <= last {
		hi := types.MinIndex(last, p.nextIndex+types.LogIndex(l.cfg.MaxBatch)-1)
		if entries, err = l.log.ReadRange(p.nextIndex, hi); err != nil {
			return AppendEntriesRequest{}, err
		}
	}

	l.nextMessageID = l.nextMessageID.Next()
	p.lastMessageID = l.nextMessageID

	return AppendEntriesRequest{
		LeaderTerm:   l.cfg.Term,
		LeaderID:     l.cfg.ID,
		PrevLogTerm:  prevTerm,
		PrevLogIndex: prevIndex,
		LeaderCommit: l.commitIndex,
		MessageID:    p.lastMessageID,
		WaitForSync:  l.cfg.WaitForSync,
		Entries:      entries,
	}, nil
}

// handleResult applies a follower's result for req. Results for anything but
// the latest outstanding request are ignored.
func (l *Leader) handleResult(peer types.ParticipantID, req AppendEntriesRequest, res AppendEntriesResult) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.progress[peer]
	if !ok || l.deposed {
		return false
	}
	logger := l.logger.With(slog.String("follower", string(peer)), slog.Uint64("message_id", uint64(res.MessageID)))

	if res.MessageID != p.lastMessageID || res.MessageID != req.MessageID {
		logger.Debug("ignoring stale result", slog.Uint64("outstanding", uint64(p.lastMessageID)))
		return false
	}

	if res.LogTerm > l.cfg.Term {
		logger.Warn("follower is in a newer term, stepping down", slog.Uint64("follower_term", uint64(res.LogTerm)))
		l.depose(res.LogTerm)
		return false
	}

	if res.IsSuccess() {
		p.matchIndex = types.MaxIndex(p.matchIndex, req.LastIndex())
		p.nextIndex = p.matchIndex.Next()
		l.advanceCommitLocked()
		return p.nextIndex <= l.log.LastIndex()
	}

	switch res.Reason {
	case ReasonNoPrevLogMatch:
		if p.nextIndex > 1 {
			p.nextIndex--
		}
		if p.nextIndex <= p.matchIndex {
			p.nextIndex = p.matchIndex.Next()
		}
		return true
	case ReasonMessageOutdated:
		return false
	case ReasonCommunicationError:
		// progress stays put; the next heartbeat retries from the same place
		return false
	default:
		logger.Warn("append entries rejected", slog.String("reason", res.Reason.String()), slog.String("code", res.ErrorCode.String()))
		return false
	}
}

func (l *Leader) depose(term types.LogTerm) {
	l.deposed = true
	l.observedTerm = term
	for idx, chans := range l.waiters {
		for _, ch := range chans {
			close(ch)
		}
		delete(l.waiters, idx)
	}
}

// advanceCommitLocked commits the highest index of the leader's own term that
// is durable on a majority of the replica set, the leader included.
func (l *Leader) advanceCommitLocked() {
	durable := l.log.DurableIndex()
	majority := (len(l.progress)+1)/2 + 1

	for idx := durable; idx > l.commitIndex; idx-- {
		// Terms never go down along the log, so once an older term shows up
		// nothing below can be committed by counting replicas.
		term, err := l.log.TermAt(idx)
		if err != nil || term != l.cfg.Term {
			break
		}
		count := 1
		for _, p := range l.progress {
			if p.matchIndex >= idx {
				count++
			}
		}
		if count >= majority {
			l.commitIndex = idx
			break
		}
	}

	for idx, chans := range l.waiters {
		if idx <= l.commitIndex {
			for _, ch := range chans {
				close(ch)
			}
			delete(l.waiters, idx)
		}
	}
}

func (l *Leader) CommitIndex() types.LogIndex {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitIndex
}

// MatchIndex returns the highest index known to be replicated on peer.
func (l *Leader) MatchIndex(peer types.ParticipantID) types.LogIndex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.progress[peer]; ok {
		return p.matchIndex
	}
	return 0
}

func (l *Leader) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.deposed
}

func (l *Leader) LeaderHint() types.LeaderHint {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deposed {
		return types.LeaderHint{}
	}
	return types.LeaderHint{LeaderID: l.cfg.ID, LeaderAddr: l.cfg.Addr}
}

func (l *Leader) Status() types.ParticipantStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	role, term := types.RoleLeader, l.cfg.Term
	hint := types.LeaderHint{LeaderID: l.cfg.ID, LeaderAddr: l.cfg.Addr}
	if l.deposed {
		role, term, hint = types.RoleFollower, l.observedTerm, types.LeaderHint{}
	}
	return types.ParticipantStatus{
		ID:           l.cfg.ID,
		Role:         role,
		Term:         term,
		CommitIndex:  l.commitIndex,
		LastIndex:    l.log.LastIndex(),
		DurableIndex: l.log.DurableIndex(),
		LeaderHint:   hint,
	}
}
