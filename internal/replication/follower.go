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

var (
	ErrStopped    = errors.New("participant stopped")
	ErrNotStarted = errors.New("participant not started")
)

// FollowerConfig configures a Follower.
type FollowerConfig struct {
	ID types.ParticipantID
	// SyncInterval batches syncs for requests that do not ask for one.
	// Zero syncs only when a request sets WaitForSync.
	SyncInterval time.Duration
	// QueueSize bounds the number of requests waiting to be processed.
	QueueSize int
}

type followerCall struct {
	req   AppendEntriesRequest
	reply chan AppendEntriesResult // buffered, receives exactly one result
}

// Follower applies AppendEntries requests to its log. A single goroutine owns
// the log and processes requests one at a time in arrival order.
type Follower struct {
	cfg    FollowerConfig
	log    storage.LogStore
	stable storage.StableStore
	logger *slog.Logger

	calls chan followerCall
	done  chan struct{}

	mu            sync.Mutex
	currentTerm   types.LogTerm
	leaderID      types.ParticipantID
	lastMessageID types.MessageID
	commitIndex   types.LogIndex
	// last leader commit and last index confirmed by the leader, kept so a
	// batched sync can advance the commit index later
	leaderCommit types.LogIndex
	matchedIndex types.LogIndex

	cancel context.CancelFunc
}

// NewFollower creates a follower over log, restoring its term from stable.
func NewFollower(cfg FollowerConfig, log storage.LogStore, stable storage.StableStore, logger *slog.Logger) (*Follower, error) {
	term, err := stable.GetCurrentTerm()
	if err != nil {
		return nil, fmt.Errorf("failed to load current term: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Follower{
		cfg:         cfg,
		log:         log,
		stable:      stable,
		logger:      logger.With(slog.String("participant", string(cfg.ID)), slog.String("role", "follower")),
		calls:       make(chan followerCall, cfg.QueueSize),
		done:        make(chan struct{}),
		currentTerm: term,
	}, nil
}

// Start runs the request loop until ctx is cancelled or Stop is called.
func (f *Follower) Start(ctx context.Context) error {
	ctx, f.cancel = context.WithCancel(ctx)
	go f.run(ctx)
	return nil
}

// Stop ends the request loop after the request in progress, if any, completes.
func (f *Follower) Stop(ctx context.Context) error {
	if f.cancel == nil {
		return ErrNotStarted
	}
	f.cancel()
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Follower) run(ctx context.Context) {
	defer close(f.done)

	var tick <-chan time.Time
	if f.cfg.SyncInterval > 0 {
		ticker := time.NewTicker(f.cfg.SyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			f.syncAndCommit()
			return
		case call := <-f.calls:
			call.reply <- f.process(call.req)
		case <-tick:
			f.syncAndCommit()
		}
	}
}

// HandleAppendEntries queues req and waits for its result. Giving up on the
// wait through ctx does not stop the request once it has been queued.
func (f *Follower) HandleAppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesResult, error) {
	call := followerCall{req: req, reply: make(chan AppendEntriesResult, 1)}
	select {
	case f.calls <- call:
	case <-f.done:
		return AppendEntriesResult{}, ErrStopped
	case <-ctx.Done():
		return AppendEntriesResult{}, ctx.Err()
	}

	select {
	case res := <-call.reply:
		return res, nil
	case <-f.done:
		// the loop may have answered just before exiting
		select {
		case res := <-call.reply:
			return res, nil
		default:
			return AppendEntriesResult{}, ErrStopped
		}
	case <-ctx.Done():
		return AppendEntriesResult{}, ctx.Err()
	}
}

// process runs one request to completion. Every log mutation the result
// describes has finished before it returns.
func (f *Follower) process(req AppendEntriesRequest) AppendEntriesResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	logger := f.logger.With(
		slog.Uint64("message_id", uint64(req.MessageID)),
		slog.String("leader", string(req.LeaderID)),
		slog.Uint64("leader_term", uint64(req.LeaderTerm)))

	if req.LeaderTerm < f.currentTerm {
		logger.Debug("rejecting request from old term", slog.Uint64("term", uint64(f.currentTerm)))
		return rejected(f.currentTerm, req.MessageID, ReasonWrongTerm)
	}

	if req.LeaderTerm > f.currentTerm {
		if err := f.stable.SetCurrentTerm(req.LeaderTerm); err != nil {
			logger.Error("failed to persist term", slog.Any("error", err))
			return rejected(f.currentTerm, req.MessageID, ReasonPersistenceFailure)
		}
		logger.Info("adopting leader term", slog.Uint64("previous_term", uint64(f.currentTerm)))
		f.currentTerm = req.LeaderTerm
		f.leaderID = ""
		f.lastMessageID = 0
	}

	if f.leaderID == "" {
		f.leaderID = req.LeaderID
	} else if f.leaderID != req.LeaderID {
		logger.Warn("second leader in term", slog.String("known_leader", string(f.leaderID)))
		return rejected(f.currentTerm, req.MessageID, ReasonInvalidLeaderID)
	}

	if req.MessageID <= f.lastMessageID {
		return rejected(f.currentTerm, req.MessageID, ReasonMessageOutdated)
	}
	f.lastMessageID = req.MessageID

	if err := req.validate(); err != nil {
		logger.Warn("malformed request", slog.Any("error", err))
		return rejected(f.currentTerm, req.MessageID, ReasonMalformedRequest)
	}

	if req.PrevLogIndex != 0 {
		prevTerm, err := f.log.TermAt(req.PrevLogIndex)
		if err != nil || prevTerm != req.PrevLogTerm {
			return rejected(f.currentTerm, req.MessageID, ReasonNoPrevLogMatch)
		}
	}

	if reason := f.appendLocked(req.Entries, logger); reason != ReasonNone {
		return rejected(f.currentTerm, req.MessageID, reason)
	}

	if req.WaitForSync {
		if err := f.log.Sync(); err != nil {
			logger.Error("failed to sync log", slog.Any("error", err))
			return rejected(f.currentTerm, req.MessageID, ReasonPersistenceFailure)
		}
	}

	f.leaderCommit = req.LeaderCommit
	f.matchedIndex = req.LastIndex()
	f.advanceCommitLocked()

	return succeeded(f.currentTerm, req.MessageID)
}

// appendLocked skips entries the log already holds, truncates the log at the
// first entry whose term differs and appends the rest.
func (f *Follower) appendLocked(entries []types.LogEntry, logger *slog.Logger) AppendEntriesErrorReason {
	last := f.log.LastIndex()
	for i, e := range entries {
		if e.Index > last {
			return f.appendEntries(entries[i:], logger)
		}

		term, err := f.log.TermAt(e.Index)
		if err != nil {
			logger.Error("failed to read local term", slog.Uint64("index", uint64(e.Index)), slog.Any("error", err))
			return ReasonPersistenceFailure
		}
		if term == e.Term {
			continue
		}

		if e.Index <= f.commitIndex {
			logger.Error("leader conflicts with committed entry",
				slog.Uint64("index", uint64(e.Index)),
				slog.Uint64("local_term", uint64(term)),
				slog.Uint64("leader_entry_term", uint64(e.Term)),
				slog.Uint64("commit_index", uint64(f.commitIndex)))
			return ReasonCommittedEntryConflict
		}

		logger.Info("truncating conflicting suffix",
			slog.Uint64("from_index", uint64(e.Index)),
			slog.Uint64("last_index", uint64(last)))
		if err := f.log.DeleteFrom(e.Index); err != nil {
			logger.Error("failed to truncate log", slog.Any("error", err))
			return ReasonPersistenceFailure
		}
		return f.appendEntries(entries[i:], logger)
	}
	return ReasonNone
}

func (f *Follower) appendEntries(entries []types.LogEntry, logger *slog.Logger) AppendEntriesErrorReason {
	if err := f.log.Append(entries); err != nil {
		logger.Error("failed to append entries", slog.Any("error", err))
		return ReasonPersistenceFailure
	}
	return ReasonNone
}

// advanceCommitLocked raises the commit index to what the leader has
// committed, limited to entries confirmed by the leader and synced locally.
func (f *Follower) advanceCommitLocked() {
	c := types.MinIndex(f.leaderCommit, types.MinIndex(f.matchedIndex, f.log.DurableIndex()))
	if c > f.commitIndex {
		f.commitIndex = c
	}
}

func (f *Follower) syncAndCommit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.log.Sync(); err != nil {
		f.logger.Error("batched sync failed", slog.Any("error", err))
		return
	}
	f.advanceCommitLocked()
}

func (f *Follower) CurrentTerm() types.LogTerm {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentTerm
}

func (f *Follower) CommitIndex() types.LogIndex {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commitIndex
}

func (f *Follower) IsLeader() bool { return false }

func (f *Follower) LeaderHint() types.LeaderHint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.LeaderHint{LeaderID: f.leaderID}
}

func (f *Follower) Status() types.ParticipantStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.ParticipantStatus{
		ID:           f.cfg.ID,
		Role:         types.RoleFollower,
		Term:         f.currentTerm,
		CommitIndex:  f.commitIndex,
		LastIndex:    f.log.LastIndex(),
		DurableIndex: f.log.DurableIndex(),
		LeaderHint:   types.LeaderHint{LeaderID: f.leaderID},
	}
}

var _ Handler = (*Follower)(nil)
