package replication

import (
	"fmt"

	"github.com/isparth/Distributed-Systems/replog/internal/types"
)

// --- RPC DTOs ---

// AppendEntriesRequest is sent by the leader to replicate entries and to
// carry its commit index. Entries must not be modified once the request has
// been handed to a transport.
type AppendEntriesRequest struct {
	LeaderTerm   types.LogTerm       `json:"leader_term" msgpack:"leader_term"`
	LeaderID     types.ParticipantID `json:"leader_id" msgpack:"leader_id"`
	PrevLogTerm  types.LogTerm       `json:"prev_log_term" msgpack:"prev_log_term"`
	PrevLogIndex types.LogIndex      `json:"prev_log_index" msgpack:"prev_log_index"`
	LeaderCommit types.LogIndex      `json:"leader_commit" msgpack:"leader_commit"`
	MessageID    types.MessageID     `json:"message_id" msgpack:"message_id"`
	WaitForSync  bool                `json:"wait_for_sync" msgpack:"wait_for_sync"`
	Entries      []types.LogEntry    `json:"entries" msgpack:"entries"`
}

// LastIndex is the index of the last entry the request carries, or
// PrevLogIndex for a heartbeat.
func (r *AppendEntriesRequest) LastIndex() types.LogIndex {
	return r.PrevLogIndex + types.LogIndex(len(r.Entries))
}

// validate checks that the entries directly follow PrevLogIndex, are
// contiguous, and have terms between PrevLogTerm and LeaderTerm that never go
// down.
func (r *AppendEntriesRequest) validate() error {
	next, term := r.PrevLogIndex.Next(), r.PrevLogTerm
	for _, e := range r.Entries {
		if e.Index != next {
			return fmt.Errorf("entry index %d, want %d", e.Index, next)
		}
		if e.Term < term || e.Term > r.LeaderTerm {
			return fmt.Errorf("entry %d has term %d outside [%d, %d]", e.Index, e.Term, term, r.LeaderTerm)
		}
		next, term = next.Next(), e.Term
	}
	return nil
}

// AppendEntriesResult answers exactly one AppendEntriesRequest.
type AppendEntriesResult struct {
	LogTerm   types.LogTerm            `json:"log_term" msgpack:"log_term"`
	ErrorCode ErrorCode                `json:"error_code" msgpack:"error_code"`
	Reason    AppendEntriesErrorReason `json:"reason" msgpack:"reason"`
	MessageID types.MessageID          `json:"message_id" msgpack:"message_id"`
}

func (r AppendEntriesResult) IsSuccess() bool {
	return r.ErrorCode == ErrorNone
}

func succeeded(term types.LogTerm, id types.MessageID) AppendEntriesResult {
	return AppendEntriesResult{LogTerm: term, ErrorCode: ErrorNone, Reason: ReasonNone, MessageID: id}
}

// communicationFailed stands in for the result of a request the transport
// could not deliver or answer.
func communicationFailed(id types.MessageID) AppendEntriesResult {
	return AppendEntriesResult{ErrorCode: ErrorCommunication, Reason: ReasonCommunicationError, MessageID: id}
}

func rejected(term types.LogTerm, id types.MessageID, reason AppendEntriesErrorReason) AppendEntriesResult {
	return AppendEntriesResult{LogTerm: term, ErrorCode: ErrorRejected, Reason: reason, MessageID: id}
}

// ErrorCode classifies a result.
type ErrorCode int

const (
	ErrorNone ErrorCode = iota
	ErrorRejected
	ErrorCommunication
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorNone:
		return "none"
	case ErrorRejected:
		return "rejected"
	case ErrorCommunication:
		return "communication"
	default:
		return "unknown"
	}
}

// AppendEntriesErrorReason says why a follower did not accept a request.
type AppendEntriesErrorReason int

const (
	ReasonNone AppendEntriesErrorReason = iota
	ReasonWrongTerm
	ReasonNoPrevLogMatch
	ReasonInvalidLeaderID
	ReasonMessageOutdated
	ReasonMalformedRequest
	ReasonCommittedEntryConflict
	ReasonPersistenceFailure
	ReasonCommunicationError
)

var reasonNames = map[AppendEntriesErrorReason]string{
	ReasonNone:                   "none",
	ReasonWrongTerm:              "term-too-old",
	ReasonNoPrevLogMatch:         "previous-entry-mismatch",
	ReasonInvalidLeaderID:        "invalid-leader-id",
	ReasonMessageOutdated:        "message-outdated",
	ReasonMalformedRequest:       "malformed-request",
	ReasonCommittedEntryConflict: "committed-entry-conflict",
	ReasonPersistenceFailure:     "persistence-failure",
	ReasonCommunicationError:     "communication-error",
}

func (r AppendEntriesErrorReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

func (r AppendEntriesErrorReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *AppendEntriesErrorReason) UnmarshalText(text []byte) error {
	for reason, name := range reasonNames {
		if name == string(text) {
			*r = reason
			return nil
		}
	}
	return fmt.Errorf("unknown append entries error reason %q", text)
}
