package types

import (
	"bytes"
	"strconv"
)

// ParticipantID identifies a participant of a replica set.
type ParticipantID string

// LogTerm identifies one leader's tenure. Terms only ever grow.
type LogTerm uint64

// LogIndex is the 1-based position of an entry in a log. Zero means "no entry".
type LogIndex uint64

// Next returns the index following i.
func (i LogIndex) Next() LogIndex { return i + 1 }

// Prev returns the index preceding i, saturating at zero.
func (i LogIndex) Prev() LogIndex {
	if i == 0 {
		return 0
	}
	return i - 1
}

func (i LogIndex) String() string { return strconv.FormatUint(uint64(i), 10) }

func (t LogTerm) String() string { return strconv.FormatUint(uint64(t), 10) }

// MessageID correlates a replication request with its result.
type MessageID uint64

// Next returns the id minted after m.
func (m MessageID) Next() MessageID { return m + 1 }

// MinIndex returns the smaller of two indexes.
func MinIndex(a, b LogIndex) LogIndex {
	if a < b {
		return a
	}
	return b
}

// MaxIndex returns the larger of two indexes.
func MaxIndex(a, b LogIndex) LogIndex {
	if a > b {
		return a
	}
	return b
}

// LogEntry is a single entry in the replicated log.
type LogEntry struct {
	Term    LogTerm  `json:"term" msgpack:"term"`
	Index   LogIndex `json:"index" msgpack:"index"`
	Payload []byte   `json:"payload" msgpack:"payload"`
}

// Equal reports whether both entries carry the same term, index and payload.
func (e LogEntry) Equal(o LogEntry) bool {
	return e.Term == o.Term && e.Index == o.Index && bytes.Equal(e.Payload, o.Payload)
}

// Role is the part a participant plays for a log.
type Role int

const (
	RoleFollower Role = iota
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// MarshalText renders the role by name.
func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// LeaderHint tells clients where the leader is.
type LeaderHint struct {
	LeaderID   ParticipantID `json:"leader_id,omitempty"`
	LeaderAddr string        `json:"leader_addr,omitempty"`
}

// ParticipantStatus holds status info about a participant.
type ParticipantStatus struct {
	ID           ParticipantID `json:"id"`
	Role         Role          `json:"role"`
	Term         LogTerm       `json:"term"`
	CommitIndex  LogIndex      `json:"commit_index"`
	LastIndex    LogIndex      `json:"last_index"`
	DurableIndex LogIndex      `json:"durable_index"`
	LeaderHint   LeaderHint    `json:"leader_hint"`
}
