package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogIndex_NextPrev(t *testing.T) {
	assert.Equal(t, LogIndex(1), LogIndex(0).Next())
	assert.Equal(t, LogIndex(4), LogIndex(5).Prev())
	assert.Equal(t, LogIndex(0), LogIndex(0).Prev())
	assert.Equal(t, MessageID(8), MessageID(7).Next())
}

func TestMinMaxIndex(t *testing.T) {
	assert.Equal(t, LogIndex(3), MinIndex(3, 9))
	assert.Equal(t, LogIndex(9), MaxIndex(3, 9))
	assert.Equal(t, LogIndex(4), MinIndex(4, 4))
}

func TestLogEntry_Equal(t *testing.T) {
	a := LogEntry{Term: 1, Index: 2, Payload: []byte("x")}
	assert.True(t, a.Equal(LogEntry{Term: 1, Index: 2, Payload: []byte("x")}))
	assert.False(t, a.Equal(LogEntry{Term: 2, Index: 2, Payload: []byte("x")}))
	assert.False(t, a.Equal(LogEntry{Term: 1, Index: 2, Payload: []byte("y")}))
}

func TestParticipantStatus_JSONRole(t *testing.T) {
	raw, err := json.Marshal(ParticipantStatus{ID: "n1", Role: RoleLeader, Term: 3})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "leader", got["role"])
	assert.Equal(t, "n1", got["id"])
	assert.Equal(t, float64(3), got["term"])
}
