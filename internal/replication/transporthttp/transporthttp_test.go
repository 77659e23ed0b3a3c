package transporthttp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isparth/Distributed-Systems/replog/internal/replication"
	"github.com/isparth/Distributed-Systems/replog/internal/types"
)

// mockHandler implements replication.Handler for testing.
type mockHandler struct {
	lastReq replication.AppendEntriesRequest
	res     replication.AppendEntriesResult
	err     error
	// echo answers with the request's message id
	echo bool
}

func (m *mockHandler) HandleAppendEntries(_ context.Context, req replication.AppendEntriesRequest) (replication.AppendEntriesResult, error) {
	m.lastReq = req
	res := m.res
	if m.echo {
		res.MessageID = req.MessageID
	}
	return res, m.err
}

func newTransport(t *testing.T, h replication.Handler) *HTTPTransport {
	t.Helper()
	ts := httptest.NewServer(NewReplicationHTTPServer(h).Handler())
	t.Cleanup(ts.Close)
	return NewHTTPTransport(replication.NewPeerResolver(map[types.ParticipantID]string{
		"f1": ts.URL,
	}))
}

func TestTransportHTTP_AppendEntries_RoundTrip(t *testing.T) {
	handler := &mockHandler{res: replication.AppendEntriesResult{LogTerm: 3}, echo: true}
	transport := newTransport(t, handler)

	req := replication.AppendEntriesRequest{
		LeaderTerm:   3,
		LeaderID:     "leader",
		PrevLogTerm:  2,
		PrevLogIndex: 4,
		LeaderCommit: 4,
		MessageID:    17,
		WaitForSync:  true,
		Entries: []types.LogEntry{
			{Term: 3, Index: 5, Payload: []byte{0, 1, 2, 0xff}},
		},
	}

	res, err := transport.AppendEntries(context.Background(), "f1", req)
	require.NoError(t, err)
	assert.True(t, res.IsSuccess())
	assert.Equal(t, types.LogTerm(3), res.LogTerm)
	assert.Equal(t, types.MessageID(17), res.MessageID)
	assert.Equal(t, req, handler.lastReq)
}

func TestTransportHTTP_RejectionReasonSurvives(t *testing.T) {
	handler := &mockHandler{
		res: replication.AppendEntriesResult{
			LogTerm:   9,
			ErrorCode: replication.ErrorRejected,
			Reason:    replication.ReasonNoPrevLogMatch,
		},
		echo: true,
	}
	transport := newTransport(t, handler)

	res, err := transport.AppendEntries(context.Background(), "f1", replication.AppendEntriesRequest{LeaderTerm: 9, MessageID: 1})
	require.NoError(t, err)
	assert.False(t, res.IsSuccess())
	assert.Equal(t, replication.ReasonNoPrevLogMatch, res.Reason)
}

// Results are delivered as received; discarding stale ones is up to the leader.
func TestTransportHTTP_ResultPassesThroughUnchanged(t *testing.T) {
	handler := &mockHandler{res: replication.AppendEntriesResult{LogTerm: 2, MessageID: 99}}
	transport := newTransport(t, handler)

	res, err := transport.AppendEntries(context.Background(), "f1", replication.AppendEntriesRequest{MessageID: 1})
	require.NoError(t, err)
	assert.Equal(t, types.MessageID(99), res.MessageID)
	assert.Equal(t, types.LogTerm(2), res.LogTerm)
}

func TestTransportHTTP_HandlerError_IsTransportError(t *testing.T) {
	handler := &mockHandler{err: errors.New("stopped")}
	transport := newTransport(t, handler)

	_, err := transport.AppendEntries(context.Background(), "f1", replication.AppendEntriesRequest{MessageID: 1})
	assert.Error(t, err)
}

func TestTransportHTTP_UnknownPeer(t *testing.T) {
	transport := newTransport(t, &mockHandler{})
	_, err := transport.AppendEntries(context.Background(), "nobody", replication.AppendEntriesRequest{})
	assert.Error(t, err)
}

func TestTransportHTTP_BadJSON_Returns400(t *testing.T) {
	ts := httptest.NewServer(NewReplicationHTTPServer(&mockHandler{}).Handler())
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+AppendEntriesPath, "application/json", strings.NewReader("{invalid"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
