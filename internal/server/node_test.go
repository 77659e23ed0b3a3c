package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isparth/Distributed-Systems/replog/internal/config"
	"github.com/isparth/Distributed-Systems/replog/internal/types"
)

// lateHandler lets a test server start before the node behind it exists.
type lateHandler struct {
	h atomic.Value
}

func (l *lateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h, ok := l.h.Load().(http.Handler)
	if !ok {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	h.ServeHTTP(w, r)
}

type cluster struct {
	nodes   map[types.ParticipantID]*Node
	servers map[types.ParticipantID]*httptest.Server
}

func startCluster(t *testing.T, ids []types.ParticipantID, storageKind string) *cluster {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c := &cluster{
		nodes:   make(map[types.ParticipantID]*Node),
		servers: make(map[types.ParticipantID]*httptest.Server),
	}
	handlers := make(map[types.ParticipantID]*lateHandler)
	var participants []config.Participant
	for _, id := range ids {
		lh := &lateHandler{}
		ts := httptest.NewServer(lh)
		t.Cleanup(ts.Close)
		handlers[id], c.servers[id] = lh, ts
		participants = append(participants, config.Participant{ID: id, Address: ts.URL})
	}

	for _, id := range ids {
		cfg := &config.Config{
			ID:                id,
			Dir:               t.TempDir(),
			Storage:           storageKind,
			Leader:            ids[0],
			Term:              2,
			HeartbeatInterval: 10 * time.Millisecond,
			SyncInterval:      5 * time.Millisecond,
			Participants:      participants,
		}
		cfg.ApplyDefaults()
		require.NoError(t, cfg.Validate())

		n, err := NewNode(cfg, logger)
		require.NoError(t, err)
		require.NoError(t, n.Start(context.Background()))
		t.Cleanup(func() { n.Stop(context.Background()) })
		handlers[id].h.Store(n.Handler())
		c.nodes[id] = n
	}
	return c
}

func appendPayload(t *testing.T, url string, payload string) *http.Response {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{"payload": []byte(payload), "wait": true})
	require.NoError(t, err)
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Post(url+"/log", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestNode_ReplicatesOverHTTP(t *testing.T) {
	for _, kind := range []string{config.StorageMemory, config.StorageWAL} {
		t.Run(kind, func(t *testing.T) {
			ids := []types.ParticipantID{"n1", "n2", "n3"}
			c := startCluster(t, ids, kind)

			for i := 0; i < 5; i++ {
				resp := appendPayload(t, c.servers["n1"].URL, fmt.Sprintf("entry-%d", i))
				resp.Body.Close()
				require.Equal(t, http.StatusOK, resp.StatusCode)
			}
			assert.Equal(t, types.LogIndex(5), c.nodes["n1"].Status().CommitIndex)

			for _, id := range ids[1:] {
				n := c.nodes[id]
				require.Eventually(t, func() bool { return n.Status().CommitIndex == 5 }, 5*time.Second, 10*time.Millisecond)

				resp, err := http.Get(c.servers[id].URL + "/log/3")
				require.NoError(t, err)
				var body struct {
					Entry types.LogEntry `json:"entry"`
				}
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				resp.Body.Close()
				assert.Equal(t, []byte("entry-2"), body.Entry.Payload)
				assert.Equal(t, types.LogTerm(2), body.Entry.Term)
			}
		})
	}
}

func TestNode_FollowerPointsAtLeader(t *testing.T) {
	ids := []types.ParticipantID{"n1", "n2"}
	c := startCluster(t, ids, config.StorageMemory)

	// the follower learns the leader from its first request
	n2 := c.nodes["n2"]
	require.Eventually(t, func() bool { return n2.Status().LeaderHint.LeaderID == "n1" }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, c.servers["n1"].URL, n2.Status().LeaderHint.LeaderAddr)

	resp := appendPayload(t, c.servers["n2"].URL, "x")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, c.servers["n1"].URL+"/log", resp.Header.Get("Location"))
}

func TestNode_WALSurvivesRestart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		ID:           "solo",
		Dir:          t.TempDir(),
		Leader:       "solo",
		Term:         1,
		Participants: []config.Participant{{ID: "solo", Address: "http://solo"}},
	}
	cfg.ApplyDefaults()

	n, err := NewNode(cfg, logger)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	ts := httptest.NewServer(n.Handler())
	resp := appendPayload(t, ts.URL, "persisted")
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ts.Close()
	require.NoError(t, n.Stop(context.Background()))

	cfg.Term = 2
	n, err = NewNode(cfg, logger)
	require.NoError(t, err)
	st := n.Status()
	assert.Equal(t, types.LogIndex(1), st.LastIndex)
	assert.Equal(t, types.LogIndex(0), st.CommitIndex, "entries of older terms are not committed by counting")
	assert.Equal(t, types.LogTerm(2), st.Term)
	require.NoError(t, n.Stop(context.Background()))

	// an older term is refused once a newer one is stored
	cfg.Term = 1
	_, err = NewNode(cfg, logger)
	assert.Error(t, err)
}
