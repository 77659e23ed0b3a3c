package transporthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/isparth/Distributed-Systems/replog/internal/replication"
	"github.com/isparth/Distributed-Systems/replog/internal/types"
)

// AppendEntriesPath is the route followers serve AppendEntries on.
const AppendEntriesPath = "/replication/append-entries"

// --- HTTPTransport (client) ---

type HTTPTransport struct {
	resolver *replication.PeerResolver
	client   *http.Client
}

func NewHTTPTransport(resolver *replication.PeerResolver) *HTTPTransport {
	return &HTTPTransport{
		resolver: resolver,
		client:   &http.Client{},
	}
}

func (t *HTTPTransport) AppendEntries(ctx context.Context, to types.ParticipantID, req replication.AppendEntriesRequest) (replication.AppendEntriesResult, error) {
	addr, err := t.resolver.Resolve(to)
	if err != nil {
		return replication.AppendEntriesResult{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return replication.AppendEntriesResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+AppendEntriesPath, bytes.NewReader(body))
	if err != nil {
		return replication.AppendEntriesResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return replication.AppendEntriesResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return replication.AppendEntriesResult{}, fmt.Errorf("append-entries to %s returned %d", to, resp.StatusCode)
	}

	var result replication.AppendEntriesResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return replication.AppendEntriesResult{}, err
	}
	return result, nil
}

var _ replication.Transport = (*HTTPTransport)(nil)

// --- ReplicationHTTPServer ---

type ReplicationHTTPServer struct {
	handler replication.Handler
}

func NewReplicationHTTPServer(handler replication.Handler) *ReplicationHTTPServer {
	return &ReplicationHTTPServer{handler: handler}
}

// Handler returns a router serving AppendEntriesPath. It can be mounted on a
// larger router at "/".
func (s *ReplicationHTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post(AppendEntriesPath, s.handleAppendEntries)
	return r
}

func (s *ReplicationHTTPServer) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var req replication.AppendEntriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad JSON"})
		return
	}

	res, err := s.handler.HandleAppendEntries(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
