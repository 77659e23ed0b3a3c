package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/isparth/Distributed-Systems/replog/internal/replication"
	"github.com/isparth/Distributed-Systems/replog/internal/replication/storage"
	"github.com/isparth/Distributed-Systems/replog/internal/types"
)

// mockParticipant implements Participant and Appender over an in-memory log.
type mockParticipant struct {
	leader     bool
	leaderHint types.LeaderHint
	log        *storage.MemLogStore
	commit     types.LogIndex
	waitErr    error
}

func (m *mockParticipant) IsLeader() bool { return m.leader }

func (m *mockParticipant) LeaderHint() types.LeaderHint { return m.leaderHint }

func (m *mockParticipant) Status() types.ParticipantStatus {
	role := types.RoleFollower
	if m.leader {
		role = types.RoleLeader
	}
	return types.ParticipantStatus{
		ID:          "p1",
		Role:        role,
		Term:        2,
		CommitIndex: m.commit,
		LastIndex:   m.log.LastIndex(),
		LeaderHint:  m.leaderHint,
	}
}

func (m *mockParticipant) Append(payload []byte) (types.LogIndex, error) {
	if !m.leader {
		return 0, replication.ErrNotLeader
	}
	idx := m.log.LastIndex().Next()
	err := m.log.Append([]types.LogEntry{{Term: 2, Index: idx, Payload: payload}})
	return idx, err
}

func (m *mockParticipant) WaitCommitted(_ context.Context, idx types.LogIndex) error {
	if m.waitErr != nil {
		return m.waitErr
	}
	m.commit = idx
	return nil
}

func setupLeader() (*httptest.Server, *mockParticipant) {
	p := &mockParticipant{
		leader:     true,
		log:        storage.NewMemLogStore(),
		leaderHint: types.LeaderHint{LeaderID: "p1", LeaderAddr: "http://p1:8080"},
	}
	srv := New(p, p.log, p, nil)
	return httptest.NewServer(srv.Handler()), p
}

func setupFollower() *httptest.Server {
	p := &mockParticipant{
		log: storage.NewMemLogStore(),
		leaderHint: types.LeaderHint{
			LeaderID:   "leader",
			LeaderAddr: "http://leader:8080",
		},
	}
	srv := New(p, p.log, nil, nil)
	return httptest.NewServer(srv.Handler())
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func postLog(t *testing.T, client *http.Client, url string, payload []byte, wait bool) *http.Response {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{"payload": payload, "wait": wait})
	resp, err := client.Post(url+"/log", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHTTPAPI_Healthz(t *testing.T) {
	ts, _ := setupLeader()
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Fatalf("expected ok, got %s", body["status"])
	}
}

func TestHTTPAPI_AppendAndRead(t *testing.T) {
	ts, p := setupLeader()
	defer ts.Close()

	for i, payload := range [][]byte{[]byte("one"), {0, 1, 2}, []byte("three")} {
		resp := postLog(t, ts.Client(), ts.URL, payload, i == 2)
		var body struct {
			Ok        bool           `json:"ok"`
			Index     types.LogIndex `json:"index"`
			Committed bool           `json:"committed"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if resp.StatusCode != 200 || !body.Ok {
			t.Fatalf("append %d: status %d, body %+v", i, resp.StatusCode, body)
		}
		if body.Index != types.LogIndex(i+1) {
			t.Fatalf("append %d: expected index %d, got %d", i, i+1, body.Index)
		}
		if body.Committed != (i == 2) {
			t.Fatalf("append %d: committed %v", i, body.Committed)
		}
	}
	if p.commit != 3 {
		t.Fatalf("expected wait to reach index 3, got %d", p.commit)
	}

	// single entry
	resp, err := http.Get(ts.URL + "/log/2")
	if err != nil {
		t.Fatal(err)
	}
	var entryResp struct {
		Entry types.LogEntry `json:"entry"`
	}
	json.NewDecoder(resp.Body).Decode(&entryResp)
	resp.Body.Close()
	if !bytes.Equal(entryResp.Entry.Payload, []byte{0, 1, 2}) || entryResp.Entry.Term != 2 {
		t.Fatalf("unexpected entry %+v", entryResp.Entry)
	}

	// range
	resp, err = http.Get(ts.URL + "/log?from=2&to=3")
	if err != nil {
		t.Fatal(err)
	}
	var rangeResp struct {
		Entries     []types.LogEntry `json:"entries"`
		CommitIndex types.LogIndex   `json:"commit_index"`
	}
	json.NewDecoder(resp.Body).Decode(&rangeResp)
	resp.Body.Close()
	if len(rangeResp.Entries) != 2 || rangeResp.Entries[1].Index != 3 {
		t.Fatalf("unexpected range %+v", rangeResp.Entries)
	}
	if rangeResp.CommitIndex != 3 {
		t.Fatalf("expected commit index 3, got %d", rangeResp.CommitIndex)
	}

	// whole log
	resp, _ = http.Get(ts.URL + "/log")
	json.NewDecoder(resp.Body).Decode(&rangeResp)
	resp.Body.Close()
	if len(rangeResp.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(rangeResp.Entries))
	}
}

func TestHTTPAPI_ReadErrors(t *testing.T) {
	ts, _ := setupLeader()
	defer ts.Close()

	// empty log reads as an empty list
	resp, err := http.Get(ts.URL + "/log")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != 200 || len(body["entries"].([]interface{})) != 0 {
		t.Fatalf("empty log: status %d, body %v", resp.StatusCode, body)
	}

	cases := map[string]int{
		"/log/1":           404,
		"/log/0":           400,
		"/log/abc":         400,
		"/log?from=x":      400,
		"/log?from=1&to=5": 404,
	}
	for path, want := range cases {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("%s: expected %d, got %d", path, want, resp.StatusCode)
		}
	}
}

func TestHTTPAPI_BadJSON(t *testing.T) {
	ts, _ := setupLeader()
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/log", "application/json", bytes.NewReader([]byte("{nope")))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHTTPAPI_WaitFailure(t *testing.T) {
	ts, p := setupLeader()
	defer ts.Close()
	p.waitErr = context.DeadlineExceeded

	resp := postLog(t, ts.Client(), ts.URL, []byte("x"), true)
	resp.Body.Close()
	if resp.StatusCode != 503 {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}

	p.waitErr = replication.ErrNotLeader
	resp = postLog(t, noRedirectClient(), ts.URL, []byte("y"), true)
	resp.Body.Close()
	if resp.StatusCode != 307 {
		t.Fatalf("expected 307, got %d", resp.StatusCode)
	}
}

func TestHTTPAPI_FollowerRedirects(t *testing.T) {
	ts := setupFollower()
	defer ts.Close()

	resp := postLog(t, noRedirectClient(), ts.URL, []byte("x"), false)
	defer resp.Body.Close()
	if resp.StatusCode != 307 {
		t.Fatalf("expected 307, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "http://leader:8080/log" {
		t.Fatalf("unexpected location %q", loc)
	}
	var body struct {
		Error      string           `json:"error"`
		LeaderHint types.LeaderHint `json:"leader_hint"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Error != "not_leader" || body.LeaderHint.LeaderID != "leader" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestHTTPAPI_Status(t *testing.T) {
	ts := setupFollower()
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	if body["role"] != "follower" {
		t.Fatalf("expected follower, got %v", body["role"])
	}
}
