package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/isparth/Distributed-Systems/replog/internal/replication"
	"github.com/isparth/Distributed-Systems/replog/internal/replication/storage"
	"github.com/isparth/Distributed-Systems/replog/internal/types"
)

// maxReadEntries caps the number of entries one GET /log returns.
const maxReadEntries = 1024

// Participant is the read-only view every leader and follower offers.
type Participant interface {
	IsLeader() bool
	LeaderHint() types.LeaderHint
	Status() types.ParticipantStatus
}

// Appender is implemented by the leader.
type Appender interface {
	Append(payload []byte) (types.LogIndex, error)
	WaitCommitted(ctx context.Context, index types.LogIndex) error
}

// LogReader reads entries from the local log.
type LogReader interface {
	LastIndex() types.LogIndex
	ReadRange(lo, hi types.LogIndex) ([]types.LogEntry, error)
}

// Server serves the HTTP API of one participant.
type Server struct {
	participant Participant
	log         LogReader
	appender    Appender // nil on followers
	logger      *slog.Logger
}

// New creates a new HTTP API server. appender is nil unless the participant
// leads.
func New(p Participant, log LogReader, appender Appender, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{participant: p, log: log, appender: appender, logger: logger}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// shared middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/healthz", s.Healthz)
	r.Get("/status", s.Status)
	r.Route("/log", func(r chi.Router) {
		r.Get("/", s.ReadLog)
		r.Post("/", s.AppendLog)
		r.Get("/{index}", s.GetEntry)
	})
	return r
}

func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.participant.Status())
}

func (s *Server) AppendLog(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	var body struct {
		Payload []byte `json:"payload"` // base64 in JSON
		Wait    bool   `json:"wait"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}

	idx, err := s.appender.Append(body.Payload)
	if errors.Is(err, replication.ErrNotLeader) {
		s.writeNotLeader(w)
		return
	}
	if err != nil {
		s.logger.Error("append failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	if body.Wait {
		if err := s.appender.WaitCommitted(r.Context(), idx); err != nil {
			if errors.Is(err, replication.ErrNotLeader) {
				s.writeNotLeader(w)
				return
			}
			writeError(w, http.StatusServiceUnavailable, "commit_wait_failed", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "index": idx, "committed": body.Wait})
}

func (s *Server) GetEntry(w http.ResponseWriter, r *http.Request) {
	idx, err := parseIndex(chi.URLParam(r, "index"))
	if err != nil || idx == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "index must be a positive integer")
		return
	}
	entries, err := s.log.ReadRange(idx, idx)
	if err != nil {
		s.writeReadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "entry": entries[0]})
}

// ReadLog returns entries [from, to]. from defaults to 1 and to to the last
// index, capped at maxReadEntries entries.
func (s *Server) ReadLog(w http.ResponseWriter, r *http.Request) {
	last := s.log.LastIndex()
	from, to := types.LogIndex(1), last

	q := r.URL.Query()
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = parseIndex(v); err != nil || from == 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "from must be a positive integer")
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = parseIndex(v); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "to must be an integer")
			return
		}
	}
	if to >= from && to-from >= maxReadEntries {
		to = from + maxReadEntries - 1
	}

	entries := []types.LogEntry{}
	if last > 0 || q.Has("from") || q.Has("to") {
		if entries, err = s.log.ReadRange(from, to); err != nil {
			s.writeReadError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":           true,
		"entries":      entries,
		"commit_index": s.participant.Status().CommitIndex,
	})
}

func (s *Server) writeReadError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrOutOfRange) {
		writeError(w, http.StatusNotFound, "out_of_range", err.Error())
		return
	}
	s.logger.Error("log read failed", slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, "internal", err.Error())
}

// redirectIfNotLeader returns 307 with leader hint if this participant is not the leader.
func (s *Server) redirectIfNotLeader(w http.ResponseWriter) bool {
	if s.appender != nil && s.participant.IsLeader() {
		return false
	}
	s.writeNotLeader(w)
	return true
}

func (s *Server) writeNotLeader(w http.ResponseWriter) {
	hint := s.participant.LeaderHint()
	if hint.LeaderAddr != "" {
		w.Header().Set("Location", hint.LeaderAddr+"/log")
	}
	writeJSON(w, http.StatusTemporaryRedirect, map[string]interface{}{
		"error":       "not_leader",
		"leader_hint": hint,
	})
}

func parseIndex(s string) (types.LogIndex, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	return types.LogIndex(n), err
}

// --- JSON helpers ---

func decodeJSON(r *http.Request, dst interface{}) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]interface{}{"ok": false, "error": code, "message": msg})
}
