package gateway

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Stats counts gateway sessions.
type Stats struct {
	start          time.Time
	sessionsActive atomic.Int64
	sessionsTotal  atomic.Int64
	authRejected   atomic.Int64
}

func newStats() *Stats {
	return &Stats{start: time.Now()}
}

func (s *Stats) sessionOpened() int64 {
	s.sessionsTotal.Add(1)
	return s.sessionsActive.Add(1)
}

func (s *Stats) sessionClosed() int64 {
	return s.sessionsActive.Add(-1)
}

// SessionsActive is the number of sessions currently running.
func (s *Stats) SessionsActive() int64 { return s.sessionsActive.Load() }

// SessionsTotal is the number of sessions accepted since start.
func (s *Stats) SessionsTotal() int64 { return s.sessionsTotal.Load() }

// AuthRejected is the number of WebSocket requests refused for a bad token.
func (s *Stats) AuthRejected() int64 { return s.authRejected.Load() }

// Snapshot is the JSON form of Stats.
type Snapshot struct {
	Uptime         string `json:"uptime"`
	SessionsActive int64  `json:"sessionsActive"`
	SessionsTotal  int64  `json:"sessionsTotal"`
	AuthRejected   int64  `json:"authRejected"`
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Uptime:         time.Since(s.start).Round(time.Second).String(),
		SessionsActive: s.SessionsActive(),
		SessionsTotal:  s.SessionsTotal(),
		AuthRejected:   s.AuthRejected(),
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// handleHealth returns a simple health check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics returns the session counters as JSON.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
