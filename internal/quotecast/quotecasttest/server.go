// Package quotecasttest runs an in-process quotecast upstream for tests.
package quotecasttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// Server fakes the quotecast and charting endpoints. Every response closes
// its connection so a dropped request is never retried by the client.
type Server struct {
	srv *httptest.Server

	mu        sync.Mutex
	nextID    int
	nextRef   int64
	sessions  map[string]*fakeSession
	rejected  map[string]bool
	drops     int
	control   []string
	requests  []string
	lastChart map[string][]string
}

type fakeSession struct {
	refs    map[string]int64
	pending []json.RawMessage
}

// New starts a server. Call Close when done.
func New() *Server {
	s := &Server{
		sessions: make(map[string]*fakeSession),
		rejected: make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /CORS/request_session", s.handleRequestSession)
	mux.HandleFunc("POST /CORS/{sid}", s.handleControl)
	mux.HandleFunc("GET /CORS/{sid}", s.handlePoll)
	mux.HandleFunc("GET /chart", s.handleChart)

	s.srv = httptest.NewServer(s.dropper(mux))
	return s
}

// Close shuts the server down.
func (s *Server) Close() { s.srv.Close() }

// QuotecastURL is the base URL to configure the client with.
func (s *Server) QuotecastURL() string { return s.srv.URL + "/CORS" }

// ChartURL is the charting endpoint.
func (s *Server) ChartURL() string { return s.srv.URL + "/chart" }

// Reject makes request_session answer 401 for token.
func (s *Server) Reject(token string) {
	s.mu.Lock()
	s.rejected[token] = true
	s.mu.Unlock()
}

// DropConnections closes the connection of the next n requests without
// answering.
func (s *Server) DropConnections(n int) {
	s.mu.Lock()
	s.drops = n
	s.mu.Unlock()
}

// ExpireSessions forgets every session; their next poll gets a reset.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	s.sessions = make(map[string]*fakeSession)
	s.mu.Unlock()
}

// SessionCount returns how many sessions were ever opened.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}

// ControlLog returns every controlData string received, in order.
func (s *Server) ControlLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.control...)
}

// Requests returns "METHOD path" for every request that reached a handler.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// LastChartQuery returns the query of the most recent chart request.
func (s *Server) LastChartQuery() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChart
}

// Subscribed reports whether any live session subscribes name
// ("Instrument.Metric").
func (s *Server) Subscribed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if _, ok := sess.refs[name]; ok {
			return true
		}
	}
	return false
}

// Push queues a value for every session subscribed to instrument.metric.
// float64 and int become "un", string "us", nil "ue".
func (s *Server) Push(instrument, metric string, value any) {
	name := instrument + "." + metric

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		ref, ok := sess.refs[name]
		if !ok {
			continue
		}
		var msg string
		switch v := value.(type) {
		case nil:
			msg = fmt.Sprintf(`{"m":"ue","v":[%d]}`, ref)
		case string:
			b, _ := json.Marshal(v)
			msg = fmt.Sprintf(`{"m":"us","v":[%d,%s]}`, ref, b)
		default:
			b, _ := json.Marshal(v)
			msg = fmt.Sprintf(`{"m":"un","v":[%d,%s]}`, ref, b)
		}
		sess.pending = append(sess.pending, json.RawMessage(msg))
	}
}

// PushRaw queues a raw message for every live session.
func (s *Server) PushRaw(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.pending = append(sess.pending, json.RawMessage(msg))
	}
}

func (s *Server) dropper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		drop := s.drops > 0
		if drop {
			s.drops--
		}
		s.mu.Unlock()

		if drop {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
					return
				}
			}
		}

		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		s.mu.Unlock()

		w.Header().Set("Connection", "close")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRequestSession(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("userToken")

	s.mu.Lock()
	if token == "" || s.rejected[token] {
		s.mu.Unlock()
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	s.nextID++
	sid := fmt.Sprintf("session-%d", s.nextID)
	s.sessions[sid] = &fakeSession{refs: make(map[string]int64)}
	s.mu.Unlock()

	writeJSON(w, map[string]string{"sessionId": sid})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ControlData string `json:"controlData"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.control = append(s.control, body.ControlData)

	sess, ok := s.sessions[r.PathValue("sid")]
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"m":"sr"}]`))
		return
	}

	for _, cmd := range strings.Split(body.ControlData, ";") {
		switch {
		case strings.HasPrefix(cmd, "a_req(") && strings.HasSuffix(cmd, ")"):
			name := cmd[len("a_req(") : len(cmd)-1]
			if _, exists := sess.refs[name]; exists {
				continue
			}
			s.nextRef++
			sess.refs[name] = s.nextRef
			nameJSON, _ := json.Marshal(name)
			sess.pending = append(sess.pending,
				json.RawMessage(fmt.Sprintf(`{"m":"a_req","v":[%s,%d]}`, nameJSON, s.nextRef)))
		case strings.HasPrefix(cmd, "a_rel(") && strings.HasSuffix(cmd, ")"):
			name := cmd[len("a_rel(") : len(cmd)-1]
			if _, exists := sess.refs[name]; !exists {
				continue
			}
			delete(sess.refs, name)
			nameJSON, _ := json.Marshal(name)
			sess.pending = append(sess.pending,
				json.RawMessage(fmt.Sprintf(`{"m":"a_rel","v":[%s]}`, nameJSON)))
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess, ok := s.sessions[r.PathValue("sid")]
	var msgs []json.RawMessage
	if ok {
		msgs = sess.pending
		sess.pending = nil
	}
	s.mu.Unlock()

	switch {
	case !ok:
		msgs = []json.RawMessage{json.RawMessage(`{"m":"sr"}`)}
	case len(msgs) == 0:
		msgs = []json.RawMessage{json.RawMessage(`{"m":"h"}`)}
	}
	writeJSON(w, msgs)
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	s.mu.Lock()
	s.lastChart = q
	s.mu.Unlock()

	if q.Get("userToken") == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	series := make([]map[string]any, 0, len(q["series"]))
	for _, id := range q["series"] {
		series = append(series, map[string]any{
			"id":      id,
			"type":    "time",
			"times":   "2024-01-02T09:00:00/" + q.Get("resolution"),
			"expires": "2024-01-02T17:30:00+01:00",
			"data":    [][]float64{{0, 101.5}, {1, 101.7}},
		})
	}
	writeJSON(w, map[string]any{
		"requestid":  q.Get("requestid"),
		"resolution": q.Get("resolution"),
		"start":      "2024-01-02T09:00:00",
		"end":        "2024-01-02T17:30:00",
		"series":     series,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
