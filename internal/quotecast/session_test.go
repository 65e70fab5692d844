package quotecast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/AMekss/assert"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

type call struct {
	Method string
	URL    string
	Body   string
}

// stubTransport answers like the upstream and fails on demand.
type stubTransport struct {
	mu              sync.Mutex
	calls           []call
	sessions        int
	fetchFailures   int
	controlFailures int
	connectStatus   int
	reconnectStatus int
	fetchStatus     int
	polls           []string
}

func (s *stubTransport) Send(_ context.Context, req Request) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{req.Method, req.URL, string(req.Body)})

	switch {
	case req.Method == http.MethodPost && strings.HasSuffix(req.URL, "/request_session"):
		status := s.connectStatus
		if s.sessions > 0 && s.reconnectStatus != 0 {
			status = s.reconnectStatus
		}
		if status != 0 && status != http.StatusOK {
			return Response{StatusCode: status}, nil
		}
		s.sessions++
		return Response{StatusCode: 200, Body: []byte(fmt.Sprintf(`{"sessionId":"sid-%d"}`, s.sessions))}, nil

	case req.Method == http.MethodPost:
		if s.controlFailures > 0 {
			s.controlFailures--
			return Response{}, &TransportError{Op: "POST", Err: syscall.EPIPE}
		}
		return Response{StatusCode: 200}, nil

	default:
		if s.fetchFailures > 0 {
			s.fetchFailures--
			return Response{}, &TransportError{Op: "GET", Err: syscall.ECONNRESET}
		}
		if s.fetchStatus != 0 {
			return Response{StatusCode: s.fetchStatus, Body: []byte("boom")}, nil
		}
		body := "[]"
		if len(s.polls) > 0 {
			body, s.polls = s.polls[0], s.polls[1:]
		}
		return Response{StatusCode: 200, Body: []byte(body)}, nil
	}
}

func (s *stubTransport) log() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call(nil), s.calls...)
}

func (s *stubTransport) queue(polls ...string) {
	s.mu.Lock()
	s.polls = append(s.polls, polls...)
	s.mu.Unlock()
}

func (s *stubTransport) failFetches(n int) {
	s.mu.Lock()
	s.fetchFailures = n
	s.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(st *stubTransport) *Session {
	return NewSession(Config{QuotecastURL: "http://upstream/CORS", UserToken: 42}, st, discardLogger())
}

func connectedWithPrice(t *testing.T, st *stubTransport) *Session {
	t.Helper()
	s := newTestSession(st)
	s.Ledger().Add("X", "LastPrice")
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s
}

func TestSessionConnectIsIdempotentAndReplays(t *testing.T) {
	st := &stubTransport{}
	s := connectedWithPrice(t, st)
	assert.NoError(t, s.Connect(context.Background()))

	calls := st.log()
	assert.EqualInt(t, 2, len(calls))
	assert.EqualStrings(t, "http://upstream/CORS/request_session", calls[0].URL)
	assert.EqualStrings(t, `{"referrer":"https://trader.degiro.nl"}`, calls[0].Body)
	assert.EqualStrings(t, "http://upstream/CORS/sid-1", calls[1].URL)
	assert.EqualStrings(t, `{"controlData":"a_req(X.LastPrice);"}`, calls[1].Body)
	assert.EqualStrings(t, "connected", s.State().String())
}

func TestSessionFetchRecoversFromOneTransportFailure(t *testing.T) {
	st := &stubTransport{}
	s := connectedWithPrice(t, st)
	st.failFetches(1)
	st.queue(`[{"m":"a_req","v":["X.LastPrice",1]},{"m":"un","v":[1,101.5]}]`)

	batch, err := s.FetchNextBatch(context.Background())
	assert.NoError(t, err)
	assert.EqualStrings(t, "sid-2", batch.SessionID)
	assert.EqualInt(t, 1, len(batch.Records))
	assert.EqualStrings(t, "X", batch.Records[0].Instrument)

	calls := st.log()[2:]
	want := []string{
		"GET http://upstream/CORS/sid-1",
		"POST http://upstream/CORS/request_session",
		`POST http://upstream/CORS/sid-2 {"controlData":"a_req(X.LastPrice);"}`,
		"GET http://upstream/CORS/sid-2",
	}
	assert.EqualInt(t, len(want), len(calls))
	for i, c := range calls {
		got := c.Method + " " + c.URL
		if c.Method == http.MethodPost && !strings.HasSuffix(c.URL, "request_session") {
			got += " " + c.Body
		}
		assert.EqualStrings(t, want[i], got)
	}

	st2 := s.Status()
	assert.EqualInt(t, 1, int(st2.Reconnects))
	assert.EqualStrings(t, "connected", st2.State)
}

func TestSessionFetchFailsAfterSecondTransportFailure(t *testing.T) {
	st := &stubTransport{}
	s := connectedWithPrice(t, st)
	api := NewAPI(s, true, discardLogger())

	st.queue(`[{"m":"a_req","v":["X.LastPrice",1]},{"m":"un","v":[1,101.5]}]`)
	_, _, err := api.FetchData(context.Background())
	assert.NoError(t, err)
	before := api.Table().Snapshot()

	st.failFetches(2)
	_, _, err = api.FetchData(context.Background())
	if err == nil {
		t.Fatal("expected terminal fetch error")
	}
	assert.True(t, IsTransportError(err))
	assert.EqualInt(t, 2, st.sessions)
	assert.EqualStrings(t, "disconnected", s.State().String())

	after := api.Table().Snapshot()
	if after["X"]["LastPrice"] != before["X"]["LastPrice"] || len(after) != len(before) {
		t.Fatalf("table changed on failure: %v -> %v", before, after)
	}
}

func TestSessionNonTransportErrorIsNotRetried(t *testing.T) {
	st := &stubTransport{fetchStatus: http.StatusInternalServerError}
	s := connectedWithPrice(t, st)

	_, err := s.FetchNextBatch(context.Background())
	if err == nil || IsTransportError(err) {
		t.Fatalf("err = %v, want a non-transport error", err)
	}
	assert.EqualInt(t, 1, st.sessions)
	assert.EqualInt(t, 0, int(s.Status().Reconnects))
}

func TestSessionMalformedPollIsNotRetried(t *testing.T) {
	st := &stubTransport{}
	s := connectedWithPrice(t, st)
	st.queue(`{"broken":`)

	_, err := s.FetchNextBatch(context.Background())
	if !errors.Is(err, domain.ErrMalformedResponse) {
		t.Fatalf("err = %v", err)
	}
	assert.EqualInt(t, 1, st.sessions)
}

func TestSessionResetTriggersReconnect(t *testing.T) {
	st := &stubTransport{}
	s := connectedWithPrice(t, st)
	st.queue(`[{"m":"sr"}]`, `[{"m":"h"}]`)

	_, err := s.FetchNextBatch(context.Background())
	assert.NoError(t, err)
	assert.EqualStrings(t, "sid-2", s.SessionID())
}

func TestSessionRejectedCredentials(t *testing.T) {
	st := &stubTransport{connectStatus: http.StatusUnauthorized}
	s := newTestSession(st)
	err := s.Connect(context.Background())
	if !errors.Is(err, domain.ErrSessionRejected) {
		t.Fatalf("err = %v", err)
	}
	assert.False(t, IsTransportError(err))

	s2 := NewSession(Config{}, &stubTransport{}, discardLogger())
	if err := s2.Connect(context.Background()); !errors.Is(err, domain.ErrSessionRejected) {
		t.Fatalf("missing token: err = %v", err)
	}
}

func TestSessionReconnectRejectedIsTerminal(t *testing.T) {
	st := &stubTransport{reconnectStatus: http.StatusForbidden}
	s := connectedWithPrice(t, st)
	st.failFetches(1)

	_, err := s.FetchNextBatch(context.Background())
	if !errors.Is(err, domain.ErrSessionRejected) {
		t.Fatalf("err = %v", err)
	}
	assert.EqualStrings(t, "disconnected", s.State().String())
}

func TestSessionSubscribeBeforeConnect(t *testing.T) {
	st := &stubTransport{}
	s := newTestSession(st)

	err := s.Subscribe(context.Background(), domain.SubscriptionRequest{
		Subscriptions: map[string][]string{"X": {"LastPrice"}},
	})
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
	assert.NoError(t, s.Connect(context.Background()))
	assert.EqualStrings(t, `{"controlData":"a_req(X.LastPrice);"}`, st.log()[1].Body)
}

func TestSessionFailedSubscribeIsResent(t *testing.T) {
	st := &stubTransport{}
	s := connectedWithPrice(t, st)
	st.controlFailures = 1

	req := domain.SubscriptionRequest{Subscriptions: map[string][]string{"Y": {"BidPrice"}}}
	if err := s.Subscribe(context.Background(), req); !IsTransportError(err) {
		t.Fatalf("err = %v", err)
	}
	assert.NoError(t, s.Flush(context.Background()))

	calls := st.log()
	assert.EqualStrings(t, `{"controlData":"a_req(Y.BidPrice);"}`, calls[len(calls)-1].Body)
}

func TestSessionDisconnect(t *testing.T) {
	st := &stubTransport{}
	s := connectedWithPrice(t, st)
	s.Disconnect()

	assert.EqualStrings(t, "", s.SessionID())
	assert.EqualInt(t, 0, s.Ledger().Len())
	if _, err := s.FetchNextBatch(context.Background()); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
}

func TestIsTransportError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{errors.New("boom"), false},
		{fmt.Errorf("wrapped: %w", domain.ErrMalformedResponse), false},
		{io.EOF, true},
		{io.ErrUnexpectedEOF, true},
		{context.DeadlineExceeded, true},
		{fmt.Errorf("x: %w", syscall.ECONNRESET), true},
		{&TransportError{Op: "GET", Err: errors.New("dial")}, true},
		{fmt.Errorf("x: %w", domain.ErrSessionReset), true},
	}
	for _, tc := range cases {
		if got := IsTransportError(tc.err); got != tc.want {
			t.Errorf("IsTransportError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestFetchMetricsReconnectsWhenSubscribeFails(t *testing.T) {
	ctx := context.Background()
	st := &stubTransport{}
	s := newTestSession(st)
	assert.NoError(t, s.Connect(ctx))
	api := NewAPI(s, true, discardLogger())

	st.mu.Lock()
	st.controlFailures = 1
	st.mu.Unlock()
	st.queue(`[{"m":"a_req","v":["X.LastPrice",1]},{"m":"un","v":[1,101.5]}]`)

	m := api.FetchMetrics(ctx, domain.SubscriptionRequest{
		Subscriptions: map[string][]string{"X": {"LastPrice"}},
	})
	assert.True(t, m.OK())
	assert.False(t, m.Stale)
	if m.Tickers["X"]["LastPrice"] != 101.5 {
		t.Fatalf("tickers = %v", m.Tickers)
	}

	want := []string{
		"POST http://upstream/CORS/request_session",
		`POST http://upstream/CORS/sid-1 {"controlData":"a_req(X.LastPrice);"}`,
		"POST http://upstream/CORS/request_session",
		`POST http://upstream/CORS/sid-2 {"controlData":"a_req(X.LastPrice);"}`,
		"GET http://upstream/CORS/sid-2",
	}
	calls := st.log()
	assert.EqualInt(t, len(want), len(calls))
	for i, c := range calls {
		got := c.Method + " " + c.URL
		if c.Method == http.MethodPost && !strings.HasSuffix(c.URL, "request_session") {
			got += " " + c.Body
		}
		assert.EqualStrings(t, want[i], got)
	}
	assert.EqualInt(t, 1, int(s.Status().Reconnects))
	assert.True(t, s.Ledger().DrainDelta().Empty())
}

func TestFetchMetricsSubscribeReconnectIsTheOnlyRetry(t *testing.T) {
	ctx := context.Background()
	st := &stubTransport{}
	s := newTestSession(st)
	assert.NoError(t, s.Connect(ctx))
	api := NewAPI(s, true, discardLogger())

	st.mu.Lock()
	st.controlFailures = 1
	st.fetchFailures = 1
	st.mu.Unlock()

	m := api.FetchMetrics(ctx, domain.SubscriptionRequest{
		Subscriptions: map[string][]string{"X": {"LastPrice"}},
	})
	assert.False(t, m.OK())
	assert.True(t, m.Stale)
	assert.True(t, IsTransportError(m.Err))

	st.mu.Lock()
	sessions := st.sessions
	st.mu.Unlock()
	assert.EqualInt(t, 2, sessions)
	assert.EqualInt(t, 1, int(s.Status().Reconnects))
	assert.EqualStrings(t, "disconnected", s.State().String())
}
