package quotecast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

const (
	DefaultQuotecastURL = "https://degiro.quotecast.vwdservices.com/CORS"
	DefaultChartURL     = "https://charting.vwdservices.com/hchart/v1/deGiro/data.js"
	DefaultReferrer     = "https://trader.degiro.nl"
	DefaultVersion      = "1.0.20201211"
)

// Config holds the upstream endpoints and the credential used to open a
// session.
type Config struct {
	QuotecastURL string
	ChartURL     string
	Referrer     string
	Version      string
	UserToken    int64
}

func (c Config) withDefaults() Config {
	if c.QuotecastURL == "" {
		c.QuotecastURL = DefaultQuotecastURL
	}
	if c.ChartURL == "" {
		c.ChartURL = DefaultChartURL
	}
	if c.Referrer == "" {
		c.Referrer = DefaultReferrer
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	c.QuotecastURL = strings.TrimRight(c.QuotecastURL, "/")
	return c
}

// Session owns one upstream quotecast session: its id, connection state,
// reference registry and subscription ledger. It is safe for concurrent use,
// but fetches are serialized so there is a single poller per session.
type Session struct {
	transport Transport
	ledger    *Ledger
	logger    *slog.Logger

	fetchMu sync.Mutex // one in-flight fetch, including its reconnect
	ctrlMu  sync.Mutex // connect, replay, subscribe and disconnect on the wire

	mu         sync.Mutex
	cfg        Config
	sessionID  string
	state      domain.ConnectionState
	refs       references
	reconnects int64
	lastFetch  time.Time
}

// NewSession creates a disconnected session.
func NewSession(cfg Config, transport Transport, logger *slog.Logger) *Session {
	return &Session{
		transport: transport,
		ledger:    NewLedger(),
		logger:    logger.With(slog.String("component", "quotecast")),
		cfg:       cfg.withDefaults(),
		refs:      make(references),
	}
}

// Ledger exposes the subscription ledger.
func (s *Session) Ledger() *Ledger { return s.ledger }

// SetUserToken replaces the credential used by the next connect.
func (s *Session) SetUserToken(token int64) {
	s.mu.Lock()
	s.cfg.UserToken = token
	s.mu.Unlock()
}

// UserToken returns the configured credential.
func (s *Session) UserToken() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.UserToken
}

// State returns the current connection state.
func (s *Session) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the upstream session id, empty when disconnected.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Connect opens an upstream session and replays the ledger into it. It is a
// no-op when already connected.
func (s *Session) Connect(ctx context.Context) error {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()

	s.mu.Lock()
	connected := s.state == domain.StateConnected && s.sessionID != ""
	s.mu.Unlock()
	if connected {
		return nil
	}
	return s.connectLocked(ctx)
}

// Reconnect replaces the upstream session unconditionally and replays the
// full ledger into the new one. On failure the old session is dropped too.
func (s *Session) Reconnect(ctx context.Context) error {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()

	if err := s.connectLocked(ctx); err != nil {
		s.clearSession()
		return err
	}
	s.mu.Lock()
	s.reconnects++
	s.mu.Unlock()
	return nil
}

func (s *Session) connectLocked(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.UserToken == 0 {
		return fmt.Errorf("quotecast: connect: %w: no user token configured", domain.ErrSessionRejected)
	}

	body, _ := json.Marshal(map[string]string{"referrer": cfg.Referrer})
	params := url.Values{}
	params.Set("version", cfg.Version)
	params.Set("userToken", strconv.FormatInt(cfg.UserToken, 10))

	resp, err := s.transport.Send(ctx, Request{
		Method: http.MethodPost,
		URL:    cfg.QuotecastURL + "/request_session",
		Params: params,
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("quotecast: connect: %w", err)
	}
	if err := checkStatus("connect", resp); err != nil {
		return err
	}

	var reply struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(resp.Body, &reply); err != nil {
		return fmt.Errorf("quotecast: connect: %w: %v", domain.ErrMalformedResponse, err)
	}
	if reply.SessionID == "" {
		return fmt.Errorf("quotecast: connect: %w: empty session id", domain.ErrMalformedResponse)
	}

	s.mu.Lock()
	s.sessionID = reply.SessionID
	s.refs = make(references)
	s.state = domain.StateConnected
	s.mu.Unlock()

	delta := s.ledger.Replay()
	if !delta.Empty() {
		if err := s.sendControl(ctx, reply.SessionID, delta); err != nil {
			s.ledger.Invalidate()
			s.clearSession()
			return fmt.Errorf("quotecast: connect: replay subscriptions: %w", err)
		}
	}

	s.logger.Info("quotecast session opened",
		slog.String("session_id", reply.SessionID),
		slog.Int("subscriptions", s.ledger.Len()),
	)
	return nil
}

// Subscribe records the request in the ledger and sends the resulting delta
// upstream. When no session is open the ledger still keeps the request and
// the next connect replays it.
func (s *Session) Subscribe(ctx context.Context, req domain.SubscriptionRequest) error {
	s.ledger.Apply(req)
	return s.Flush(ctx)
}

// Flush sends whatever the ledger has pending. A delta that fails to reach
// the upstream is put back so the next flush or replay carries it.
func (s *Session) Flush(ctx context.Context) error {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()

	sid := s.SessionID()
	if sid == "" {
		return fmt.Errorf("quotecast: subscribe: %w", domain.ErrNotConnected)
	}

	delta := s.ledger.DrainDelta()
	if delta.Empty() {
		return nil
	}
	if err := s.sendControl(ctx, sid, delta); err != nil {
		s.ledger.Revert(delta)
		return fmt.Errorf("quotecast: subscribe: %w", err)
	}
	s.logger.Debug("subscription delta sent",
		slog.Int("added", len(delta.Add)),
		slog.Int("removed", len(delta.Remove)),
	)
	return nil
}

func (s *Session) sendControl(ctx context.Context, sid string, delta Delta) error {
	body, err := json.Marshal(map[string]string{"controlData": delta.ControlData()})
	if err != nil {
		return fmt.Errorf("encode control data: %w", err)
	}

	s.mu.Lock()
	base := s.cfg.QuotecastURL
	s.mu.Unlock()

	resp, err := s.transport.Send(ctx, Request{
		Method: http.MethodPost,
		URL:    base + "/" + url.PathEscape(sid),
		Body:   body,
	})
	if err != nil {
		return err
	}
	return checkStatus("subscribe", resp)
}

// FetchNextBatch polls the upstream once. A transport failure triggers
// exactly one reconnect, with a full ledger replay, followed by one retried
// poll. Any other failure is returned as is.
func (s *Session) FetchNextBatch(ctx context.Context) (domain.Batch, error) {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	batch, err := s.fetchOnce(ctx)
	if err == nil {
		return batch, nil
	}
	if !IsTransportError(err) || ctx.Err() != nil {
		return domain.Batch{}, err
	}

	s.setState(domain.StateReconnecting)
	s.logger.Warn("quotecast fetch failed, reconnecting",
		slog.String("error", err.Error()),
	)

	if rerr := s.Reconnect(ctx); rerr != nil {
		s.clearSession()
		return domain.Batch{}, fmt.Errorf("quotecast: fetch: reconnect failed: %w", rerr)
	}

	batch, err = s.fetchOnce(ctx)
	if err != nil {
		if IsTransportError(err) {
			s.clearSession()
		}
		return domain.Batch{}, fmt.Errorf("quotecast: fetch after reconnect: %w", err)
	}

	s.logger.Info("quotecast session recovered",
		slog.String("session_id", batch.SessionID),
		slog.Int("records", len(batch.Records)),
	)
	return batch, nil
}

// FetchBatchOnce polls once without the reconnect FetchNextBatch performs.
// Callers that already spent their reconnect use it; a transport failure
// leaves the session disconnected.
func (s *Session) FetchBatchOnce(ctx context.Context) (domain.Batch, error) {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	batch, err := s.fetchOnce(ctx)
	if err != nil {
		if IsTransportError(err) && ctx.Err() == nil {
			s.clearSession()
		}
		return domain.Batch{}, err
	}
	return batch, nil
}

func (s *Session) fetchOnce(ctx context.Context) (domain.Batch, error) {
	s.mu.Lock()
	sid := s.sessionID
	base := s.cfg.QuotecastURL
	s.mu.Unlock()

	if sid == "" {
		return domain.Batch{}, fmt.Errorf("quotecast: fetch: %w", domain.ErrNotConnected)
	}

	resp, err := s.transport.Send(ctx, Request{
		Method: http.MethodGet,
		URL:    base + "/" + url.PathEscape(sid),
	})
	if err != nil {
		return domain.Batch{}, err
	}
	if err := checkStatus("fetch", resp); err != nil {
		return domain.Batch{}, err
	}

	now := time.Now().UTC()

	s.mu.Lock()
	if s.sessionID != sid {
		s.mu.Unlock()
		return domain.Batch{}, fmt.Errorf("quotecast: fetch: %w: session replaced during poll", domain.ErrNotConnected)
	}
	records, err := decodeMessages(resp.Body, s.refs)
	if err == nil {
		s.lastFetch = now
	}
	s.mu.Unlock()
	if err != nil {
		return domain.Batch{}, err
	}

	return domain.Batch{
		ID:         uuid.NewString(),
		SessionID:  sid,
		Records:    records,
		ReceivedAt: now,
	}, nil
}

// Disconnect drops the upstream session, the reference registry and the
// ledger. The upstream has no explicit close; the session simply expires.
func (s *Session) Disconnect() {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()

	sid := s.SessionID()
	s.clearSession()
	s.ledger.Reset()
	if sid != "" {
		s.logger.Info("quotecast session closed", slog.String("session_id", sid))
	}
}

func (s *Session) clearSession() {
	s.mu.Lock()
	s.sessionID = ""
	s.refs = make(references)
	s.state = domain.StateDisconnected
	s.mu.Unlock()
}

func (s *Session) setState(state domain.ConnectionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Status returns a point-in-time view of the session.
func (s *Session) Status() domain.SessionStatus {
	s.mu.Lock()
	st := domain.SessionStatus{
		State:      s.state.String(),
		SessionID:  s.sessionID,
		Reconnects: s.reconnects,
	}
	if !s.lastFetch.IsZero() {
		t := s.lastFetch
		st.LastFetchAt = &t
	}
	s.mu.Unlock()

	st.Subscriptions = s.ledger.Snapshot()
	return st
}
