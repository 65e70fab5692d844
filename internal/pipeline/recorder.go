package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/quotecast/internal/domain"
	"github.com/alanyoungcy/quotecast/internal/feed"
	"github.com/alanyoungcy/quotecast/internal/notify"
	"github.com/alanyoungcy/quotecast/internal/quotecast"
)

// Gate decides whether the recorder polls at a given moment.
type Gate interface {
	IsOpen(t time.Time) bool
}

// StatusPublisher announces session state changes to live consumers.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, ev feed.StatusEvent) error
}

// RecorderConfig controls the polling loop.
type RecorderConfig struct {
	PollInterval   time.Duration
	ConnectMaxWait time.Duration
	Subscriptions  map[string][]string
	LockKey        string
	LockTTL        time.Duration
}

// RecorderStats is a point-in-time view for status endpoints.
type RecorderStats struct {
	Polls       int64      `json:"polls"`
	Failures    int64      `json:"failures"`
	Paused      bool       `json:"paused"`
	LastBatchAt *time.Time `json:"last_batch_at,omitempty"`
}

// Recorder polls a quotecast session continuously and hands every merged
// batch to its sinks. It is the only poller of its session.
type Recorder struct {
	api      *quotecast.API
	cfg      RecorderConfig
	sinks    []Sink
	lock     domain.LockManager
	gate     Gate
	notifier *notify.Notifier
	status   StatusPublisher
	logger   *slog.Logger
	now      func() time.Time

	polls    atomic.Int64
	failures atomic.Int64
	paused   atomic.Bool

	mu          sync.Mutex
	lastBatchAt time.Time
	reconnects  int64
}

// RecorderOption customises a Recorder.
type RecorderOption func(*Recorder)

// WithLock guards the session with a distributed lock so only one process
// polls a given account.
func WithLock(lock domain.LockManager) RecorderOption {
	return func(r *Recorder) { r.lock = lock }
}

// WithGate pauses polling while the gate is closed.
func WithGate(g Gate) RecorderOption {
	return func(r *Recorder) { r.gate = g }
}

// WithNotifier sends operator alerts for reconnects, fetch failures,
// rejected credentials and a lost poller lock.
func WithNotifier(n *notify.Notifier) RecorderOption {
	return func(r *Recorder) { r.notifier = n }
}

// WithStatusPublisher announces session state changes to live consumers.
func WithStatusPublisher(p StatusPublisher) RecorderOption {
	return func(r *Recorder) { r.status = p }
}

// WithSinks adds sinks that receive every batch. It may be given more than
// once.
func WithSinks(sinks ...Sink) RecorderOption {
	return func(r *Recorder) { r.sinks = append(r.sinks, sinks...) }
}

// NewRecorder creates a Recorder. A zero PollInterval means one second, and
// the lock key and TTL default to "quotecast:poller" and 30 seconds.
func NewRecorder(api *quotecast.API, cfg RecorderConfig, logger *slog.Logger, opts ...RecorderOption) *Recorder {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "quotecast:poller"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	r := &Recorder{
		api:    api,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "recorder")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run takes the poller lock, connects, subscribes and polls until ctx ends,
// the upstream rejects the credential or the poller lock is lost. A lost
// lock returns domain.ErrLockLost so another process can take over polling.
func (r *Recorder) Run(ctx context.Context) error {
	var lost <-chan struct{}
	if r.lock != nil {
		unlock, l, err := r.lock.Acquire(ctx, r.cfg.LockKey, r.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("recorder: acquire poller lock: %w", err)
		}
		defer unlock()
		lost = l

		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-lost:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	if err := r.connect(ctx); err != nil {
		if isClosed(lost) {
			return r.lockLost()
		}
		return err
	}
	if err := r.api.Subscribe(ctx, domain.SubscriptionRequest{Subscriptions: r.cfg.Subscriptions}); err != nil {
		// The ledger keeps the subscriptions and the next reconnect replays them.
		if !quotecast.IsTransportError(err) {
			return fmt.Errorf("recorder: subscribe: %w", err)
		}
		r.logger.Warn("initial subscribe failed, relying on replay", slog.String("error", err.Error()))
	}

	r.logger.Info("recorder started",
		slog.Duration("poll_interval", r.cfg.PollInterval),
		slog.Int("instruments", len(r.cfg.Subscriptions)),
		slog.Int("sinks", len(r.sinks)),
	)
	r.notify(ctx, notify.EventRecorderStarted, "Quotecast recorder started",
		fmt.Sprintf("%d instruments, session %s", len(r.cfg.Subscriptions), r.api.Session().SessionID()))

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lost:
			return r.lockLost()
		case <-ctx.Done():
			if isClosed(lost) {
				return r.lockLost()
			}
			r.logger.Info("recorder stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.tick(ctx); err != nil {
				if isClosed(lost) {
					return r.lockLost()
				}
				return err
			}
		}
	}
}

func (r *Recorder) lockLost() error {
	r.logger.Error("poller lock lost, stopping", slog.String("key", r.cfg.LockKey))
	// ctx is already cancelled here.
	notifyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.notify(notifyCtx, notify.EventLockLost, "Quotecast poller lock lost",
		fmt.Sprintf("lock %s is no longer held; recorder stopped", r.cfg.LockKey))
	return fmt.Errorf("recorder: %s: %w", r.cfg.LockKey, domain.ErrLockLost)
}

// isClosed reports whether ch is closed. A nil channel never is.
func isClosed(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// tick runs one loop iteration. Only terminal conditions are returned.
func (r *Recorder) tick(ctx context.Context) error {
	open := r.gate == nil || r.gate.IsOpen(r.now())
	if wasPaused := r.paused.Swap(!open); wasPaused == open {
		if open {
			r.logger.Info("venue open, resuming polling")
		} else {
			r.logger.Info("venue closed, pausing polling")
		}
	}
	if !open {
		return nil
	}

	if r.api.Session().State() == domain.StateDisconnected {
		if err := r.connect(ctx); err != nil {
			return err
		}
	}

	err := r.PollOnce(ctx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, domain.ErrSessionRejected):
		return err
	default:
		return nil
	}
}

// PollOnce fetches and merges one batch and fans it out to every sink.
func (r *Recorder) PollOnce(ctx context.Context) error {
	batch, res, err := r.api.FetchData(ctx)
	r.polls.Add(1)
	r.checkReconnects(ctx)

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.failures.Add(1)
		r.logger.Error("poll failed", slog.String("error", err.Error()))
		r.notify(ctx, notify.EventFetchFailed, "Quotecast fetch failed", err.Error())
		r.publishStatus(ctx, err.Error())
		return fmt.Errorf("recorder: fetch: %w", err)
	}

	r.mu.Lock()
	r.lastBatchAt = batch.ReceivedAt
	r.mu.Unlock()

	return r.fanOut(ctx, batch, res)
}

func (r *Recorder) fanOut(ctx context.Context, batch domain.Batch, res quotecast.MergeResult) error {
	var g errgroup.Group
	for _, s := range r.sinks {
		g.Go(func() error {
			if err := s.Write(ctx, batch, res); err != nil {
				r.logger.Error("sink write failed",
					slog.String("sink", s.Name()),
					slog.String("batch_id", batch.ID),
					slog.String("error", err.Error()),
				)
				return fmt.Errorf("sink %s: %w", s.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// connect opens the session with exponential backoff. A rejected
// credential stops the retries at once.
func (r *Recorder) connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = r.cfg.ConnectMaxWait

	op := func() error {
		err := r.api.Connect(ctx)
		if errors.Is(err, domain.ErrSessionRejected) {
			return backoff.Permanent(err)
		}
		return err
	}
	onRetry := func(err error, wait time.Duration) {
		r.logger.Warn("connect failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("wait", wait),
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), onRetry); err != nil {
		if errors.Is(err, domain.ErrSessionRejected) {
			r.notify(ctx, notify.EventSessionRejected, "Quotecast credential rejected", err.Error())
		}
		return fmt.Errorf("recorder: connect: %w", err)
	}

	r.mu.Lock()
	r.reconnects = r.api.Session().Status().Reconnects
	r.mu.Unlock()
	r.publishStatus(ctx, "")
	return nil
}

// checkReconnects reports reconnects the session made inside a fetch.
func (r *Recorder) checkReconnects(ctx context.Context) {
	st := r.api.Session().Status()
	r.mu.Lock()
	changed := st.Reconnects > r.reconnects
	r.reconnects = st.Reconnects
	r.mu.Unlock()

	if !changed {
		return
	}
	r.logger.Info("session reconnected", slog.String("session_id", st.SessionID))
	r.notify(ctx, notify.EventSessionReconnected, "Quotecast session reconnected",
		fmt.Sprintf("new session %s, %d reconnects so far", st.SessionID, st.Reconnects))
	r.publishStatus(ctx, "reconnected")
}

func (r *Recorder) publishStatus(ctx context.Context, reason string) {
	if r.status == nil {
		return
	}
	st := r.api.Session().Status()
	if err := r.status.PublishStatus(ctx, feed.StatusEvent{
		State:     st.State,
		SessionID: st.SessionID,
		Reason:    reason,
	}); err != nil {
		r.logger.Warn("publish status failed", slog.String("error", err.Error()))
	}
}

func (r *Recorder) notify(ctx context.Context, event, title, message string) {
	if err := r.notifier.Notify(ctx, event, title, message); err != nil {
		r.logger.Warn("notification failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// Stats returns counters for status endpoints.
func (r *Recorder) Stats() RecorderStats {
	st := RecorderStats{
		Polls:    r.polls.Load(),
		Failures: r.failures.Load(),
		Paused:   r.paused.Load(),
	}
	r.mu.Lock()
	if !r.lastBatchAt.IsZero() {
		at := r.lastBatchAt
		st.LastBatchAt = &at
	}
	r.mu.Unlock()
	return st
}
