package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/quotecast/internal/domain"
	"github.com/alanyoungcy/quotecast/internal/quotecast"
)

// BatchArchive stores a group of raw batches as one object.
type BatchArchive interface {
	Archive(ctx context.Context, batches []domain.Batch, at time.Time) (string, error)
}

// maxBufferedBatches caps memory when uploads keep failing; the oldest
// batches are dropped first.
const maxBufferedBatches = 100_000

// Archiver buffers raw batches and uploads them on an interval. It is a
// Sink so the recorder feeds it like any other destination.
type Archiver struct {
	archive  BatchArchive
	interval time.Duration
	logger   *slog.Logger

	mu  sync.Mutex
	buf []domain.Batch
}

func NewArchiver(archive BatchArchive, interval time.Duration, logger *slog.Logger) *Archiver {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Archiver{
		archive:  archive,
		interval: interval,
		logger:   logger.With(slog.String("component", "archiver")),
	}
}

func (a *Archiver) Name() string { return "archive" }

// Write buffers batch. Heartbeat-only batches are not archived.
func (a *Archiver) Write(_ context.Context, batch domain.Batch, _ quotecast.MergeResult) error {
	if len(batch.Records) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = append(a.buf, batch)
	if over := len(a.buf) - maxBufferedBatches; over > 0 {
		a.buf = append([]domain.Batch(nil), a.buf[over:]...)
		a.logger.Warn("archive buffer full, dropping oldest batches", slog.Int("dropped", over))
	}
	return nil
}

// Pending returns the number of buffered batches.
func (a *Archiver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// Flush uploads everything buffered. On failure the batches go back to
// the front of the buffer for the next attempt.
func (a *Archiver) Flush(ctx context.Context) (string, error) {
	a.mu.Lock()
	pending := a.buf
	a.buf = nil
	a.mu.Unlock()

	if len(pending) == 0 {
		return "", nil
	}
	key, err := a.archive.Archive(ctx, pending, time.Now())
	if err != nil {
		a.mu.Lock()
		a.buf = append(pending, a.buf...)
		a.mu.Unlock()
		return "", fmt.Errorf("archive %d batches: %w", len(pending), err)
	}
	a.logger.Info("archived batches",
		slog.String("path", key),
		slog.Int("batches", len(pending)),
	)
	return key, nil
}

// Run flushes every interval until ctx ends, then makes a final flush.
func (a *Archiver) Run(ctx context.Context) error {
	a.logger.Info("archiver started", slog.Duration("interval", a.interval))
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			if _, err := a.Flush(flushCtx); err != nil {
				a.logger.Error("final archive flush failed", slog.String("error", err.Error()))
			}
			cancel()
			a.logger.Info("archiver stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.Flush(ctx); err != nil {
				a.logger.Error("archive flush failed", slog.String("error", err.Error()))
			}
		}
	}
}
