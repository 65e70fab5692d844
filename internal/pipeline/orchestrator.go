package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Orchestrator runs the recorder and, when configured, the archiver.
type Orchestrator struct {
	recorder *Recorder
	archiver *Archiver
	logger   *slog.Logger
}

// NewOrchestrator wires the pipeline. archiver may be nil.
func NewOrchestrator(recorder *Recorder, archiver *Archiver, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{recorder: recorder, archiver: archiver, logger: logger}
}

// Recorder returns the recorder for status reporting.
func (o *Orchestrator) Recorder() *Recorder { return o.recorder }

// Run starts every part under one errgroup. A failing part cancels the
// others; cancellation of ctx is a clean stop.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline starting", slog.Bool("archiver", o.archiver != nil))
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := o.recorder.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	if o.archiver != nil {
		g.Go(func() error {
			err := o.archiver.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pipeline: archiver: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline stopped cleanly")
	return nil
}
