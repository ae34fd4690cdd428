package update

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Pipeline is one update pass, implemented by Updater.
type Pipeline interface {
	RunOnce(ctx context.Context) error
}

// Scheduler invokes the pipeline on a fixed interval until shut down.
// A shutdown request never interrupts an in-flight pass; it only prevents
// the next one from starting.
type Scheduler struct {
	pipeline Pipeline
	shutdown *atomic.Bool
	log      *slog.Logger
	interval time.Duration
}

// NewScheduler creates a Scheduler driven by the shared run-state flag.
func NewScheduler(pipeline Pipeline, shutdown *atomic.Bool, interval time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &Scheduler{
		pipeline: pipeline,
		shutdown: shutdown,
		log:      log,
		interval: interval,
	}
}

// Run starts the tick loop, blocking until shutdown is requested or ctx is
// cancelled between ticks. Pipeline errors are reported, never propagated.
func (s *Scheduler) Run(ctx context.Context) {
	// Ticks run on a non-cancelable child context so that cancelling ctx
	// (the shutdown signal) drains the in-flight pass instead of cutting
	// it short.
	tickCtx := context.WithoutCancel(ctx)

	s.tick(tickCtx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("update loop exited")
			return
		case <-ticker.C:
			if s.shutdown.Load() {
				s.log.Info("update loop exited")
				return
			}
			s.tick(tickCtx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.pipeline.RunOnce(ctx); err != nil {
		s.log.Error("update pass", "error", err)
	}
}
