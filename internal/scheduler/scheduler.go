// Package scheduler runs the polling loop that executes due scheduled
// tasks against the agent and records their outcomes.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/koclaw/internal/agent"
	otelx "github.com/basket/koclaw/internal/otel"
	"github.com/basket/koclaw/internal/persistence"
)

// DefaultInterval is the poll cadence when none is configured. Schedules
// have minute resolution, so polling faster buys nothing.
const DefaultInterval = 60 * time.Second

// Config holds the dependencies for the scheduler.
type Config struct {
	Store    *persistence.Store
	Agent    agent.Agent
	Logger   *slog.Logger
	Metrics  *otelx.Metrics
	Interval time.Duration    // tick interval; defaults to DefaultInterval if zero
	Now      func() time.Time // clock override, for tests
}

// Scheduler periodically queries the store for due tasks and executes
// each one serially against the agent.
type Scheduler struct {
	store    *persistence.Store
	agent    agent.Agent
	logger   *slog.Logger
	metrics  *otelx.Metrics
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler with the given config.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		store:    cfg.Store,
		agent:    cfg.Agent,
		logger:   logger,
		metrics:  cfg.Metrics,
		interval: interval,
		now:      now,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit. A task
// already executing finishes before Stop returns.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// loop ticks at the configured interval and runs a poll on each tick.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Poll immediately on startup, then on each tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one poll iteration: query due tasks and execute each serially.
// One task's failure never stops the iteration; a store failure ends the
// iteration and the next tick retries. Exported so tests and one-shot
// callers can drive the scheduler without the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.store.DueTasks(ctx, s.now())
	if err != nil {
		s.logger.Error("scheduler: failed to query due tasks", "error", err)
		return
	}
	for _, task := range due {
		if ctx.Err() != nil {
			return
		}
		s.runTask(ctx, task)
	}
}
