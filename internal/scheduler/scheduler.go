// Package scheduler runs the periodic reconciliation sweeps: offer
// expiration, cancellation auto-approval, dispute auto-close, and the
// one-shot reminders. Every task uses the same conditional-update discipline
// as the API paths, so a sweep racing a user action yields exactly one
// winner.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridianworks/meridian/internal/metrics"
)

// TaskFunc is one sweep pass. It reports how many entities it processed and
// how many failed; per-entity failures must not abort the pass.
type TaskFunc func(ctx context.Context, now time.Time) (processed, failed int)

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
}

// Scheduler drives registered tasks on independent tickers.
type Scheduler struct {
	tasks   []task
	logger  *slog.Logger
	stop    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// New creates a new scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Register adds a named task. Must be called before Start.
func (s *Scheduler) Register(name string, interval time.Duration, fn TaskFunc) {
	s.tasks = append(s.tasks, task{name: name, interval: interval, fn: fn})
}

// Running reports whether the scheduler loops are active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start launches one ticker loop per task. Call in a goroutine; returns when
// the context is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	s.wg.Wait()
}

// Stop signals all task loops to stop.
func (s *Scheduler) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

func (s *Scheduler) loop(ctx context.Context, t task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeRun(ctx, t)
		}
	}
}

// safeRun executes one pass with panic recovery so a broken task never takes
// down its loop or the process.
func (s *Scheduler) safeRun(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduler task", "task", t.name, "panic", fmt.Sprint(r))
			metrics.SweepFailuresTotal.WithLabelValues(t.name).Inc()
		}
	}()

	processed, failed := t.fn(ctx, time.Now().UTC())
	metrics.SweepRunsTotal.WithLabelValues(t.name).Inc()
	if failed > 0 {
		metrics.SweepFailuresTotal.WithLabelValues(t.name).Add(float64(failed))
		s.logger.Warn("sweep finished with failures", "task", t.name, "processed", processed, "failed", failed)
	} else if processed > 0 {
		s.logger.Info("sweep finished", "task", t.name, "processed", processed)
	}
}
