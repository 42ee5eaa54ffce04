// Package scheduler runs the expiry sweep on a cron schedule.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"cadence/internal/engine"
)

// Runner is the operation the sweeper invokes on each tick.
type Runner interface {
	SweepExpired(ctx context.Context) (engine.SweepResult, error)
}

// Sweeper wraps a cron instance that calls Runner.SweepExpired. Ticks never
// overlap: a tick that fires while the previous run is still going is skipped.
type Sweeper struct {
	runner Runner
	cron   *cron.Cron
	logger *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a sweeper for schedule, a standard five-field cron spec or an
// "@every" descriptor, evaluated in loc.
func New(runner Runner, schedule string, loc *time.Location, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{logger: logger}
	s := &Sweeper{
		runner: runner,
		logger: logger,
		cron:   cron.New(cron.WithLocation(loc), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins ticking. Runs see a context derived from ctx, which Stop
// cancels.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("sweeper started")
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-done.Done()
	s.logger.Info("sweeper stopped")
}

// RunOnce performs a single sweep outside the schedule.
func (s *Sweeper) RunOnce(ctx context.Context) (engine.SweepResult, error) {
	return s.runner.SweepExpired(ctx)
}

func (s *Sweeper) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	if _, err := s.runner.SweepExpired(ctx); err != nil {
		s.logger.Error("sweep failed", slog.Any("err", err))
	}
}

// cronLogger routes cron's own messages into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{slog.Any("err", err)}, keysAndValues...)...)
}
