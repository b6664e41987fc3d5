// Package scheduler runs collector ticks on a cron schedule. A tick that is
// due while the previous one is still running is skipped, not queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/kisy/vpnledger/pkg/stats"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs once a minute.
const DefaultSchedule = "* * * * *"

// Ticker is the work done on every schedule activation.
type Ticker interface {
	Tick(ctx context.Context) (stats.TickResult, error)
}

type Scheduler struct {
	cron   *cron.Cron
	job    cron.Job
	ticker Ticker
	logger hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New validates expr (standard five-field cron or a descriptor such as
// "@every 30s") and prepares the schedule. Nothing runs until Start.
func New(expr string, ticker Ticker, loc *time.Location, logger hclog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if loc == nil {
		loc = time.Local
	}

	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}

	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
		),
		ticker: ticker,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	s.job = cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(s.run))
	s.cron.Schedule(schedule, s.job)
	return s, nil
}

func (s *Scheduler) run() {
	res, err := s.ticker.Tick(s.ctx)
	switch {
	case errors.Is(err, stats.ErrTickInProgress):
		s.logger.Debug("tick skipped, previous one still running")
	case err != nil:
		// Fatal to this tick only, the next activation retries.
		s.logger.Error("tick failed", "error", err)
	default:
		s.logger.Debug("tick done", "day", res.Day, "clients", res.Clients,
			"saved", res.Saved, "duration", res.Duration)
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "next", s.Next())
}

// Next returns the next activation time, zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stop cancels the running tick's context and waits for it to return, or for
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running tick: %w", ctx.Err())
	}
}

// cronLogger adapts hclog.Logger to cron.Logger.
type cronLogger struct {
	logger hclog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Trace(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
