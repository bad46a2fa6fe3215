// Package scheduler runs periodic wallet sweeps on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled run.
type Job func(ctx context.Context)

// Scheduler wraps a cron instance with a single job. A run that is still
// going when the next tick fires causes that tick to be skipped.
type Scheduler struct {
	cron     *cron.Cron
	job      cron.Job
	schedule string
	entryID  cron.EntryID
	logger   *slog.Logger
	cancel   context.CancelFunc
}

// New parses schedule (standard five fields or descriptors like "@every 15m")
// and binds job to it. Runs receive a context cancelled by Stop.
func New(schedule string, job Job, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	s := &Scheduler{cron: c, schedule: schedule, logger: logger, cancel: cancel}
	id, err := c.AddFunc(schedule, func() {
		start := time.Now()
		logger.Info("scheduled sweep started")
		job(ctx)
		logger.Info("scheduled sweep finished", "duration", time.Since(start))
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("parsing sync schedule %q: %w", schedule, err)
	}
	s.entryID = id
	s.job = c.Entry(id).WrappedJob
	return s, nil
}

// Start begins ticking in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "schedule", s.schedule, "next", s.Next())
}

// Run executes the job now through the same chain as scheduled runs.
func (s *Scheduler) Run() { s.job.Run() }

// Next is the next scheduled run, zero before Start.
func (s *Scheduler) Next() time.Time { return s.cron.Entry(s.entryID).Next }

// Stop prevents new runs, cancels the context of a running one and waits
// for it to return, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
