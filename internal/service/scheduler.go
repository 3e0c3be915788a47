package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs a top-up of every service once an hour.
const DefaultSchedule = "@hourly"

// Scheduler periodically tops up every registered service.
type Scheduler struct {
	registry    *Registry
	cron        *cron.Cron
	opts        TopUpOptions
	concurrency int
	logger      *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler firing on spec, a five-field cron
// expression or a descriptor such as "@every 30m".
func NewScheduler(r *Registry, spec string, opts TopUpOptions, concurrency int, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if spec == "" {
		spec = DefaultSchedule
	}
	cl := cronLogger{logger: logger}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	s := &Scheduler{
		registry:    r,
		cron:        c,
		opts:        opts,
		concurrency: concurrency,
		logger:      logger,
	}
	if _, err := c.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins firing. Jobs run under a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started", "entries", len(s.cron.Entries()))
}

// Stop cancels running top-ups, which then finish as partial, and waits
// for them to be recorded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	_ = s.RunOnce(ctx)
}

// RunOnce tops up all services immediately.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	jobs, err := s.registry.TopUpAll(ctx, s.opts, s.concurrency)
	for _, job := range jobs {
		s.logger.Info("scheduled top-up finished", "job_id", job.ID, "service_id", job.ServiceID,
			"state", job.State, "processed", job.Processed)
	}
	if err != nil {
		s.logger.Error("scheduled top-up failed", "error", err)
	}
	return err
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
