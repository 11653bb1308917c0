package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "err", err)...)
}

// Scheduler runs the sweeper on a fixed interval. A tick that fires while the
// previous sweep is still running is skipped.
type Scheduler struct {
	sweeper *Sweeper
	cron    *cron.Cron
	every   time.Duration
	logger  *slog.Logger
}

// NewScheduler builds a Scheduler; every must be positive.
func NewScheduler(s *Sweeper, every time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if every <= 0 {
		return nil, fmt.Errorf("cleanup interval must be positive, got %s", every)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "cleanup_scheduler"))
	cl := cronLogger{logger}
	return &Scheduler{
		sweeper: s,
		every:   every,
		logger:  logger,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
	}, nil
}

// Start schedules the sweeps. They run with ctx and stop being scheduled when
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc("@every "+s.every.String(), func() {
		if _, err := s.sweeper.Sweep(ctx, time.Now()); err != nil && ctx.Err() == nil {
			s.logger.Warn("scheduled cleanup failed", slog.Any("err", err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	s.cron.Start()
	s.logger.Info("cleanup scheduled",
		slog.Duration("interval", s.every),
		slog.Duration("retention", s.sweeper.Retention),
		slog.Bool("dry_run", s.sweeper.DryRun))
	return nil
}

// Stop prevents further sweeps and waits for a running one to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
