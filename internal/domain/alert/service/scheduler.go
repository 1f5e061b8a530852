package service

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs EvaluateAlerts on a cron spec until its context ends.
type Scheduler struct {
	cron   *cron.Cron
	svc    *AlertService
	spec   string
	logger zerolog.Logger
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// NewScheduler validates spec. Overlapping runs are skipped.
func NewScheduler(svc *AlertService, spec string) (*Scheduler, error) {
	logger := svc.logger.With().Str("schedule", spec).Logger()
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid alert schedule %q: %w", spec, err)
	}
	return &Scheduler{cron: c, svc: svc, spec: spec, logger: logger}, nil
}

// Run evaluates once immediately, then on every tick, and returns after ctx
// is done and the running evaluation has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	run := func() {
		if _, err := s.svc.EvaluateAlerts(ctx); err != nil {
			s.logger.Error().Err(err).Msg("scheduled alert evaluation failed")
		}
	}

	if _, err := s.cron.AddFunc(s.spec, run); err != nil {
		return fmt.Errorf("invalid alert schedule %q: %w", s.spec, err)
	}

	s.logger.Info().Msg("alert scheduler started")
	run()
	s.cron.Start()

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("alert scheduler stopped")
	return nil
}
