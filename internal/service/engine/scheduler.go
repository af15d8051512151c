package engine

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/feichai0017/table-dispatcher/pkg/logger"
)

const (
	DefaultScanSpec  = "0 */5 * * * *"
	DefaultSweepSpec = "0 0 2 * * *"
)

// Pass is a periodic entry point.
type Pass interface {
	Scan(ctx context.Context) PassSummary
	Sweep(ctx context.Context) PassSummary
}

// Scheduler fires the scan and the sweep on cron schedules with a seconds
// field.
type Scheduler struct {
	cron   *cron.Cron
	pass   Pass
	logger logger.Logger
}

func NewScheduler(pass Pass, log logger.Logger) *Scheduler {
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		pass:   pass,
		logger: log,
	}
}

// Start registers both passes and starts the cron loop. Passes run with ctx.
func (s *Scheduler) Start(ctx context.Context, scanSpec, sweepSpec string) error {
	if scanSpec == "" {
		scanSpec = DefaultScanSpec
	}
	if sweepSpec == "" {
		sweepSpec = DefaultSweepSpec
	}

	if _, err := s.cron.AddFunc(scanSpec, func() { s.pass.Scan(ctx) }); err != nil {
		return fmt.Errorf("failed to add scan job: %w", err)
	}
	if _, err := s.cron.AddFunc(sweepSpec, func() { s.pass.Sweep(ctx) }); err != nil {
		return fmt.Errorf("failed to add sweep job: %w", err)
	}

	s.cron.Start()
	for _, entry := range s.cron.Entries() {
		s.logger.Info("Scheduled pass",
			logger.Int("entryId", int(entry.ID)),
			logger.Time("next", entry.Next))
	}
	return nil
}

// Stop halts the cron loop and waits for running passes.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

type cronLogger struct {
	log logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug(msg, pairs(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error(msg, append(pairs(keysAndValues), logger.Error(err))...)
}

func pairs(kv []interface{}) []logger.Field {
	fields := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logger.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
