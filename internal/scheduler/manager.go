package scheduler

import (
	"context"
	"fmt"
	"time"

	"InvoiceLedger/internal/observability"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// Manager runs periodic ledger jobs on a gocron scheduler.
type Manager struct {
	scheduler gocron.Scheduler
	jobs      []Job
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewManager(metrics *observability.Metrics, logger zerolog.Logger) (*Manager, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Manager{scheduler: s, metrics: metrics, logger: logger}, nil
}

// Register adds a job. Jobs never overlap with themselves; a run that is
// still going when the next tick fires is rescheduled.
func (m *Manager) Register(ctx context.Context, job Job) error {
	_, err := m.scheduler.NewJob(
		gocron.DurationJob(job.Interval()),
		gocron.NewTask(func() { m.run(ctx, job) }),
		gocron.WithName(job.Name()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("register job %s: %w", job.Name(), err)
	}
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *Manager) Start() {
	m.scheduler.Start()
	names := make([]string, 0, len(m.jobs))
	for _, j := range m.jobs {
		names = append(names, j.Name())
	}
	m.logger.Info().Strs("jobs", names).Msg("scheduler started")
}

// Stop waits for running jobs to return.
func (m *Manager) Stop() error {
	if err := m.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	m.logger.Info().Msg("scheduler stopped")
	return nil
}

func (m *Manager) run(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	err := job.Execute(ctx)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.logger.Error().Err(err).Str("job", job.Name()).Msg("scheduled job failed")
	} else {
		m.logger.Debug().Str("job", job.Name()).Dur("took", time.Since(start)).Msg("scheduled job done")
	}
	if m.metrics != nil {
		m.metrics.JobRuns.WithLabelValues(job.Name(), outcome).Inc()
	}
}
