// Package scheduler runs periodic maintenance jobs for the coordination
// substrate: purging archived workflows past their retention window and
// sweeping idle conversation threads from the registry.
//
// Jobs carry standard cron expressions. The scheduler polls on a fixed
// interval and fires whichever jobs have come due, so a slow job never
// blocks the wall clock.
package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Config configures the maintenance scheduler.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return 30 * time.Second
	}
	return c.PollInterval
}

// JobFunc is a single maintenance job run. Errors are logged and
// counted, never fatal.
type JobFunc func(ctx context.Context) error

type job struct {
	name    string
	expr    string
	run     JobFunc
	nextRun time.Time
}

// Scheduler fires registered jobs according to their cron expressions.
type Scheduler struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	parser  cron.Parser

	mu   sync.Mutex
	jobs []*job
}

// New creates a Scheduler with no jobs registered.
func New(cfg Config, logger *slog.Logger, metrics *Metrics) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// AddJob registers a named job with a cron expression.
// Returns an error if the expression does not parse.
func (s *Scheduler) AddJob(name, expr string, run JobFunc) error {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{
		name:    name,
		expr:    expr,
		run:     run,
		nextRun: sched.Next(time.Now().UTC()),
	})
	return nil
}

// Start begins the scheduler loop and returns a cancel function.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "maintenance scheduler started",
			slog.String("poll_interval", s.cfg.pollInterval().String()),
			slog.Int("jobs", len(s.jobs)),
		)

		ticker := time.NewTicker(s.cfg.pollInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("maintenance scheduler stopped")
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()

	return cancel
}

// tick fires every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	now := start.UTC()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.nextRun.After(now) {
			due = append(due, j)
			sched, err := s.parser.Parse(j.expr)
			if err == nil {
				j.nextRun = sched.Next(now)
			}
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.fire(ctx, j)
	}

	if s.metrics != nil {
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
}

func (s *Scheduler) fire(ctx context.Context, j *job) {
	s.logger.InfoContext(ctx, "firing maintenance job", slog.String("job", j.name))
	if s.metrics != nil {
		s.metrics.JobsFired.Inc()
	}

	if err := j.run(ctx); err != nil {
		s.logger.ErrorContext(ctx, "maintenance job failed",
			slog.String("job", j.name),
			slog.String("error", err.Error()),
		)
		if s.metrics != nil {
			s.metrics.JobsFailed.Inc()
		}
		return
	}
	if s.metrics != nil {
		s.metrics.JobsSucceeded.Inc()
	}
}

// NextRun returns the next scheduled time for a named job, for status
// endpoints. The zero time means the job is unknown.
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			return j.nextRun
		}
	}
	return time.Time{}
}
