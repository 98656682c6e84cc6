package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddJobRejectsBadExpression(t *testing.T) {
	s := New(Config{}, nil, nil)
	if err := s.AddJob("bad", "not a cron expr", nil); err == nil {
		t.Fatal("expected parse error")
	}
	if err := s.AddJob("hourly", "0 * * * *", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
}

func TestNextRun(t *testing.T) {
	s := New(Config{}, nil, nil)
	if err := s.AddJob("hourly", "0 * * * *", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	next := s.NextRun("hourly")
	if next.IsZero() {
		t.Fatal("expected a scheduled next run")
	}
	if next.Before(time.Now().UTC()) {
		t.Errorf("next run %v is in the past", next)
	}
	if !s.NextRun("unknown").IsZero() {
		t.Error("unknown job must report the zero time")
	}
}

func TestTickFiresDueJobsAndReschedules(t *testing.T) {
	s := New(Config{}, nil, nil)

	var fired atomic.Int32
	if err := s.AddJob("sweep", "* * * * *", func(ctx context.Context) error {
		fired.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	// Force the job due, then tick once.
	s.mu.Lock()
	s.jobs[0].nextRun = time.Now().UTC().Add(-time.Second)
	s.mu.Unlock()

	s.tick(context.Background())
	if fired.Load() != 1 {
		t.Fatalf("fired = %d, want 1", fired.Load())
	}

	// Rescheduled into the future, so an immediate second tick is a no-op.
	s.tick(context.Background())
	if fired.Load() != 1 {
		t.Fatalf("fired after reschedule = %d, want 1", fired.Load())
	}
	if s.NextRun("sweep").Before(time.Now().UTC()) {
		t.Error("job not rescheduled into the future")
	}
}

func TestTickSurvivesFailingJob(t *testing.T) {
	s := New(Config{}, nil, nil)

	var ran atomic.Int32
	if err := s.AddJob("broken", "* * * * *", func(ctx context.Context) error {
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.AddJob("healthy", "* * * * *", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	s.mu.Lock()
	for _, j := range s.jobs {
		j.nextRun = time.Now().UTC().Add(-time.Second)
	}
	s.mu.Unlock()

	s.tick(context.Background())
	if ran.Load() != 1 {
		t.Fatalf("healthy job ran %d times, want 1", ran.Load())
	}
}

func TestStartLoopFiresDueJob(t *testing.T) {
	s := New(Config{PollInterval: 10 * time.Millisecond}, nil, nil)

	var fired atomic.Int32
	if err := s.AddJob("purge", "* * * * *", func(ctx context.Context) error {
		fired.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	s.mu.Lock()
	s.jobs[0].nextRun = time.Now().UTC().Add(-time.Second)
	s.mu.Unlock()

	cancel := s.Start(context.Background())
	defer cancel()

	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never fired from the scheduler loop")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
