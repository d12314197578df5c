package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

type jobFake struct {
	name string
	err  error
	runs chan struct{}

	mu      sync.Mutex
	active  int
	overlap bool
	hold    time.Duration
}

func newJobFake(name string) *jobFake {
	return &jobFake{name: name, runs: make(chan struct{}, 16)}
}

func (j *jobFake) Name() string { return j.name }

func (j *jobFake) Run(context.Context) error {
	j.mu.Lock()
	j.active++
	if j.active > 1 {
		j.overlap = true
	}
	j.mu.Unlock()

	time.Sleep(j.hold)

	j.mu.Lock()
	j.active--
	j.mu.Unlock()

	select {
	case j.runs <- struct{}{}:
	default:
	}
	return j.err
}

func waitRun(t *testing.T, job *jobFake) {
	t.Helper()
	select {
	case <-job.runs:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s to run", job.name)
	}
}

func TestSchedulerRunsJobsAtStartAndStopsOnCancel(t *testing.T) {
	first := newJobFake("decrypt")
	second := newJobFake("mail-ingestion")
	second.err = errors.New("mailbox offline")

	s := New(
		Entry{Job: first, Interval: time.Hour, Stage: domain.StageDownloaded},
		Entry{Job: second, Interval: time.Hour},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitRun(t, first)
	waitRun(t, second)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler did not stop after cancel")
	}
}

func TestSchedulerNudgeTriggersEarlyRun(t *testing.T) {
	match := newJobFake("match-company")
	s := New(Entry{Job: match, Interval: time.Hour, Stage: domain.StageExpenseExtracted})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	waitRun(t, match)

	if err := s.HandleStageEvent(ctx, domain.StageEvent{DocumentID: 3, To: domain.StageExpenseExtracted}); err != nil {
		t.Fatalf("HandleStageEvent() error = %v", err)
	}
	waitRun(t, match)

	if s.Nudge(domain.StageProcessed) {
		t.Fatalf("expected no job polling PROCESSED")
	}
}

func TestSchedulerNudgesCoalesceAndNeverOverlap(t *testing.T) {
	job := newJobFake("send-group-pay")
	job.hold = 20 * time.Millisecond
	s := New(Entry{Job: job, Interval: time.Hour, Stage: domain.StageCompanyMatched})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	for i := 0; i < 10; i++ {
		s.Nudge(domain.StageCompanyMatched)
	}
	waitRun(t, job)
	waitRun(t, job)

	job.mu.Lock()
	defer job.mu.Unlock()
	if job.overlap {
		t.Fatalf("job runs overlapped")
	}
}

func TestSchedulerWithoutJobsFails(t *testing.T) {
	if err := New().Run(context.Background()); err == nil {
		t.Fatalf("expected error for empty scheduler")
	}
}
