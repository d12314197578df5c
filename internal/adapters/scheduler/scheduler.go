package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
	"github.com/kirillkom/expense-pipeline/internal/core/ports"
)

// Entry binds a job to its ticker. Stage is optional: when set, a stage event
// announcing a document entering Stage triggers an early run.
type Entry struct {
	Job      ports.Job
	Interval time.Duration
	Stage    domain.Stage
}

type slot struct {
	Entry
	nudge chan struct{}
}

// Scheduler runs every job on its own goroutine. Runs of the same job never overlap.
type Scheduler struct {
	slots   []*slot
	byStage map[domain.Stage][]*slot
}

func New(entries ...Entry) *Scheduler {
	s := &Scheduler{byStage: make(map[domain.Stage][]*slot)}
	for _, entry := range entries {
		if entry.Job == nil {
			continue
		}
		if entry.Interval <= 0 {
			entry.Interval = time.Minute
		}
		sl := &slot{Entry: entry, nudge: make(chan struct{}, 1)}
		s.slots = append(s.slots, sl)
		if entry.Stage != "" {
			s.byStage[entry.Stage] = append(s.byStage[entry.Stage], sl)
		}
	}
	return s
}

// Nudge asks the jobs polling stage to run as soon as they are idle. Pending nudges coalesce.
func (s *Scheduler) Nudge(stage domain.Stage) bool {
	nudged := false
	for _, sl := range s.byStage[stage] {
		select {
		case sl.nudge <- struct{}{}:
			nudged = true
		default:
		}
	}
	return nudged
}

// HandleStageEvent matches the event subscriber handler signature.
func (s *Scheduler) HandleStageEvent(_ context.Context, event domain.StageEvent) error {
	if s.Nudge(event.To) {
		slog.Debug("scheduler_nudged", "stage", event.To, "document_id", event.DocumentID)
	}
	return nil
}

// Run blocks until ctx is cancelled. Every job runs once at start.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.slots) == 0 {
		return errors.New("scheduler has no jobs")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, sl := range s.slots {
		g.Go(func() error {
			s.loop(ctx, sl)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, sl *slot) {
	slog.Info("scheduler_job_started", "job", sl.Job.Name(), "interval", sl.Interval.String(), "stage", sl.Stage)
	ticker := time.NewTicker(sl.Interval)
	defer ticker.Stop()

	for {
		s.runOnce(ctx, sl.Job)
		select {
		case <-ctx.Done():
			slog.Info("scheduler_job_stopped", "job", sl.Job.Name())
			return
		case <-ticker.C:
		case <-sl.nudge:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job ports.Job) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler_job_panic", "job", job.Name(), "panic", fmt.Sprint(r))
		}
	}()
	if err := job.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("scheduler_job_failed", "job", job.Name(), "error", err)
	}
}
