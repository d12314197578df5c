package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
	"github.com/kirillkom/expense-pipeline/internal/core/ports"
)

const (
	OutcomeAdvanced  = "advanced"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeClaimLost = "claim_lost"

	releaseTimeout = 10 * time.Second
)

var errClaimLost = errors.New("claim lost")

// StageHandler does the stage-specific work for one claimed document.
// It returns the stage to move to, or "" to leave the stage unchanged.
// A returned error leaves the stage unchanged so the document is retried after the retry delay.
type StageHandler interface {
	Stage() domain.Stage
	Handle(ctx context.Context, doc *domain.Document) (domain.Stage, error)
}

type StageJobOptions struct {
	RetryDelay  time.Duration
	Concurrency int
	BatchSize   int
	ItemTimeout time.Duration
}

func (o StageJobOptions) normalize() StageJobOptions {
	out := o
	if out.RetryDelay <= 0 {
		out.RetryDelay = 10 * time.Minute
	}
	if out.Concurrency <= 0 {
		out.Concurrency = 4
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 100
	}
	return out
}

// StageJob polls one stage, claims eligible documents and runs the stage handler for each of them.
type StageJob struct {
	name        string
	handler     StageHandler
	repo        ports.DocumentRepository
	transitions *StageTransitionService
	metrics     ports.PipelineMetrics
	opts        StageJobOptions
	now         func() time.Time
}

func NewStageJob(
	name string,
	handler StageHandler,
	repo ports.DocumentRepository,
	transitions *StageTransitionService,
	metrics ports.PipelineMetrics,
	opts StageJobOptions,
) *StageJob {
	return &StageJob{
		name:        name,
		handler:     handler,
		repo:        repo,
		transitions: transitions,
		metrics:     metrics,
		opts:        opts.normalize(),
		now:         time.Now,
	}
}

func (j *StageJob) Name() string {
	return j.name
}

func (j *StageJob) Stage() domain.Stage {
	return j.handler.Stage()
}

func (j *StageJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.now().UTC().Add(-j.opts.RetryDelay)

	docs, err := j.repo.FindEligible(ctx, j.handler.Stage(), cutoff, j.opts.BatchSize)
	if err != nil {
		err = fmt.Errorf("find eligible documents for %s: %w", j.handler.Stage(), err)
		j.observeTick(0, start, err)
		return err
	}
	if len(docs) == 0 {
		slog.Debug("stage_job_idle", "job", j.name, "stage", j.handler.Stage())
		j.observeTick(0, start, nil)
		return nil
	}

	slog.Info("stage_job_tick", "job", j.name, "stage", j.handler.Stage(), "documents", len(docs))

	items := make([]*domain.Document, 0, len(docs))
	for i := range docs {
		items = append(items, &docs[i])
	}
	stats := DispatchEach(ctx, j.opts.Concurrency, items, func(ctx context.Context, doc *domain.Document) error {
		return j.process(ctx, doc, cutoff)
	})

	slog.Info("stage_job_done",
		"job", j.name,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
	)
	j.observeTick(len(docs), start, nil)
	return nil
}

func (j *StageJob) process(ctx context.Context, doc *domain.Document, cutoff time.Time) (err error) {
	claimed, err := j.transitions.Claim(ctx, doc, cutoff)
	if err != nil {
		slog.Error("stage_job_claim_failed", "job", j.name, "document_id", doc.ID, "file_name", doc.FileName, "error", err)
		j.observeItem(OutcomeFailed)
		return err
	}
	if !claimed {
		slog.Debug("stage_job_claim_lost", "job", j.name, "document_id", doc.ID)
		j.observeItem(OutcomeClaimLost)
		return errClaimLost
	}

	if j.metrics != nil {
		j.metrics.ItemStarted(j.name)
	}
	outcome := OutcomeFailed
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		released, releaseErr := j.transitions.Release(releaseCtx, doc)
		switch {
		case releaseErr != nil:
			slog.Error("stage_job_release_failed", "job", j.name, "document_id", doc.ID, "file_name", doc.FileName, "error", releaseErr)
		case !released:
			slog.Warn("stage_job_lease_lost", "job", j.name, "document_id", doc.ID, "file_name", doc.FileName)
		}
		j.itemFinished(outcome)
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage handler panic: %v", r)
			slog.Error("stage_job_handler_panic", "job", j.name, "document_id", doc.ID, "file_name", doc.FileName, "panic", r)
			outcome = OutcomeFailed
		}
	}()

	handlerCtx := ctx
	if j.opts.ItemTimeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, j.opts.ItemTimeout)
		defer cancel()
	}

	next, err := j.handler.Handle(handlerCtx, doc)
	if err != nil {
		slog.Warn("stage_job_item_failed", "job", j.name, "document_id", doc.ID, "file_name", doc.FileName, "stage", doc.Stage, "error", err)
		return err
	}
	if next == "" {
		outcome = OutcomeSkipped
		return nil
	}
	if err := j.transitions.ChangeStage(ctx, doc, next); err != nil {
		slog.Error("stage_job_change_stage_failed", "job", j.name, "document_id", doc.ID, "file_name", doc.FileName, "to", next, "error", err)
		return err
	}
	outcome = OutcomeAdvanced
	return nil
}

func (j *StageJob) itemFinished(outcome string) {
	if j.metrics != nil {
		j.metrics.ItemFinished(j.name, outcome)
	}
}

func (j *StageJob) observeItem(outcome string) {
	if j.metrics != nil {
		j.metrics.ObserveItem(j.name, outcome)
	}
}

func (j *StageJob) observeTick(items int, start time.Time, err error) {
	if j.metrics != nil {
		j.metrics.ObserveTick(j.name, items, time.Since(start), err)
	}
}
