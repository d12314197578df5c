package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
	"github.com/kirillkom/expense-pipeline/internal/core/ports"
)

// StageTransitionService is the only path that moves a document between stages or flips its claim flag.
type StageTransitionService struct {
	repo    ports.DocumentRepository
	events  ports.EventPublisher
	metrics ports.PipelineMetrics
	now     func() time.Time
}

func NewStageTransitionService(
	repo ports.DocumentRepository,
	events ports.EventPublisher,
	metrics ports.PipelineMetrics,
) *StageTransitionService {
	return &StageTransitionService{
		repo:    repo,
		events:  events,
		metrics: metrics,
		now:     time.Now,
	}
}

// Claim atomically marks the document PROCESSING if it is still eligible at its current stage.
// A PROCESSING row whose lease started before cutoff counts as abandoned and may be reclaimed.
func (s *StageTransitionService) Claim(ctx context.Context, doc *domain.Document, cutoff time.Time) (bool, error) {
	return s.claim(ctx, doc, cutoff, cutoff)
}

// ClaimNow claims a document outside a scheduled tick, ignoring the retry window of idle rows.
func (s *StageTransitionService) ClaimNow(ctx context.Context, doc *domain.Document, leaseTTL time.Duration) (bool, error) {
	now := s.now().UTC()
	return s.claim(ctx, doc, now, now.Add(-leaseTTL))
}

func (s *StageTransitionService) claim(ctx context.Context, doc *domain.Document, eligibleBefore, leaseExpiredBefore time.Time) (bool, error) {
	claimedAt, ok, err := s.repo.Claim(ctx, doc.ID, doc.Stage, eligibleBefore, leaseExpiredBefore)
	if err != nil {
		return false, fmt.Errorf("claim document %d: %w", doc.ID, err)
	}
	if ok {
		doc.Status = domain.StatusProcessing
		doc.UpdatedAt = &claimedAt
	}
	return ok, nil
}

// Release gives up the claim held by doc. It reports false when the lease was taken over by another
// worker in the meantime, in which case the row is left to its new holder.
// A document that already moved on through ChangeStage holds no claim and is a no-op.
func (s *StageTransitionService) Release(ctx context.Context, doc *domain.Document) (bool, error) {
	lease, held := doc.Lease()
	if !held {
		return true, nil
	}
	ok, err := s.repo.Release(ctx, doc.ID, lease)
	if err != nil {
		return false, fmt.Errorf("release document %d: %w", doc.ID, err)
	}
	doc.Status = domain.StatusNotProcessing
	return ok, nil
}

// ChangeStatus re-reads the persisted document before writing the flag.
func (s *StageTransitionService) ChangeStatus(ctx context.Context, doc *domain.Document, status domain.ProcessingStatus) error {
	current, err := s.repo.GetByID(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("refetch document %d: %w", doc.ID, err)
	}
	if err := s.repo.SetStatus(ctx, current.ID, status); err != nil {
		return fmt.Errorf("set status=%s: %w", status, err)
	}
	doc.Status = status
	return nil
}

// ChangeStage persists the document's mutable fields, its new stage and one history entry in one write.
// The write also ends the claim held by doc.
func (s *StageTransitionService) ChangeStage(ctx context.Context, doc *domain.Document, to domain.Stage) error {
	from := doc.Stage
	if !domain.CanTransition(from, to) {
		return domain.WrapError(domain.ErrInvalidInput, "change stage", fmt.Errorf("illegal transition %s -> %s", from, to))
	}

	entry := domain.StageHistoryEntry{Stage: to, At: s.now().UTC()}
	doc.Stage = to
	if err := s.repo.ChangeStage(ctx, doc, from, entry); err != nil {
		doc.Stage = from
		return fmt.Errorf("persist stage %s -> %s: %w", from, to, err)
	}
	doc.History = append(doc.History, entry)
	doc.Status = domain.StatusNotProcessing
	doc.UpdatedAt = nil

	if s.metrics != nil {
		s.metrics.ObserveTransition(from, to)
	}
	s.publish(ctx, domain.StageEvent{DocumentID: doc.ID, From: from, To: to, At: entry.At})
	return nil
}

// MarkHistory appends a housekeeping marker without touching the stage.
func (s *StageTransitionService) MarkHistory(ctx context.Context, doc *domain.Document, marker domain.Stage) error {
	if !marker.IsHistoryMarker() {
		return domain.WrapError(domain.ErrInvalidInput, "mark history", fmt.Errorf("%s is not a history marker", marker))
	}
	entry := domain.StageHistoryEntry{Stage: marker, At: s.now().UTC()}
	if err := s.repo.AppendHistory(ctx, doc.ID, entry); err != nil {
		return fmt.Errorf("append history %s: %w", marker, err)
	}
	doc.History = append(doc.History, entry)
	return nil
}

func (s *StageTransitionService) publish(ctx context.Context, event domain.StageEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishStageChanged(ctx, event); err != nil {
		slog.Warn("stage_event_publish_failed",
			"document_id", event.DocumentID,
			"from", event.From,
			"to", event.To,
			"error", err,
		)
	}
}
