package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

func TestChangeStatusRefetchesBeforeWriting(t *testing.T) {
	clock := newFakeClock()
	repo := newMemDocumentRepo(clock, domain.Document{ID: 7, Stage: domain.StageDownloaded, Status: domain.StatusProcessing})
	svc := NewStageTransitionService(repo, nil, nil)

	doc := &domain.Document{ID: 7}
	if err := svc.ChangeStatus(context.Background(), doc, domain.StatusNotProcessing); err != nil {
		t.Fatalf("change status: %v", err)
	}
	if repo.getCalls != 1 {
		t.Fatalf("expected one refetch, got %d", repo.getCalls)
	}
	if got := repo.get(7).Status; got != domain.StatusNotProcessing {
		t.Fatalf("expected NOT_PROCESSING, got %s", got)
	}
}

func TestChangeStatusFailsForMissingDocument(t *testing.T) {
	repo := newMemDocumentRepo(newFakeClock())
	svc := NewStageTransitionService(repo, nil, nil)

	err := svc.ChangeStatus(context.Background(), &domain.Document{ID: 99}, domain.StatusNotProcessing)
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(repo.setCalls) != 0 {
		t.Fatalf("expected no status write")
	}
}

func TestChangeStageAppendsHistoryAndPublishes(t *testing.T) {
	clock := newFakeClock()
	repo := newMemDocumentRepo(clock, domain.Document{ID: 1, Stage: domain.StageCompanyMatched})
	events := &eventsFake{}
	metrics := &metricsFake{}
	svc := NewStageTransitionService(repo, events, metrics)
	svc.now = clock.Now

	doc := repo.get(1)
	if err := svc.ChangeStage(context.Background(), &doc, domain.StageSentToGroupPay); err != nil {
		t.Fatalf("change stage: %v", err)
	}

	stored := repo.get(1)
	if stored.Stage != domain.StageSentToGroupPay {
		t.Fatalf("expected SENT_TO_GROUP_PAY, got %s", stored.Stage)
	}
	if len(stored.History) != 1 || !stored.History[0].At.Equal(clock.Now()) {
		t.Fatalf("unexpected history %+v", stored.History)
	}
	if len(doc.History) != 1 {
		t.Fatalf("expected in-memory history to follow the write")
	}
	if len(events.stages) != 1 || events.stages[0].From != domain.StageCompanyMatched || events.stages[0].To != domain.StageSentToGroupPay {
		t.Fatalf("unexpected events %+v", events.stages)
	}
	if metrics.transitions != 1 {
		t.Fatalf("expected one observed transition")
	}
}

func TestChangeStageRejectsIllegalTransition(t *testing.T) {
	clock := newFakeClock()
	repo := newMemDocumentRepo(clock, domain.Document{ID: 1, Stage: domain.StageDownloaded})
	svc := NewStageTransitionService(repo, nil, nil)

	doc := repo.get(1)
	err := svc.ChangeStage(context.Background(), &doc, domain.StageCompanyMatched)
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if doc.Stage != domain.StageDownloaded {
		t.Fatalf("expected stage kept, got %s", doc.Stage)
	}
	if len(repo.get(1).History) != 0 {
		t.Fatalf("expected no history entry")
	}
}

func TestChangeStageRevertsOnWriteFailure(t *testing.T) {
	clock := newFakeClock()
	repo := newMemDocumentRepo(clock, domain.Document{ID: 1, Stage: domain.StageDownloaded})
	repo.stageErr = errors.New("tx aborted")
	svc := NewStageTransitionService(repo, nil, nil)

	doc := repo.get(1)
	if err := svc.ChangeStage(context.Background(), &doc, domain.StagePasswordRemoved); err == nil {
		t.Fatalf("expected error")
	}
	if doc.Stage != domain.StageDownloaded || len(doc.History) != 0 {
		t.Fatalf("expected in-memory document reverted, got %s %+v", doc.Stage, doc.History)
	}
}

func TestChangeStageIgnoresPublishFailure(t *testing.T) {
	clock := newFakeClock()
	repo := newMemDocumentRepo(clock, domain.Document{ID: 1, Stage: domain.StageDownloaded})
	svc := NewStageTransitionService(repo, &eventsFake{err: errors.New("nats down")}, nil)

	doc := repo.get(1)
	if err := svc.ChangeStage(context.Background(), &doc, domain.StageError); err != nil {
		t.Fatalf("publish failures must not fail the transition: %v", err)
	}
	if repo.get(1).Stage != domain.StageError {
		t.Fatalf("expected ERRO persisted")
	}
}

func TestClaimIsExclusive(t *testing.T) {
	clock := newFakeClock()
	repo := newMemDocumentRepo(clock, domain.Document{ID: 1, Stage: domain.StageDownloaded})
	svc := NewStageTransitionService(repo, nil, nil)
	cutoff := clock.Now().Add(-10 * time.Minute)

	first := repo.get(1)
	ok, err := svc.Claim(context.Background(), &first, cutoff)
	if err != nil || !ok {
		t.Fatalf("expected first claim to win, ok=%v err=%v", ok, err)
	}
	if first.Status != domain.StatusProcessing {
		t.Fatalf("expected in-memory status PROCESSING")
	}

	second := repo.get(1)
	second.Status = domain.StatusNotProcessing
	ok, err = svc.Claim(context.Background(), &second, cutoff)
	if err != nil || ok {
		t.Fatalf("expected second claim to lose, ok=%v err=%v", ok, err)
	}
}

func TestClaimNowRespectsActiveLease(t *testing.T) {
	clock := newFakeClock()
	recent := clock.Now().Add(-time.Minute)
	repo := newMemDocumentRepo(clock,
		domain.Document{ID: 1, Stage: domain.StageSentToGroupPay, UpdatedAt: &recent},
		domain.Document{ID: 2, Stage: domain.StageSentToGroupPay, Status: domain.StatusProcessing, UpdatedAt: &recent},
	)
	svc := NewStageTransitionService(repo, nil, nil)
	svc.now = func() time.Time { return clock.Now().Add(time.Second) }

	idle := repo.get(1)
	if ok, _ := svc.ClaimNow(context.Background(), &idle, 10*time.Minute); !ok {
		t.Fatalf("expected idle document to be claimable outside the retry window")
	}
	busy := repo.get(2)
	if ok, _ := svc.ClaimNow(context.Background(), &busy, 10*time.Minute); ok {
		t.Fatalf("expected active lease to be respected")
	}
}

func TestMarkHistoryOnlyAcceptsMarkers(t *testing.T) {
	clock := newFakeClock()
	repo := newMemDocumentRepo(clock, domain.Document{ID: 1, Stage: domain.StageTextExtracted})
	svc := NewStageTransitionService(repo, nil, nil)

	doc := repo.get(1)
	if err := svc.MarkHistory(context.Background(), &doc, domain.StageProcessed); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for non-marker, got %v", err)
	}
	if err := svc.MarkHistory(context.Background(), &doc, domain.StageDeletedFromDownload); err != nil {
		t.Fatalf("mark history: %v", err)
	}
	stored := repo.get(1)
	if stored.Stage != domain.StageTextExtracted {
		t.Fatalf("marker must not move the stage, got %s", stored.Stage)
	}
	if !stored.HasHistory(domain.StageDeletedFromDownload) {
		t.Fatalf("expected marker in history")
	}
}
