package domain

import (
	"testing"
	"time"
)

func TestCanTransitionFollowsHappyPath(t *testing.T) {
	for i := 0; i+1 < len(happyPath); i++ {
		if !CanTransition(happyPath[i], happyPath[i+1]) {
			t.Fatalf("expected %s -> %s to be allowed", happyPath[i], happyPath[i+1])
		}
	}
}

func TestCanTransitionRejectsSkips(t *testing.T) {
	cases := []struct {
		from Stage
		to   Stage
	}{
		{StageDownloaded, StageCompanyMatched},
		{StageDownloaded, StageTextExtracted},
		{StageCompanyMatched, StageExpenseExtracted},
		{StageProcessed, StageError},
		{StageCompanyNotFound, StageCompanyMatched},
		{StageDeleteFromLocal, StageDeletedFromDownload},
		{StageDownloaded, Stage("UNKNOWN")},
	}
	for _, tc := range cases {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestCanTransitionAllowsFailureBranchesFromIntermediateStages(t *testing.T) {
	for _, from := range happyPath[:len(happyPath)-1] {
		if !CanTransition(from, StageError) {
			t.Fatalf("expected %s -> ERRO", from)
		}
		if !CanTransition(from, StageCompanyNotFound) {
			t.Fatalf("expected %s -> COMPANY_NOT_FOUND", from)
		}
	}
}

func TestCanTransitionAllowsShortcutsToLocalDeletion(t *testing.T) {
	for _, from := range []Stage{StagePasswordRemoved, StageTextExtracted, StageSentToGroupPay} {
		if !CanTransition(from, StageDeleteFromLocal) {
			t.Fatalf("expected %s -> DELETE_FROM_LOCAL", from)
		}
	}
}

func TestValidateHistoryIgnoresDownloadMarker(t *testing.T) {
	now := time.Now()
	doc := &Document{}
	doc.AppendHistory(StageDownloaded, now)
	doc.AppendHistory(StagePasswordRemoved, now)
	doc.AppendHistory(StageDeletedFromDownload, now)
	doc.AppendHistory(StageTextExtracted, now)
	doc.AppendHistory(StageError, now)

	if err := ValidateHistory(doc.History); err != nil {
		t.Fatalf("ValidateHistory() error = %v", err)
	}
	if !doc.HasHistory(StageDeletedFromDownload) {
		t.Fatalf("expected download marker in history")
	}
}

func TestValidateHistoryRejectsIllegalJump(t *testing.T) {
	now := time.Now()
	entries := []StageHistoryEntry{
		{Stage: StageDownloaded, At: now},
		{Stage: StageCompanyMatched, At: now},
	}
	if err := ValidateHistory(entries); err == nil {
		t.Fatalf("expected illegal transition error")
	}
}

func TestValidateHistoryRequiresDownloadedFirst(t *testing.T) {
	entries := []StageHistoryEntry{{Stage: StageTextExtracted, At: time.Now()}}
	if err := ValidateHistory(entries); err == nil {
		t.Fatalf("expected error for history not starting at DOWNLOADED")
	}
}
