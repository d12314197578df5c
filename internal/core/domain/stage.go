package domain

import "fmt"

var happyPath = []Stage{
	StageDownloaded,
	StagePasswordRemoved,
	StageTextExtracted,
	StageExpenseExtracted,
	StageCompanyMatched,
	StageSentToGroupPay,
	StageSentToArchive,
	StageDeleteFromLocal,
	StageProcessed,
}

// shortcuts are the skip edges used by the pipeline when a document needs no further work
// (unsupported type, duplicate text, no archival requested by the payment system).
var shortcuts = map[Stage][]Stage{
	StagePasswordRemoved: {StageDeleteFromLocal},
	StageTextExtracted:   {StageDeleteFromLocal},
	StageSentToGroupPay:  {StageDeleteFromLocal},
}

func (s Stage) IsValid() bool {
	switch s {
	case StageError, StageCompanyNotFound, StageDeletedFromDownload:
		return true
	}
	return happyPathIndex(s) >= 0
}

// IsTerminal reports whether no stage job picks documents in this stage.
func (s Stage) IsTerminal() bool {
	switch s {
	case StageProcessed, StageError, StageCompanyNotFound:
		return true
	default:
		return false
	}
}

// IsHistoryMarker reports whether the stage is only ever recorded in history.
func (s Stage) IsHistoryMarker() bool {
	return s == StageDeletedFromDownload
}

// CanTransition reports whether from -> to is an edge of the stage graph.
func CanTransition(from, to Stage) bool {
	if from.IsTerminal() || to.IsHistoryMarker() || !from.IsValid() || !to.IsValid() {
		return false
	}
	if to == StageError || to == StageCompanyNotFound {
		return true
	}
	fromIdx := happyPathIndex(from)
	if fromIdx >= 0 && fromIdx+1 < len(happyPath) && happyPath[fromIdx+1] == to {
		return true
	}
	for _, next := range shortcuts[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateHistory checks that the recorded stages form a path through the stage graph.
// History markers are skipped.
func ValidateHistory(entries []StageHistoryEntry) error {
	var prev Stage
	for i, entry := range entries {
		if entry.Stage.IsHistoryMarker() {
			continue
		}
		if prev == "" {
			if entry.Stage != StageDownloaded {
				return fmt.Errorf("history entry %d: first stage is %s, want %s", i, entry.Stage, StageDownloaded)
			}
			prev = entry.Stage
			continue
		}
		if !CanTransition(prev, entry.Stage) {
			return fmt.Errorf("history entry %d: illegal transition %s -> %s", i, prev, entry.Stage)
		}
		prev = entry.Stage
	}
	return nil
}

func happyPathIndex(s Stage) int {
	for i, stage := range happyPath {
		if stage == s {
			return i
		}
	}
	return -1
}
