package domain

import "time"

type Stage string

const (
	StageDownloaded          Stage = "DOWNLOADED"
	StagePasswordRemoved     Stage = "PASSWORD_REMOVED"
	StageTextExtracted       Stage = "TEXT_EXTRACTED"
	StageExpenseExtracted    Stage = "EXPENSE_EXTRACTED"
	StageCompanyMatched      Stage = "COMPANY_MATCHED"
	StageSentToGroupPay      Stage = "SENT_TO_GROUP_PAY"
	StageSentToArchive       Stage = "SENT_TO_S3"
	StageDeleteFromLocal     Stage = "DELETE_FROM_LOCAL"
	StageProcessed           Stage = "PROCESSED"
	StageError               Stage = "ERRO"
	StageCompanyNotFound     Stage = "COMPANY_NOT_FOUND"
	StageDeletedFromDownload Stage = "DELETED_FROM_DOWNLOAD"
)

type ProcessingStatus string

const (
	StatusProcessing    ProcessingStatus = "PROCESSING"
	StatusNotProcessing ProcessingStatus = "NOT_PROCESSING"
)

// StageHistoryEntry is one snapshot in a document's append-only stage log.
type StageHistoryEntry struct {
	Stage Stage     `json:"stage"`
	At    time.Time `json:"at"`
}

type Document struct {
	ID            int64               `json:"id"`
	MessageID     string              `json:"message_id"`
	ClientGroupID int64               `json:"client_group_id"`
	CompanyID     *int64              `json:"company_id,omitempty"`
	FileName      string              `json:"file_name"`
	LocalPath     string              `json:"local_path"`
	DownloadPath  string              `json:"download_path,omitempty"`
	ArchivePath   string              `json:"archive_path,omitempty"`
	Stage         Stage               `json:"stage"`
	Status        ProcessingStatus    `json:"status"`
	ExpenseType   ExpenseType         `json:"expense_type,omitempty"`
	TextExtracted string              `json:"text_extracted,omitempty"`
	ExpenseJSON   string              `json:"expense_json,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     *time.Time          `json:"updated_at,omitempty"`
	History       []StageHistoryEntry `json:"stages_history"`
}

// AppendHistory records a stage snapshot. Entries are never edited or removed.
func (d *Document) AppendHistory(stage Stage, at time.Time) StageHistoryEntry {
	entry := StageHistoryEntry{Stage: stage, At: at}
	d.History = append(d.History, entry)
	return entry
}

// HasHistory reports whether the stage appears anywhere in the history.
func (d *Document) HasHistory(stage Stage) bool {
	for _, entry := range d.History {
		if entry.Stage == stage {
			return true
		}
	}
	return false
}

// Lease returns the start of the claim this copy of the document holds, if any.
func (d *Document) Lease() (time.Time, bool) {
	if d.Status != StatusProcessing || d.UpdatedAt == nil {
		return time.Time{}, false
	}
	return *d.UpdatedAt, true
}

// EligibleFor mirrors the repository eligibility query: the document sits in stage, and either it is idle
// with no update since cutoff, or its PROCESSING lease started before cutoff and is considered abandoned.
func (d *Document) EligibleFor(stage Stage, cutoff time.Time) bool {
	if d.Stage != stage {
		return false
	}
	aged := d.UpdatedAt == nil || d.UpdatedAt.Before(cutoff)
	switch d.Status {
	case StatusNotProcessing, "":
		return aged
	case StatusProcessing:
		return d.UpdatedAt != nil && d.UpdatedAt.Before(cutoff)
	default:
		return false
	}
}
