package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

// DocumentRepository persists documents, their stage history and the claim flag.
type DocumentRepository interface {
	Create(ctx context.Context, doc *domain.Document) (bool, error)
	GetByID(ctx context.Context, id int64) (*domain.Document, error)
	FindEligible(ctx context.Context, stage domain.Stage, cutoff time.Time, limit int) ([]domain.Document, error)
	Claim(ctx context.Context, id int64, stage domain.Stage, eligibleBefore, leaseExpiredBefore time.Time) (time.Time, bool, error)
	Release(ctx context.Context, id int64, claimedAt time.Time) (bool, error)
	SetStatus(ctx context.Context, id int64, status domain.ProcessingStatus) error
	ChangeStage(ctx context.Context, doc *domain.Document, from domain.Stage, entry domain.StageHistoryEntry) error
	AppendHistory(ctx context.Context, id int64, entry domain.StageHistoryEntry) error
	ExistsWithText(ctx context.Context, clientGroupID int64, text string, excludeID int64) (bool, error)
	ListByStages(ctx context.Context, stages []domain.Stage, limit int) ([]domain.Document, error)
	ListDownloadCleanup(ctx context.Context, excluded []domain.Stage, limit int) ([]domain.Document, error)
}

// ClientGroupRepository persists mailbox owners and their claim flag.
type ClientGroupRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.ClientGroup, error)
	GetByUUID(ctx context.Context, uuid string) (*domain.ClientGroup, error)
	Upsert(ctx context.Context, group *domain.ClientGroup) error
	CountProcessing(ctx context.Context, cutoff time.Time) (int, error)
	FindEligible(ctx context.Context, cutoff time.Time, limit int) ([]domain.ClientGroup, error)
	Claim(ctx context.Context, id int64, cutoff time.Time) (bool, error)
	SetStatus(ctx context.Context, id int64, status domain.ProcessingStatus) error
	UpdateLastMailRead(ctx context.Context, id int64, at time.Time) error
	SaveToken(ctx context.Context, id int64, token string) error
}

// CompanyRepository persists billing entities.
type CompanyRepository interface {
	ListByClientGroup(ctx context.Context, clientGroupID int64) ([]domain.Company, error)
	GetByUUID(ctx context.Context, uuid string) (*domain.Company, error)
	Upsert(ctx context.Context, company *domain.Company) error
	SetActive(ctx context.Context, uuid string, active bool) (*domain.Company, error)
}

// FileStorage keeps working copies of downloaded documents.
type FileStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string) error
}

// ArchiveStorage stores processed documents long term.
type ArchiveStorage interface {
	Upload(ctx context.Context, objectKey string, data io.Reader) (string, error)
	Exists(ctx context.Context, objectKey string) (bool, error)
}

// MailboxReader lists and reads attachments delivered to a client group.
type MailboxReader interface {
	Fetch(ctx context.Context, group *domain.ClientGroup, limit int) ([]domain.Attachment, error)
	Open(ctx context.Context, attachment domain.Attachment) (io.ReadCloser, error)
	Delete(ctx context.Context, location string) error
}

// PasswordRemover rewrites a stored PDF without encryption.
type PasswordRemover interface {
	RemovePassword(ctx context.Context, doc *domain.Document) error
}

// TextExtractor extracts plain text from a stored document.
type TextExtractor interface {
	Extract(ctx context.Context, doc *domain.Document) (string, error)
}

// ExpenseExtractor turns document text into a structured expense.
type ExpenseExtractor interface {
	ExtractExpense(ctx context.Context, text string, expenseType domain.ExpenseType) (*domain.Expense, error)
}

// ExpenseSender delivers expenses to the payment system and polls its verdict.
type ExpenseSender interface {
	Send(ctx context.Context, group *domain.ClientGroup, delivery domain.ExpenseDelivery) error
	Result(ctx context.Context, group *domain.ClientGroup, documentID int64) (*domain.DeliveryResult, error)
}

// EventPublisher announces pipeline changes to other processes.
type EventPublisher interface {
	PublishStageChanged(ctx context.Context, event domain.StageEvent) error
	PublishCompaniesChanged(ctx context.Context, clientGroupID int64) error
}

// EventSubscriber consumes pipeline change events until ctx is done.
type EventSubscriber interface {
	SubscribeStageChanged(ctx context.Context, handler func(context.Context, domain.StageEvent) error) error
	SubscribeCompaniesChanged(ctx context.Context, handler func(context.Context, int64) error) error
}

// ReportWriter renders documents that need manual remediation.
type ReportWriter interface {
	WriteRemediation(w io.Writer, rows []domain.Document) error
}

// PipelineMetrics observes stage job execution.
type PipelineMetrics interface {
	ObserveTick(job string, items int, duration time.Duration, err error)
	ItemStarted(job string)
	ItemFinished(job string, outcome string)
	ObserveItem(job string, outcome string)
	ObserveTransition(from, to domain.Stage)
}
