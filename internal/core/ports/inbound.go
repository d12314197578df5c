package ports

import (
	"context"
	"io"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

// Job is one scheduled unit of pipeline work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// DocumentReader is the inbound read model for document state and history.
type DocumentReader interface {
	GetByID(ctx context.Context, id int64) (*domain.Document, error)
}

// GroupPayCallbacks is the inbound contract used by the payment system.
type GroupPayCallbacks interface {
	ApplyResult(ctx context.Context, result domain.DeliveryResult) (*domain.Document, error)
	UpsertClientGroup(ctx context.Context, group *domain.ClientGroup) error
	UpsertCompany(ctx context.Context, clientGroupUUID string, company *domain.Company) error
	SetCompanyActive(ctx context.Context, uuid string, active bool) (*domain.Company, error)
}

// RemediationReporter exports documents parked in failure stages.
type RemediationReporter interface {
	Export(ctx context.Context, w io.Writer) error
}
