package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
	"github.com/kirillkom/expense-pipeline/internal/core/ports"
)

// GroupPayCallbackService applies writes pushed by the payment system.
type GroupPayCallbackService struct {
	docs        ports.DocumentRepository
	groups      ports.ClientGroupRepository
	companies   ports.CompanyRepository
	transitions *StageTransitionService
	events      ports.EventPublisher
	leaseTTL    time.Duration
}

func NewGroupPayCallbackService(
	docs ports.DocumentRepository,
	groups ports.ClientGroupRepository,
	companies ports.CompanyRepository,
	transitions *StageTransitionService,
	events ports.EventPublisher,
	leaseTTL time.Duration,
) *GroupPayCallbackService {
	return &GroupPayCallbackService{
		docs:        docs,
		groups:      groups,
		companies:   companies,
		transitions: transitions,
		events:      events,
		leaseTTL:    leaseTTL,
	}
}

// ApplyResult is the push variant of the result poll. It claims the document like a stage job would.
func (s *GroupPayCallbackService) ApplyResult(ctx context.Context, result domain.DeliveryResult) (*domain.Document, error) {
	doc, err := s.docs.GetByID(ctx, result.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc.Stage != domain.StageSentToGroupPay {
		return nil, domain.WrapError(domain.ErrConflict, "apply delivery result",
			fmt.Errorf("document %d is in stage %s", doc.ID, doc.Stage))
	}

	claimed, err := s.transitions.ClaimNow(ctx, doc, s.leaseTTL)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, domain.WrapError(domain.ErrConflict, "apply delivery result",
			fmt.Errorf("document %d is being processed", doc.ID))
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if _, err := s.transitions.Release(releaseCtx, doc); err != nil {
			slog.Error("delivery_result_release_failed", "document_id", doc.ID, "error", err)
		}
	}()

	if err := s.transitions.ChangeStage(ctx, doc, ApplyDeliveryResult(doc, result)); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *GroupPayCallbackService) UpsertClientGroup(ctx context.Context, group *domain.ClientGroup) error {
	if strings.TrimSpace(group.UUID) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "upsert client group", errors.New("uuid is required"))
	}
	if group.Status == "" {
		group.Status = domain.StatusNotProcessing
	}
	return s.groups.Upsert(ctx, group)
}

func (s *GroupPayCallbackService) UpsertCompany(ctx context.Context, clientGroupUUID string, company *domain.Company) error {
	group, err := s.groups.GetByUUID(ctx, clientGroupUUID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(company.UUID) == "" {
		company.UUID = uuid.NewString()
	}
	if domain.NormalizeTaxID(company.CNPJ) == "" && strings.TrimSpace(company.FantasyName) == "" && strings.TrimSpace(company.LegalName) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "upsert company", errors.New("cnpj or a name is required"))
	}
	company.ClientGroupID = group.ID
	if err := s.companies.Upsert(ctx, company); err != nil {
		return err
	}
	s.companiesChanged(ctx, group.ID)
	return nil
}

func (s *GroupPayCallbackService) SetCompanyActive(ctx context.Context, companyUUID string, active bool) (*domain.Company, error) {
	company, err := s.companies.SetActive(ctx, companyUUID, active)
	if err != nil {
		return nil, err
	}
	s.companiesChanged(ctx, company.ClientGroupID)
	return company, nil
}

func (s *GroupPayCallbackService) companiesChanged(ctx context.Context, clientGroupID int64) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishCompaniesChanged(ctx, clientGroupID); err != nil {
		slog.Warn("companies_changed_publish_failed", "client_group_id", clientGroupID, "error", err)
	}
}

// RemediationReportService exports documents parked in ERRO or COMPANY_NOT_FOUND.
type RemediationReportService struct {
	docs   ports.DocumentRepository
	writer ports.ReportWriter
	limit  int
}

func NewRemediationReportService(docs ports.DocumentRepository, writer ports.ReportWriter, limit int) *RemediationReportService {
	if limit <= 0 {
		limit = 5000
	}
	return &RemediationReportService{docs: docs, writer: writer, limit: limit}
}

func (s *RemediationReportService) Export(ctx context.Context, w io.Writer) error {
	rows, err := s.docs.ListByStages(ctx, []domain.Stage{domain.StageError, domain.StageCompanyNotFound}, s.limit)
	if err != nil {
		return fmt.Errorf("list remediation documents: %w", err)
	}
	return s.writer.WriteRemediation(w, rows)
}
