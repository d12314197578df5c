package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
	"github.com/kirillkom/expense-pipeline/internal/core/ports"
)

// SendToGroupPayHandler delivers COMPANY_MATCHED expenses to the payment system.
type SendToGroupPayHandler struct {
	sender ports.ExpenseSender
	groups ports.ClientGroupRepository
	now    func() time.Time
}

func NewSendToGroupPayHandler(sender ports.ExpenseSender, groups ports.ClientGroupRepository) *SendToGroupPayHandler {
	return &SendToGroupPayHandler{sender: sender, groups: groups, now: time.Now}
}

func (h *SendToGroupPayHandler) Stage() domain.Stage {
	return domain.StageCompanyMatched
}

func (h *SendToGroupPayHandler) Handle(ctx context.Context, doc *domain.Document) (domain.Stage, error) {
	group, err := h.groups.GetByID(ctx, doc.ClientGroupID)
	if err != nil {
		return "", fmt.Errorf("load client group %d: %w", doc.ClientGroupID, err)
	}

	delivery := domain.ExpenseDelivery{
		DocumentID:  doc.ID,
		FileName:    TimestampedFileName(doc.FileName, h.now()),
		SupportCode: group.SupportCode,
		Type:        string(doc.ExpenseType),
		JSON:        doc.ExpenseJSON,
	}
	if err := h.sender.Send(ctx, group, delivery); err != nil {
		return "", fmt.Errorf("send expense: %w", err)
	}
	slog.Info("expense_sent", "document_id", doc.ID, "file_name", delivery.FileName)
	return domain.StageSentToGroupPay, nil
}

// TimestampedFileName appends a yyyyMMddHHmmss suffix before the extension.
func TimestampedFileName(name string, at time.Time) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(filepath.Base(name), ext)
	return fmt.Sprintf("%s_%s%s", base, at.Format("20060102150405"), ext)
}

// GroupPayResultHandler polls the payment system for SENT_TO_GROUP_PAY documents.
type GroupPayResultHandler struct {
	sender ports.ExpenseSender
	groups ports.ClientGroupRepository
}

func NewGroupPayResultHandler(sender ports.ExpenseSender, groups ports.ClientGroupRepository) *GroupPayResultHandler {
	return &GroupPayResultHandler{sender: sender, groups: groups}
}

func (h *GroupPayResultHandler) Stage() domain.Stage {
	return domain.StageSentToGroupPay
}

func (h *GroupPayResultHandler) Handle(ctx context.Context, doc *domain.Document) (domain.Stage, error) {
	group, err := h.groups.GetByID(ctx, doc.ClientGroupID)
	if err != nil {
		return "", fmt.Errorf("load client group %d: %w", doc.ClientGroupID, err)
	}
	result, err := h.sender.Result(ctx, group, doc.ID)
	if err != nil {
		return "", fmt.Errorf("fetch delivery result: %w", err)
	}
	if result == nil {
		slog.Debug("delivery_result_pending", "document_id", doc.ID)
		return "", nil
	}
	return ApplyDeliveryResult(doc, *result), nil
}

// ApplyDeliveryResult records the archive path, if any, and returns the next stage.
func ApplyDeliveryResult(doc *domain.Document, result domain.DeliveryResult) domain.Stage {
	if path := strings.TrimSpace(result.ArchivePath); path != "" {
		doc.ArchivePath = path
		return domain.StageSentToArchive
	}
	return domain.StageDeleteFromLocal
}
