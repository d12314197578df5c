package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
	"github.com/kirillkom/expense-pipeline/internal/core/ports"
)

const MaxExtractedTextRunes = 65500

// PasswordRemovalHandler moves DOWNLOADED documents to PASSWORD_REMOVED.
type PasswordRemovalHandler struct {
	remover ports.PasswordRemover
}

func NewPasswordRemovalHandler(remover ports.PasswordRemover) *PasswordRemovalHandler {
	return &PasswordRemovalHandler{remover: remover}
}

func (h *PasswordRemovalHandler) Stage() domain.Stage {
	return domain.StageDownloaded
}

func (h *PasswordRemovalHandler) Handle(ctx context.Context, doc *domain.Document) (domain.Stage, error) {
	err := h.remover.RemovePassword(ctx, doc)
	switch {
	case err == nil:
		return domain.StagePasswordRemoved, nil
	case domain.IsKind(err, domain.ErrUnsupportedDocument):
		slog.Error("password_removal_failed", "document_id", doc.ID, "file_name", doc.FileName, "error", err)
		return domain.StageError, nil
	default:
		return "", fmt.Errorf("remove password: %w", err)
	}
}

// TextExtractionHandler fills TextExtracted for PASSWORD_REMOVED documents.
type TextExtractionHandler struct {
	extractor ports.TextExtractor
	repo      ports.DocumentRepository
}

func NewTextExtractionHandler(extractor ports.TextExtractor, repo ports.DocumentRepository) *TextExtractionHandler {
	return &TextExtractionHandler{extractor: extractor, repo: repo}
}

func (h *TextExtractionHandler) Stage() domain.Stage {
	return domain.StagePasswordRemoved
}

func (h *TextExtractionHandler) Handle(ctx context.Context, doc *domain.Document) (domain.Stage, error) {
	raw, err := h.extractor.Extract(ctx, doc)
	if err != nil {
		if domain.IsKind(err, domain.ErrTemporary) {
			return "", fmt.Errorf("extract text: %w", err)
		}
		slog.Error("text_extraction_failed", "document_id", doc.ID, "file_name", doc.FileName, "error", err)
		return domain.StageError, nil
	}

	text := NormalizeExtractedText(raw)
	if text == "" {
		slog.Error("text_extraction_empty", "document_id", doc.ID, "file_name", doc.FileName)
		return domain.StageError, nil
	}
	doc.TextExtracted = text

	duplicate, err := h.repo.ExistsWithText(ctx, doc.ClientGroupID, text, doc.ID)
	if err != nil {
		return "", fmt.Errorf("check duplicate text: %w", err)
	}
	if duplicate {
		slog.Info("text_extraction_duplicate", "document_id", doc.ID, "file_name", doc.FileName)
		return domain.StageDeleteFromLocal, nil
	}
	return domain.StageTextExtracted, nil
}

// NormalizeExtractedText collapses whitespace runs and truncates to the storable size.
func NormalizeExtractedText(raw string) string {
	text := strings.Join(strings.Fields(raw), " ")
	if utf8.RuneCountInString(text) <= MaxExtractedTextRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:MaxExtractedTextRunes])
}

// ExpenseExtractionHandler turns TEXT_EXTRACTED documents into EXPENSE_EXTRACTED ones.
type ExpenseExtractionHandler struct {
	dispatch *ExtractionDispatch
	groups   ports.ClientGroupRepository
}

func NewExpenseExtractionHandler(dispatch *ExtractionDispatch, groups ports.ClientGroupRepository) *ExpenseExtractionHandler {
	return &ExpenseExtractionHandler{dispatch: dispatch, groups: groups}
}

func (h *ExpenseExtractionHandler) Stage() domain.Stage {
	return domain.StageTextExtracted
}

func (h *ExpenseExtractionHandler) Handle(ctx context.Context, doc *domain.Document) (domain.Stage, error) {
	group, err := h.groups.GetByID(ctx, doc.ClientGroupID)
	if err != nil {
		return "", fmt.Errorf("load client group %d: %w", doc.ClientGroupID, err)
	}

	expense, err := h.dispatch.Extract(ctx, group, doc)
	if err != nil {
		if domain.IsKind(err, domain.ErrTemporary) || errors.Is(err, context.Canceled) {
			return "", err
		}
		slog.Error("expense_extraction_failed", "document_id", doc.ID, "file_name", doc.FileName, "type", doc.ExpenseType, "error", err)
		return domain.StageError, nil
	}
	if expense == nil {
		slog.Info("expense_type_unknown", "document_id", doc.ID, "file_name", doc.FileName)
		return domain.StageDeleteFromLocal, nil
	}

	// The company is not known yet; matching swaps this placeholder for the company UUID.
	expense.CompanyUUID = group.UUID
	encoded, err := expense.Encode()
	if err != nil {
		return "", err
	}
	doc.ExpenseJSON = encoded
	return domain.StageExpenseExtracted, nil
}
