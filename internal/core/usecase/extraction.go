package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
	"github.com/kirillkom/expense-pipeline/internal/core/ports"
)

// AI provider names accepted by AI_PROVIDER.
const (
	ProviderOllama = "ollama"
	ProviderVertex = "vertex"
)

var knownProviders = map[string]struct{}{
	ProviderOllama: {},
	ProviderVertex: {},
}

// ExtractionDispatch identifies the document type and routes extraction to the rule-based
// extractor or to the AI provider selected at startup, by the client group's plan.
type ExtractionDispatch struct {
	rules      ports.ExpenseExtractor
	ai         ports.ExpenseExtractor
	providerID string
}

// NewExtractionDispatch resolves provider from the table once. An empty provider disables AI extraction.
func NewExtractionDispatch(
	rules ports.ExpenseExtractor,
	providers map[string]ports.ExpenseExtractor,
	provider string,
) (*ExtractionDispatch, error) {
	if rules == nil {
		return nil, fmt.Errorf("rule-based extractor is required")
	}
	d := &ExtractionDispatch{rules: rules}

	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return d, nil
	}
	if _, ok := knownProviders[provider]; !ok {
		return nil, fmt.Errorf("unknown ai provider %q (known: %s)", provider, strings.Join(providerNames(), ", "))
	}
	ai, ok := providers[provider]
	if !ok || ai == nil {
		return nil, fmt.Errorf("ai provider %q is not configured", provider)
	}
	d.ai = ai
	d.providerID = provider
	return d, nil
}

// Extract sets doc.ExpenseType and returns the expense, or nil for documents of unknown type.
func (d *ExtractionDispatch) Extract(ctx context.Context, group *domain.ClientGroup, doc *domain.Document) (*domain.Expense, error) {
	expenseType := domain.IdentifyExpenseType(doc.TextExtracted)
	doc.ExpenseType = expenseType
	if expenseType == domain.ExpenseOther {
		return nil, nil
	}

	extractor := d.rules
	via := "rules"
	if group.UsesAIExtraction() {
		if d.ai != nil {
			extractor = d.ai
			via = d.providerID
		} else {
			slog.Warn("ai_extraction_unavailable", "client_group", group.UUID, "document_id", doc.ID)
		}
	}

	expense, err := extractor.ExtractExpense(ctx, doc.TextExtracted, expenseType)
	if err != nil {
		return nil, fmt.Errorf("extract %s expense via %s: %w", expenseType, via, err)
	}
	if expense == nil {
		return nil, domain.WrapError(domain.ErrUnsupportedDocument, "extract expense", fmt.Errorf("%s extractor returned nothing", via))
	}
	expense.ExpenseType = expenseType
	return expense, nil
}

func providerNames() []string {
	names := make([]string, 0, len(knownProviders))
	for name := range knownProviders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
