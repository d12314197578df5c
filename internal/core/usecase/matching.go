package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
	"github.com/kirillkom/expense-pipeline/internal/core/ports"
)

type MatchKind string

const (
	MatchTaxIDExact MatchKind = "tax_id_exact"
	MatchTaxIDRoot  MatchKind = "tax_id_root"
	MatchName       MatchKind = "name"
)

type CompanyMatch struct {
	Company domain.Company
	Kind    MatchKind
}

// CompanyLister lists every company of a client group.
type CompanyLister interface {
	ListByClientGroup(ctx context.Context, clientGroupID int64) ([]domain.Company, error)
}

// FindMatchingCompany resolves the billing entity of an expense: exact tax id, then tax id root
// for truncated ids, then case-insensitive name containment. The first hit in company order wins.
func FindMatchingCompany(expense *domain.Expense, companies []domain.Company) (CompanyMatch, bool) {
	if expense == nil {
		return CompanyMatch{}, false
	}

	if taxID := domain.NormalizeTaxID(taxIDCandidate(expense)); taxID != "" {
		for _, company := range companies {
			if cnpj := domain.NormalizeTaxID(company.CNPJ); cnpj != "" && cnpj == taxID {
				return CompanyMatch{Company: company, Kind: MatchTaxIDExact}, true
			}
		}

		if len(taxID) >= domain.TaxIDRootLength && len(taxID) < 14 {
			root := domain.TaxIDRoot(taxID)
			for _, company := range companies {
				if domain.TaxIDRoot(domain.NormalizeTaxID(company.CNPJ)) == root {
					return CompanyMatch{Company: company, Kind: MatchTaxIDRoot}, true
				}
			}
		}
	}

	if name := nameCandidate(expense); name != "" {
		for _, company := range companies {
			if namesOverlap(name, company.FantasyName) || namesOverlap(name, company.LegalName) {
				return CompanyMatch{Company: company, Kind: MatchName}, true
			}
		}
	}

	return CompanyMatch{}, false
}

func billFields(expense *domain.Expense) []string {
	return []string{expense.Cedente, expense.RecipientTaxID, expense.Emitter}
}

// taxIDCandidate picks the field holding the payer's tax id.
func taxIDCandidate(expense *domain.Expense) string {
	if !expense.ExpenseType.IsBillLike() {
		if domain.IsBlank(expense.RecipientTaxID) {
			return ""
		}
		return expense.RecipientTaxID
	}
	for _, value := range billFields(expense) {
		if domain.IsBlank(value) {
			continue
		}
		if n := len(domain.NormalizeTaxID(value)); n >= domain.TaxIDRootLength && n <= 14 {
			return value
		}
	}
	return ""
}

// nameCandidate picks the first field in priority order whose digits cannot be a CPF or CNPJ.
func nameCandidate(expense *domain.Expense) string {
	var fields []string
	switch {
	case expense.ExpenseType.IsBillLike():
		fields = billFields(expense)
	case expense.ExpenseType.IsInvoiceLike():
		fields = []string{expense.RecipientTaxID}
	default:
		return ""
	}
	for _, value := range fields {
		if domain.IsBlank(value) || domain.LooksLikeTaxID(value) {
			continue
		}
		return strings.TrimSpace(value)
	}
	return ""
}

func namesOverlap(candidate, companyName string) bool {
	a := strings.ToLower(strings.TrimSpace(candidate))
	b := strings.ToLower(strings.TrimSpace(companyName))
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// CompanyMatchingHandler resolves EXPENSE_EXTRACTED documents to a company of their client group.
type CompanyMatchingHandler struct {
	companies CompanyLister
	groups    ports.ClientGroupRepository
}

func NewCompanyMatchingHandler(companies CompanyLister, groups ports.ClientGroupRepository) *CompanyMatchingHandler {
	return &CompanyMatchingHandler{companies: companies, groups: groups}
}

func (h *CompanyMatchingHandler) Stage() domain.Stage {
	return domain.StageExpenseExtracted
}

func (h *CompanyMatchingHandler) Handle(ctx context.Context, doc *domain.Document) (domain.Stage, error) {
	expense, err := domain.DecodeExpense(doc.ExpenseJSON)
	if err != nil {
		slog.Warn("company_match_expense_unavailable", "document_id", doc.ID, "file_name", doc.FileName, "error", err)
		return "", nil
	}

	group, err := h.groups.GetByID(ctx, doc.ClientGroupID)
	if err != nil {
		return "", fmt.Errorf("load client group %d: %w", doc.ClientGroupID, err)
	}
	companies, err := h.companies.ListByClientGroup(ctx, doc.ClientGroupID)
	if err != nil {
		return "", fmt.Errorf("list companies of client group %d: %w", doc.ClientGroupID, err)
	}

	match, ok := FindMatchingCompany(expense, companies)
	if !ok {
		doc.CompanyID = nil
		slog.Warn("company_not_found",
			"document_id", doc.ID,
			"file_name", doc.FileName,
			"recipient_tax_id", expense.RecipientTaxID,
			"emitter", expense.Emitter,
		)
		return domain.StageCompanyNotFound, nil
	}

	companyID := match.Company.ID
	doc.CompanyID = &companyID
	if group.UUID != "" {
		doc.ExpenseJSON = strings.ReplaceAll(doc.ExpenseJSON, group.UUID, match.Company.UUID)
	}
	slog.Info("company_matched",
		"document_id", doc.ID,
		"file_name", doc.FileName,
		"company_uuid", match.Company.UUID,
		"match", match.Kind,
	)
	return domain.StageCompanyMatched, nil
}
