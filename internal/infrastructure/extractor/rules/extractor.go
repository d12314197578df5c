package rules

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

// Extractor fills expenses from regular expression rules. It never calls out of process.
type Extractor struct {
	rules *RuleSet
}

func NewExtractor(rules *RuleSet) *Extractor {
	return &Extractor{rules: rules}
}

// ExtractExpense returns nil when no rule matched at all.
func (e *Extractor) ExtractExpense(_ context.Context, text string, expenseType domain.ExpenseType) (*domain.Expense, error) {
	find := func(field string) string {
		return e.rules.Find(expenseType, field, text)
	}

	expense := &domain.Expense{
		ExpenseType:    expenseType,
		IssueDate:      ParseDate(find(FieldIssueDate)),
		DueDate:        ParseDate(find(FieldDueDate)),
		Emitter:        find(FieldEmitter),
		EmitterTaxID:   domain.NormalizeTaxID(find(FieldEmitterTaxID)),
		RecipientTaxID: domain.NormalizeTaxID(find(FieldRecipientTaxID)),
		Number:         find(FieldNumber),
		Series:         find(FieldSeries),
	}
	total, hasTotal := ParseAmount(find(FieldTotalValue))
	expense.TotalValue = total

	switch {
	case expenseType.IsBillLike():
		expense.Cedente = find(FieldCedente)
		expense.DigitableRow = strings.Join(strings.Fields(find(FieldDigitableRow)), " ")
		expense.OurNumber = find(FieldOurNumber)
	case expenseType == domain.ExpenseNFSE:
		expense.VerificationCode = find(FieldVerificationCode)
		expense.ServiceDescription = find(FieldServiceDescription)
		expense.ISSValue = nullAmount(find(FieldISSValue))
		expense.NetValue = nullAmount(find(FieldNetValue))
	}

	if !hasTotal && expense.EmitterTaxID == "" && expense.RecipientTaxID == "" &&
		expense.Cedente == "" && expense.Emitter == "" && expense.DigitableRow == "" {
		return nil, nil
	}
	return expense, nil
}

// ParseAmount reads Brazilian formatted amounts such as "1.234,56".
func ParseAmount(raw string) (decimal.Decimal, bool) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "R$"))
	if raw == "" {
		return decimal.Zero, false
	}
	normalized := strings.ReplaceAll(raw, ".", "")
	normalized = strings.ReplaceAll(normalized, ",", ".")
	value, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero, false
	}
	return value, true
}

func nullAmount(raw string) decimal.NullDecimal {
	value, ok := ParseAmount(raw)
	return decimal.NullDecimal{Decimal: value, Valid: ok}
}

// ParseDate converts dd/mm/yyyy into an ISO date. Unparseable input yields "".
func ParseDate(raw string) string {
	t, err := time.Parse("02/01/2006", strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return t.Format(time.DateOnly)
}
