package rules

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

func TestDefaultRulesLoad(t *testing.T) {
	set, err := Load("")
	if err != nil {
		t.Fatalf("load default rules: %v", err)
	}
	if len(set.defaults) == 0 || len(set.byType[domain.ExpenseBoleto]) == 0 {
		t.Fatalf("expected default and boleto rules")
	}
}

func TestParseRejectsBadRules(t *testing.T) {
	cases := map[string]string{
		"unknown type":  "PIX:\n  number: ['(\\d+)']\n",
		"unknown field": "NFE:\n  color: ['(\\d+)']\n",
		"bad regex":     "NFE:\n  number: ['(']\n",
	}
	for name, raw := range cases {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestTypeRulesTakePrecedence(t *testing.T) {
	set, err := Parse([]byte(`
default:
  number: ['numero (\d+)']
NFE:
  number: ['NF (\d+)']
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	text := "numero 1 NF 2"
	if got := set.Find(domain.ExpenseNFE, FieldNumber, text); got != "2" {
		t.Fatalf("expected type rule, got %q", got)
	}
	if got := set.Find(domain.ExpenseCTE, FieldNumber, text); got != "1" {
		t.Fatalf("expected default rule, got %q", got)
	}
}

func TestExtractInvoice(t *testing.T) {
	set, _ := Load("")
	text := strings.Join([]string{
		"DANFE NF-e Nº 000.123 Série 1",
		"Data de Emissão: 05/02/2026",
		"CNPJ: 11.222.333/0001-44",
		"DESTINATÁRIO / REMETENTE Nome: ACME LTDA CNPJ/CPF: 12.345.678/0001-99",
		"VALOR TOTAL DA NOTA R$ 1.234,56",
	}, " ")

	expense, err := NewExtractor(set).ExtractExpense(context.Background(), text, domain.ExpenseNFE)
	if err != nil || expense == nil {
		t.Fatalf("expected expense, got %+v err=%v", expense, err)
	}
	if expense.IssueDate != "2026-02-05" {
		t.Fatalf("unexpected issue date %q", expense.IssueDate)
	}
	if !expense.TotalValue.Equal(mustAmount(t, "1.234,56")) {
		t.Fatalf("unexpected total %s", expense.TotalValue)
	}
	if expense.EmitterTaxID != "11222333000144" || expense.RecipientTaxID != "12345678000199" {
		t.Fatalf("unexpected tax ids %q / %q", expense.EmitterTaxID, expense.RecipientTaxID)
	}
	if expense.Series != "1" {
		t.Fatalf("unexpected series %q", expense.Series)
	}
}

func TestExtractBoleto(t *testing.T) {
	set, _ := Load("")
	text := "Beneficiário: Energia Sul SA CNPJ 33.000.167/0001-01 Vencimento 10/03/2026 " +
		"Nosso Número 24/000123-4 Valor do Documento 89,90 Pagador: ACME LTDA 12.345.678/0001-99 " +
		"23790.12345 60000.123456 78901.234567 1 12340000008990"

	expense, err := NewExtractor(set).ExtractExpense(context.Background(), text, domain.ExpenseBoleto)
	if err != nil || expense == nil {
		t.Fatalf("expected expense, got %+v err=%v", expense, err)
	}
	if expense.Cedente != "Energia Sul SA" {
		t.Fatalf("unexpected cedente %q", expense.Cedente)
	}
	if expense.DueDate != "2026-03-10" || expense.OurNumber != "24/000123-4" {
		t.Fatalf("unexpected due date or our number: %q %q", expense.DueDate, expense.OurNumber)
	}
	if expense.RecipientTaxID != "12345678000199" {
		t.Fatalf("unexpected payer %q", expense.RecipientTaxID)
	}
	if !strings.HasPrefix(expense.DigitableRow, "23790.12345") {
		t.Fatalf("unexpected digitable row %q", expense.DigitableRow)
	}
}

func TestExtractNothingMatched(t *testing.T) {
	set, _ := Load("")
	expense, err := NewExtractor(set).ExtractExpense(context.Background(), "texto sem dados", domain.ExpenseNFE)
	if err != nil || expense != nil {
		t.Fatalf("expected nil expense, got %+v err=%v", expense, err)
	}
}

func TestParseAmountAndDate(t *testing.T) {
	if v, ok := ParseAmount("R$ 12.345,67"); !ok || v.String() != "12345.67" {
		t.Fatalf("unexpected amount %s ok=%v", v, ok)
	}
	if _, ok := ParseAmount("abc"); ok {
		t.Fatalf("expected invalid amount")
	}
	if got := ParseDate("31/12/2025"); got != "2025-12-31" {
		t.Fatalf("unexpected date %q", got)
	}
	if got := ParseDate("2025-12-31"); got != "" {
		t.Fatalf("expected empty date, got %q", got)
	}
}

func mustAmount(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	v, ok := ParseAmount(raw)
	if !ok {
		t.Fatalf("bad amount %q", raw)
	}
	return v
}
