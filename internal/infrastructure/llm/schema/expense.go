// Package schema validates model output against the expense JSON contract.
package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

//go:embed expense.schema.json
var expenseSchema []byte

// ExpenseValidator checks a raw model answer and decodes it into an expense.
type ExpenseValidator struct {
	schema *jsonschema.Schema
}

func NewExpenseValidator() (*ExpenseValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("expense.schema.json", bytes.NewReader(expenseSchema)); err != nil {
		return nil, fmt.Errorf("add expense schema: %w", err)
	}
	compiled, err := compiler.Compile("expense.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile expense schema: %w", err)
	}
	return &ExpenseValidator{schema: compiled}, nil
}

// Prompt returns the schema text for inclusion in model prompts.
func Prompt() string {
	return string(expenseSchema)
}

// Decode extracts the JSON object from raw, validates it and returns the expense.
// Invalid answers are reported as domain.ErrUnsupportedDocument.
func (v *ExpenseValidator) Decode(raw string) (*domain.Expense, error) {
	body := ExtractJSONObject(raw)

	var value any
	if err := json.Unmarshal([]byte(body), &value); err != nil {
		return nil, domain.WrapError(domain.ErrUnsupportedDocument, "decode model answer", err)
	}
	if err := v.schema.Validate(value); err != nil {
		return nil, domain.WrapError(domain.ErrUnsupportedDocument, "validate model answer", err)
	}

	normalized, err := normalizeAmounts(value.(map[string]any))
	if err != nil {
		return nil, domain.WrapError(domain.ErrUnsupportedDocument, "normalize model answer", err)
	}
	expense, err := domain.DecodeExpense(normalized)
	if err != nil {
		return nil, domain.WrapError(domain.ErrUnsupportedDocument, "decode model answer", err)
	}
	expense.EmitterTaxID = domain.NormalizeTaxID(expense.EmitterTaxID)
	expense.RecipientTaxID = domain.NormalizeTaxID(expense.RecipientTaxID)
	return expense, nil
}

var amountFields = []string{"valorTotal", "juros", "multa", "descontos", "aliquotaISS", "valorISS", "valorLiquido"}

// normalizeAmounts accepts amounts written as "1.234,56" and drops blank ones.
func normalizeAmounts(object map[string]any) (string, error) {
	for _, field := range amountFields {
		raw, ok := object[field].(string)
		if !ok {
			continue
		}
		raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "R$"))
		if raw == "" {
			delete(object, field)
			continue
		}
		if strings.Contains(raw, ",") {
			raw = strings.ReplaceAll(raw, ".", "")
			raw = strings.ReplaceAll(raw, ",", ".")
		}
		object[field] = json.Number(raw)
	}
	out, err := json.Marshal(object)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ExtractJSONObject trims anything around the outermost JSON object.
func ExtractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
