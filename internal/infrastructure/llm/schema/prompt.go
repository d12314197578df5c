package schema

import (
	"fmt"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

const maxPromptText = 12000

var typeHints = map[domain.ExpenseType]string{
	domain.ExpenseBoleto: "This is a Brazilian bank slip (boleto). The payee is the beneficiario/cedente and the payer is the pagador.",
	domain.ExpenseFatura: "This is a utility or service bill. The payee goes in cedente and the customer tax ID in cnpjCpfDestinatario.",
	domain.ExpenseNFSE:   "This is a service invoice (NFS-e). The prestador is the emitter and the tomador is the recipient.",
	domain.ExpenseCTE:    "This is a transport document (CT-e). The tomador do servico is the recipient.",
}

// BuildExpensePrompt asks for a single JSON object matching the expense schema.
func BuildExpensePrompt(text string, expenseType domain.ExpenseType) string {
	snippet := text
	if len(snippet) > maxPromptText {
		snippet = snippet[:maxPromptText]
	}

	hint := typeHints[expenseType]
	if hint == "" {
		hint = fmt.Sprintf("This is a Brazilian fiscal document of type %s.", expenseType)
	}

	return fmt.Sprintf(`You extract payable expenses from Brazilian documents.
%s
Return one strict JSON object matching this JSON schema. Dates use YYYY-MM-DD.
Tax IDs keep only digits. Leave unknown fields out. No markdown, no extra keys.

Schema:
%s

Document:
%s
`, hint, Prompt(), snippet)
}
