package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type ExpenseType string

const (
	ExpenseNFE    ExpenseType = "NFE"
	ExpenseNFSE   ExpenseType = "NFSE"
	ExpenseNFCE   ExpenseType = "NFCE"
	ExpenseNF3E   ExpenseType = "NF3E"
	ExpenseCTE    ExpenseType = "CTE"
	ExpenseBoleto ExpenseType = "BOLETO"
	ExpenseFatura ExpenseType = "FATURA"
	ExpenseDARF   ExpenseType = "DARF"
	ExpenseFGTS   ExpenseType = "FGTS"
	ExpenseGPS    ExpenseType = "GPS"
	ExpenseOther  ExpenseType = "OUTRO"
)

func ParseExpenseType(raw string) (ExpenseType, error) {
	t := ExpenseType(strings.ToUpper(strings.TrimSpace(raw)))
	switch t {
	case ExpenseNFE, ExpenseNFSE, ExpenseNFCE, ExpenseNF3E, ExpenseCTE,
		ExpenseBoleto, ExpenseFatura, ExpenseDARF, ExpenseFGTS, ExpenseGPS, ExpenseOther:
		return t, nil
	default:
		return "", WrapError(ErrInvalidInput, "parse expense type", fmt.Errorf("unknown type %q", raw))
	}
}

// IsBillLike covers payment slips and utility bills, where the payee is named in the cedente field.
func (t ExpenseType) IsBillLike() bool {
	return t == ExpenseBoleto || t == ExpenseFatura
}

// IsInvoiceLike covers the product and service notes whose recipient field may name the buyer
// when no tax id was printed. Consumer, energy and transport notes never fall back to names.
func (t ExpenseType) IsInvoiceLike() bool {
	return t == ExpenseNFE || t == ExpenseNFSE
}

// Expense is the structured payload extracted from a document. Field names on the wire
// follow the payment system contract.
type Expense struct {
	IssueDate      string          `json:"dataEmissao,omitempty"`
	DueDate        string          `json:"dataVencimento,omitempty"`
	TotalValue     decimal.Decimal `json:"valorTotal"`
	Emitter        string          `json:"emitente,omitempty"`
	EmitterTaxID   string          `json:"cnpjCpfEmitente,omitempty"`
	Number         string          `json:"numero,omitempty"`
	Series         string          `json:"serie,omitempty"`
	RecipientTaxID string          `json:"cnpjCpfDestinatario,omitempty"`
	ExpenseType    ExpenseType     `json:"expenseType"`
	CompanyUUID    string          `json:"companyUUID,omitempty"`

	// Slip fields.
	IssuerBank   string              `json:"bancoEmissor,omitempty"`
	Barcode      string              `json:"codigoBarras,omitempty"`
	DigitableRow string              `json:"linhaDigitavel,omitempty"`
	Cedente      string              `json:"cedente,omitempty"`
	OurNumber    string              `json:"nossoNumero,omitempty"`
	Interest     decimal.NullDecimal `json:"juros"`
	Fine         decimal.NullDecimal `json:"multa"`
	Discounts    decimal.NullDecimal `json:"descontos"`

	// Service invoice fields.
	VerificationCode   string              `json:"codigoVerificacao,omitempty"`
	ServiceDescription string              `json:"descricaoServico,omitempty"`
	ISSRate            decimal.NullDecimal `json:"aliquotaISS"`
	ISSValue           decimal.NullDecimal `json:"valorISS"`
	NetValue           decimal.NullDecimal `json:"valorLiquido"`
}

func DecodeExpense(raw string) (*Expense, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, WrapError(ErrInvalidInput, "decode expense", fmt.Errorf("empty expense json"))
	}
	var expense Expense
	if err := json.Unmarshal([]byte(raw), &expense); err != nil {
		return nil, WrapError(ErrInvalidInput, "decode expense", err)
	}
	return &expense, nil
}

func (e *Expense) Encode() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode expense: %w", err)
	}
	return string(raw), nil
}
