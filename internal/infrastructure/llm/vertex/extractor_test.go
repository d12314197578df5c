package vertex

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/llm/schema"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/resilience"
)

type generatorFake struct {
	answers []string
	errs    []error
	calls   int
	prompts []string
}

func (g *generatorFake) GenerateContent(_ context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	idx := g.calls
	g.calls++
	for _, part := range parts {
		if txt, ok := part.(genai.Text); ok {
			g.prompts = append(g.prompts, string(txt))
		}
	}
	if idx < len(g.errs) && g.errs[idx] != nil {
		return nil, g.errs[idx]
	}
	answer := ""
	if idx < len(g.answers) {
		answer = g.answers[idx]
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(answer)}},
		}},
	}, nil
}

func newTestExtractor(t *testing.T, model contentGenerator, executor *resilience.Executor) *ExpenseExtractor {
	t.Helper()
	validator, err := schema.NewExpenseValidator()
	if err != nil {
		t.Fatalf("NewExpenseValidator() error = %v", err)
	}
	return &ExpenseExtractor{model: model, validator: validator, executor: executor}
}

func TestExtractExpense(t *testing.T) {
	model := &generatorFake{answers: []string{`{"valorTotal": "250,00", "cnpjCpfDestinatario": "12.345.678/0001-99"}`}}
	expense, err := newTestExtractor(t, model, nil).ExtractExpense(context.Background(), "nota de servico", domain.ExpenseNFSE)
	if err != nil {
		t.Fatalf("ExtractExpense() error = %v", err)
	}
	if expense.RecipientTaxID != "12345678000199" || expense.ExpenseType != domain.ExpenseNFSE {
		t.Fatalf("unexpected expense %+v", expense)
	}
	if len(model.prompts) != 1 {
		t.Fatalf("expected one prompt, got %d", len(model.prompts))
	}
}

func TestExtractExpenseRetriesUnavailable(t *testing.T) {
	model := &generatorFake{
		errs:    []error{status.Error(codes.Unavailable, "try later"), nil},
		answers: []string{"", `{"valorTotal": 1}`},
	}
	executor := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
	})
	if _, err := newTestExtractor(t, model, executor).ExtractExpense(context.Background(), "x", domain.ExpenseNFE); err != nil {
		t.Fatalf("ExtractExpense() error = %v", err)
	}
	if model.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", model.calls)
	}
}

func TestExtractExpenseErrors(t *testing.T) {
	unavailable := &generatorFake{errs: []error{status.Error(codes.Unavailable, "down")}}
	_, err := newTestExtractor(t, unavailable, nil).ExtractExpense(context.Background(), "x", domain.ExpenseNFE)
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}

	invalid := &generatorFake{errs: []error{status.Error(codes.InvalidArgument, "bad prompt")}}
	_, err = newTestExtractor(t, invalid, nil).ExtractExpense(context.Background(), "x", domain.ExpenseNFE)
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected permanent error, got %v", err)
	}

	empty := &generatorFake{answers: []string{"  "}}
	_, err = newTestExtractor(t, empty, nil).ExtractExpense(context.Background(), "x", domain.ExpenseNFE)
	if !domain.IsKind(err, domain.ErrUnsupportedDocument) {
		t.Fatalf("expected unsupported document, got %v", err)
	}
}
