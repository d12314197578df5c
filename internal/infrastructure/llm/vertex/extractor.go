// Package vertex extracts expenses with Gemini models on Vertex AI.
package vertex

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/llm/schema"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/resilience"
)

const systemPrompt = "You read Brazilian payable documents and answer with a single JSON object describing the expense."

type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

type ExpenseExtractor struct {
	client    *genai.Client
	model     contentGenerator
	validator *schema.ExpenseValidator
	executor  *resilience.Executor
}

// NewExpenseExtractor connects to Vertex AI in projectID/region and configures model for JSON answers.
func NewExpenseExtractor(
	ctx context.Context,
	projectID, region, modelName string,
	validator *schema.ExpenseValidator,
	executor *resilience.Executor,
) (*ExpenseExtractor, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("vertex: project and region are required")
	}
	client, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	return &ExpenseExtractor{
		client:    client,
		model:     model,
		validator: validator,
		executor:  executor,
	}, nil
}

func (e *ExpenseExtractor) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

func (e *ExpenseExtractor) ExtractExpense(ctx context.Context, text string, expenseType domain.ExpenseType) (*domain.Expense, error) {
	prompt := genai.Text(schema.BuildExpensePrompt(text, expenseType))

	answer, err := resilience.Call(ctx, e.executor, "vertex.generate", func(callCtx context.Context) (string, error) {
		resp, err := e.model.GenerateContent(callCtx, prompt)
		if err != nil {
			return "", fmt.Errorf("vertex generate content: %w", err)
		}
		return responseText(resp), nil
	}, classifyVertexError)
	if err != nil {
		return nil, resilience.WrapTemporary("vertex generate", err, classifyVertexError)
	}
	if strings.TrimSpace(answer) == "" {
		return nil, domain.WrapError(domain.ErrUnsupportedDocument, "vertex generate", errors.New("empty model answer"))
	}

	expense, err := e.validator.Decode(answer)
	if err != nil {
		return nil, err
	}
	expense.ExpenseType = expenseType
	return expense, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

func classifyVertexError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.Internal:
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		case codes.Canceled:
			return resilience.ErrorClassification{}
		default:
			return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
		}
	}
	return resilience.ClassifyHTTPError(err)
}
