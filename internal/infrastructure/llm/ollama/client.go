package ollama

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/llm/schema"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(baseURL, model string, executor *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		executor:   executor,
	}
}

// ExpenseExtractor asks a local model for the expense fields of a document.
type ExpenseExtractor struct {
	client    *Client
	validator *schema.ExpenseValidator
}

func NewExpenseExtractor(client *Client, validator *schema.ExpenseValidator) *ExpenseExtractor {
	return &ExpenseExtractor{client: client, validator: validator}
}

func (e *ExpenseExtractor) ExtractExpense(ctx context.Context, text string, expenseType domain.ExpenseType) (*domain.Expense, error) {
	answer, err := e.client.generateJSON(ctx, schema.BuildExpensePrompt(text, expenseType))
	if err != nil {
		return nil, err
	}
	expense, err := e.validator.Decode(answer)
	if err != nil {
		return nil, err
	}
	expense.ExpenseType = expenseType
	return expense, nil
}

func (c *Client) generateJSON(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":  c.model,
		"prompt": prompt,
		"stream": false,
		"format": "json",
		"options": map[string]any{
			"temperature": 0,
		},
	}

	answer, err := resilience.Call(ctx, c.executor, "ollama.generate", func(callCtx context.Context) (string, error) {
		var response struct {
			Response string `json:"response"`
		}
		if err := c.postJSON(callCtx, "/api/generate", reqBody, &response, "generate"); err != nil {
			return "", err
		}
		return strings.TrimSpace(response.Response), nil
	}, resilience.ClassifyHTTPError)
	if err != nil {
		return "", resilience.WrapTemporary("ollama generate", err, resilience.ClassifyHTTPError)
	}
	return answer, nil
}
