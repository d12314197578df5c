// Package grouppay talks to the payment system that receives extracted expenses.
package grouppay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
	"github.com/kirillkom/expense-pipeline/internal/infrastructure/resilience"
)

const (
	loginPath  = "/api/autenticacao/login"
	basePath   = "/api/v1/configuracao-mail-reader"
	sendPath   = basePath + "/receber-documento"
	resultPath = basePath + "/resposta-expense/"
)

// TokenStore persists renewed tokens on the client group.
type TokenStore interface {
	SaveToken(ctx context.Context, id int64, token string) error
}

type Options struct {
	AuthURL           string
	CoreURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Executor          *resilience.Executor
}

type Client struct {
	authURL    string
	coreURL    string
	httpClient *http.Client
	tokens     TokenStore
	limiter    *rate.Limiter
	executor   *resilience.Executor
	now        func() time.Time
}

func New(tokens TokenStore, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if options.RequestsPerSecond > 0 {
		limit = rate.Limit(options.RequestsPerSecond)
	}
	burst := options.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		authURL:    strings.TrimRight(options.AuthURL, "/"),
		coreURL:    strings.TrimRight(options.CoreURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		limiter:    rate.NewLimiter(limit, burst),
		executor:   options.Executor,
		now:        time.Now,
	}
}

// Send posts the expense. Any non-2xx answer is an error and leaves the document for a later retry.
func (c *Client) Send(ctx context.Context, group *domain.ClientGroup, delivery domain.ExpenseDelivery) error {
	body, err := json.Marshal(delivery)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	_, err = c.authorized(ctx, group, "send", func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.coreURL+sendPath, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		setBearer(req, token)
		return req, nil
	})
	return err
}

// Result returns nil when the payment system has no verdict yet.
func (c *Client) Result(ctx context.Context, group *domain.ClientGroup, documentID int64) (*domain.DeliveryResult, error) {
	url := c.coreURL + resultPath + strconv.FormatInt(documentID, 10)
	raw, err := c.authorized(ctx, group, "result", func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		setBearer(req, token)
		return req, nil
	})
	if err != nil {
		if resilience.StatusCode(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var result domain.DeliveryResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode result response: %w", err)
	}
	if result.DocumentID == 0 {
		result.DocumentID = documentID
	}
	return &result, nil
}

// authorized runs build+do with the group token and renews the token once on 401/403.
func (c *Client) authorized(
	ctx context.Context,
	group *domain.ClientGroup,
	operation string,
	build func(token string) (*http.Request, error),
) ([]byte, error) {
	token, err := c.Token(ctx, group)
	if err != nil {
		return nil, err
	}

	raw, err := c.execute(ctx, operation, build, token)
	if !isAuthFailure(err) {
		return raw, err
	}

	slog.Warn("grouppay_token_rejected", "client_group", group.UUID, "operation", operation)
	token, err = c.RenewToken(ctx, group)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, operation, build, token)
}

func (c *Client) execute(
	ctx context.Context,
	operation string,
	build func(token string) (*http.Request, error),
	token string,
) ([]byte, error) {
	raw, err := resilience.Call(ctx, c.executor, "grouppay."+operation, func(callCtx context.Context) ([]byte, error) {
		req, err := build(token)
		if err != nil {
			return nil, fmt.Errorf("create %s request: %w", operation, err)
		}
		return c.do(callCtx, req.WithContext(callCtx), operation)
	}, classifyGroupPayError)
	if err != nil {
		return nil, resilience.WrapTemporary("grouppay "+operation, err, classifyGroupPayError)
	}
	return raw, nil
}

func (c *Client) do(ctx context.Context, req *http.Request, operation string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("grouppay %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, resilience.NewHTTPStatusError("grouppay", operation, resp)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", operation, err)
	}
	return raw, nil
}

// classifyGroupPayError keeps auth failures out of retries so the caller can renew the token.
func classifyGroupPayError(err error) resilience.ErrorClassification {
	if isAuthFailure(err) {
		return resilience.ErrorClassification{}
	}
	return resilience.ClassifyHTTPError(err)
}

func isAuthFailure(err error) bool {
	code := resilience.StatusCode(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

func setBearer(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
}
