package grouppay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

var errEmptyPayload = errors.New("login response has no payload")

// tokenSkew renews tokens slightly before they expire.
const tokenSkew = 30 * time.Second

// Token returns the stored token, renewing it when missing or expired.
func (c *Client) Token(ctx context.Context, group *domain.ClientGroup) (string, error) {
	if group.Token != "" && !tokenExpired(group.Token, c.now().Add(tokenSkew)) {
		return group.Token, nil
	}
	return c.RenewToken(ctx, group)
}

// RenewToken logs in with username and "cnpj_supportCode" and saves the new token on the group.
func (c *Client) RenewToken(ctx context.Context, group *domain.ClientGroup) (string, error) {
	body, err := json.Marshal(map[string]string{
		"username": group.Username,
		"password": group.CNPJ + "_" + group.SupportCode,
	})
	if err != nil {
		return "", fmt.Errorf("marshal login request: %w", err)
	}

	raw, err := c.execute(ctx, "login", func(string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL+loginPath, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, "")
	if err != nil {
		if isAuthFailure(err) {
			return "", domain.WrapError(domain.ErrUnauthorized, "grouppay login", err)
		}
		return "", err
	}

	var response struct {
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal(raw, &response); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if response.Payload == "" {
		return "", domain.WrapError(domain.ErrUnauthorized, "grouppay login", errEmptyPayload)
	}

	if err := c.tokens.SaveToken(ctx, group.ID, response.Payload); err != nil {
		return "", fmt.Errorf("save token: %w", err)
	}
	group.Token = response.Payload
	slog.Info("grouppay_token_renewed", "client_group", group.UUID)
	return response.Payload, nil
}

// tokenExpired reads the exp claim without verifying the signature. Opaque tokens never expire here;
// the server rejects them with 401 and the client renews.
func tokenExpired(token string, at time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !exp.After(at)
}
