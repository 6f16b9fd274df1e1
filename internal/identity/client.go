// Package identity implements the HTTP client for the external identity
// provider: password-less login, MFA verification, token refresh and
// customer profile lookup.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/poliport/poliport/internal/config"
	"github.com/poliport/poliport/internal/observability"
)

// clientIDHeader carries the fixed client identifier on every call.
const clientIDHeader = "X-Client-Id"

// Client talks to the identity provider over HTTP/JSON.
type Client struct {
	baseURL  string
	clientID string
	http     *http.Client
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewClient creates an identity-provider client.
func NewClient(cfg config.IdentityConfig, logger *slog.Logger, metrics *observability.Metrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		clientID: cfg.ClientID,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.With("component", "identity"),
		metrics:  metrics,
	}
}

// LoginResult is the first phase of the two-phase login flow. The returned
// token is short-lived and only valid for MFA verification; final
// credentials are never issued here.
type LoginResult struct {
	Token   string `json:"token"`
	Message string `json:"message"`
}

// TokenSet is an issued or refreshed access/refresh token pair. RefreshToken
// and RefreshExpiresIn are empty when the provider did not rotate the
// refresh token.
type TokenSet struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken,omitempty"`
	ExpiresIn        int    `json:"expiresIn"`
	RefreshExpiresIn int    `json:"refreshExpiresIn,omitempty"`
}

// Profile is the authenticated customer's profile.
type Profile struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	Phone    string `json:"phone"`
}

// ProviderError carries the provider's non-2xx response detail.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("identity provider returned %d: %s", e.StatusCode, e.Body)
}

// LoginOrRegister starts the password-less login flow.
func (c *Client) LoginOrRegister(ctx context.Context, identityNumber, phone, birthDate string) (*LoginResult, error) {
	var out LoginResult
	err := c.do(ctx, "login", http.MethodPost, "/auth/login-or-register", "", map[string]string{
		"identityNumber": identityNumber,
		"phone":          phone,
		"birthDate":      birthDate,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyMFA completes the second phase and returns final credentials.
func (c *Client) VerifyMFA(ctx context.Context, loginToken, code string) (*TokenSet, error) {
	var out TokenSet
	err := c.do(ctx, "verify_mfa", http.MethodPost, "/auth/verify-mfa", loginToken, map[string]string{
		"code": code,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh exchanges a refresh token for a new token set.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	var out TokenSet
	err := c.do(ctx, "refresh", http.MethodPost, "/auth/refresh", "", map[string]string{
		"refreshToken": refreshToken,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Profile fetches the authenticated customer's profile.
func (c *Client) Profile(ctx context.Context, accessToken string) (*Profile, error) {
	var out Profile
	if err := c.do(ctx, "profile", http.MethodGet, "/customers/me", accessToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, operation, method, path, bearer string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(clientIDHeader, c.clientID)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.count(operation, "error")
		return fmt.Errorf("identity provider %s: %w", operation, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.count(operation, "error")
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.count(operation, "error")
		return &ProviderError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			c.count(operation, "error")
			return fmt.Errorf("decode response: %w", err)
		}
	}
	c.count(operation, "success")
	return nil
}

func (c *Client) count(operation, status string) {
	if c.metrics != nil {
		c.metrics.IdentityRequests.WithLabelValues(operation, status).Inc()
	}
}

// AccessTokenExpiry resolves the expiry of an issued access token. It
// prefers the provider's expiresIn; when that is absent it falls back to the
// exp claim of the JWT, and finally to a conservative five minutes.
func AccessTokenExpiry(ts *TokenSet, now time.Time) time.Time {
	if ts.ExpiresIn > 0 {
		return now.Add(time.Duration(ts.ExpiresIn) * time.Second)
	}
	if exp, ok := jwtExpiry(ts.AccessToken); ok {
		return exp
	}
	return now.Add(5 * time.Minute)
}

// jwtExpiry parses the exp claim without verifying the signature; the token
// is opaque to us and verified by the provider on use.
func jwtExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
