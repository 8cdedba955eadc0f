// Package broker requests short-lived session credentials from an external
// token-issuing service. One credential covers exactly one conversation; the
// client never caches or reuses tokens.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/voicekit-dev/go-voicekit/internal/httpc"
)

// ErrMintFailed indicates the broker refused or failed to issue a credential.
var ErrMintFailed = errors.New("broker: credential mint failed")

// Credential is a short-lived token scoped to one session.
// It is never persisted.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the credential is past its expiry.
func (c Credential) Expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// MintRequest describes the session the credential should be scoped to.
type MintRequest struct {
	Voice        string `json:"voice"`
	Model        string `json:"model"`
	Instructions string `json:"instructions,omitempty"`
}

// Minter issues session credentials.
type Minter interface {
	Mint(ctx context.Context, req MintRequest) (Credential, error)
}

// Client is an HTTP credential broker client.
type Client struct {
	url    string
	apiKey string
	http   *http.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the bearer key used to authenticate to the broker itself.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a broker client for the given endpoint URL.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:    url,
		http:   httpc.Client,
		logger: slog.Default().With("component", "broker"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mint requests one credential. The call is bounded by ctx; callers pass a
// deadline when they need one.
func (c *Client) Mint(ctx context.Context, req MintRequest) (Credential, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Credential{}, fmt.Errorf("broker: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("broker: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrMintFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("broker rejected mint request",
			"status", resp.StatusCode,
			"body_len", len(payload),
		)
		return Credential{}, fmt.Errorf("%w: %s", ErrMintFailed, resp.Status)
	}

	var cred Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return Credential{}, fmt.Errorf("%w: decode response: %v", ErrMintFailed, err)
	}
	if cred.Token == "" {
		return Credential{}, fmt.Errorf("%w: empty token", ErrMintFailed)
	}

	c.logger.Debug("credential minted", "expires_at", cred.ExpiresAt)
	return cred, nil
}

var _ Minter = (*Client)(nil)
