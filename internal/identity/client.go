// Package identity wraps the remote identity service that validates bearer
// tokens for incoming connections.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Sentinel errors distinguishing remote failure modes. The authentication
// gateway maps each to a typed result kind.
var (
	// ErrUnavailable indicates a transport-level failure reaching the service.
	ErrUnavailable = errors.New("identity service unavailable")
	// ErrTimeout indicates the validation call timed out.
	ErrTimeout = errors.New("identity service timeout")
	// ErrBadResponse indicates the service answered with an unparseable body.
	ErrBadResponse = errors.New("identity service returned malformed response")
)

// Result is the identity service's verdict on one token.
type Result struct {
	Valid       bool     `json:"valid"`
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	Permissions []string `json:"permissions"`
	Error       string   `json:"error,omitempty"`
}

// Expired reports whether the rejection was an expiry.
func (r *Result) Expired() bool {
	return r != nil && !r.Valid && strings.Contains(strings.ToLower(r.Error), "expired")
}

// Client validates tokens against the identity service.
type Client interface {
	Validate(ctx context.Context, token string) (*Result, error)
}

// HTTPClient calls the identity service's validate endpoint over HTTP.
type HTTPClient struct {
	validateURL string
	http        *http.Client
}

// Config configures the HTTP identity client.
type Config struct {
	// ValidateURL is the full URL of the token validation endpoint.
	ValidateURL string `yaml:"validate_url"`
	// Timeout bounds one validation call. Distinct from connection
	// heartbeat timeouts.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default identity client configuration.
func DefaultConfig() Config {
	return Config{Timeout: 8 * time.Second}
}

// NewHTTPClient builds an identity client from config.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.ValidateURL) == "" {
		return nil, errors.New("identity validate_url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPClient{
		validateURL: cfg.ValidateURL,
		http:        &http.Client{Timeout: timeout},
	}, nil
}

type validateRequest struct {
	Token string `json:"token"`
}

// Validate posts the token to the validation endpoint and decodes the
// verdict. Transport failures map to ErrUnavailable, timeouts to ErrTimeout,
// and undecodable bodies to ErrBadResponse. The token travels only in the
// request body, never in the URL.
func (c *HTTPClient) Validate(ctx context.Context, token string) (*Result, error) {
	body, err := json.Marshal(validateRequest{Token: token})
	if err != nil {
		return nil, fmt.Errorf("encode validate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.validateURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build validate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return &result, nil
}

// classifyTransportError separates timeouts from connection failures.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
