// Package auth implements the authentication gateway for incoming realtime
// connections: token extraction from handshake metadata, remote validation
// behind a circuit breaker, a short-TTL result cache, and the test/E2E
// bypass protocol.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/cache"
	"github.com/haasonsaas/relay/internal/identity"
	"github.com/haasonsaas/relay/internal/infra"
	"github.com/haasonsaas/relay/pkg/models"
)

// Config configures the authentication gateway.
type Config struct {
	// CacheTTL bounds how long a validation outcome is reused. Short on
	// purpose: the cache collapses duplicate concurrent handshakes, it is
	// not a general auth cache.
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// FailureThreshold is the breaker's consecutive-failure limit.
	FailureThreshold int `yaml:"failure_threshold"`
	// ResetTimeout is the breaker's open-state cooldown.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	// ValidateTimeout bounds one remote validation call.
	ValidateTimeout time.Duration `yaml:"validate_timeout"`
	// Bypass configures the test/E2E bypass protocol.
	Bypass BypassConfig `yaml:"bypass"`
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		CacheTTL:         5 * time.Second,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		ValidateTimeout:  8 * time.Second,
	}
}

// Gateway authenticates connection handshakes. It never lets a remote-service
// error escape: every outcome maps to a typed AuthResult. It owns no
// connection state.
type Gateway struct {
	identity identity.Client
	breaker  *infra.CircuitBreaker
	cache    *cache.TokenCache
	config   Config
	logger   *slog.Logger
}

// NewGateway constructs the authentication gateway. A nil identity client is
// allowed and surfaces as AUTH_SERVICE_NOT_AVAILABLE; logger nil falls back
// to slog.Default().
func NewGateway(client identity.Client, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ValidateTimeout <= 0 {
		cfg.ValidateTimeout = 8 * time.Second
	}
	return &Gateway{
		identity: client,
		breaker: infra.NewCircuitBreaker(infra.CircuitBreakerConfig{
			Name:             "identity-service",
			FailureThreshold: cfg.FailureThreshold,
			ResetTimeout:     cfg.ResetTimeout,
			OnStateChange: func(from, to string) {
				logger.Warn("auth circuit breaker state change", "from", from, "to", to)
			},
		}),
		cache:  cache.NewTokenCache(cache.TokenCacheOptions{TTL: cfg.CacheTTL}),
		config: cfg,
		logger: logger,
	}
}

// Breaker exposes the circuit breaker for stats surfaces.
func (g *Gateway) Breaker() *infra.CircuitBreaker {
	return g.breaker
}

// Authenticate validates one handshake and, on success, derives the
// execution context owned by the resulting connection. The returned context
// is nil on failure.
func (g *Gateway) Authenticate(ctx context.Context, hs Handshake) (result *models.AuthResult, execCtx *models.ExecutionContext) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("authentication panicked", "panic", r)
			result = failure(models.ErrAuthException, "internal authentication error")
			execCtx = nil
		}
	}()

	if g.config.Bypass.Enabled && bypassRequested(hs) {
		return g.authenticateBypass(hs)
	}

	token, err := extractToken(hs)
	if err != nil {
		return failure(models.ErrInvalidFormat, err.Error()), nil
	}
	if token == "" {
		return failure(models.ErrNoToken, "no bearer token in header or subprotocols"), nil
	}
	if err := validateTokenFormat(token); err != nil {
		return failure(models.ErrInvalidFormat, err.Error()), nil
	}

	fingerprint := cache.Fingerprint(token, hs.ClientID)
	if cached, ok := g.cache.Get(fingerprint); ok {
		if !cached.Success {
			return cached, nil
		}
		return cached, newExecutionContext(cached.UserID, hs.ClientID)
	}

	if err := g.breaker.Allow(); err != nil {
		g.logger.Warn("authentication rejected by open circuit breaker")
		return failure(models.ErrCircuitBreakerOpen, "identity service temporarily unavailable"), nil
	}

	result = g.validateRemote(ctx, token)
	if result.Success {
		g.breaker.RecordSuccess()
		g.cache.Put(fingerprint, result)
		return result, newExecutionContext(result.UserID, hs.ClientID)
	}

	g.breaker.RecordFailure()
	// Definitive rejections are cached like successes so a storm of retries
	// with the same bad token stays off the identity service. Transport
	// failures are not cached: a recovering service should be seen at once.
	switch result.ErrorKind {
	case models.ErrValidationFailed, models.ErrTokenExpired:
		g.cache.Put(fingerprint, result)
	}
	g.logger.Warn("authentication failed", "kind", string(result.ErrorKind), "error", result.ErrorMessage)
	return result, nil
}

// validateRemote calls the identity service and classifies every outcome
// into a typed result.
func (g *Gateway) validateRemote(ctx context.Context, token string) *models.AuthResult {
	if g.identity == nil {
		return failure(models.ErrServiceNotAvailable, "identity service not configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, g.config.ValidateTimeout)
	defer cancel()

	verdict, err := g.identity.Validate(callCtx, token)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrTimeout):
			return failure(models.ErrServiceTimeout, "identity service timed out")
		case errors.Is(err, identity.ErrUnavailable):
			return failure(models.ErrServiceConnection, "identity service unreachable")
		case errors.Is(err, identity.ErrBadResponse):
			return failure(models.ErrInvalidResponseFormat, "identity service response unparseable")
		default:
			g.logger.Error("unexpected identity service error", "error", err)
			return failure(models.ErrAuthException, "unexpected authentication error")
		}
	}

	if !verdict.Valid {
		if verdict.Expired() {
			return failure(models.ErrTokenExpired, "token expired")
		}
		return failure(models.ErrValidationFailed, "token rejected by identity service")
	}

	userID := strings.TrimSpace(verdict.UserID)
	if userID == "" {
		// A validated but empty identity must not propagate downstream.
		return failure(models.ErrValidationFailed, "identity service returned empty user id")
	}

	return &models.AuthResult{
		Success:     true,
		UserID:      userID,
		Email:       strings.TrimSpace(verdict.Email),
		Permissions: models.PermissionSet(verdict.Permissions),
		CreatedAt:   time.Now(),
	}
}

// authenticateBypass validates the signed simulation key without contacting
// the identity service.
func (g *Gateway) authenticateBypass(hs Handshake) (*models.AuthResult, *models.ExecutionContext) {
	userID, email, err := validateSimulationKey(hs, g.config.Bypass.Secret)
	if err != nil {
		g.logger.Warn("bypass simulation key rejected")
		return failure(models.ErrValidationFailed, "simulation key rejected"), nil
	}

	result := &models.AuthResult{
		Success:   true,
		UserID:    userID,
		Email:     email,
		Metadata:  map[string]string{"auth_mode": "bypass"},
		CreatedAt: time.Now(),
	}
	return result, newExecutionContext(userID, hs.ClientID)
}

func failure(kind models.ErrorKind, message string) *models.AuthResult {
	return &models.AuthResult{
		Success:      false,
		ErrorKind:    kind,
		ErrorMessage: message,
		CreatedAt:    time.Now(),
	}
}

// newExecutionContext derives the per-connection identity bundle.
func newExecutionContext(userID, clientID string) *models.ExecutionContext {
	if strings.TrimSpace(clientID) == "" {
		clientID = uuid.NewString()
	}
	return &models.ExecutionContext{
		UserID:             userID,
		ConnectionClientID: clientID,
		ThreadID:           uuid.NewString(),
		RunID:              uuid.NewString(),
		RequestID:          uuid.NewString(),
	}
}
