package auth

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/identity"
	"github.com/haasonsaas/relay/pkg/models"
)

// fakeIdentity scripts the remote identity service.
type fakeIdentity struct {
	mu      sync.Mutex
	calls   int
	verdict *identity.Result
	err     error
}

func (f *fakeIdentity) Validate(ctx context.Context, token string) (*identity.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.verdict, nil
}

func (f *fakeIdentity) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(client identity.Client, cfg Config) *Gateway {
	return NewGateway(client, cfg, quietLogger())
}

const wellFormedToken = "abc.def.ghi"

func headerHandshake(token string) Handshake {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return Handshake{Header: h, ClientID: "client-1"}
}

func subprotocolHandshake(token string) Handshake {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(token))
	return Handshake{
		Header:       http.Header{},
		Subprotocols: []string{"chat.v1", "jwt." + encoded},
		ClientID:     "client-1",
	}
}

func TestAuthenticate_NoToken(t *testing.T) {
	fake := &fakeIdentity{}
	gw := newTestGateway(fake, Config{})

	result, execCtx := gw.Authenticate(context.Background(), Handshake{Header: http.Header{}})

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.ErrorKind != models.ErrNoToken {
		t.Errorf("kind = %s, want NO_TOKEN", result.ErrorKind)
	}
	if execCtx != nil {
		t.Error("no execution context on failure")
	}
	if fake.callCount() != 0 {
		t.Errorf("remote called %d times, want 0", fake.callCount())
	}
}

func TestAuthenticate_InvalidFormat(t *testing.T) {
	cases := []struct {
		name  string
		token string
	}{
		{"two segments", "abc.def"},
		{"four segments", "a.b.c.d"},
		{"control characters", "abc.de\x01f.ghi"},
		{"non base64 payload", "abc.$$$$.ghi"},
		{"oversized", strings.Repeat("a", maxTokenLength) + ".bbb.ccc"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeIdentity{}
			gw := newTestGateway(fake, Config{})

			result, _ := gw.Authenticate(context.Background(), headerHandshake(tc.token))

			if result.ErrorKind != models.ErrInvalidFormat {
				t.Errorf("kind = %s, want INVALID_FORMAT", result.ErrorKind)
			}
			if fake.callCount() != 0 {
				t.Error("format failures must never reach the identity service")
			}
			if strings.Contains(result.ErrorMessage, tc.token) {
				t.Error("error message must not echo the token")
			}
		})
	}
}

func TestAuthenticate_HeaderAndSubprotocolEquivalent(t *testing.T) {
	for _, hs := range []struct {
		name string
		hs   Handshake
	}{
		{"authorization header", headerHandshake(wellFormedToken)},
		{"jwt subprotocol", subprotocolHandshake(wellFormedToken)},
	} {
		t.Run(hs.name, func(t *testing.T) {
			fake := &fakeIdentity{verdict: &identity.Result{Valid: true, UserID: "user-1"}}
			gw := newTestGateway(fake, Config{})

			result, execCtx := gw.Authenticate(context.Background(), hs.hs)

			if !result.Success {
				t.Fatalf("authentication failed: %s %s", result.ErrorKind, result.ErrorMessage)
			}
			if result.UserID != "user-1" {
				t.Errorf("UserID = %q", result.UserID)
			}
			if execCtx == nil || execCtx.UserID != "user-1" {
				t.Fatalf("execution context = %+v", execCtx)
			}
			if execCtx.RunID == "" || execCtx.RequestID == "" || execCtx.ThreadID == "" {
				t.Error("execution context ids must be populated")
			}
		})
	}
}

func TestAuthenticate_TokenExpired(t *testing.T) {
	fake := &fakeIdentity{verdict: &identity.Result{Valid: false, Error: "token expired"}}
	gw := newTestGateway(fake, Config{})

	result, execCtx := gw.Authenticate(context.Background(), headerHandshake(wellFormedToken))

	if result.ErrorKind != models.ErrTokenExpired {
		t.Errorf("kind = %s, want TOKEN_EXPIRED", result.ErrorKind)
	}
	if execCtx != nil {
		t.Error("no execution context on expiry")
	}
}

func TestAuthenticate_RemoteRejection(t *testing.T) {
	fake := &fakeIdentity{verdict: &identity.Result{Valid: false, Error: "bad signature"}}
	gw := newTestGateway(fake, Config{})

	result, _ := gw.Authenticate(context.Background(), headerHandshake(wellFormedToken))

	if result.ErrorKind != models.ErrValidationFailed {
		t.Errorf("kind = %s, want VALIDATION_FAILED", result.ErrorKind)
	}
}

func TestAuthenticate_EmptyUserIDRejected(t *testing.T) {
	fake := &fakeIdentity{verdict: &identity.Result{Valid: true, UserID: "   "}}
	gw := newTestGateway(fake, Config{})

	result, execCtx := gw.Authenticate(context.Background(), headerHandshake(wellFormedToken))

	if result.Success {
		t.Fatal("whitespace user id must not authenticate")
	}
	if result.ErrorKind != models.ErrValidationFailed {
		t.Errorf("kind = %s, want VALIDATION_FAILED", result.ErrorKind)
	}
	if execCtx != nil {
		t.Error("no execution context for empty identity")
	}
}

func TestAuthenticate_ServiceErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want models.ErrorKind
	}{
		{"timeout", identity.ErrTimeout, models.ErrServiceTimeout},
		{"connection", identity.ErrUnavailable, models.ErrServiceConnection},
		{"bad response", identity.ErrBadResponse, models.ErrInvalidResponseFormat},
		{"unexpected", io.ErrUnexpectedEOF, models.ErrAuthException},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeIdentity{err: tc.err}
			gw := newTestGateway(fake, Config{})

			result, _ := gw.Authenticate(context.Background(), headerHandshake(wellFormedToken))

			if result.ErrorKind != tc.want {
				t.Errorf("kind = %s, want %s", result.ErrorKind, tc.want)
			}
		})
	}
}

func TestAuthenticate_NoIdentityService(t *testing.T) {
	gw := newTestGateway(nil, Config{})

	result, _ := gw.Authenticate(context.Background(), headerHandshake(wellFormedToken))

	if result.ErrorKind != models.ErrServiceNotAvailable {
		t.Errorf("kind = %s, want AUTH_SERVICE_NOT_AVAILABLE", result.ErrorKind)
	}
}

func TestAuthenticate_CircuitBreakerOpensAfterThreshold(t *testing.T) {
	fake := &fakeIdentity{err: identity.ErrUnavailable}
	gw := newTestGateway(fake, Config{
		FailureThreshold: 5,
		ResetTimeout:     time.Hour,
		CacheTTL:         time.Nanosecond,
	})

	for i := 0; i < 5; i++ {
		result, _ := gw.Authenticate(context.Background(), headerHandshake(wellFormedToken))
		if result.ErrorKind != models.ErrServiceConnection {
			t.Fatalf("attempt %d kind = %s", i, result.ErrorKind)
		}
	}
	if fake.callCount() != 5 {
		t.Fatalf("remote calls = %d, want 5", fake.callCount())
	}

	// Sixth attempt fails fast without a remote call.
	result, _ := gw.Authenticate(context.Background(), headerHandshake(wellFormedToken))
	if result.ErrorKind != models.ErrCircuitBreakerOpen {
		t.Errorf("kind = %s, want AUTH_CIRCUIT_BREAKER_OPEN", result.ErrorKind)
	}
	if fake.callCount() != 5 {
		t.Errorf("remote calls = %d, want to stay at 5", fake.callCount())
	}
}

func TestAuthenticate_CacheCollapsesDuplicateHandshakes(t *testing.T) {
	fake := &fakeIdentity{verdict: &identity.Result{Valid: true, UserID: "user-1"}}
	gw := newTestGateway(fake, Config{CacheTTL: 5 * time.Second})

	r1, ec1 := gw.Authenticate(context.Background(), headerHandshake(wellFormedToken))
	r2, ec2 := gw.Authenticate(context.Background(), headerHandshake(wellFormedToken))

	if !r1.Success || !r2.Success {
		t.Fatal("both attempts should succeed")
	}
	if fake.callCount() != 1 {
		t.Errorf("remote calls = %d, want 1 (second served from cache)", fake.callCount())
	}
	if ec1.RunID == ec2.RunID {
		t.Error("each connection must get its own execution context")
	}
}

func TestAuthenticate_CacheScopedByClientID(t *testing.T) {
	fake := &fakeIdentity{verdict: &identity.Result{Valid: true, UserID: "user-1"}}
	gw := newTestGateway(fake, Config{CacheTTL: 5 * time.Second})

	hs1 := headerHandshake(wellFormedToken)
	hs2 := headerHandshake(wellFormedToken)
	hs2.ClientID = "client-2"

	gw.Authenticate(context.Background(), hs1)
	gw.Authenticate(context.Background(), hs2)

	if fake.callCount() != 2 {
		t.Errorf("remote calls = %d, want 2 for distinct target contexts", fake.callCount())
	}
}

func TestAuthenticate_CachesDefinitiveRejections(t *testing.T) {
	fake := &fakeIdentity{verdict: &identity.Result{Valid: false, Error: "bad signature"}}
	gw := newTestGateway(fake, Config{CacheTTL: 5 * time.Second})

	r1, _ := gw.Authenticate(context.Background(), headerHandshake(wellFormedToken))
	r2, ec := gw.Authenticate(context.Background(), headerHandshake(wellFormedToken))

	if r1.Success || r2.Success {
		t.Fatal("both attempts should fail")
	}
	if r2.ErrorKind != models.ErrValidationFailed {
		t.Errorf("kind = %s, want VALIDATION_FAILED", r2.ErrorKind)
	}
	if ec != nil {
		t.Error("no execution context on cached failure")
	}
	if fake.callCount() != 1 {
		t.Errorf("remote calls = %d, want 1 (rejection served from cache)", fake.callCount())
	}
}

func TestAuthenticate_TransportFailuresNotCached(t *testing.T) {
	fake := &fakeIdentity{err: identity.ErrUnavailable}
	gw := newTestGateway(fake, Config{CacheTTL: 5 * time.Second})

	gw.Authenticate(context.Background(), headerHandshake(wellFormedToken))
	gw.Authenticate(context.Background(), headerHandshake(wellFormedToken))

	if fake.callCount() != 2 {
		t.Errorf("remote calls = %d, want 2 (transport failures bypass the cache)", fake.callCount())
	}
}

func TestAuthenticate_BypassWithSimulationKey(t *testing.T) {
	fake := &fakeIdentity{}
	gw := newTestGateway(fake, Config{
		Bypass: BypassConfig{Enabled: true, Secret: "sim-secret"},
	})

	key, err := SignSimulationKey("sim-secret", "e2e-user", "e2e@example.com", time.Minute)
	if err != nil {
		t.Fatalf("SignSimulationKey: %v", err)
	}

	h := http.Header{}
	h.Set(TestAuthHeader, key)
	result, execCtx := gw.Authenticate(context.Background(), Handshake{Header: h})

	if !result.Success {
		t.Fatalf("bypass failed: %s %s", result.ErrorKind, result.ErrorMessage)
	}
	if result.UserID != "e2e-user" {
		t.Errorf("UserID = %q", result.UserID)
	}
	if result.Metadata["auth_mode"] != "bypass" {
		t.Error("bypass results must be marked in metadata")
	}
	if execCtx == nil {
		t.Fatal("expected execution context")
	}
	if fake.callCount() != 0 {
		t.Error("bypass must not contact the identity service")
	}
}

func TestAuthenticate_BypassDisabledIgnoresMarker(t *testing.T) {
	fake := &fakeIdentity{}
	gw := newTestGateway(fake, Config{})

	h := http.Header{}
	h.Set(TestAuthHeader, "anything")
	result, _ := gw.Authenticate(context.Background(), Handshake{Header: h})

	// Marker alone, with bypass disabled, falls through to normal auth.
	if result.ErrorKind != models.ErrNoToken {
		t.Errorf("kind = %s, want NO_TOKEN", result.ErrorKind)
	}
}

func TestAuthenticate_BypassBadKeyRejected(t *testing.T) {
	gw := newTestGateway(&fakeIdentity{}, Config{
		Bypass: BypassConfig{Enabled: true, Secret: "sim-secret"},
	})

	key, _ := SignSimulationKey("wrong-secret", "e2e-user", "", time.Minute)
	h := http.Header{}
	h.Set(TestAuthHeader, key)
	result, execCtx := gw.Authenticate(context.Background(), Handshake{Header: h})

	if result.Success || execCtx != nil {
		t.Fatal("forged simulation key must be rejected")
	}
	if result.ErrorKind != models.ErrValidationFailed {
		t.Errorf("kind = %s, want VALIDATION_FAILED", result.ErrorKind)
	}
}
