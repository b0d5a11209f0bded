package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// TestAuthHeader carries the signed simulation key on E2E handshakes.
	TestAuthHeader = "X-Relay-Test-Auth"
	// testModeEnv is the process-wide test-mode flag.
	testModeEnv = "RELAY_TEST_MODE"
)

var errBypassKeyInvalid = errors.New("simulation key rejected")

// BypassConfig enables the test/E2E authentication bypass. It must stay
// disabled in production configuration; the marker headers alone never
// activate it.
type BypassConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
}

type bypassClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// bypassRequested reports whether the handshake carries a test marker. Only
// meaningful when bypass is enabled in configuration.
func bypassRequested(hs Handshake) bool {
	if strings.TrimSpace(hs.Header.Get(TestAuthHeader)) != "" {
		return true
	}
	return os.Getenv(testModeEnv) == "1"
}

// validateSimulationKey verifies the HS256-signed simulation key and returns
// the simulated subject. The key arrives in the test marker header, or in
// the regular token position when only the env flag is set.
func validateSimulationKey(hs Handshake, secret string) (string, string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", "", fmt.Errorf("%w: no bypass secret configured", errBypassKeyInvalid)
	}

	key := strings.TrimSpace(hs.Header.Get(TestAuthHeader))
	if key == "" {
		extracted, err := extractToken(hs)
		if err != nil || extracted == "" {
			return "", "", fmt.Errorf("%w: no simulation key present", errBypassKeyInvalid)
		}
		key = extracted
	}

	parsed, err := jwt.ParseWithClaims(key, &bypassClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", "", errBypassKeyInvalid
	}

	claims, ok := parsed.Claims.(*bypassClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", "", errBypassKeyInvalid
	}
	return strings.TrimSpace(claims.Subject), strings.TrimSpace(claims.Email), nil
}

// SignSimulationKey issues a simulation key for E2E tests.
func SignSimulationKey(secret, userID, email string, ttl time.Duration) (string, error) {
	claims := bypassClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
