package auth

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

const (
	// maxTokenLength bounds a token candidate before any network call.
	maxTokenLength = 8192
	// subprotocolTokenPrefix marks the subprotocol entry carrying a token.
	subprotocolTokenPrefix = "jwt."
)

// Handshake is the connection metadata available before a websocket upgrade
// is accepted: header-like key/value pairs plus the negotiated subprotocol
// list.
type Handshake struct {
	Header       http.Header
	Subprotocols []string
	// ClientID is an optional caller-supplied client identifier used to
	// scope the token cache fingerprint.
	ClientID string
}

// HandshakeFromRequest captures the relevant parts of an upgrade request.
func HandshakeFromRequest(r *http.Request) Handshake {
	return Handshake{
		Header:       r.Header,
		Subprotocols: parseSubprotocols(r.Header.Get("Sec-WebSocket-Protocol")),
		ClientID:     strings.TrimSpace(r.Header.Get("X-Client-Id")),
	}
}

func parseSubprotocols(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// extractToken looks for a bearer token in the authorization header first,
// then in a jwt.<base64url> subprotocol segment. An empty string means no
// candidate was found anywhere.
func extractToken(hs Handshake) (string, error) {
	if authHeader := hs.Header.Get("Authorization"); authHeader != "" {
		if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			if token := strings.TrimSpace(authHeader[7:]); token != "" {
				return token, nil
			}
		}
	}

	for _, proto := range hs.Subprotocols {
		if !strings.HasPrefix(proto, subprotocolTokenPrefix) {
			continue
		}
		encoded := proto[len(subprotocolTokenPrefix):]
		if encoded == "" {
			continue
		}
		decoded, err := decodeBase64URL(encoded)
		if err != nil {
			return "", fmt.Errorf("subprotocol token segment is not valid base64")
		}
		if token := strings.TrimSpace(string(decoded)); token != "" {
			return token, nil
		}
	}

	return "", nil
}

func decodeBase64URL(s string) ([]byte, error) {
	if decoded, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.URLEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// validateTokenFormat rejects malformed candidates before any network call.
// The error messages describe the defect without echoing the token.
func validateTokenFormat(token string) error {
	if len(token) > maxTokenLength {
		return fmt.Errorf("token exceeds %d bytes", maxTokenLength)
	}
	for _, r := range token {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("token contains control characters")
		}
	}
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return fmt.Errorf("token has %d segments, want 3", len(segments))
	}
	for i, seg := range segments[:2] {
		if seg == "" {
			return fmt.Errorf("token segment %d is empty", i)
		}
		if _, err := decodeBase64URL(seg); err != nil {
			return fmt.Errorf("token segment %d is not valid base64", i)
		}
	}
	return nil
}
