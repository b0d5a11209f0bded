package models

// ErrorKind is the stable error taxonomy shared by the authentication gateway
// and the connection manager. Kinds are wire-visible codes: they appear in
// error frames sent to clients and in logs, and must never carry secret
// material in their associated messages.
type ErrorKind string

const (
	// Authentication kinds.
	ErrNoToken               ErrorKind = "NO_TOKEN"
	ErrInvalidFormat         ErrorKind = "INVALID_FORMAT"
	ErrValidationFailed      ErrorKind = "VALIDATION_FAILED"
	ErrTokenExpired          ErrorKind = "TOKEN_EXPIRED"
	ErrServiceConnection     ErrorKind = "AUTH_SERVICE_CONNECTION_ERROR"
	ErrServiceTimeout        ErrorKind = "AUTH_SERVICE_TIMEOUT"
	ErrServiceNotAvailable   ErrorKind = "AUTH_SERVICE_NOT_AVAILABLE"
	ErrInvalidResponseFormat ErrorKind = "INVALID_RESPONSE_FORMAT"
	ErrCircuitBreakerOpen    ErrorKind = "AUTH_CIRCUIT_BREAKER_OPEN"
	ErrAuthException         ErrorKind = "WEBSOCKET_AUTH_EXCEPTION"

	// Connection kinds.
	ErrInvalidSocketState ErrorKind = "INVALID_WEBSOCKET_STATE"
	ErrRateLimitExceeded  ErrorKind = "RATE_LIMIT_EXCEEDED"
	ErrLimitEvicted       ErrorKind = "LIMIT_EVICTED"
)

// Retryable reports whether a failed authentication with this kind may
// succeed on a later attempt without operator intervention.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrServiceConnection, ErrServiceTimeout, ErrCircuitBreakerOpen, ErrServiceNotAvailable:
		return true
	default:
		return false
	}
}
