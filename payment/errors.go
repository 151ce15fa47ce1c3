package payment

import "github.com/pkg/errors"

// Typed failures the HTTP layer maps onto status codes.
var (
	// ErrInvalidSession means the session id does not name a session (400).
	ErrInvalidSession = errors.New("Invalid session ID")
	// ErrSessionNotPending means the session is already terminal (402).
	ErrSessionNotPending = errors.New("Session is not pending")
	// ErrSessionExpired means the pending window has lapsed (402).
	ErrSessionExpired = errors.New("Session has expired")
	// ErrInvalidKey means the supplied api key is unknown or revoked (400).
	ErrInvalidKey = errors.New("Invalid API key")
	// ErrUnknownPlan means the target plan does not exist (400).
	ErrUnknownPlan = errors.New("Invalid pricing plan")
	// ErrKeyNotFound is returned by the public key read for unknown or
	// revoked keys (404).
	ErrKeyNotFound = errors.New("API key not found")
)
