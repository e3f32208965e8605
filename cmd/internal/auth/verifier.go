package auth

import "time"

// Identity is the minimal identity envelope established at handshake time.
type Identity struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// Verifier validates a bearer credential and yields a stable user identity.
// It is invoked once per WebSocket handshake and once per request-scoped
// call that needs identity.
type Verifier interface {
	Verify(token string, now time.Time) (Identity, error)
}
