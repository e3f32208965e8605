package auth

import (
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// Manager issues and verifies PASETO v4.public access tokens.
//
// It uses an Ed25519 asymmetric keypair and enforces issuer and expiration
// rules. Clock skew is applied during verification via ValidAt to tolerate
// minor clock differences.
type Manager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey

	ephemeral bool
}

// NewManager builds a token Manager from config. An empty SecretKeyHex
// yields an ephemeral keypair (dev/tests only); callers should log that.
func NewManager(cfg Config) (*Manager, error) {
	var (
		secret paseto.V4AsymmetricSecretKey
		err    error
	)

	ephemeral := cfg.SecretKeyHex == ""
	if ephemeral {
		secret = paseto.NewV4AsymmetricSecretKey()
	} else {
		secret, err = paseto.NewV4AsymmetricSecretKeyFromHex(cfg.SecretKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
	}

	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	ttl := cfg.AccessTTL
	if ttl <= 0 {
		ttl = defaultAccessTTL
	}

	return &Manager{
		issuer:    issuer,
		ttl:       ttl,
		clockSkew: cfg.ClockSkew,
		secret:    secret,
		public:    secret.Public(),
		ephemeral: ephemeral,
	}, nil
}

// Ephemeral reports whether the manager runs on a generated throwaway key.
func (m *Manager) Ephemeral() bool { return m.ephemeral }

// PublicKeyHex exports the verification key for external verifiers.
func (m *Manager) PublicKeyHex() string {
	return m.public.ExportHex()
}

// Issue signs a short-lived access token for userID/sessionID.
func (m *Manager) Issue(userID, sessionID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now) // Access tokens valid immediately.
	tok.SetExpiration(exp)

	// Minimal, explicit claims.
	_ = tok.Set("uid", userID)
	_ = tok.Set("sid", sessionID)

	signed := tok.V4Sign(m.secret, nil)
	return signed, exp, nil
}

// Verify checks a token against issuer and expiry rules and extracts the
// identity claims.
func (m *Manager) Verify(token string, now time.Time) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	// Clock-skew tolerance:
	// Validate slightly in the future to avoid failing "nbf" when clocks differ.
	// This also makes expiration checks slightly stricter, which is typically desirable.
	validNow := now.Add(m.clockSkew)

	// Build a fresh parser per call to avoid accumulating rules across verifies.
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	iss, _ := parsed.GetIssuer()
	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return Identity{}, ErrInvalidToken
	}
	sid, err := parsed.GetString("sid")
	if err != nil || sid == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{
		UserID:    uid,
		SessionID: sid,
		ExpiresAt: exp,
		IssuedAt:  iat,
		Issuer:    iss,
	}, nil
}
