package auth

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultIssuer    = "courier"
	defaultAccessTTL = 15 * time.Minute
	defaultClockSkew = 30 * time.Second
)

// Config configures the PASETO token manager.
type Config struct {
	// SecretKeyHex is the Ed25519 secret key in hex. When empty, an
	// ephemeral keypair is generated; tokens then die with the process,
	// which is only acceptable for dev and tests.
	SecretKeyHex string

	Issuer    string
	AccessTTL time.Duration
	ClockSkew time.Duration
}

// LoadConfigFromEnv reads auth configuration from COURIER_* environment
// variables with safe defaults.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		SecretKeyHex: strings.TrimSpace(os.Getenv("COURIER_PASETO_SECRET_KEY")),
		Issuer:       defaultIssuer,
		AccessTTL:    defaultAccessTTL,
		ClockSkew:    defaultClockSkew,
	}

	if v := strings.TrimSpace(os.Getenv("COURIER_TOKEN_ISSUER")); v != "" {
		cfg.Issuer = v
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_ACCESS_TOKEN_TTL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%w: COURIER_ACCESS_TOKEN_TTL=%q", ErrConfig, v)
		}
		cfg.AccessTTL = d
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_TOKEN_CLOCK_SKEW")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, fmt.Errorf("%w: COURIER_TOKEN_CLOCK_SKEW=%q", ErrConfig, v)
		}
		cfg.ClockSkew = d
	}

	return cfg, nil
}
