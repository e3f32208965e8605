package auth

import (
	"errors"
	"testing"
	"time"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	t.Setenv("COURIER_PASETO_SECRET_KEY", "")
	t.Setenv("COURIER_TOKEN_ISSUER", "")
	t.Setenv("COURIER_ACCESS_TOKEN_TTL", "")
	t.Setenv("COURIER_TOKEN_CLOCK_SKEW", "")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Issuer != "courier" || cfg.AccessTTL != 15*time.Minute || cfg.ClockSkew != 30*time.Second {
		t.Fatalf("defaults mismatch: %+v", cfg)
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("COURIER_TOKEN_ISSUER", "courier-stage")
	t.Setenv("COURIER_ACCESS_TOKEN_TTL", "1h")
	t.Setenv("COURIER_TOKEN_CLOCK_SKEW", "0s")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Issuer != "courier-stage" || cfg.AccessTTL != time.Hour || cfg.ClockSkew != 0 {
		t.Fatalf("overrides mismatch: %+v", cfg)
	}
}

func TestLoadConfigFromEnv_InvalidDurations(t *testing.T) {
	t.Setenv("COURIER_ACCESS_TOKEN_TTL", "soon")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for bad TTL, got %v", err)
	}

	t.Setenv("COURIER_ACCESS_TOKEN_TTL", "")
	t.Setenv("COURIER_TOKEN_CLOCK_SKEW", "-5s")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for negative skew, got %v", err)
	}
}
