package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config contains all runtime configuration for the Courier server.
//
// Precedence, lowest to highest: built-in defaults, the optional YAML file
// named by COURIER_CONFIG, then COURIER_* environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" (default) or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// DatabaseURL selects the Postgres chat store when set.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// DataDir selects the embedded Pebble chat store when set and
	// DatabaseURL is empty. With neither, the in-memory store is used.
	DataDir string

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool
}

// fileConfig is the YAML shape of Config. Durations are strings ("5s") so
// config files stay human-editable.
type fileConfig struct {
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ReadHeaderTimeout string `yaml:"read_header_timeout"`
	ReadTimeout       string `yaml:"read_timeout"`
	WriteTimeout      string `yaml:"write_timeout"`
	IdleTimeout       string `yaml:"idle_timeout"`
	MaxHeaderBytes    int    `yaml:"max_header_bytes"`

	DatabaseURL string `yaml:"database_url"`
	DBMaxConns  int32  `yaml:"db_max_conns"`
	DBMinConns  int32  `yaml:"db_min_conns"`

	DataDir string `yaml:"data_dir"`

	ReadinessRequireDB *bool `yaml:"readiness_require_db"`
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,

		DBMaxConns: 10,
		DBMinConns: 0,
	}
}

// LoadConfig loads Config from the optional .env file, the optional YAML
// file named by COURIER_CONFIG, and COURIER_* environment variables.
func LoadConfig() (Config, error) {
	// Best-effort: a missing .env is not an error.
	_ = godotenv.Load()

	cfg := defaultConfig()

	if path := strings.TrimSpace(os.Getenv("COURIER_CONFIG")); path != "" {
		if err := applyConfigFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.HTTPAddr = EnvString("COURIER_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("COURIER_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("COURIER_LOG_FORMAT", cfg.LogFormat)

	cfg.ReadHeaderTimeout = EnvDuration("COURIER_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("COURIER_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("COURIER_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("COURIER_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = EnvInt("COURIER_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)

	cfg.DatabaseURL = EnvString("COURIER_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = EnvInt32("COURIER_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("COURIER_DB_MIN_CONNS", cfg.DBMinConns)

	cfg.DataDir = EnvString("COURIER_DATA_DIR", cfg.DataDir)

	cfg.ReadinessRequireDB = EnvBool("COURIER_READINESS_REQUIRE_DB", cfg.ReadinessRequireDB)

	return cfg, nil
}

func applyConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.HTTPAddr != "" {
		cfg.HTTPAddr = fc.HTTPAddr
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.LogFormat != "" {
		cfg.LogFormat = fc.LogFormat
	}

	durs := []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{fc.ReadHeaderTimeout, &cfg.ReadHeaderTimeout, "read_header_timeout"},
		{fc.ReadTimeout, &cfg.ReadTimeout, "read_timeout"},
		{fc.WriteTimeout, &cfg.WriteTimeout, "write_timeout"},
		{fc.IdleTimeout, &cfg.IdleTimeout, "idle_timeout"},
	}
	for _, d := range durs {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil || v <= 0 {
			return fmt.Errorf("config file %s: invalid %s: %q", path, d.key, d.raw)
		}
		*d.dst = v
	}

	if fc.MaxHeaderBytes > 0 {
		cfg.MaxHeaderBytes = fc.MaxHeaderBytes
	}

	if fc.DatabaseURL != "" {
		cfg.DatabaseURL = fc.DatabaseURL
	}
	if fc.DBMaxConns > 0 {
		cfg.DBMaxConns = fc.DBMaxConns
	}
	if fc.DBMinConns > 0 {
		cfg.DBMinConns = fc.DBMinConns
	}

	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}

	if fc.ReadinessRequireDB != nil {
		cfg.ReadinessRequireDB = *fc.ReadinessRequireDB
	}

	return nil
}
