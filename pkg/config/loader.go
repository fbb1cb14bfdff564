// Package config loads the d1plane runtime bag: a flat set of values read
// from environment variables, with an optional YAML (or JSON-as-YAML) file
// providing defaults underneath them. There is no tenant/env file layering
// and no feature-toggle surface — runtime behavior is fixed by spec, only
// its secrets and bounds are configurable.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every override variable, e.g. D1PLANE_DB_DSN.
const EnvPrefix = "D1PLANE_"

const (
	DefaultAccountTokenLen = 32
	MaxAccountTokenLen     = 64
	MinAccountTokenLen     = 16

	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 15 * time.Second
	DefaultIdleTimeout  = 60 * time.Second

	DefaultAddr = ":8080"
	DefaultDSN  = "sqlite://d1plane.db"
)

var (
	ErrMissingHMACSecret = errors.New("config: D1PLANE_HMAC_SECRET is required")
	ErrBadAccountHMACKey = errors.New("config: D1PLANE_ACCOUNT_HMAC_KEY must be 64 hex characters")
	ErrBadTokenLen       = errors.New("config: D1PLANE_ACCOUNT_TOKEN_LEN out of bounds")
)

// Config is the full runtime bag consumed by cmd/d1plane.
type Config struct {
	// Addr is the listen address for the HTTP server.
	Addr string `yaml:"addr"`

	// DBDSN selects both driver and target: "sqlite://<path>" or
	// "postgres://<connstring>". internal/store dispatches on scheme.
	DBDSN string `yaml:"db_dsn"`

	// HMACSecret is the shared secret validating the x-auth admission
	// header on every request.
	HMACSecret string `yaml:"hmac_secret"`

	// AccountHMACKey derives stable account digests from client-supplied
	// identifiers; must be 64 lowercase hex characters (32 raw bytes).
	AccountHMACKey string `yaml:"account_hmac_key"`

	// OpaqueServerID is an opaque identifier passed through to clients
	// unexamined; d1plane never interprets OPAQUE protocol state.
	OpaqueServerID string `yaml:"opaque_server_id"`

	// AccountTokenLen is the byte length of generated account tokens.
	AccountTokenLen int `yaml:"account_token_len"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// fileLayer mirrors Config but with duration fields as strings, since
// YAML/JSON has no native duration type.
type fileLayer struct {
	Addr            string `yaml:"addr"`
	DBDSN           string `yaml:"db_dsn"`
	HMACSecret      string `yaml:"hmac_secret"`
	AccountHMACKey  string `yaml:"account_hmac_key"`
	OpaqueServerID  string `yaml:"opaque_server_id"`
	AccountTokenLen int    `yaml:"account_token_len"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	IdleTimeout     string `yaml:"idle_timeout"`
}

// Load builds a Config starting from defaults, layering an optional file
// (path from D1PLANE_CONFIG_FILE) on top, then env-var overrides on top of
// that. Env vars always win, following a "later layers win" rule applied
// over two layers.
func Load() (Config, error) {
	cfg := Config{
		Addr:            DefaultAddr,
		DBDSN:           DefaultDSN,
		AccountTokenLen: DefaultAccountTokenLen,
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		IdleTimeout:     DefaultIdleTimeout,
	}

	if path := os.Getenv(EnvPrefix + "CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, fmt.Errorf("config: loading %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fl fileLayer
	if err := yaml.Unmarshal(b, &fl); err != nil {
		return fmt.Errorf("invalid yaml/json: %w", err)
	}

	if fl.Addr != "" {
		cfg.Addr = fl.Addr
	}
	if fl.DBDSN != "" {
		cfg.DBDSN = fl.DBDSN
	}
	if fl.HMACSecret != "" {
		cfg.HMACSecret = fl.HMACSecret
	}
	if fl.AccountHMACKey != "" {
		cfg.AccountHMACKey = fl.AccountHMACKey
	}
	if fl.OpaqueServerID != "" {
		cfg.OpaqueServerID = fl.OpaqueServerID
	}
	if fl.AccountTokenLen != 0 {
		cfg.AccountTokenLen = fl.AccountTokenLen
	}
	if d, err := parseDurationField(fl.ReadTimeout); err == nil && d > 0 {
		cfg.ReadTimeout = d
	}
	if d, err := parseDurationField(fl.WriteTimeout); err == nil && d > 0 {
		cfg.WriteTimeout = d
	}
	if d, err := parseDurationField(fl.IdleTimeout); err == nil && d > 0 {
		cfg.IdleTimeout = d
	}
	return nil
}

func parseDurationField(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv(EnvPrefix + "DB_DSN"); v != "" {
		cfg.DBDSN = v
	}
	if v := os.Getenv(EnvPrefix + "HMAC_SECRET"); v != "" {
		cfg.HMACSecret = v
	}
	if v := os.Getenv(EnvPrefix + "ACCOUNT_HMAC_KEY"); v != "" {
		cfg.AccountHMACKey = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv(EnvPrefix + "OPAQUE_SERVER_ID"); v != "" {
		cfg.OpaqueServerID = v
	}
	if v := os.Getenv(EnvPrefix + "ACCOUNT_TOKEN_LEN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AccountTokenLen = n
		}
	}
	if v := os.Getenv(EnvPrefix + "READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReadTimeout = d
		}
	}
	if v := os.Getenv(EnvPrefix + "WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WriteTimeout = d
		}
	}
	if v := os.Getenv(EnvPrefix + "IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.IdleTimeout = d
		}
	}
}

// Validate enforces the bounds before the server binds.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HMACSecret) == "" {
		return ErrMissingHMACSecret
	}
	if len(c.AccountHMACKey) != 64 || !isLowerHex(c.AccountHMACKey) {
		return ErrBadAccountHMACKey
	}
	if c.AccountTokenLen < MinAccountTokenLen || c.AccountTokenLen > MaxAccountTokenLen {
		return ErrBadTokenLen
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return errors.New("config: D1PLANE_DB_DSN is required")
	}
	return nil
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			continue
		}
		return false
	}
	return true
}
