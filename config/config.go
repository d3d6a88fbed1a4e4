// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/secretstore"
)

// Config is read once at startup and treated as immutable.
type Config struct {
	// Server
	Port   string
	AppURL string

	// Database
	DatabaseURL string

	// Secrets
	EncryptionKey string
	JWTSecret     string
	SessionTTL    time.Duration

	// Payments
	Network                 string
	RPCURL                  string
	FacilitatorURL          string
	FacilitatorTimeout      time.Duration
	ChallengeTimeoutSeconds int
	SettlementCacheTTL      time.Duration
	ConfirmTimeout          time.Duration

	// Rate limit
	RateLimitRPS   float64
	RateLimitBurst int

	LogLevel slog.Level
}

// Load reads a .env file when present, then the environment. All missing
// required variables are reported together.
func Load() (*Config, error) {
	// A missing .env file is normal outside development.
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{}

	var missing []string
	required := func(key string) string {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.EncryptionKey = required("ENCRYPTION_KEY")
	cfg.JWTSecret = required("JWT_SECRET")
	cfg.FacilitatorURL = required("FACILITATOR_URL")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	env := envReader{getenv: getenv}
	cfg.Port = env.String("PORT", "8080")
	cfg.AppURL = env.String("APP_URL", "http://localhost:"+cfg.Port)
	cfg.Network = env.String("NETWORK", "polygon-amoy")
	cfg.RPCURL = env.String("RPC_URL", defaultRPCURL(cfg.Network))
	cfg.SessionTTL = env.Duration("SESSION_TTL", 7*24*time.Hour)
	cfg.ChallengeTimeoutSeconds = env.Int("CHALLENGE_TIMEOUT_SECONDS", paygate.DefaultMaxTimeoutSeconds)
	cfg.FacilitatorTimeout = env.Duration("FACILITATOR_TIMEOUT", 30*time.Second)
	cfg.SettlementCacheTTL = env.Duration("SETTLEMENT_CACHE_TTL", 10*time.Minute)
	cfg.ConfirmTimeout = env.Duration("CONFIRM_TIMEOUT", 60*time.Second)
	cfg.RateLimitRPS = env.Float("RATE_LIMIT_RPS", 10)
	cfg.RateLimitBurst = env.Int("RATE_LIMIT_BURST", 20)
	cfg.LogLevel = env.Level("LOG_LEVEL", slog.LevelInfo)

	if len(env.invalid) > 0 {
		return nil, fmt.Errorf("invalid environment variables: %v", env.invalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if len(c.EncryptionKey) < secretstore.MinMasterKeyLength {
		errs = append(errs, fmt.Errorf("ENCRYPTION_KEY must be at least %d bytes", secretstore.MinMasterKeyLength))
	}
	if _, err := paygate.GetNetworkConfig(c.Network); err != nil {
		errs = append(errs, fmt.Errorf("NETWORK: %w", err))
	}
	for key, raw := range map[string]string{"APP_URL": c.AppURL, "FACILITATOR_URL": c.FacilitatorURL} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute URL, got %q", key, raw))
		}
	}
	if c.ChallengeTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("CHALLENGE_TIMEOUT_SECONDS must be positive"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func defaultRPCURL(network string) string {
	switch network {
	case "polygon":
		return "https://polygon-rpc.com"
	case "polygon-amoy":
		return "https://rpc-amoy.polygon.technology"
	case "base":
		return "https://mainnet.base.org"
	case "base-sepolia":
		return "https://sepolia.base.org"
	default:
		return ""
	}
}

type envReader struct {
	getenv  func(string) string
	invalid []string
}

func (e *envReader) String(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *envReader) Int(key string, def int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.invalid = append(e.invalid, key)
		return def
	}
	return i
}

func (e *envReader) Float(key string, def float64) float64 {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.invalid = append(e.invalid, key)
		return def
	}
	return f
}

func (e *envReader) Duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.invalid = append(e.invalid, key)
		return def
	}
	return d
}

func (e *envReader) Level(key string, def slog.Level) slog.Level {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		e.invalid = append(e.invalid, key)
		return def
	}
	return level
}
