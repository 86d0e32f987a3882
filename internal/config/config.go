// Package config assembles the Hub's configuration from defaults, an
// optional YAML file, and environment variable overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Limits bounds the resources a single Hub instance will extend to one
// client or hold in memory.
type Limits struct {
	MaxTopicsPerSubscription int `yaml:"max_topics_per_subscription"`
	MaxSubscriptionsPerClient int `yaml:"max_subscriptions_per_client"`
	MaxConnections           int `yaml:"max_connections"`
	MaxSignalBytes           int `yaml:"max_signal_bytes"`
	FanoutChannelDepth       int `yaml:"fanout_channel_depth"`
}

// DefaultLimits returns the Hub's out-of-the-box resource bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxTopicsPerSubscription: 50,
		MaxSubscriptionsPerClient: 100,
		MaxConnections:           10000,
		MaxSignalBytes:           1 << 20, // 1 MiB
		FanoutChannelDepth:       100,
	}
}

// Redelivery configures the exponential-backoff redelivery schedule
// shared by the Delivery Tracker and the outbound-callback transport.
type Redelivery struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Enabled      bool          `yaml:"enabled"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultRedelivery returns the Hub's default backoff formula constants
// (spec.md §4.3): initial=1s, multiplier=2, max=60s, max_attempts=5.
func DefaultRedelivery() Redelivery {
	return Redelivery{
		InitialDelay:  time.Second,
		Multiplier:    2,
		MaxDelay:      60 * time.Second,
		MaxAttempts:   5,
		Enabled:       true,
		SweepInterval: 500 * time.Millisecond,
	}
}

// Transports toggles which of the four transport adapters are mounted.
type Transports struct {
	WebSocket bool `yaml:"websocket"`
	SSE       bool `yaml:"sse"`
	Polling   bool `yaml:"polling"`
	Webhook   bool `yaml:"webhook"`
}

// DefaultTransports enables all four transports.
func DefaultTransports() Transports {
	return Transports{WebSocket: true, SSE: true, Polling: true, Webhook: true}
}

func (t Transports) AnyEnabled() bool {
	return t.WebSocket || t.SSE || t.Polling || t.Webhook
}

// Auth configures client authentication for the HTTP routes. The Hub
// stores no credential material itself (spec.md §1 Non-goals). Only
// Required is read, by main's authMiddleware; AcceptAPIKey and
// AcceptBearer are not consulted anywhere, and auth.Authenticate always
// tries both headers.
type Auth struct {
	Required      bool `yaml:"required"`
	AcceptAPIKey  bool `yaml:"accept_api_key"`
	AcceptBearer  bool `yaml:"accept_bearer"`
}

// DefaultAuth disables authentication, matching a local development Hub.
func DefaultAuth() Auth {
	return Auth{Required: false, AcceptAPIKey: true, AcceptBearer: true}
}

// RateLimit configures the per-key token bucket (spec.md §9).
type RateLimit struct {
	Enabled        bool    `yaml:"enabled"`
	BucketCapacity int     `yaml:"bucket_capacity"`
	RefillPerSec   float64 `yaml:"refill_per_second"`
	WindowSeconds  int     `yaml:"window_seconds"`
	MaxPerWindow   int     `yaml:"max_per_window"`
}

// DefaultRateLimit mirrors the original server SDK's default token-bucket
// and sliding-window parameters.
func DefaultRateLimit() RateLimit {
	return RateLimit{
		Enabled:        true,
		BucketCapacity: 100,
		RefillPerSec:   10,
		WindowSeconds:  60,
		MaxPerWindow:   1000,
	}
}

// Session configures default session TTL.
type Session struct {
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

func DefaultSession() Session {
	return Session{DefaultTTL: 5 * time.Minute, CleanupInterval: 30 * time.Second}
}

// Config is the Hub's assembled configuration.
type Config struct {
	BindAddress    string     `yaml:"bind_address"`
	ServerName     string     `yaml:"server_name"`
	ProtocolVersion string    `yaml:"protocol_version"`
	Limits         Limits     `yaml:"limits"`
	Redelivery     Redelivery `yaml:"redelivery"`
	Transports     Transports `yaml:"transports"`
	Auth           Auth       `yaml:"auth"`
	RateLimit      RateLimit  `yaml:"rate_limit"`
	Session        Session    `yaml:"session"`
	LongPollCap    time.Duration `yaml:"long_poll_cap"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	NATSURL        string     `yaml:"nats_url"`
}

// Default returns the Hub's out-of-the-box configuration.
func Default() *Config {
	return &Config{
		BindAddress:     "127.0.0.1:8080",
		ServerName:      "cauce-hub",
		ProtocolVersion: "1.0",
		Limits:          DefaultLimits(),
		Redelivery:      DefaultRedelivery(),
		Transports:      DefaultTransports(),
		Auth:            DefaultAuth(),
		RateLimit:       DefaultRateLimit(),
		Session:         DefaultSession(),
		LongPollCap:     30 * time.Second,
		RequestTimeout:  60 * time.Second,
	}
}

// Load assembles configuration: defaults, then an optional YAML file at
// path (skipped silently if empty or missing), then environment
// overrides, then validates bounds.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CAUCE_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("CAUCE_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("CAUCE_AUTH_REQUIRED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Auth.Required = b
		}
	}
	if v := os.Getenv("CAUCE_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxConnections = n
		}
	}
}

// Validate bounds-checks the assembled configuration.
func (c *Config) Validate() error {
	if !c.Transports.AnyEnabled() {
		return fmt.Errorf("config: at least one transport must be enabled")
	}
	if c.Limits.MaxConnections <= 0 {
		return fmt.Errorf("config: max_connections must be > 0")
	}
	if c.Limits.MaxTopicsPerSubscription <= 0 {
		return fmt.Errorf("config: max_topics_per_subscription must be > 0")
	}
	if c.Redelivery.MaxAttempts <= 0 {
		return fmt.Errorf("config: redelivery.max_attempts must be > 0")
	}
	if c.Redelivery.Multiplier < 1 {
		return fmt.Errorf("config: redelivery.multiplier must be >= 1")
	}
	return nil
}
