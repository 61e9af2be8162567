// Package config loads and validates listener configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"solana-event-listener/internal/domain"
	"solana-event-listener/internal/solana"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete listener configuration.
type Config struct {
	WSURL      string   `koanf:"ws_url"`
	Mode       string   `koanf:"mode"`
	ProgramID  string   `koanf:"program_id"`
	Accounts   []string `koanf:"accounts"`
	Commitment string   `koanf:"commitment"`

	EventLogPath string `koanf:"event_log_path"`
	// MetricsAddr is the bind address of /metrics, /health and /ready.
	// Empty disables the server.
	MetricsAddr string `koanf:"metrics_addr"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	// Optional mirror sinks. Empty disables.
	PostgresDSN   string        `koanf:"postgres_dsn"`
	ClickhouseDSN string        `koanf:"clickhouse_dsn"`
	// MirrorTimeout bounds each mirror append. Zero disables the bound.
	MirrorTimeout time.Duration `koanf:"mirror_timeout"`

	BackoffBase   time.Duration `koanf:"backoff_base"`
	BackoffMax    time.Duration `koanf:"backoff_max"`
	BackoffJitter float64       `koanf:"backoff_jitter"`

	SubscribeTimeout time.Duration `koanf:"subscribe_timeout"`
	PingInterval     time.Duration `koanf:"ping_interval"`
	ReadTimeout      time.Duration `koanf:"read_timeout"`
	WriteTimeout     time.Duration `koanf:"write_timeout"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`

	// MaxSubscribeRejections stops the listener after that many consecutive
	// rejected subscriptions. Zero retries forever.
	MaxSubscribeRejections int `koanf:"max_subscribe_rejections"`
}

// defaults returns default configuration values keyed by koanf path.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"commitment":               string(domain.CommitmentFinalized),
		"event_log_path":           "./events.jsonl",
		"metrics_addr":             "0.0.0.0:9108",
		"log_level":                "info",
		"log_format":               "console",
		"backoff_base":             "1s",
		"backoff_max":              "30s",
		"backoff_jitter":           0.0,
		"subscribe_timeout":        "30s",
		"ping_interval":            "30s",
		"read_timeout":             "60s",
		"write_timeout":            "10s",
		"handshake_timeout":        "10s",
		"mirror_timeout":           "5s",
		"max_subscribe_rejections": 0,
	}
}

// Keys lists every recognised configuration key. The matching environment
// variable is the upper-cased key.
var Keys = []string{
	"ws_url", "mode", "program_id", "accounts", "commitment",
	"event_log_path", "metrics_addr", "log_level", "log_format",
	"postgres_dsn", "clickhouse_dsn", "mirror_timeout",
	"backoff_base", "backoff_max", "backoff_jitter",
	"subscribe_timeout", "ping_interval", "read_timeout", "write_timeout", "handshake_timeout",
	"max_subscribe_rejections",
}

// Load builds the configuration from defaults, the optional TOML file at
// configPath, the environment and overrides, in increasing precedence.
// The result is validated.
func Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	known := make(map[string]struct{}, len(Keys))
	for _, key := range Keys {
		known[key] = struct{}{}
	}
	// WS_URL -> ws_url; anything unrecognised is ignored.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		key := strings.ToLower(s)
		if _, ok := known[key]; !ok {
			return ""
		}
		return key
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to load overrides: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and normalises the account list:
// entries are trimmed, empty entries dropped and duplicates removed keeping
// the first occurrence.
func (c *Config) Validate() error {
	u, err := url.Parse(c.WSURL)
	if c.WSURL == "" {
		return fmt.Errorf("%w: ws_url is required", ErrInvalid)
	}
	if err != nil {
		return fmt.Errorf("%w: ws_url: %v", ErrInvalid, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: ws_url scheme must be ws or wss, got %q", ErrInvalid, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: ws_url has no host", ErrInvalid)
	}

	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	switch domain.ModeKind(c.Mode) {
	case domain.ModeLogs:
		c.ProgramID = strings.TrimSpace(c.ProgramID)
		if c.ProgramID == "" {
			return fmt.Errorf("%w: program_id is required for mode logs", ErrInvalid)
		}
		if _, err := solana.DecodePubkey(c.ProgramID); err != nil {
			return fmt.Errorf("%w: program_id: %v", ErrInvalid, err)
		}
	case domain.ModeAccount:
		c.Accounts = ParseAccounts(c.Accounts)
		if len(c.Accounts) == 0 {
			return fmt.Errorf("%w: accounts is required for mode account", ErrInvalid)
		}
		for _, a := range c.Accounts {
			if _, err := solana.DecodePubkey(a); err != nil {
				return fmt.Errorf("%w: accounts: %v", ErrInvalid, err)
			}
		}
	case "":
		return fmt.Errorf("%w: mode is required (logs or account)", ErrInvalid)
	default:
		return fmt.Errorf("%w: unknown mode %q (want logs or account)", ErrInvalid, c.Mode)
	}

	c.Commitment = strings.ToLower(strings.TrimSpace(c.Commitment))
	if !domain.Commitment(c.Commitment).Valid() {
		return fmt.Errorf("%w: commitment must be processed, confirmed or finalized, got %q", ErrInvalid, c.Commitment)
	}

	if c.EventLogPath == "" {
		return fmt.Errorf("%w: event_log_path is required", ErrInvalid)
	}

	if c.BackoffBase <= 0 {
		return fmt.Errorf("%w: backoff_base must be positive", ErrInvalid)
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("%w: backoff_max (%s) must be >= backoff_base (%s)", ErrInvalid, c.BackoffMax, c.BackoffBase)
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		return fmt.Errorf("%w: backoff_jitter must be in [0, 1)", ErrInvalid)
	}

	for name, d := range map[string]time.Duration{
		"subscribe_timeout": c.SubscribeTimeout,
		"ping_interval":     c.PingInterval,
		"read_timeout":      c.ReadTimeout,
		"write_timeout":     c.WriteTimeout,
		"handshake_timeout": c.HandshakeTimeout,
		"mirror_timeout":    c.MirrorTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalid, name)
		}
	}
	if c.PingInterval > 0 && c.ReadTimeout > 0 && c.PingInterval >= c.ReadTimeout {
		return fmt.Errorf("%w: ping_interval (%s) must be shorter than read_timeout (%s)", ErrInvalid, c.PingInterval, c.ReadTimeout)
	}
	if c.MaxSubscribeRejections < 0 {
		return fmt.Errorf("%w: max_subscribe_rejections must not be negative", ErrInvalid)
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("%w: log_format must be console or json, got %q", ErrInvalid, c.LogFormat)
	}

	return nil
}

// SubscriptionMode returns the validated subscription mode.
func (c *Config) SubscriptionMode() domain.SubscriptionMode {
	if domain.ModeKind(c.Mode) == domain.ModeLogs {
		return domain.LogsMode(c.ProgramID)
	}
	return domain.AccountMode(c.Accounts...)
}

// CommitmentLevel returns the configured commitment.
func (c *Config) CommitmentLevel() domain.Commitment {
	return domain.Commitment(c.Commitment)
}

// WSConfig returns the transport timeouts.
func (c *Config) WSConfig() solana.WSClientConfig {
	return solana.WSClientConfig{
		HandshakeTimeout: c.HandshakeTimeout,
		PingInterval:     c.PingInterval,
		ReadTimeout:      c.ReadTimeout,
		WriteTimeout:     c.WriteTimeout,
	}
}

// ParseAccounts splits comma-separated entries, trims them, drops empties
// and removes duplicates keeping the first occurrence.
func ParseAccounts(raw []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, entry := range raw {
		for _, a := range strings.Split(entry, ",") {
			a = strings.TrimSpace(a)
			if a == "" {
				continue
			}
			if _, dup := seen[a]; dup {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}
