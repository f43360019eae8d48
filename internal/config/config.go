// Package config loads creditsd settings from INI files and CREDITS_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/tokligence/tokligence-credits/internal/hooks"
	"github.com/tokligence/tokligence-credits/internal/tracing"
)

const (
	settingsFile     = "config/setting.ini"
	DefaultEnv       = "dev"
	envConfigPattern = "config/%s/creditsd.ini"
	envPrefix        = "CREDITS_"
)

type ServerConfig struct {
	Address string `ini:"address"`
	// AppURL is the public base URL used for checkout redirects.
	AppURL          string        `ini:"app_url"`
	ReadTimeout     time.Duration `ini:"read_timeout"`
	WriteTimeout    time.Duration `ini:"write_timeout"`
	IdleTimeout     time.Duration `ini:"idle_timeout"`
	ShutdownTimeout time.Duration `ini:"shutdown_timeout"`
	MetricsEnabled  bool          `ini:"metrics_enabled"`
}

type LogConfig struct {
	Level string `ini:"level"`
	// Format is "json" or "console".
	Format   string `ini:"format"`
	File     string `ini:"file"`
	MaxBytes int64  `ini:"max_bytes"`
}

type LedgerConfig struct {
	// Backend is memory, sqlite or postgres. Conversations use the same one.
	Backend         string        `ini:"backend"`
	Path            string        `ini:"path"`
	DSN             string        `ini:"dsn"`
	MaxOpenConns    int           `ini:"max_open_conns"`
	MaxIdleConns    int           `ini:"max_idle_conns"`
	ConnMaxLifetime time.Duration `ini:"conn_max_lifetime"`
}

type BillingConfig struct {
	PricingFile string `ini:"pricing_file"`
	CatalogFile string `ini:"catalog_file"`
	// RequirePositiveBalance refuses chats from empty accounts up front.
	RequirePositiveBalance bool `ini:"require_positive_balance"`
}

type ProviderConfig struct {
	// Name is openai or loopback.
	Name            string        `ini:"name"`
	APIKey          string        `ini:"api_key"`
	BaseURL         string        `ini:"base_url"`
	Organization    string        `ini:"organization"`
	Timeout         time.Duration `ini:"timeout"`
	SystemPrompt    string        `ini:"system_prompt"`
	HistoryLimit    int           `ini:"history_limit"`
	MaxMessageBytes int           `ini:"max_message_bytes"`
}

type StripeConfig struct {
	SecretKey        string        `ini:"secret_key"`
	WebhookSecret    string        `ini:"webhook_secret"`
	WebhookTolerance time.Duration `ini:"webhook_tolerance"`
}

type AuthConfig struct {
	Secret     string        `ini:"secret"`
	SessionTTL time.Duration `ini:"session_ttl"`
}

type RateLimitConfig struct {
	Enabled           bool    `ini:"enabled"`
	RequestsPerSecond float64 `ini:"requests_per_second"`
	Burst             float64 `ini:"burst"`
	// RedisURL switches to the shared Redis store when set.
	RedisURL  string `ini:"redis_url"`
	KeyPrefix string `ini:"key_prefix"`
}

type TracingConfig struct {
	Enabled     bool    `ini:"enabled"`
	Endpoint    string  `ini:"endpoint"`
	Insecure    bool    `ini:"insecure"`
	SampleRate  float64 `ini:"sample_rate"`
	ServiceName string  `ini:"service_name"`
}

type HooksConfig struct {
	Enabled bool          `ini:"enabled"`
	Command string        `ini:"command"`
	Args    []string      `ini:"args" delim:","`
	Env     []string      `ini:"env" delim:","`
	Timeout time.Duration `ini:"timeout"`
}

// Config is the full daemon configuration.
type Config struct {
	Environment string          `ini:"environment"`
	Server      ServerConfig    `ini:"server"`
	Log         LogConfig       `ini:"log"`
	Ledger      LedgerConfig    `ini:"ledger"`
	Billing     BillingConfig   `ini:"billing"`
	Provider    ProviderConfig  `ini:"provider"`
	Stripe      StripeConfig    `ini:"stripe"`
	Auth        AuthConfig      `ini:"auth"`
	RateLimit   RateLimitConfig `ini:"ratelimit"`
	Tracing     TracingConfig   `ini:"tracing"`
	Hooks       HooksConfig     `ini:"hooks"`
}

// Default returns the settings used for keys no file or variable sets.
func Default() Config {
	return Config{
		Environment: DefaultEnv,
		Server: ServerConfig{
			Address:         ":8080",
			AppURL:          "http://localhost:8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    90 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MetricsEnabled:  true,
		},
		Log:      LogConfig{Level: "info", Format: "json", MaxBytes: 100 << 20},
		Ledger:   LedgerConfig{Backend: "sqlite", Path: DefaultLedgerPath(), MaxOpenConns: 20, MaxIdleConns: 10, ConnMaxLifetime: 30 * time.Minute},
		Provider: ProviderConfig{Name: "loopback", Timeout: 60 * time.Second, HistoryLimit: 50, MaxMessageBytes: 32 << 10},
		Stripe:   StripeConfig{WebhookTolerance: 300 * time.Second},
		Auth:     AuthConfig{SessionTTL: 24 * time.Hour},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 1,
			Burst:             20,
			KeyPrefix:         "credits:ratelimit:",
		},
		Tracing: TracingConfig{Endpoint: "localhost:4317", SampleRate: 1, ServiceName: "creditsd"},
		Hooks:   HooksConfig{Timeout: 10 * time.Second},
	}
}

// Load reads <root>/config/setting.ini for the environment name, then
// <root>/config/<env>/creditsd.ini, then CREDITS_<SECTION>_<KEY> variables.
// Missing files are skipped.
func Load(root string) (Config, error) {
	if root == "" {
		root = "."
	}
	opts := ini.LoadOptions{Loose: true, Insensitive: true, IgnoreInlineComment: true}
	settingsPath, _ := Paths(root, "")
	settings, err := ini.LoadSources(opts, settingsPath)
	if err != nil {
		return Config{}, fmt.Errorf("load %s: %w", settingsFile, err)
	}
	env := firstNonEmpty(os.Getenv(envPrefix+"ENVIRONMENT"), settings.Section("").Key("environment").String(), DefaultEnv)
	_, envFile := Paths(root, env)

	file, err := ini.LoadSources(opts, settingsPath, envFile)
	if err != nil {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}
	applyEnv(file, os.Environ())
	file.Section("").Key("environment").SetValue(env)

	cfg := Default()
	if err := file.MapTo(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Ledger.Backend = strings.ToLower(strings.TrimSpace(cfg.Ledger.Backend))
	cfg.Provider.Name = strings.ToLower(strings.TrimSpace(cfg.Provider.Name))
	return cfg, nil
}

// Paths returns the settings file and the per-environment file under root.
func Paths(root, env string) (settings, envFile string) {
	if env == "" {
		env = DefaultEnv
	}
	return filepath.Join(root, settingsFile), filepath.Join(root, fmt.Sprintf(envConfigPattern, env))
}

// applyEnv copies CREDITS_<SECTION>_<KEY>=value into file. Section names
// contain no underscores, so the first segment after the prefix is the
// section and the rest is the key.
func applyEnv(file *ini.File, environ []string) {
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envPrefix) {
			continue
		}
		section, key, ok := strings.Cut(strings.ToLower(strings.TrimPrefix(name, envPrefix)), "_")
		if !ok || key == "" {
			continue
		}
		file.Section(section).Key(key).SetValue(value)
	}
}

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Ledger.Backend {
	case "memory":
	case "sqlite":
		if c.Ledger.Path == "" {
			errs = append(errs, errors.New("ledger.path required for sqlite backend"))
		}
	case "postgres":
		if c.Ledger.DSN == "" {
			errs = append(errs, errors.New("ledger.dsn required for postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.backend %q: want memory, sqlite or postgres", c.Ledger.Backend))
	}
	switch c.Provider.Name {
	case "loopback":
	case "openai":
		if c.Provider.APIKey == "" {
			errs = append(errs, errors.New("provider.api_key required for openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("provider.name %q: want openai or loopback", c.Provider.Name))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret required"))
	}
	if c.Stripe.SecretKey != "" && c.Stripe.WebhookSecret == "" {
		errs = append(errs, errors.New("stripe.webhook_secret required when stripe.secret_key is set"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1) {
		errs = append(errs, errors.New("ratelimit.requests_per_second and ratelimit.burst must be positive"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate %v out of [0,1]", c.Tracing.SampleRate))
	}
	if err := c.HookScript().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// HookScript converts the [hooks] section into a script handler config.
func (c Config) HookScript() hooks.ScriptConfig {
	var env map[string]string
	for _, entry := range c.Hooks.Env {
		k, v, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		if env == nil {
			env = make(map[string]string)
		}
		env[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return hooks.ScriptConfig{
		Enabled: c.Hooks.Enabled,
		Command: c.Hooks.Command,
		Args:    c.Hooks.Args,
		Env:     env,
		Timeout: c.Hooks.Timeout,
	}
}

func (c Config) TracingConfig() tracing.Config {
	return tracing.Config{
		Enabled:     c.Tracing.Enabled,
		ServiceName: c.Tracing.ServiceName,
		Endpoint:    c.Tracing.Endpoint,
		Insecure:    c.Tracing.Insecure,
		SampleRate:  c.Tracing.SampleRate,
	}
}

// DefaultLedgerPath returns the fallback SQLite location under the user's
// home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "credits.db"
	}
	return filepath.Join(home, ".tokligence", "credits.db")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
