// Package bootstrap scaffolds creditsd configuration and opens the ledger
// and conversation stores a Config selects.
package bootstrap

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tokligence/tokligence-credits/internal/config"
)

// InitOptions configures the bootstrap process for generating config files.
type InitOptions struct {
	Root          string
	Environment   string
	AppURL        string
	LedgerBackend string
	LedgerPath    string
	LedgerDSN     string
	Provider      string
	// AuthSecret is generated when empty.
	AuthSecret string
	Force      bool
}

// Init scaffolds config/setting.ini and config/<env>/creditsd.ini.
func Init(opts InitOptions) error {
	if err := applyDefaults(&opts); err != nil {
		return err
	}
	if err := Validate(opts); err != nil {
		return err
	}
	settingPath, envPath := config.Paths(opts.Root, opts.Environment)
	if err := ensureDir(filepath.Dir(envPath)); err != nil {
		return err
	}
	if err := writeFile(settingPath, settingTemplate(opts), opts.Force); err != nil {
		return err
	}
	return writeFile(envPath, envTemplate(opts), opts.Force)
}

func applyDefaults(opts *InitOptions) error {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.Environment) == "" {
		opts.Environment = config.DefaultEnv
	}
	if strings.TrimSpace(opts.AppURL) == "" {
		opts.AppURL = "http://localhost:8080"
	}
	opts.LedgerBackend = strings.ToLower(strings.TrimSpace(opts.LedgerBackend))
	if opts.LedgerBackend == "" {
		opts.LedgerBackend = "sqlite"
	}
	if strings.TrimSpace(opts.LedgerPath) == "" {
		opts.LedgerPath = config.DefaultLedgerPath()
	}
	opts.Provider = strings.ToLower(strings.TrimSpace(opts.Provider))
	if opts.Provider == "" {
		opts.Provider = "loopback"
	}
	if opts.AuthSecret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate auth secret: %w", err)
		}
		opts.AuthSecret = hex.EncodeToString(buf)
	}
	return nil
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(contents), 0o600)
}

func settingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Tokligence Credits settings
environment=%s
`, opts.Environment)
}

func envTemplate(opts InitOptions) string {
	ledger := fmt.Sprintf("path=%s", opts.LedgerPath)
	if opts.LedgerBackend == "postgres" {
		ledger = fmt.Sprintf("dsn=%s", opts.LedgerDSN)
	}
	return fmt.Sprintf(`# Environment specific overrides for %s
[server]
address=:8080
app_url=%s

[log]
level=info
format=json
file=logs/creditsd.log

[ledger]
backend=%s
%s

[provider]
name=%s
timeout=60s

[auth]
secret=%s
session_ttl=24h

[stripe]
secret_key=
webhook_secret=

[ratelimit]
enabled=true
requests_per_second=1
burst=20
`, opts.Environment, opts.AppURL, opts.LedgerBackend, ledger, opts.Provider, opts.AuthSecret)
}

// Validate ensures required fields are present without modifying files.
func Validate(opts InitOptions) error {
	switch strings.ToLower(strings.TrimSpace(opts.LedgerBackend)) {
	case "", "memory", "sqlite":
	case "postgres":
		if strings.TrimSpace(opts.LedgerDSN) == "" {
			return errors.New("ledger dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", opts.LedgerBackend)
	}
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case "", "loopback", "openai":
	default:
		return fmt.Errorf("unknown provider %q", opts.Provider)
	}
	return nil
}
