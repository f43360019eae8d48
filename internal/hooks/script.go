package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// ScriptConfig describes an external command that receives each event as a
// JSON document on stdin.
type ScriptConfig struct {
	Enabled bool
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

func (c ScriptConfig) Validate() error {
	if c.Enabled && c.Command == "" {
		return fmt.Errorf("hooks: script command required when enabled")
	}
	return nil
}

// Handler returns nil when the script is disabled.
func (c ScriptConfig) Handler() Handler {
	if !c.Enabled {
		return nil
	}
	return NewScriptHandler(c)
}

// NewScriptHandler runs cfg.Command once per event.
func NewScriptHandler(cfg ScriptConfig) Handler {
	return func(parent context.Context, evt Event) error {
		if cfg.Command == "" {
			return fmt.Errorf("hooks: command not configured")
		}
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("hooks: marshal event: %w", err)
		}

		ctx := parent
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parent, cfg.Timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		cmd.Stdin = bytes.NewReader(payload)
		env := cmd.Environ()
		env = append(env, "CREDITS_EVENT_TYPE="+string(evt.Type), "CREDITS_ACCOUNT_ID="+evt.AccountID)
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env

		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("hooks: %s %s failed: %w: %s", cfg.Command, evt.Type, err, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil
	}
}
