// Package logging builds the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level string
	// Format is "json" (default) or "console".
	Format   string
	File     string
	MaxBytes int64
	Service  string
}

// New returns a logger writing to stdout and, when cfg.File is set, to a
// RotatingWriter. The returned closer releases the file.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nopWriteCloser{}, err
	}

	var stdout io.Writer = os.Stdout
	if strings.EqualFold(cfg.Format, "console") {
		stdout = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	writers := []io.Writer{stdout}
	var closer io.Closer = nopWriteCloser{}
	if strings.TrimSpace(cfg.File) != "" {
		rw, err := NewRotatingWriter(cfg.File, cfg.MaxBytes)
		if err != nil {
			return zerolog.Nop(), nopWriteCloser{}, err
		}
		writers = append(writers, rw)
		closer = rw
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	return ctx.Logger(), closer, nil
}

// ParseLevel accepts zerolog level names plus "warning"; empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
