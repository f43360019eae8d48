package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRotatingWriterRollsBySizeAndDay(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "creditsd.log")
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	rw, err := newRotatingWriter(base, 10, func() time.Time { return now })
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	defer rw.Close()

	for _, line := range []string{"aaaaaa\n", "bbbbbb\n", "cccccc\n"} {
		if _, err := rw.Write([]byte(line)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	for name, want := range map[string]string{
		"creditsd-2026-03-01.log":   "aaaaaa\n",
		"creditsd-2026-03-01-2.log": "bbbbbb\n",
		"creditsd-2026-03-01-3.log": "cccccc\n",
	} {
		got, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil || string(got) != want {
			t.Fatalf("%s = %q, %v", name, got, err)
		}
	}

	now = now.Add(2 * time.Minute)
	if _, err := rw.Write([]byte("dddd\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "creditsd-2026-03-02.log")); err != nil {
		t.Fatalf("new day should start a new file: %v", err)
	}
	if got, err := os.ReadFile(base); err != nil || string(got) != "dddd\n" {
		t.Fatalf("base path should follow the active file, got %q %v", got, err)
	}
}

func TestRotatingWriterResumesLatestIndex(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "app.log")
	now := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	for _, name := range []string{"app-2026-03-01.log", "app-2026-03-01-2.log"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	rw, err := newRotatingWriter(base, 1<<20, now)
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	_, _ = rw.Write([]byte("y\n"))
	_ = rw.Close()
	got, _ := os.ReadFile(filepath.Join(dir, "app-2026-03-01-2.log"))
	if string(got) != "x\ny\n" {
		t.Fatalf("expected append to newest file, got %q", got)
	}
}

func TestNewWritesJSONToFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "svc.log")
	logger, closer, err := New(Config{Level: "debug", File: file, Service: "creditsd"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Debug().Str("account_id", "u1").Msg("hello")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, want := range []string{`"level":"debug"`, `"service":"creditsd"`, `"account_id":"u1"`, `"message":"hello"`} {
		if !strings.Contains(string(got), want) {
			t.Fatalf("log line %q missing %s", got, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zerolog.Level{"": zerolog.InfoLevel, "WARNING": zerolog.WarnLevel, "error": zerolog.ErrorLevel} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("New should reject unknown level")
	}
}
