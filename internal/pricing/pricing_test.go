package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tokligence/tokligence-credits/internal/credits"
)

func TestPriceGPT4IsExact(t *testing.T) {
	calc := NewCalculator(DefaultTable())
	want := credits.MustParse("30")
	for i := 0; i < 5; i++ {
		got := calc.Price("gpt-4", 1000, 500)
		if got.Cmp(want) != 0 {
			t.Fatalf("Price(gpt-4, 1000, 500) = %s, want 30", got)
		}
	}
}

func TestPriceUnknownModelUsesDefault(t *testing.T) {
	calc := NewCalculator(DefaultTable())
	got := calc.Price("mystery-model", 1500, 500)
	if got.Cmp(credits.FromInt(2)) != 0 {
		t.Fatalf("Price(unknown) = %s, want 2", got)
	}
	if calc.ResolveModel("mystery-model") != DefaultModel {
		t.Fatalf("ResolveModel(unknown) = %s", calc.ResolveModel("mystery-model"))
	}
	if calc.ResolveModel(" GPT-4 ") != "gpt-4" {
		t.Fatalf("ResolveModel should normalise case and whitespace")
	}
}

func TestPriceNeverZeroForNonzeroTokens(t *testing.T) {
	table := Table{
		DefaultModel: "cheap",
		Models: map[string]Multipliers{
			"cheap": {Input: credits.MustParse("0.000001"), Output: credits.MustParse("0.000001")},
			"free":  {},
		},
	}
	calc := NewCalculator(table)
	if got := calc.Price("cheap", 1, 0); got.Sign() <= 0 {
		t.Fatalf("Price(cheap, 1, 0) = %s, want > 0", got)
	}
	if got := calc.Price("free", 1000, 1000); !got.IsZero() {
		t.Fatalf("Price(free) = %s, want 0", got)
	}
	if got := calc.Price("cheap", -10, -10); !got.IsZero() {
		t.Fatalf("negative tokens should price at 0, got %s", got)
	}
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	body := "default_model: gpt-4-turbo\nmodels:\n  claude-3-haiku:\n    input: 0.25\n    output: \"1.25\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	table, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	calc := NewCalculator(table)
	if got := calc.Price("claude-3-haiku", 4000, 2000); got.Cmp(credits.MustParse("3.5")) != 0 {
		t.Fatalf("Price(claude-3-haiku) = %s, want 3.5", got)
	}
	if got := calc.Price("gpt-4", 1000, 500); got.Cmp(credits.FromInt(30)) != 0 {
		t.Fatalf("defaults lost after merge: %s", got)
	}
	if calc.ResolveModel("") != "gpt-4-turbo" {
		t.Fatalf("default model = %s", calc.ResolveModel(""))
	}
}

func TestLoadFileRejectsNegativeMultipliers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	if err := os.WriteFile(path, []byte("models:\n  bad:\n    input: -1\n    output: 1\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected error for negative multiplier")
	}
}
