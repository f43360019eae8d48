// Package pricing converts reported token usage into credit costs.
package pricing

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tokligence/tokligence-credits/internal/credits"
)

// TokensPerCredit is the number of tokens one credit buys at multiplier 1.0.
const TokensPerCredit = 1000

// DefaultModel is used when a request names no model or an unknown one.
const DefaultModel = "gpt-3.5-turbo"

// Multipliers scale input and output token counts for a model.
type Multipliers struct {
	Input  credits.Amount `yaml:"input" json:"input"`
	Output credits.Amount `yaml:"output" json:"output"`
}

// Usage is the token consumption reported by the completion provider.
type Usage struct {
	Model        string
	InputTokens  int
	OutputTokens int
}

func (u Usage) TotalTokens() int { return u.InputTokens + u.OutputTokens }

// Table is the static model to multiplier mapping.
type Table struct {
	DefaultModel string                 `yaml:"default_model"`
	Models       map[string]Multipliers `yaml:"models"`
}

// DefaultTable mirrors the production price list.
func DefaultTable() Table {
	return Table{
		DefaultModel: DefaultModel,
		Models: map[string]Multipliers{
			"gpt-3.5-turbo": {Input: credits.MustParse("1.0"), Output: credits.MustParse("1.0")},
			"gpt-4":         {Input: credits.MustParse("15.0"), Output: credits.MustParse("30.0")},
			"gpt-4-turbo":   {Input: credits.MustParse("10.0"), Output: credits.MustParse("30.0")},
		},
	}
}

// Calculator prices usage. It is safe for concurrent use.
type Calculator struct {
	mu       sync.RWMutex
	table    Table
	fallback Multipliers
	perUnit  credits.Amount
}

// NewCalculator builds a calculator from table. A table without an entry for
// its default model falls back to 1.0/1.0.
func NewCalculator(table Table) *Calculator {
	c := &Calculator{perUnit: credits.FromInt(TokensPerCredit)}
	c.setTable(table)
	return c
}

func (c *Calculator) setTable(table Table) {
	models := make(map[string]Multipliers, len(table.Models))
	for name, m := range table.Models {
		models[normalize(name)] = m
	}
	if table.DefaultModel == "" {
		table.DefaultModel = DefaultModel
	}
	table.DefaultModel = normalize(table.DefaultModel)
	fallback, ok := models[table.DefaultModel]
	if !ok {
		fallback = Multipliers{Input: credits.FromInt(1), Output: credits.FromInt(1)}
		models[table.DefaultModel] = fallback
	}
	table.Models = models

	c.mu.Lock()
	c.table = table
	c.fallback = fallback
	c.mu.Unlock()
}

// Price returns the credit cost of the given usage. Unknown models use the
// default entry; negative counts count as zero.
func (c *Calculator) Price(model string, inputTokens, outputTokens int) credits.Amount {
	m := c.Multipliers(model)
	in := credits.FromInt(int64(max(inputTokens, 0))).Quo(c.perUnit).Mul(m.Input)
	out := credits.FromInt(int64(max(outputTokens, 0))).Quo(c.perUnit).Mul(m.Output)
	return in.Add(out).RoundUp(credits.Scale)
}

// PriceUsage is Price for a Usage value.
func (c *Calculator) PriceUsage(u Usage) credits.Amount {
	return c.Price(u.Model, u.InputTokens, u.OutputTokens)
}

// Multipliers resolves the multipliers that apply to model.
func (c *Calculator) Multipliers(model string) Multipliers {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.table.Models[normalize(model)]; ok {
		return m
	}
	return c.fallback
}

// ResolveModel returns model if it is priced, otherwise the default model.
func (c *Calculator) ResolveModel(model string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name := normalize(model)
	if _, ok := c.table.Models[name]; ok && name != "" {
		return name
	}
	return c.table.DefaultModel
}

// Models lists the priced model names.
func (c *Calculator) Models() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.table.Models))
	for name := range c.table.Models {
		out = append(out, name)
	}
	return out
}

// LoadFile reads a YAML price table and merges it over DefaultTable.
func LoadFile(path string) (Table, error) {
	table := DefaultTable()
	data, err := os.ReadFile(path)
	if err != nil {
		return table, fmt.Errorf("read pricing file: %w", err)
	}
	var override Table
	if err := yaml.Unmarshal(data, &override); err != nil {
		return table, fmt.Errorf("parse pricing file: %w", err)
	}
	if override.DefaultModel != "" {
		table.DefaultModel = override.DefaultModel
	}
	for name, m := range override.Models {
		if m.Input.IsNegative() || m.Output.IsNegative() {
			return table, fmt.Errorf("pricing file: model %s has negative multiplier", name)
		}
		table.Models[name] = m
	}
	return table, nil
}

func normalize(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}
