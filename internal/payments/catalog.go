// Package payments sells credit packages through Stripe Checkout and turns
// verified Stripe notifications into ledger credits.
package payments

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tokligence/tokligence-credits/internal/credits"
)

var ErrUnknownPackage = errors.New("payments: unknown package")

// Package is one purchasable bundle of credits.
type Package struct {
	Type       string         `yaml:"-" json:"package_type"`
	Name       string         `yaml:"name" json:"name"`
	Credits    credits.Amount `yaml:"credits" json:"credits"`
	PriceCents int64          `yaml:"price_cents" json:"price_cents"`
	Currency   string         `yaml:"currency" json:"currency"`
}

// Price renders PriceCents as a decimal string, e.g. "9.99".
func (p Package) Price() string {
	return fmt.Sprintf("%d.%02d", p.PriceCents/100, p.PriceCents%100)
}

// LineItemName is the product name shown on the Stripe payment page.
func (p Package) LineItemName() string {
	return fmt.Sprintf("%s - %s Credits", p.Name, p.Credits)
}

func (p Package) validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("package %q: name required", p.Type)
	case p.Credits.Sign() <= 0:
		return fmt.Errorf("package %q: credits must be > 0", p.Type)
	case p.PriceCents <= 0:
		return fmt.Errorf("package %q: price_cents must be > 0", p.Type)
	}
	return nil
}

// Catalog is the read-only set of packages offered at checkout.
type Catalog struct {
	packages map[string]Package
}

// DefaultCatalog returns the built-in small, medium and large packages.
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog(map[string]Package{
		"small":  {Name: "Starter", Credits: credits.FromInt(1000), PriceCents: 999, Currency: "usd"},
		"medium": {Name: "Professional", Credits: credits.FromInt(5000), PriceCents: 3999, Currency: "usd"},
		"large":  {Name: "Enterprise", Credits: credits.FromInt(15000), PriceCents: 9999, Currency: "usd"},
	})
	return c
}

// NewCatalog validates packages and keys them by lower-cased type.
func NewCatalog(packages map[string]Package) (*Catalog, error) {
	c := &Catalog{packages: make(map[string]Package, len(packages))}
	for key, p := range packages {
		p.Type = strings.ToLower(strings.TrimSpace(key))
		if p.Type == "" {
			return nil, errors.New("package type required")
		}
		if p.Currency == "" {
			p.Currency = "usd"
		}
		p.Currency = strings.ToLower(p.Currency)
		if err := p.validate(); err != nil {
			return nil, err
		}
		c.packages[p.Type] = p
	}
	if len(c.packages) == 0 {
		return nil, errors.New("catalog is empty")
	}
	return c, nil
}

// LoadCatalog reads a YAML document of the form
//
//	packages:
//	  small: {name: Starter, credits: 1000, price_cents: 999}
//
// An empty path yields DefaultCatalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var doc struct {
		Packages map[string]Package `yaml:"packages"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	c, err := NewCatalog(doc.Packages)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

func (c *Catalog) Lookup(packageType string) (Package, error) {
	p, ok := c.packages[strings.ToLower(strings.TrimSpace(packageType))]
	if !ok {
		return Package{}, fmt.Errorf("%w: %q", ErrUnknownPackage, packageType)
	}
	return p, nil
}

// List returns the packages ordered by price.
func (c *Catalog) List() []Package {
	out := make([]Package, 0, len(c.packages))
	for _, p := range c.packages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriceCents != out[j].PriceCents {
			return out[i].PriceCents < out[j].PriceCents
		}
		return out[i].Type < out[j].Type
	})
	return out
}
