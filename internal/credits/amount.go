// Package credits implements the fixed-point decimal quantity used for every
// balance, price and transaction amount.
package credits

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/cockroachdb/apd/v3"
	"gopkg.in/yaml.v3"
)

// Scale is the number of fractional digits kept by the ledger.
const Scale = 8

const precision = 34

var ErrInvalidAmount = errors.New("credits: invalid amount")

// Amount is an exact decimal credit quantity. The zero value is 0.
type Amount struct {
	value apd.Decimal
}

func baseContext() *apd.Context {
	return apd.BaseContext.WithPrecision(precision)
}

// Parse reads a decimal string such as "12.5" or "-0.0035".
func Parse(s string) (Amount, error) {
	var d apd.Decimal
	if _, _, err := d.SetString(s); err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.Form != apd.Finite {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Amount{value: d}, nil
}

// MustParse is Parse for constants; it panics on malformed input.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func FromInt(i int64) Amount {
	var d apd.Decimal
	d.SetInt64(i)
	return Amount{value: d}
}

func (a Amount) Add(b Amount) Amount {
	var out apd.Decimal
	baseContext().Add(&out, &a.value, &b.value)
	return Amount{value: out}
}

func (a Amount) Sub(b Amount) Amount {
	var out apd.Decimal
	baseContext().Sub(&out, &a.value, &b.value)
	return Amount{value: out}
}

func (a Amount) Mul(b Amount) Amount {
	var out apd.Decimal
	baseContext().Mul(&out, &a.value, &b.value)
	return Amount{value: out}
}

// Quo divides a by b. Division by zero yields zero.
func (a Amount) Quo(b Amount) Amount {
	if b.IsZero() {
		return Amount{}
	}
	var out apd.Decimal
	baseContext().Quo(&out, &a.value, &b.value)
	return Amount{value: out}
}

func (a Amount) Neg() Amount {
	var out apd.Decimal
	out.Neg(&a.value)
	return Amount{value: out}
}

func (a Amount) Abs() Amount {
	var out apd.Decimal
	out.Abs(&a.value)
	return Amount{value: out}
}

func (a Amount) Cmp(b Amount) int { return a.value.Cmp(&b.value) }

func (a Amount) Sign() int { return a.value.Sign() }

func (a Amount) IsZero() bool { return a.value.IsZero() }

func (a Amount) IsNegative() bool { return a.value.Sign() < 0 }

// RoundUp quantizes a to places fractional digits, rounding away from zero so
// a nonzero charge never collapses to 0.
func (a Amount) RoundUp(places int32) Amount {
	return a.quantize(places, apd.RoundUp)
}

// Round quantizes a to places fractional digits using banker's rounding.
func (a Amount) Round(places int32) Amount {
	return a.quantize(places, apd.RoundHalfEven)
}

func (a Amount) quantize(places int32, mode apd.Rounder) Amount {
	ctx := baseContext()
	ctx.Rounding = mode
	var out apd.Decimal
	if _, err := ctx.Quantize(&out, &a.value, -places); err != nil {
		return a
	}
	return Amount{value: out}
}

// String renders the shortest plain decimal form, never scientific notation.
func (a Amount) String() string {
	var reduced apd.Decimal
	reduced.Reduce(&a.value)
	return reduced.Text('f')
}

// Fixed renders a with exactly places fractional digits.
func (a Amount) Fixed(places int32) string {
	r := a.Round(places)
	return r.value.Text('f')
}

// Float64 is lossy and only meant for metrics.
func (a Amount) Float64() float64 {
	f, err := a.value.Float64()
	if err != nil {
		return 0
	}
	return f
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts both JSON numbers and quoted decimal strings.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		*a = Amount{}
		return nil
	}
	if len(s) > 0 && s[0] == '"' {
		var quoted string
		if err := json.Unmarshal(b, &quoted); err != nil {
			return err
		}
		s = quoted
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Amount) MarshalYAML() (any, error) {
	return a.String(), nil
}

func (a *Amount) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: expected scalar at line %d", ErrInvalidAmount, node.Line)
	}
	return a.UnmarshalText([]byte(node.Value))
}

// UnmarshalText decodes amounts from plain scalar values.
func (a *Amount) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value stores amounts as plain decimal text, which both NUMERIC and TEXT
// columns accept.
func (a Amount) Value() (driver.Value, error) {
	return a.value.Text('f'), nil
}

func (a *Amount) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
		*a = Amount{}
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	case int64:
		*a = FromInt(v)
		return nil
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Errorf("credits: cannot scan %T", src)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Sum adds amounts in order.
func Sum(amounts ...Amount) Amount {
	var total Amount
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
