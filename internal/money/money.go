package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits persisted for every amount.
const Scale = 2

// maxDigits bounds the length of a textual amount and the magnitude of a decimal exponent.
const maxDigits = 40

// ErrInvalidAmount is returned when an amount cannot be represented as Money.
var ErrInvalidAmount = errors.New("invalid amount")

// Money is an exact decimal value. The zero value is 0.
type Money struct {
	d decimal.Decimal
}

// Zero returns a zero amount.
func Zero() Money {
	return Money{}
}

// NewFromDecimal wraps an existing decimal, rejecting values with more than Scale fractional digits.
func NewFromDecimal(d decimal.Decimal) (Money, error) {
	if exp := d.Exponent(); exp < -maxDigits || exp > maxDigits {
		return Money{}, fmt.Errorf("%w: out of range", ErrInvalidAmount)
	}
	if !d.Equal(d.Truncate(Scale)) {
		return Money{}, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, Scale)
	}
	return Money{d: d}, nil
}

// NewFromInt builds a whole-unit amount.
func NewFromInt(v int64) Money {
	return Money{d: decimal.NewFromInt(v)}
}

// Parse reads a plain decimal string such as "100", "40.5" or "0.01".
// Exponent notation is rejected.
func Parse(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	if len(s) > maxDigits {
		return Money{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidAmount, maxDigits)
	}
	if strings.ContainsAny(s, "eE") {
		return Money{}, fmt.Errorf("%w: exponent notation is not accepted", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: not a number", ErrInvalidAmount)
	}
	return NewFromDecimal(d)
}

// ParseAmount is Parse restricted to non-negative values, as used for amount fields.
func ParseAmount(s string) (Money, error) {
	m, err := Parse(s)
	if err != nil {
		return Money{}, err
	}
	if m.Sign() < 0 {
		return Money{}, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return m, nil
}

// MustParse is Parse for constants and tests. It panics on invalid input.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }

// Cmp returns -1, 0 or +1.
func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }

func (m Money) Equal(o Money) bool       { return m.d.Equal(o.d) }
func (m Money) GreaterThan(o Money) bool { return m.d.GreaterThan(o.d) }
func (m Money) LessThan(o Money) bool    { return m.d.LessThan(o.d) }

// Sign returns -1, 0 or +1.
func (m Money) Sign() int        { return m.d.Sign() }
func (m Money) IsZero() bool     { return m.d.IsZero() }
func (m Money) IsPositive() bool { return m.d.IsPositive() }

// Decimal exposes the underlying value for storage adapters.
func (m Money) Decimal() decimal.Decimal { return m.d }

// String is the canonical form with insignificant trailing zeros trimmed ("100", "60.5").
func (m Money) String() string { return m.d.String() }

// StringFixed renders exactly Scale fractional digits ("100.00").
func (m Money) StringFixed() string { return m.d.StringFixed(Scale) }

// MarshalJSON encodes the canonical string form, quoted.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted strings and bare JSON numbers.
func (m *Money) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return fmt.Errorf("%w: null", ErrInvalidAmount)
	}
	s = strings.Trim(s, `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
