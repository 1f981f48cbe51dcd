package adapter

import (
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// Decimal is an exact decimal number used for every price, quantity,
// notional and balance. The zero value is 0.
type Decimal struct {
	d decimal.Decimal
}

// Zero is the decimal 0.
var Zero = Decimal{}

// NewDecimal returns value * 10^exp.
func NewDecimal(value int64, exp int32) Decimal {
	return Decimal{d: decimal.New(value, exp)}
}

func NewDecimalFromInt(value int64) Decimal {
	return Decimal{d: decimal.NewFromInt(value)}
}

// ParseDecimal parses a plain or scientific decimal string.
func ParseDecimal(s string) (Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Decimal{}, errors.Wrapf(err, "parse decimal %q", s)
	}
	return Decimal{d: d}, nil
}

// MustDecimal is ParseDecimal for literals; it panics on malformed input.
func MustDecimal(s string) Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (a Decimal) Add(b Decimal) Decimal { return Decimal{d: a.d.Add(b.d)} }
func (a Decimal) Sub(b Decimal) Decimal { return Decimal{d: a.d.Sub(b.d)} }
func (a Decimal) Mul(b Decimal) Decimal { return Decimal{d: a.d.Mul(b.d)} }
func (a Decimal) Neg() Decimal          { return Decimal{d: a.d.Neg()} }
func (a Decimal) Abs() Decimal          { return Decimal{d: a.d.Abs()} }

// DivRound divides and rounds half away from zero to places digits.
// Division by zero yields zero.
func (a Decimal) DivRound(b Decimal, places int32) Decimal {
	if b.d.IsZero() {
		return Zero
	}
	return Decimal{d: a.d.DivRound(b.d, places)}
}

func (a Decimal) Cmp(b Decimal) int                 { return a.d.Cmp(b.d) }
func (a Decimal) Equal(b Decimal) bool              { return a.d.Equal(b.d) }
func (a Decimal) LessThan(b Decimal) bool           { return a.d.LessThan(b.d) }
func (a Decimal) LessThanOrEqual(b Decimal) bool    { return a.d.LessThanOrEqual(b.d) }
func (a Decimal) GreaterThan(b Decimal) bool        { return a.d.GreaterThan(b.d) }
func (a Decimal) GreaterThanOrEqual(b Decimal) bool { return a.d.GreaterThanOrEqual(b.d) }
func (a Decimal) IsZero() bool                      { return a.d.IsZero() }
func (a Decimal) IsPositive() bool                  { return a.d.IsPositive() }
func (a Decimal) IsNegative() bool                  { return a.d.IsNegative() }
func (a Decimal) Sign() int                         { return a.d.Sign() }
func (a Decimal) String() string                    { return a.d.String() }
func (a Decimal) AppendBytes(buf []byte) []byte     { return append(buf, a.d.String()...) }
func (a Decimal) MarshalJSON() ([]byte, error)      { return a.d.MarshalJSON() }
func (a *Decimal) UnmarshalJSON(data []byte) error  { return a.d.UnmarshalJSON(data) }
func (a Decimal) MarshalText() ([]byte, error)      { return a.d.MarshalText() }
func (a *Decimal) UnmarshalText(text []byte) error  { return a.d.UnmarshalText(text) }

// MinDecimal returns the smaller of a and b.
func MinDecimal(a, b Decimal) Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxDecimal returns the larger of a and b.
func MaxDecimal(a, b Decimal) Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
