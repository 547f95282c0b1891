package engine

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Price is a decimal price carrying the display precision of its instrument.
// Comparison uses the decimal value only.
type Price struct {
	value     decimal.Decimal
	precision int32
}

// NewPrice wraps a decimal with the given precision. The value is not
// quantized; use Instrument.Price for tick-checked construction.
func NewPrice(value decimal.Decimal, precision int32) Price {
	return Price{value: value, precision: precision}
}

// ParsePrice parses a decimal string, keeping the number of written decimals
// as the precision ("86.710" has precision 3).
func ParsePrice(s string) (Price, error) {
	s = strings.TrimSpace(s)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Price{}, fmt.Errorf("%w: %q: %v", ErrInvalidPrice, s, err)
	}
	var precision int32
	if i := strings.IndexByte(s, '.'); i >= 0 {
		precision = int32(len(s) - i - 1)
	}
	return Price{value: d, precision: precision}, nil
}

// MustParsePrice is ParsePrice for constants and tests.
func MustParsePrice(s string) Price {
	p, err := ParsePrice(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Price) Decimal() decimal.Decimal { return p.value }
func (p Price) Precision() int32         { return p.precision }
func (p Price) IsZero() bool             { return p.value.IsZero() }
func (p Price) IsPositive() bool         { return p.value.IsPositive() }

func (p Price) Equal(o Price) bool       { return p.value.Equal(o.value) }
func (p Price) Cmp(o Price) int          { return p.value.Cmp(o.value) }
func (p Price) LessThan(o Price) bool    { return p.value.LessThan(o.value) }
func (p Price) GreaterThan(o Price) bool { return p.value.GreaterThan(o.value) }

// Add shifts the price by delta, keeping the precision.
func (p Price) Add(delta decimal.Decimal) Price {
	return Price{value: p.value.Add(delta), precision: p.precision}
}

func (p Price) String() string {
	return p.value.StringFixed(p.precision)
}

// MarshalJSON writes the fixed-precision string, or null for the zero price.
func (p Price) MarshalJSON() ([]byte, error) {
	if p.value.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + p.String() + `"`), nil
}

func (p *Price) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		*p = Price{}
		return nil
	}
	parsed, err := ParsePrice(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
