package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// TickPolicy decides what happens to an order price that is not a multiple of
// the tick size.
type TickPolicy string

const (
	TickReject TickPolicy = "reject"
	TickRound  TickPolicy = "round"
)

// Instrument describes a tradable symbol. Values are immutable once the
// catalog is built.
type Instrument struct {
	Symbol      string          `json:"symbol" yaml:"symbol"`
	TickSize    decimal.Decimal `json:"tick_size" yaml:"tick_size"`
	MinQuantity decimal.Decimal `json:"min_quantity" yaml:"min_quantity"`
	MaxQuantity decimal.Decimal `json:"max_quantity" yaml:"max_quantity"`
	MarginRate  decimal.Decimal `json:"margin_rate" yaml:"margin_rate"`
	MakerFee    decimal.Decimal `json:"maker_fee" yaml:"maker_fee"`
	TakerFee    decimal.Decimal `json:"taker_fee" yaml:"taker_fee"`
	TickPolicy  TickPolicy      `json:"tick_policy" yaml:"tick_policy"`
}

func (i Instrument) Validate() error {
	switch {
	case i.Symbol == "":
		return fmt.Errorf("%w: instrument without symbol", ErrInvalidConfig)
	case !i.TickSize.IsPositive():
		return fmt.Errorf("%w: %s: tick size must be positive", ErrInvalidConfig, i.Symbol)
	case i.MinQuantity.IsNegative():
		return fmt.Errorf("%w: %s: negative min quantity", ErrInvalidConfig, i.Symbol)
	case i.MaxQuantity.IsPositive() && i.MaxQuantity.LessThan(i.MinQuantity):
		return fmt.Errorf("%w: %s: max quantity below min quantity", ErrInvalidConfig, i.Symbol)
	case i.MarginRate.IsNegative():
		return fmt.Errorf("%w: %s: negative margin rate", ErrInvalidConfig, i.Symbol)
	case i.MakerFee.IsNegative() || i.TakerFee.IsNegative():
		return fmt.Errorf("%w: %s: negative fee rate", ErrInvalidConfig, i.Symbol)
	}
	switch i.TickPolicy {
	case "", TickReject, TickRound:
	default:
		return fmt.Errorf("%w: %s: unknown tick policy %q", ErrInvalidConfig, i.Symbol, i.TickPolicy)
	}
	return nil
}

// Precision is the number of decimals in the tick size.
func (i Instrument) Precision() int32 {
	s := i.TickSize.String()
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		return int32(len(s) - idx - 1)
	}
	return 0
}

// Aligned reports whether d is a whole number of ticks.
func (i Instrument) Aligned(d decimal.Decimal) bool {
	return d.Mod(i.TickSize).IsZero()
}

// Quantize rounds d to the nearest tick. Used for market data and fills.
func (i Instrument) Quantize(d decimal.Decimal) Price {
	q := d.Div(i.TickSize).Round(0).Mul(i.TickSize)
	return NewPrice(q, i.Precision())
}

// Price builds a tick-aligned price for an order. A misaligned value is
// rejected or rounded according to the instrument's tick policy.
func (i Instrument) Price(d decimal.Decimal) (Price, error) {
	if !d.IsPositive() {
		return Price{}, fmt.Errorf("%w: %s: %s is not positive", ErrInvalidPrice, i.Symbol, d)
	}
	if i.Aligned(d) {
		return NewPrice(d, i.Precision()), nil
	}
	if i.TickPolicy != TickRound {
		return Price{}, fmt.Errorf("%w: %s: %s is not a multiple of tick %s", ErrInvalidPrice, i.Symbol, d, i.TickSize)
	}
	p := i.Quantize(d)
	if !p.IsPositive() {
		return Price{}, fmt.Errorf("%w: %s: %s rounds to zero", ErrInvalidPrice, i.Symbol, d)
	}
	return p, nil
}

// CheckQuantity enforces the instrument's quantity bounds. A zero max means
// unbounded.
func (i Instrument) CheckQuantity(q decimal.Decimal) error {
	if !q.IsPositive() {
		return fmt.Errorf("%w: %s: quantity %s must be positive", ErrInvalidQuantity, i.Symbol, q)
	}
	if q.LessThan(i.MinQuantity) {
		return fmt.Errorf("%w: %s: quantity %s below min %s", ErrInvalidQuantity, i.Symbol, q, i.MinQuantity)
	}
	if i.MaxQuantity.IsPositive() && q.GreaterThan(i.MaxQuantity) {
		return fmt.Errorf("%w: %s: quantity %s above max %s", ErrInvalidQuantity, i.Symbol, q, i.MaxQuantity)
	}
	return nil
}

// Margin is the collateral committed by a position of qty at price.
func (i Instrument) Margin(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Abs().Mul(price).Mul(i.MarginRate)
}

// Fee computes the commission for a fill of the given notional.
func (i Instrument) Fee(notional decimal.Decimal, maker bool) decimal.Decimal {
	rate := i.TakerFee
	if maker {
		rate = i.MakerFee
	}
	return notional.Mul(rate)
}

// Catalog is the set of instruments known to an engine.
type Catalog struct {
	bySymbol map[string]Instrument
	symbols  []string
}

func NewCatalog(instruments ...Instrument) (*Catalog, error) {
	c := &Catalog{bySymbol: make(map[string]Instrument, len(instruments))}
	for _, inst := range instruments {
		if err := inst.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.bySymbol[inst.Symbol]; dup {
			return nil, fmt.Errorf("%w: duplicate instrument %s", ErrInvalidConfig, inst.Symbol)
		}
		if inst.TickPolicy == "" {
			inst.TickPolicy = TickReject
		}
		c.bySymbol[inst.Symbol] = inst
		c.symbols = append(c.symbols, inst.Symbol)
	}
	sort.Strings(c.symbols)
	return c, nil
}

func (c *Catalog) Get(symbol string) (Instrument, error) {
	inst, ok := c.bySymbol[symbol]
	if !ok {
		return Instrument{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, symbol)
	}
	return inst, nil
}

// Symbols returns the catalog symbols in sorted order.
func (c *Catalog) Symbols() []string {
	out := make([]string, len(c.symbols))
	copy(out, c.symbols)
	return out
}
