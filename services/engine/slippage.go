package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SlippageModel holds a fixed adverse price offset per instrument, computed
// once as slippage ticks × tick size.
type SlippageModel struct {
	deltas map[string]decimal.Decimal
}

// NewSlippageModel builds the per-symbol deltas. Symbols missing from ticks
// use defaultTicks.
func NewSlippageModel(catalog *Catalog, ticks map[string]int64, defaultTicks int64) (*SlippageModel, error) {
	for symbol := range ticks {
		if _, err := catalog.Get(symbol); err != nil {
			return nil, fmt.Errorf("slippage: %w", err)
		}
	}
	m := &SlippageModel{deltas: make(map[string]decimal.Decimal)}
	for _, symbol := range catalog.Symbols() {
		n, ok := ticks[symbol]
		if !ok {
			n = defaultTicks
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: %s: negative slippage ticks %d", ErrInvalidConfig, symbol, n)
		}
		inst, _ := catalog.Get(symbol)
		m.deltas[symbol] = inst.TickSize.Mul(decimal.NewFromInt(n))
	}
	return m, nil
}

// For returns the price delta for symbol.
func (m *SlippageModel) For(symbol string) (decimal.Decimal, error) {
	d, ok := m.deltas[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("slippage: %w: %s", ErrUnknownInstrument, symbol)
	}
	return d, nil
}

// Apply moves price against the taker: buys slip up, sells slip down.
func (m *SlippageModel) Apply(side Side, symbol string, price Price) (Price, error) {
	d, err := m.For(symbol)
	if err != nil {
		return Price{}, err
	}
	if side == SideBuy {
		return price.Add(d), nil
	}
	return price.Add(d.Neg()), nil
}
