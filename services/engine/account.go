package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FillRecord is a fill as the ledger sees it.
type FillRecord struct {
	Key        PositionKey
	Symbol     string
	Side       Side
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Commission decimal.Decimal
	Time       time.Time
}

// Ledger owns the account and every position. It is applied from a single
// goroutine.
type Ledger struct {
	catalog    *Catalog
	starting   decimal.Decimal
	positions  map[PositionKey]*Position
	keys       []PositionKey
	eventCount int
	state      AccountState
}

// NewLedger records the initial account state, which counts as the first
// account event.
func NewLedger(catalog *Catalog, startingCapital decimal.Decimal) (*Ledger, error) {
	if startingCapital.IsNegative() {
		return nil, fmt.Errorf("%w: negative starting capital %s", ErrInvalidConfig, startingCapital)
	}
	l := &Ledger{
		catalog:   catalog,
		starting:  startingCapital,
		positions: make(map[PositionKey]*Position),
	}
	state, err := l.compute(nil)
	if err != nil {
		return nil, err
	}
	l.eventCount = 1
	state.EventCount = 1
	l.state = state
	return l, nil
}

func (l *Ledger) Account() AccountState { return l.state }

// Position returns a copy of one position.
func (l *Ledger) Position(key PositionKey) (Position, bool) {
	p, ok := l.positions[key]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Positions returns copies of every position, in the order they were opened.
func (l *Ledger) Positions() []Position {
	out := make([]Position, 0, len(l.keys))
	for _, k := range l.keys {
		out = append(out, *l.positions[k])
	}
	return out
}

// CheckPosition fails if key already holds a position in another symbol.
func (l *Ledger) CheckPosition(key PositionKey, symbol string) error {
	if p, ok := l.positions[key]; ok && p.Symbol != symbol {
		return fmt.Errorf("%w: %s/%s holds %s, not %s", ErrInvalidPosition, key.Strategy, key.ID, p.Symbol, symbol)
	}
	return nil
}

// ApplyFill books a fill. The new position and account are computed on
// copies and committed only if the fill does not take free equity below zero
// while raising margin.
func (l *Ledger) ApplyFill(r FillRecord) (AccountState, error) {
	if err := l.CheckPosition(r.Key, r.Symbol); err != nil {
		return l.state, err
	}
	next := Position{Key: r.Key, Symbol: r.Symbol}
	if p, ok := l.positions[r.Key]; ok {
		next = *p
	}
	next.ApplyFill(r.Side, r.Price, r.Quantity, r.Time)
	next.Fees = next.Fees.Add(r.Commission)

	candidate, err := l.compute(&next)
	if err != nil {
		return l.state, err
	}
	if candidate.MarginUsed.GreaterThan(l.state.MarginUsed) && candidate.FreeEquity.IsNegative() {
		return l.state, fmt.Errorf("%w: free equity would be %s", ErrInsufficientMargin, candidate.FreeEquity)
	}
	if candidate.FreeEquity.GreaterThan(candidate.CashBalance) {
		return l.state, fmt.Errorf("%w: free equity %s above cash %s", ErrLedgerViolation, candidate.FreeEquity, candidate.CashBalance)
	}

	if _, ok := l.positions[r.Key]; !ok {
		l.keys = append(l.keys, r.Key)
	}
	l.positions[r.Key] = &next
	l.eventCount++
	candidate.EventCount = l.eventCount
	l.state = candidate
	return l.state, nil
}

// RecordInquiry counts a collateral inquiry. Balances do not change.
func (l *Ledger) RecordInquiry() AccountState {
	l.eventCount++
	l.state.EventCount = l.eventCount
	return l.state
}

// Mark revalues every open position in symbol. It emits nothing.
func (l *Ledger) Mark(symbol string, bid, ask decimal.Decimal) {
	for _, k := range l.keys {
		p := l.positions[k]
		if p.Symbol == symbol {
			p.Mark(bid, ask)
		}
	}
}

// UnrealizedPnL sums the marks of every open position.
func (l *Ledger) UnrealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, p := range l.positions {
		total = total.Add(p.UnrealizedPnL)
	}
	return total
}

// compute derives the account from all positions, with override standing in
// for the position under the same key.
func (l *Ledger) compute(override *Position) (AccountState, error) {
	realized := decimal.Zero
	fees := decimal.Zero
	margin := decimal.Zero
	add := func(p *Position) error {
		realized = realized.Add(p.RealizedPnL)
		fees = fees.Add(p.Fees)
		if !p.IsOpen() {
			return nil
		}
		inst, err := l.catalog.Get(p.Symbol)
		if err != nil {
			return err
		}
		margin = margin.Add(inst.Margin(p.Quantity, p.AvgPrice))
		return nil
	}
	for _, k := range l.keys {
		if override != nil && k == override.Key {
			continue
		}
		if err := add(l.positions[k]); err != nil {
			return AccountState{}, err
		}
	}
	if override != nil {
		if err := add(override); err != nil {
			return AccountState{}, err
		}
	}
	cash := l.starting.Add(realized).Sub(fees)
	return AccountState{
		StartingCapital: l.starting,
		CashBalance:     cash,
		MarginUsed:      margin,
		FreeEquity:      cash.Sub(margin),
		RealizedPnL:     realized,
		Fees:            fees,
		EventCount:      l.eventCount,
	}, nil
}
