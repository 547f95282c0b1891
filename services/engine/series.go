package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one bid or ask observation. A tick is a bar whose four prices match.
type Bar struct {
	Timestamp time.Time       `json:"ts"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
}

// TickBar builds a bar from a single tick price.
func TickBar(ts time.Time, price decimal.Decimal) Bar {
	return Bar{Timestamp: ts, Open: price, High: price, Low: price, Close: price}
}

func (b Bar) validate() error {
	if b.High.LessThan(b.Low) {
		return fmt.Errorf("bar %s: high %s below low %s", b.Timestamp.Format(time.RFC3339), b.High, b.Low)
	}
	if b.Open.GreaterThan(b.High) || b.Open.LessThan(b.Low) || b.Close.GreaterThan(b.High) || b.Close.LessThan(b.Low) {
		return fmt.Errorf("bar %s: open/close outside high/low", b.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// Series is an ascending, duplicate-free sequence of bars. It is read-only
// once built.
type Series struct {
	bars []Bar
}

// NewSeries sorts bars by time and merges duplicate timestamps, keeping the
// last one seen.
func NewSeries(bars []Bar) (Series, error) {
	out := make([]Bar, len(bars))
	copy(out, bars)
	for i := range out {
		out[i].Timestamp = out[i].Timestamp.UTC()
		if err := out[i].validate(); err != nil {
			return Series{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return Series{bars: dedupBars(out)}, nil
}

func (s Series) Len() int { return len(s.bars) }

// Bars returns a copy of the underlying bars.
func (s Series) Bars() []Bar {
	out := make([]Bar, len(s.bars))
	copy(out, s.bars)
	return out
}

// Latest returns the last bar at or before t.
func (s Series) Latest(t time.Time) (Bar, bool) {
	i := sort.Search(len(s.bars), func(i int) bool { return s.bars[i].Timestamp.After(t) })
	if i == 0 {
		return Bar{}, false
	}
	return s.bars[i-1], true
}

func (s Series) timestamps() []time.Time {
	out := make([]time.Time, len(s.bars))
	for i, b := range s.bars {
		out[i] = b.Timestamp
	}
	return out
}

// SymbolData holds the bid and ask series of one symbol.
type SymbolData struct {
	Bid Series
	Ask Series
}

// MarketData maps symbols to their bid/ask series.
type MarketData map[string]SymbolData

// NewSymbolData builds both series of a symbol.
func NewSymbolData(bid, ask []Bar) (SymbolData, error) {
	b, err := NewSeries(bid)
	if err != nil {
		return SymbolData{}, fmt.Errorf("bid: %w", err)
	}
	a, err := NewSeries(ask)
	if err != nil {
		return SymbolData{}, fmt.Errorf("ask: %w", err)
	}
	return SymbolData{Bid: b, Ask: a}, nil
}

// Quote is the bid/ask snapshot of one symbol at a point in simulated time.
// BidFresh/AskFresh are set when the bar was observed exactly at that time,
// i.e. it carries new price action.
type Quote struct {
	Symbol    string
	Timestamp time.Time
	Bid       Bar
	Ask       Bar
	BidFresh  bool
	AskFresh  bool
}

// QuoteAt snapshots a symbol at t from the latest bid and ask at or before t.
func (d SymbolData) QuoteAt(symbol string, t time.Time) (Quote, error) {
	bid, okBid := d.Bid.Latest(t)
	ask, okAsk := d.Ask.Latest(t)
	if !okBid || !okAsk {
		return Quote{}, fmt.Errorf("%w: %s at %s", ErrNoMarket, symbol, t.Format(time.RFC3339))
	}
	return Quote{
		Symbol:    symbol,
		Timestamp: t,
		Bid:       bid,
		Ask:       ask,
		BidFresh:  bid.Timestamp.Equal(t),
		AskFresh:  ask.Timestamp.Equal(t),
	}, nil
}
