package marketdata

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"backtest-exec/services/engine"
)

// Synthetic describes a generated random-walk market. Prices move in whole
// ticks so every bar is tick-aligned.
type Synthetic struct {
	Symbol      string          `yaml:"symbol" json:"symbol"`
	Start       time.Time       `yaml:"start" json:"start"`
	Bars        int             `yaml:"bars" json:"bars"`
	Interval    time.Duration   `yaml:"interval" json:"interval"`
	StartPrice  decimal.Decimal `yaml:"start_price" json:"start_price"`
	TickSize    decimal.Decimal `yaml:"tick_size" json:"tick_size"`
	SpreadTicks int64           `yaml:"spread_ticks" json:"spread_ticks"`
	// VolTicks bounds the per-bar move and the intrabar range.
	VolTicks int64 `yaml:"vol_ticks" json:"vol_ticks,omitempty"`
	Seed     int64 `yaml:"seed" json:"seed"`
}

// Generate builds the bid/ask series. The same Synthetic always yields the
// same data.
func Generate(s Synthetic) (engine.SymbolData, error) {
	if s.Bars <= 0 || s.Interval <= 0 {
		return engine.SymbolData{}, fmt.Errorf("synthetic %s: bars and interval must be positive", s.Symbol)
	}
	if !s.TickSize.IsPositive() || !s.StartPrice.IsPositive() {
		return engine.SymbolData{}, fmt.Errorf("synthetic %s: tick size and start price must be positive", s.Symbol)
	}
	vol := s.VolTicks
	if vol <= 0 {
		vol = 5
	}
	rng := rand.New(rand.NewSource(s.Seed))
	tick := s.TickSize
	price := s.StartPrice.Div(tick).Round(0).IntPart()
	floor := vol * 4

	bid := make([]engine.Bar, s.Bars)
	ask := make([]engine.Bar, s.Bars)
	spread := tick.Mul(decimal.NewFromInt(s.SpreadTicks))
	for i := 0; i < s.Bars; i++ {
		ts := s.Start.UTC().Add(time.Duration(i) * s.Interval)

		// Generate some trending periods
		trend := int64(0)
		switch phase := i % 600; {
		case phase > 100 && phase < 250:
			trend = 1
		case phase > 350 && phase < 500:
			trend = -1
		}
		o := price
		c := o + rng.Int63n(2*vol+1) - vol + trend
		if c < floor {
			c = floor
		}
		high := max(o, c) + rng.Int63n(vol+1)
		low := min(o, c) - rng.Int63n(vol+1)
		if low < 1 {
			low = 1
		}

		px := func(n int64) decimal.Decimal { return tick.Mul(decimal.NewFromInt(n)) }
		bid[i] = engine.Bar{Timestamp: ts, Open: px(o), High: px(high), Low: px(low), Close: px(c)}
		ask[i] = engine.Bar{
			Timestamp: ts,
			Open:      px(o).Add(spread),
			High:      px(high).Add(spread),
			Low:       px(low).Add(spread),
			Close:     px(c).Add(spread),
		}
		price = c
	}
	return engine.NewSymbolData(bid, ask)
}

// GenerateAll builds one symbol per Synthetic.
func GenerateAll(specs ...Synthetic) (engine.MarketData, error) {
	data := make(engine.MarketData, len(specs))
	for _, s := range specs {
		if _, dup := data[s.Symbol]; dup {
			return nil, fmt.Errorf("synthetic %s: duplicate symbol", s.Symbol)
		}
		sd, err := Generate(s)
		if err != nil {
			return nil, err
		}
		data[s.Symbol] = sd
	}
	return data, nil
}
