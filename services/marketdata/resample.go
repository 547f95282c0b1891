package marketdata

import (
	"fmt"
	"time"

	"backtest-exec/services/engine"
)

// Resample aggregates every series into buckets of interval aligned to the
// Unix epoch. Buckets are labelled with their start, like the input bars:
// open is the first bar's, close the last's, high and low the extremes.
func Resample(data engine.MarketData, interval time.Duration) (engine.MarketData, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("resample: interval must be positive")
	}
	out := make(engine.MarketData, len(data))
	for sym, sd := range data {
		bid := resampleBars(sd.Bid.Bars(), interval)
		ask := resampleBars(sd.Ask.Bars(), interval)
		rs, err := engine.NewSymbolData(bid, ask)
		if err != nil {
			return nil, fmt.Errorf("resample %s: %w", sym, err)
		}
		out[sym] = rs
	}
	return out, nil
}

// resampleBars expects bars in ascending order.
func resampleBars(bars []engine.Bar, interval time.Duration) []engine.Bar {
	var out []engine.Bar
	for _, b := range bars {
		bucket := b.Timestamp.Truncate(interval)
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(bucket) {
			agg := &out[n-1]
			if b.High.GreaterThan(agg.High) {
				agg.High = b.High
			}
			if b.Low.LessThan(agg.Low) {
				agg.Low = b.Low
			}
			agg.Close = b.Close
			continue
		}
		nb := b
		nb.Timestamp = bucket
		out = append(out, nb)
	}
	return out
}
