package strategies

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtest-exec/services/engine"
	"backtest-exec/services/marketdata"
)

var tick = decimal.RequireFromString("0.001")

func usdjpy() engine.Instrument {
	return engine.Instrument{
		Symbol:      "USDJPY",
		TickSize:    tick,
		MinQuantity: decimal.NewFromInt(1),
		MaxQuantity: decimal.NewFromInt(50_000_000),
		MarginRate:  decimal.RequireFromString("0.03"),
		TakerFee:    decimal.RequireFromString("0.00002"),
	}
}

func runBreakout(t *testing.T, bars int) (*engine.Result, *Breakout, *engine.Engine) {
	t.Helper()
	data, err := marketdata.GenerateAll(marketdata.Synthetic{
		Symbol:      "USDJPY",
		Start:       time.Date(2013, 1, 1, 0, 0, 0, 0, time.UTC),
		Bars:        bars,
		Interval:    time.Minute,
		StartPrice:  decimal.RequireFromString("86.700"),
		TickSize:    tick,
		SpreadTicks: 10,
		Seed:        11,
	})
	require.NoError(t, err)

	e, err := engine.New(engine.Config{
		Instruments:          []engine.Instrument{usdjpy()},
		Data:                 data,
		StartingCapital:      decimal.NewFromInt(1_000_000),
		DefaultSlippageTicks: 1,
		RunID:                "breakout",
	})
	require.NoError(t, err)

	s, err := Build("breakout", "BO", "USDJPY", map[string]string{"lookback": "15"}, e.Catalog())
	require.NoError(t, err)
	require.NoError(t, e.RegisterStrategy(s))

	res, err := e.Replay(context.Background())
	require.NoError(t, err)
	return res, s.(*Breakout), e
}

func TestBreakoutRoundTrips(t *testing.T) {
	_, b, e := runBreakout(t, 5000)

	trades := b.Trades()
	require.NotEmpty(t, trades)

	sum := decimal.Zero
	for _, tr := range trades {
		assert.False(t, tr.ClosedAt.Before(tr.OpenedAt))
		assert.True(t, tr.Entry.Mod(tick).IsZero())
		assert.True(t, tr.Quantity.Equal(decimal.NewFromInt(1000)))
		sum = sum.Add(tr.PnL())
	}

	pos, ok := e.Position("BO", "USDJPY")
	require.True(t, ok)
	assert.True(t, pos.RealizedPnL.Equal(sum), "ledger %s vs trades %s", pos.RealizedPnL, sum)
}

func TestBreakoutIsDeterministic(t *testing.T) {
	a, _, _ := runBreakout(t, 1500)
	b, _, _ := runBreakout(t, 1500)
	assert.Equal(t, a.Digest, b.Digest)
	assert.Equal(t, len(a.Events), len(b.Events))
}

func TestBuild(t *testing.T) {
	cat, err := engine.NewCatalog(usdjpy())
	require.NoError(t, err)

	s, err := Build("breakout", "X", "USDJPY", map[string]string{
		"quantity": "250", "take_profit_ticks": "30", "stop_loss_ticks": "15", "entry_ttl": "1h",
	}, cat)
	require.NoError(t, err)
	p := s.(*Breakout).p
	assert.Equal(t, "250", p.Quantity.String())
	assert.Equal(t, int64(30), p.TakeProfitTicks)
	assert.Equal(t, time.Hour, p.EntryTTL)
	assert.Equal(t, 20, p.Lookback)

	for name, tc := range map[string]struct {
		kind, symbol string
		params       map[string]string
	}{
		"unknown kind":   {"meanrev", "USDJPY", nil},
		"unknown symbol": {"breakout", "EURUSD", nil},
		"unknown param":  {"breakout", "USDJPY", map[string]string{"speed": "1"}},
		"bad lookback":   {"breakout", "USDJPY", map[string]string{"lookback": "1"}},
		"bad quantity":   {"breakout", "USDJPY", map[string]string{"quantity": "lots"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Build(tc.kind, "X", tc.symbol, tc.params, cat)
			require.Error(t, err)
		})
	}
}

func TestTradePnL(t *testing.T) {
	long := Trade{Side: engine.SideBuy, Entry: decimal.RequireFromString("86.711"), Exit: decimal.RequireFromString("86.751"), Quantity: decimal.NewFromInt(1000)}
	short := long
	short.Side = engine.SideSell
	assert.Equal(t, "40", long.PnL().String())
	assert.Equal(t, "-40", short.PnL().String())
}
