package arrowpipeline

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtest-exec/services/engine"
)

var t0 = time.Date(2013, 1, 1, 0, 0, 0, 0, time.UTC)

func bars(n int, price string) []engine.Bar {
	out := make([]engine.Bar, n)
	for i := range out {
		p := decimal.RequireFromString(price).Add(decimal.New(int64(i), -3))
		out[i] = engine.TickBar(t0.Add(time.Duration(i)*time.Minute), p)
	}
	return out
}

func TestMarketDataRoundTrip(t *testing.T) {
	jpy, err := engine.NewSymbolData(bars(7, "86.700"), bars(7, "86.710"))
	require.NoError(t, err)
	eur, err := engine.NewSymbolData(bars(3, "1.30000"), bars(2, "1.30010"))
	require.NoError(t, err)
	in := engine.MarketData{"USDJPY": jpy, "EURUSD": eur}

	p := NewPipeline(Config{BatchSize: 4}, nil)
	buf, err := p.EncodeMarketData(in)
	require.NoError(t, err)

	out, err := p.DecodeMarketData(buf)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, engine.DataChecksum(in), engine.DataChecksum(out))
	assert.Equal(t, 2, out["EURUSD"].Ask.Len())
}

func TestEventSinkStream(t *testing.T) {
	inst := engine.Instrument{Symbol: "USDJPY", TickSize: decimal.RequireFromString("0.001"), MarginRate: decimal.RequireFromString("0.03")}
	sd, err := engine.NewSymbolData(bars(5, "86.700"), bars(5, "86.710"))
	require.NoError(t, err)
	e, err := engine.New(engine.Config{
		Instruments:          []engine.Instrument{inst},
		Data:                 engine.MarketData{"USDJPY": sd},
		StartingCapital:      decimal.NewFromInt(1000000),
		DefaultSlippageTicks: 1,
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	p := NewPipeline(Config{BatchSize: 2}, nil)
	sink := p.NewEventSink(&buf)
	e.AddSink(sink)
	res, err := e.Replay(context.Background())
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	assert.Equal(t, len(res.Events), sink.Written())

	rows, err := p.ReadEvents(&buf)
	require.NoError(t, err)
	require.Len(t, rows, len(res.Events))
	assert.Equal(t, engine.EventAccountState, rows[0].Kind)
	assert.Equal(t, "1000000", rows[0].Cash)
	assert.True(t, rows[0].Timestamp.Equal(t0))
}
