package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtest-exec/services/engine"
	"backtest-exec/services/marketdata"
)

const runYAML = `
run_id: demo
starting_capital: 1000000
default_slippage_ticks: 1
slippage_ticks:
  USDJPY: 2
instruments:
  - symbol: USDJPY
    tick_size: "0.001"
    min_quantity: 1
    max_quantity: 50000000
    margin_rate: 0.03
    taker_fee: 0.00002
data:
  synthetic:
    - symbol: USDJPY
      start: 2013-01-01T00:00:00Z
      bars: 120
      interval: 1m
      start_price: "86.700"
      tick_size: "0.001"
      spread_ticks: 10
      seed: 3
start: 2013-01-01T00:30:00Z
step: 1m
strategies:
  - id: breakout-1
    kind: breakout
    symbol: USDJPY
    params:
      lookback: "20"
`

func TestParseRunFile(t *testing.T) {
	rf, err := ParseRunFile([]byte(runYAML))
	require.NoError(t, err)

	assert.Equal(t, "demo", rf.RunID)
	assert.Equal(t, "1000000", rf.StartingCapital.String())
	assert.Equal(t, int64(2), rf.SlippageTicks["USDJPY"])
	require.Len(t, rf.Instruments, 1)
	assert.Equal(t, "0.001", rf.Instruments[0].TickSize.String())
	assert.Equal(t, time.Minute, rf.Step)
	assert.True(t, rf.Start.Equal(time.Date(2013, 1, 1, 0, 30, 0, 0, time.UTC)))
	require.Len(t, rf.Data.Synthetic, 1)
	assert.Equal(t, 120, rf.Data.Synthetic[0].Bars)
	assert.Equal(t, "20", rf.Strategies[0].Params["lookback"])
}

func TestParseRunFileRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":     "starting_capital: 1\nbogus: true\n",
		"no instruments":  "starting_capital: 1\ndata:\n  csv: [a.csv]\n",
		"no data":         "starting_capital: 1\ninstruments:\n  - symbol: X\n    tick_size: 1\n",
		"negative cash":   "starting_capital: -1\ninstruments:\n  - symbol: X\n    tick_size: 1\ndata:\n  csv: [a.csv]\n",
		"dup strategy id": "starting_capital: 1\ninstruments:\n  - symbol: X\n    tick_size: 1\ndata:\n  csv: [a.csv]\nstrategies:\n  - {id: a, kind: breakout}\n  - {id: a, kind: breakout}\n",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRunFile([]byte(in))
			require.Error(t, err)
		})
	}
}

func TestLoadDataAndBuildEngine(t *testing.T) {
	rf, err := ParseRunFile([]byte(runYAML))
	require.NoError(t, err)

	data, err := rf.LoadData(context.Background(), Env{}, nil)
	require.NoError(t, err)
	require.Contains(t, data, "USDJPY")

	e, err := engine.New(rf.EngineConfig(data, nil))
	require.NoError(t, err)
	assert.Equal(t, "demo", e.RunID())
	require.NoError(t, e.SetInitialIteration(rf.Start, rf.Step))
	it, err := e.Iteration()
	require.NoError(t, err)
	assert.Equal(t, 30, it)
}

func TestLoadDataMergesCSV(t *testing.T) {
	rf, err := ParseRunFile([]byte(runYAML))
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "quotes.csv")
	eur, err := marketdata.GenerateAll(rf.Data.Synthetic[0])
	require.NoError(t, err)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, marketdata.WriteQuotes(f, eur))
	require.NoError(t, f.Close())

	rf.Data.CSV = []string{path}
	_, err = rf.LoadData(context.Background(), Env{}, nil)
	require.ErrorIs(t, err, engine.ErrInvalidConfig, "same symbol from two sources")

	rf.Data.Synthetic = nil
	data, err := rf.LoadData(context.Background(), Env{}, nil)
	require.NoError(t, err)
	assert.Equal(t, engine.DataChecksum(eur), engine.DataChecksum(data))
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("HTTP_ADDR=:9999\nWORKERS=2\n"), 0o600))
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("WORKERS", "")
	os.Unsetenv("HTTP_ADDR")
	os.Unsetenv("WORKERS")
	t.Setenv("CH_DATABASE", "quotes_db")

	env, err := LoadEnv(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", env.HTTPAddr)
	assert.Equal(t, 2, env.Workers)
	assert.Equal(t, "quotes_db", env.ClickHouseOptions().Database)
	assert.Equal(t, ":9090", env.GRPCAddr)

	_, err = LoadEnv(filepath.Join(dir, "missing.env"))
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, l)
	_, err = NewLogger("loud")
	require.Error(t, err)
}
