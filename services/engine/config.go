package engine

// Run configuration and reproducibility

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config is everything an engine needs. Data and Instruments are not copied;
// callers must not mutate them after New.
type Config struct {
	Instruments          []Instrument
	Data                 MarketData
	StartingCapital      decimal.Decimal
	SlippageTicks        map[string]int64
	DefaultSlippageTicks int64
	// RunID seeds event ids. Empty derives it from the config hash.
	RunID  string
	Logger *zap.Logger
}

type ConfigSnapshot struct {
	ConfigHash   string           `json:"config_hash"`
	DataChecksum string           `json:"data_checksum"`
	Instruments  []Instrument     `json:"instruments"`
	Capital      decimal.Decimal  `json:"starting_capital"`
	Slippage     map[string]int64 `json:"slippage_ticks"`
	DefaultTicks int64            `json:"default_slippage_ticks"`
}

// Snapshot hashes the configuration and market data. Equal snapshots replay
// to equal event streams.
func (c Config) Snapshot() ConfigSnapshot {
	insts := make([]Instrument, len(c.Instruments))
	copy(insts, c.Instruments)
	sort.Slice(insts, func(i, j int) bool { return insts[i].Symbol < insts[j].Symbol })

	snap := ConfigSnapshot{
		DataChecksum: DataChecksum(c.Data),
		Instruments:  insts,
		Capital:      c.StartingCapital,
		Slippage:     c.SlippageTicks,
		DefaultTicks: c.DefaultSlippageTicks,
	}
	configBytes, _ := json.Marshal(snap)
	snap.ConfigHash = fmt.Sprintf("%x", sha256.Sum256(configBytes))
	return snap
}

// DataChecksum hashes every bar of every symbol in sorted symbol order.
func DataChecksum(data MarketData) string {
	symbols := make([]string, 0, len(data))
	for s := range data {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	h := sha256.New()
	for _, s := range symbols {
		fmt.Fprintf(h, "%s\n", s)
		for side, series := range []Series{data[s].Bid, data[s].Ask} {
			for _, b := range series.bars {
				fmt.Fprintf(h, "%d|%d|%s|%s|%s|%s\n", side, b.Timestamp.UnixNano(), b.Open, b.High, b.Low, b.Close)
			}
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Run manifest with full reproducibility
type RunManifest struct {
	RunID          string         `json:"run_id"`
	ConfigSnapshot ConfigSnapshot `json:"config_snapshot"`
	Strategies     []StrategyID   `json:"strategies"`
	EngineVersion  string         `json:"engine_version"`
	CreatedAt      time.Time      `json:"created_at"`
}

const EngineVersion = "1.0.0"
