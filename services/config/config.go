// Package config loads process settings from the environment and run
// descriptions from YAML.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"backtest-exec/services/arrowpipeline"
	"backtest-exec/services/clickhouse"
	"backtest-exec/services/engine"
	"backtest-exec/services/marketdata"
)

// Env holds process-level settings.
type Env struct {
	HTTPAddr       string
	GRPCAddr       string
	Workers        int
	ClickHouseAddr string
	ClickHouseHTTP string
	CHDatabase     string
	CHUser         string
	CHPassword     string
	PostgresDSN    string
	// EventsURL enables the ClickHouse event sink for served runs.
	EventsURL string
	QueueSize int
	LogLevel  string
}

func mustEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

// LoadEnv reads the given .env files (default ".env", silently skipped when
// absent) and then the process environment. Variables already set in the
// environment win over file values.
func LoadEnv(files ...string) (Env, error) {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Env{}, fmt.Errorf("failed to load .env: %w", err)
		}
	} else if err := godotenv.Load(files...); err != nil {
		return Env{}, fmt.Errorf("failed to load %s: %w", strings.Join(files, ","), err)
	}

	workers, err := strconv.Atoi(mustEnv("WORKERS", "4"))
	if err != nil || workers <= 0 {
		return Env{}, fmt.Errorf("WORKERS must be a positive integer")
	}
	queue, err := strconv.Atoi(mustEnv("QUEUE_SIZE", "64"))
	if err != nil || queue <= 0 {
		return Env{}, fmt.Errorf("QUEUE_SIZE must be a positive integer")
	}
	return Env{
		HTTPAddr:       mustEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:       mustEnv("GRPC_ADDR", ":9090"),
		Workers:        workers,
		ClickHouseAddr: mustEnv("CLICKHOUSE_ADDR", "localhost:9000"),
		ClickHouseHTTP: mustEnv("CLICKHOUSE_HTTP", "http://localhost:8123"),
		CHDatabase:     mustEnv("CH_DATABASE", "backtest"),
		CHUser:         mustEnv("CH_USER", "default"),
		CHPassword:     mustEnv("CH_PASSWORD", ""),
		PostgresDSN:    mustEnv("POSTGRES_DSN", ""),
		EventsURL:      mustEnv("CH_EVENTS_URL", ""),
		QueueSize:      queue,
		LogLevel:       mustEnv("LOG_LEVEL", "info"),
	}, nil
}

// ClickHouseOptions returns the native-protocol connection settings.
func (e Env) ClickHouseOptions() clickhouse.Options {
	return clickhouse.Options{
		Addr:     e.ClickHouseAddr,
		Database: e.CHDatabase,
		Username: e.CHUser,
		Password: e.CHPassword,
	}
}

// RunFile describes one backtest run.
type RunFile struct {
	RunID                string              `yaml:"run_id" json:"run_id,omitempty"`
	StartingCapital      decimal.Decimal     `yaml:"starting_capital" json:"starting_capital"`
	DefaultSlippageTicks int64               `yaml:"default_slippage_ticks" json:"default_slippage_ticks"`
	SlippageTicks        map[string]int64    `yaml:"slippage_ticks" json:"slippage_ticks,omitempty"`
	Instruments          []engine.Instrument `yaml:"instruments" json:"instruments"`
	Data                 DataSource          `yaml:"data" json:"data"`
	// Start and Step position the index before the first step. Zero Start
	// begins at the first timestamp.
	Start      time.Time      `yaml:"start" json:"start,omitempty"`
	Step       time.Duration  `yaml:"step" json:"step,omitempty"`
	Strategies []StrategySpec `yaml:"strategies" json:"strategies,omitempty"`
}

// DataSource lists where market data comes from. Sources are merged; a
// symbol may only come from one of them.
type DataSource struct {
	CSV        []string               `yaml:"csv" json:"csv,omitempty"`
	Arrow      []string               `yaml:"arrow" json:"arrow,omitempty"`
	ClickHouse *ClickHouseSource      `yaml:"clickhouse" json:"clickhouse,omitempty"`
	Synthetic  []marketdata.Synthetic `yaml:"synthetic" json:"synthetic,omitempty"`
}

type ClickHouseSource struct {
	Symbols []string  `yaml:"symbols" json:"symbols"`
	Start   time.Time `yaml:"start" json:"start"`
	End     time.Time `yaml:"end" json:"end"`
}

func (d DataSource) empty() bool {
	return len(d.CSV) == 0 && len(d.Arrow) == 0 && d.ClickHouse == nil && len(d.Synthetic) == 0
}

// StrategySpec names a built-in strategy and its parameters.
type StrategySpec struct {
	ID     string            `yaml:"id" json:"id"`
	Kind   string            `yaml:"kind" json:"kind"`
	Symbol string            `yaml:"symbol" json:"symbol"`
	Params map[string]string `yaml:"params" json:"params,omitempty"`
}

// ParseRunFile decodes and validates a YAML run file. Unknown keys are
// rejected.
func ParseRunFile(b []byte) (RunFile, error) {
	var rf RunFile
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil {
		return RunFile{}, fmt.Errorf("failed to unmarshal run file: %w", err)
	}
	return rf, rf.Validate()
}

// LoadRunFile reads a run file from disk.
func LoadRunFile(path string) (RunFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RunFile{}, fmt.Errorf("failed to read run file: %w", err)
	}
	return ParseRunFile(b)
}

func (rf RunFile) Validate() error {
	switch {
	case len(rf.Instruments) == 0:
		return fmt.Errorf("%w: no instruments", engine.ErrInvalidConfig)
	case rf.StartingCapital.IsNegative():
		return fmt.Errorf("%w: negative starting capital", engine.ErrInvalidConfig)
	case rf.DefaultSlippageTicks < 0:
		return fmt.Errorf("%w: negative default slippage", engine.ErrInvalidConfig)
	case rf.Data.empty():
		return fmt.Errorf("%w: no data source", engine.ErrInvalidConfig)
	case rf.Step < 0:
		return fmt.Errorf("%w: negative step", engine.ErrInvalidConfig)
	}
	seen := make(map[string]bool)
	for _, s := range rf.Strategies {
		if s.ID == "" || s.Kind == "" {
			return fmt.Errorf("%w: strategy needs id and kind", engine.ErrInvalidConfig)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate strategy %s", engine.ErrInvalidConfig, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// LoadData gathers market data from every configured source.
func (rf RunFile) LoadData(ctx context.Context, env Env, logger *zap.Logger) (engine.MarketData, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make(engine.MarketData)
	merge := func(src string, data engine.MarketData) error {
		for sym, sd := range data {
			if _, dup := out[sym]; dup {
				return fmt.Errorf("%w: symbol %s loaded twice (%s)", engine.ErrInvalidConfig, sym, src)
			}
			out[sym] = sd
		}
		logger.Info("Loaded market data", zap.String("source", src), zap.Int("symbols", len(data)))
		return nil
	}

	for _, path := range rf.Data.CSV {
		data, err := marketdata.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("csv %s: %w", path, err)
		}
		if err := merge(path, data); err != nil {
			return nil, err
		}
	}
	if len(rf.Data.Arrow) > 0 {
		p := arrowpipeline.NewPipeline(arrowpipeline.Config{}, logger)
		for _, path := range rf.Data.Arrow {
			f, err := os.Open(path)
			if err != nil {
				return nil, fmt.Errorf("arrow %s: %w", path, err)
			}
			data, err := p.ReadMarketData(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("arrow %s: %w", path, err)
			}
			if err := merge(path, data); err != nil {
				return nil, err
			}
		}
	}
	if len(rf.Data.Synthetic) > 0 {
		data, err := marketdata.GenerateAll(rf.Data.Synthetic...)
		if err != nil {
			return nil, err
		}
		if err := merge("synthetic", data); err != nil {
			return nil, err
		}
	}
	if src := rf.Data.ClickHouse; src != nil {
		client, err := clickhouse.Open(ctx, env.ClickHouseOptions())
		if err != nil {
			return nil, err
		}
		defer client.Close()
		data, err := client.LoadMarketData(ctx, src.Symbols, src.Start, src.End)
		if err != nil {
			return nil, err
		}
		if err := merge("clickhouse", data); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EngineConfig assembles the engine configuration for loaded data.
func (rf RunFile) EngineConfig(data engine.MarketData, logger *zap.Logger) engine.Config {
	return engine.Config{
		Instruments:          rf.Instruments,
		Data:                 data,
		StartingCapital:      rf.StartingCapital,
		SlippageTicks:        rf.SlippageTicks,
		DefaultSlippageTicks: rf.DefaultSlippageTicks,
		RunID:                rf.RunID,
		Logger:               logger,
	}
}

// NewLogger builds the process logger at the given level. "dev" selects the
// development encoder.
func NewLogger(level string) (*zap.Logger, error) {
	if strings.EqualFold(level, "dev") {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	cfg.Level = lvl
	return cfg.Build()
}
