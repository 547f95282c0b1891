// Command replay runs backtests from YAML run files and manages the market
// data they read.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"backtest-exec/services/arrowpipeline"
	"backtest-exec/services/clickhouse"
	"backtest-exec/services/config"
	"backtest-exec/services/engine"
	"backtest-exec/services/marketdata"
	"backtest-exec/services/report"
	"backtest-exec/strategies"
)

type runOptions struct {
	RunFile     string
	EventsArrow string
	Export      bool
	Orders      bool
	JSON        bool
	Trace       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile, logLevel string
	var env config.Env
	var logger *zap.Logger

	root := &cobra.Command{
		Use:           "replay",
		Short:         "Deterministic bid/ask backtests",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var files []string
			if envFile != "" {
				files = append(files, envFile)
			}
			var err error
			if env, err = config.LoadEnv(files...); err != nil {
				return err
			}
			if logLevel == "" {
				logLevel = env.LogLevel
			}
			logger, err = config.NewLogger(logLevel)
			return err
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env", "", "env file to load (default .env when present)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn, error or dev")

	root.AddCommand(
		newRunCmd(&env, &logger),
		newGenerateCmd(),
		newConvertCmd(&logger),
		newResampleCmd(&logger),
		newIngestCmd(&env, &logger),
	)
	return root
}

func newRunCmd(env *config.Env, logger **zap.Logger) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay a run file and print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := runReplay(cmd.Context(), opts, *env, *logger, cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().StringVarP(&opts.RunFile, "config", "c", "run.yaml", "YAML run file")
	cmd.Flags().StringVar(&opts.EventsArrow, "events-arrow", "", "write the event stream as Arrow IPC to this file")
	cmd.Flags().BoolVar(&opts.Export, "export", false, "insert events into ClickHouse (CH_EVENTS_URL)")
	cmd.Flags().BoolVar(&opts.Orders, "orders", false, "print the order table")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print the summary as JSON instead of tables")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "log every event")
	return cmd
}

func runReplay(ctx context.Context, opts runOptions, env config.Env, logger *zap.Logger, out io.Writer) (*engine.Result, error) {
	rf, err := config.LoadRunFile(opts.RunFile)
	if err != nil {
		return nil, err
	}
	data, err := rf.LoadData(ctx, env, logger)
	if err != nil {
		return nil, err
	}
	e, err := engine.New(rf.EngineConfig(data, logger))
	if err != nil {
		return nil, err
	}

	var closers []func() error
	defer func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("Sink close failed", zap.Error(err))
			}
		}
	}()

	trades := make(map[engine.StrategyID]*strategies.Breakout)
	for _, spec := range rf.Strategies {
		s, err := strategies.Build(spec.Kind, engine.StrategyID(spec.ID), spec.Symbol, spec.Params, e.Catalog())
		if err != nil {
			return nil, err
		}
		if err := e.RegisterStrategy(s); err != nil {
			return nil, err
		}
		if b, ok := s.(*strategies.Breakout); ok {
			trades[b.ID()] = b
		}
	}

	bus := engine.NewBusSink(EventBus.New())
	fills := 0
	if err := bus.Bus().Subscribe(engine.KindTopic(engine.EventFilled), func(engine.Event) { fills++ }); err != nil {
		return nil, err
	}
	e.AddSink(bus)
	forensics := engine.NewForensicsSink()
	e.AddSink(forensics)
	if opts.Trace {
		e.AddSink(engine.NewLogSink(logger))
	}
	if opts.EventsArrow != "" {
		f, err := os.Create(opts.EventsArrow)
		if err != nil {
			return nil, err
		}
		sink := arrowpipeline.NewPipeline(arrowpipeline.Config{}, logger).NewEventSink(f)
		e.AddSink(sink)
		closers = append(closers, sink.Close, f.Close)
	}
	if opts.Export {
		if env.EventsURL == "" {
			return nil, fmt.Errorf("--export needs CH_EVENTS_URL")
		}
		sink := clickhouse.NewEventSink(env.EventsURL, e.RunID(), 1000,
			clickhouse.WithCredentials(env.CHUser, env.CHPassword),
			clickhouse.WithDatabase(env.CHDatabase),
			clickhouse.WithLogger(logger),
		)
		e.AddSink(sink)
		closers = append(closers, sink.Close)
	}

	if !rf.Start.IsZero() {
		step := rf.Step
		if step == 0 {
			step = e.Index().Step()
		}
		if err := e.SetInitialIteration(rf.Start, step); err != nil {
			return nil, err
		}
	}
	res, err := e.Replay(ctx)
	if err != nil {
		return res, err
	}
	logger.Info("Replay finished",
		zap.String("run_id", res.RunID),
		zap.Int("steps", res.Steps),
		zap.Int("fills", fills),
		zap.Duration("elapsed", res.Elapsed),
	)

	sum, err := report.Summarize(res)
	if err != nil {
		return res, err
	}
	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return res, enc.Encode(sum)
	}
	sum.Render(out)
	report.RenderPositions(out, res.Positions)
	if opts.Orders {
		report.RenderOrders(out, res.Orders)
	}
	for _, t := range forensics.Slowest(3) {
		fmt.Fprintf(out, "slowest %s %s %s %s\n", t.OrderID, t.Symbol, t.Final, t.Duration())
	}
	ids := make([]string, 0, len(trades))
	for id := range trades {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(out, "%s: %d round trips\n", id, len(trades[engine.StrategyID(id)].Trades()))
	}
	return res, nil
}

func newGenerateCmd() *cobra.Command {
	var (
		s     marketdata.Synthetic
		start string
		price string
		tick  string
		outTo string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a synthetic bid/ask random walk as CSV or Arrow",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if s.Start, err = marketdata.ParseTimestamp(start); err != nil {
				return err
			}
			if s.StartPrice, err = decimal.NewFromString(price); err != nil {
				return fmt.Errorf("start price: %w", err)
			}
			if s.TickSize, err = decimal.NewFromString(tick); err != nil {
				return fmt.Errorf("tick: %w", err)
			}
			data, err := marketdata.GenerateAll(s)
			if err != nil {
				return err
			}
			return writeData(outTo, data, zap.NewNop())
		},
	}
	cmd.Flags().StringVar(&s.Symbol, "symbol", "USDJPY", "symbol")
	cmd.Flags().StringVar(&start, "start", "2013-01-01", "first bar time")
	cmd.Flags().IntVar(&s.Bars, "bars", 1440, "number of bars")
	cmd.Flags().DurationVar(&s.Interval, "interval", time.Minute, "bar interval")
	cmd.Flags().StringVar(&price, "price", "86.700", "start price")
	cmd.Flags().StringVar(&tick, "tick", "0.001", "tick size")
	cmd.Flags().Int64Var(&s.SpreadTicks, "spread", 10, "spread in ticks")
	cmd.Flags().Int64Var(&s.VolTicks, "vol", 5, "max move per bar in ticks")
	cmd.Flags().Int64Var(&s.Seed, "seed", 1, "random seed")
	cmd.Flags().StringVarP(&outTo, "out", "o", "quotes.csv", "output file (.csv or .arrow)")
	return cmd
}

func newConvertCmd(logger **zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "convert <in> <out>",
		Short: "Convert quotes between CSV and Arrow IPC",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			data, err := readData(args[0], *logger)
			if err != nil {
				return err
			}
			return writeData(args[1], data, *logger)
		},
	}
}

func newResampleCmd(logger **zap.Logger) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "resample <in> <out>",
		Short: "Aggregate quotes into coarser epoch-aligned bars",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			data, err := readData(args[0], *logger)
			if err != nil {
				return err
			}
			if data, err = marketdata.Resample(data, interval); err != nil {
				return err
			}
			(*logger).Info("resampled", zap.Int("symbols", len(data)), zap.Duration("interval", interval))
			return writeData(args[1], data, *logger)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Minute, "target bar interval")
	return cmd
}

func newIngestCmd(env *config.Env, logger **zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Load CSV or Arrow quotes into ClickHouse",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := clickhouse.Open(ctx, env.ClickHouseOptions())
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.EnsureSchema(ctx); err != nil {
				return err
			}
			for _, path := range args {
				data, err := readData(path, *logger)
				if err != nil {
					return err
				}
				for sym, sd := range data {
					for side, series := range map[string]engine.Series{"bid": sd.Bid, "ask": sd.Ask} {
						n, err := client.InsertBars(ctx, sym, side, series.Bars())
						if err != nil {
							return fmt.Errorf("%s %s %s: %w", path, sym, side, err)
						}
						(*logger).Info("Ingested", zap.String("symbol", sym), zap.String("side", side), zap.Int("bars", n))
					}
				}
			}
			return nil
		},
	}
}

func isArrow(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".arrow", ".ipc", ".arrows":
		return true
	}
	return false
}

func readData(path string, logger *zap.Logger) (engine.MarketData, error) {
	if !isArrow(path) {
		return marketdata.LoadFile(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return arrowpipeline.NewPipeline(arrowpipeline.Config{}, logger).ReadMarketData(f)
}

func writeData(path string, data engine.MarketData, logger *zap.Logger) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if isArrow(path) {
		err = arrowpipeline.NewPipeline(arrowpipeline.Config{}, logger).WriteMarketData(f, data)
	} else {
		err = marketdata.WriteQuotes(f, data)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
