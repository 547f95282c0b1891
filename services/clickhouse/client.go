package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/shopspring/decimal"

	"backtest-exec/services/engine"
)

type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Rows is the subset of driver rows the loader reads.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

type Querier interface {
	Query(ctx context.Context, query string, args ...any) (Rows, error)
}

// Client reads bid/ask bars from ClickHouse and writes them back for seeding.
type Client struct {
	conn  clickhouse.Conn
	q     Querier
	opts  Options
	table string
}

type connQuerier struct{ conn clickhouse.Conn }

func (c connQuerier) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

// Open connects and pings the server.
func Open(ctx context.Context, opts Options) (*Client, error) {
	if opts.Database == "" {
		opts.Database = "backtest"
	}
	if opts.Table == "" {
		opts.Table = "quotes"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{dsnHost(opts.Addr)},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": uint64(0),
		},
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	c := &Client{conn: conn, q: connQuerier{conn}, opts: opts, table: opts.Database + "." + opts.Table}
	return c, nil
}

// NewWithQuerier builds a read-only client over q.
func NewWithQuerier(q Querier, table string) *Client {
	return &Client{q: q, table: table}
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// dsnHost extracts host:port from a DSN-like URL; a bare host:port is
// returned as is.
func dsnHost(dsn string) string {
	host := dsn
	if i := strings.Index(dsn, "@"); i != -1 {
		host = dsn[i+1:]
	} else if i := strings.Index(dsn, "://"); i != -1 {
		host = dsn[i+3:]
	}
	if j := strings.IndexAny(host, "/?"); j != -1 {
		host = host[:j]
	}
	if host == "" {
		return "localhost:9000"
	}
	return host
}

// EnsureSchema creates the database, the quotes table and the event table.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if c.conn == nil {
		return fmt.Errorf("clickhouse: schema needs a live connection")
	}
	if err := c.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", c.opts.Database)); err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	quotesDDL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			symbol LowCardinality(String),
			side Enum8('bid' = 1, 'ask' = 2),
			ts_ms UInt64,
			open String,
			high String,
			low String,
			close String,
			version UInt64
		)
		ENGINE = ReplacingMergeTree(version)
		ORDER BY (symbol, side, ts_ms)
	`, c.table)
	if err := c.conn.Exec(ctx, quotesDDL); err != nil {
		return fmt.Errorf("create quotes table: %w", err)
	}
	eventsDDL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.engine_events (
			run_id String,
			seq UInt64,
			event_id String,
			kind LowCardinality(String),
			ts_ms UInt64,
			order_id String,
			strategy_id String,
			symbol String,
			side String,
			price String,
			quantity String,
			commission String,
			reason String,
			cash String,
			free_equity String,
			event_count UInt32
		)
		ENGINE = ReplacingMergeTree
		ORDER BY (run_id, seq)
	`, c.opts.Database)
	return c.conn.Exec(ctx, eventsDDL)
}

// LoadBars reads one side of a symbol between start and end inclusive.
func (c *Client) LoadBars(ctx context.Context, symbol, side string, start, end time.Time) ([]engine.Bar, error) {
	q := fmt.Sprintf(`
SELECT ts_ms, open, high, low, close
FROM %s FINAL
WHERE symbol = ? AND side = ? AND ts_ms BETWEEN ? AND ?
ORDER BY ts_ms`, c.table)
	rows, err := c.q.Query(ctx, q, symbol, side, uint64(start.UnixMilli()), uint64(end.UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("query %s %s: %w", symbol, side, err)
	}
	defer rows.Close()

	var out []engine.Bar
	for rows.Next() {
		var (
			ts         uint64
			o, h, l, v string
		)
		if err := rows.Scan(&ts, &o, &h, &l, &v); err != nil {
			return nil, fmt.Errorf("scan %s %s: %w", symbol, side, err)
		}
		bar, err := parseBar(ts, o, h, l, v)
		if err != nil {
			return nil, fmt.Errorf("%s %s at %d: %w", symbol, side, ts, err)
		}
		out = append(out, bar)
	}
	return out, rows.Err()
}

// LoadMarketData loads the bid and ask series of every symbol.
func (c *Client) LoadMarketData(ctx context.Context, symbols []string, start, end time.Time) (engine.MarketData, error) {
	data := make(engine.MarketData, len(symbols))
	for _, s := range symbols {
		bid, err := c.LoadBars(ctx, s, "bid", start, end)
		if err != nil {
			return nil, err
		}
		ask, err := c.LoadBars(ctx, s, "ask", start, end)
		if err != nil {
			return nil, err
		}
		sd, err := engine.NewSymbolData(bid, ask)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s, err)
		}
		data[s] = sd
	}
	return data, nil
}

// InsertBars writes one side of a symbol with a single batch.
func (c *Client) InsertBars(ctx context.Context, symbol, side string, bars []engine.Bar) (int, error) {
	if c.conn == nil {
		return 0, fmt.Errorf("clickhouse: insert needs a live connection")
	}
	if len(bars) == 0 {
		return 0, nil
	}
	batch, err := c.conn.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO %s SETTINGS insert_deduplicate=1`, c.table))
	if err != nil {
		return 0, fmt.Errorf("prepare batch: %w", err)
	}
	ver := uint64(time.Now().UnixNano())
	for _, b := range bars {
		if err := batch.Append(
			symbol, side,
			uint64(b.Timestamp.UnixMilli()),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(),
			ver,
		); err != nil {
			return 0, fmt.Errorf("batch append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("batch send: %w", err)
	}
	return len(bars), nil
}

func parseBar(ts uint64, o, h, l, c string) (engine.Bar, error) {
	var vals [4]decimal.Decimal
	for i, s := range []string{o, h, l, c} {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return engine.Bar{}, err
		}
		vals[i] = v
	}
	return engine.Bar{
		Timestamp: time.UnixMilli(int64(ts)).UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
	}, nil
}
