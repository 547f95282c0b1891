// Package arrowpipeline moves bid/ask series and engine events through
// Apache Arrow IPC streams.
package arrowpipeline

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"backtest-exec/services/engine"
)

// Config holds Arrow pipeline configuration
type Config struct {
	BatchSize int `yaml:"batch_size"`
}

// Prices travel as decimal strings so that no precision is lost.
var barSchema = arrow.NewSchema([]arrow.Field{
	{Name: "symbol", Type: arrow.BinaryTypes.String},
	{Name: "side", Type: arrow.BinaryTypes.String},
	{Name: "ts_ns", Type: arrow.PrimitiveTypes.Int64},
	{Name: "open", Type: arrow.BinaryTypes.String},
	{Name: "high", Type: arrow.BinaryTypes.String},
	{Name: "low", Type: arrow.BinaryTypes.String},
	{Name: "close", Type: arrow.BinaryTypes.String},
}, nil)

// Pipeline handles Arrow IPC encoding
type Pipeline struct {
	config     Config
	memoryPool memory.Allocator
	logger     *zap.Logger
}

func NewPipeline(config Config, logger *zap.Logger) *Pipeline {
	if config.BatchSize <= 0 {
		config.BatchSize = 4096
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		config:     config,
		memoryPool: memory.NewGoAllocator(),
		logger:     logger,
	}
}

type barRow struct {
	symbol, side string
	bar          engine.Bar
}

// WriteMarketData streams every bar of data, symbols in sorted order, bid
// before ask, in record batches of at most BatchSize rows.
func (p *Pipeline) WriteMarketData(w io.Writer, data engine.MarketData) error {
	symbols := make([]string, 0, len(data))
	for s := range data {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	writer := ipc.NewWriter(w, ipc.WithSchema(barSchema), ipc.WithAllocator(p.memoryPool))
	builder := array.NewRecordBuilder(p.memoryPool, barSchema)
	defer builder.Release()

	rows := 0
	flush := func() error {
		if rows == 0 {
			return nil
		}
		record := builder.NewRecord()
		defer record.Release()
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write Arrow record: %w", err)
		}
		rows = 0
		return nil
	}

	for _, s := range symbols {
		for _, side := range []struct {
			name   string
			series engine.Series
		}{{"bid", data[s].Bid}, {"ask", data[s].Ask}} {
			for _, b := range side.series.Bars() {
				appendBar(builder, barRow{symbol: s, side: side.name, bar: b})
				rows++
				if rows >= p.config.BatchSize {
					if err := flush(); err != nil {
						writer.Close()
						return err
					}
				}
			}
		}
	}
	if err := flush(); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}

func appendBar(b *array.RecordBuilder, r barRow) {
	b.Field(0).(*array.StringBuilder).Append(r.symbol)
	b.Field(1).(*array.StringBuilder).Append(r.side)
	b.Field(2).(*array.Int64Builder).Append(r.bar.Timestamp.UnixNano())
	b.Field(3).(*array.StringBuilder).Append(r.bar.Open.String())
	b.Field(4).(*array.StringBuilder).Append(r.bar.High.String())
	b.Field(5).(*array.StringBuilder).Append(r.bar.Low.String())
	b.Field(6).(*array.StringBuilder).Append(r.bar.Close.String())
}

// EncodeMarketData is WriteMarketData into a byte slice.
func (p *Pipeline) EncodeMarketData(data engine.MarketData) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.WriteMarketData(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadMarketData decodes a stream written by WriteMarketData.
func (p *Pipeline) ReadMarketData(r io.Reader) (engine.MarketData, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(p.memoryPool), ipc.WithSchema(barSchema))
	if err != nil {
		return nil, fmt.Errorf("open Arrow stream: %w", err)
	}
	defer rdr.Release()

	type sides struct{ bid, ask []engine.Bar }
	collected := make(map[string]*sides)
	for rdr.Next() {
		rec := rdr.Record()
		symbol := rec.Column(0).(*array.String)
		side := rec.Column(1).(*array.String)
		ts := rec.Column(2).(*array.Int64)
		cols := [4]*array.String{
			rec.Column(3).(*array.String),
			rec.Column(4).(*array.String),
			rec.Column(5).(*array.String),
			rec.Column(6).(*array.String),
		}
		for i := 0; i < int(rec.NumRows()); i++ {
			var px [4]decimal.Decimal
			for j, c := range cols {
				v, err := decimal.NewFromString(c.Value(i))
				if err != nil {
					return nil, fmt.Errorf("row %d: %w", i, err)
				}
				px[j] = v
			}
			bar := engine.Bar{
				Timestamp: time.Unix(0, ts.Value(i)).UTC(),
				Open:      px[0], High: px[1], Low: px[2], Close: px[3],
			}
			s := collected[symbol.Value(i)]
			if s == nil {
				s = &sides{}
				collected[symbol.Value(i)] = s
			}
			switch side.Value(i) {
			case "bid":
				s.bid = append(s.bid, bar)
			case "ask":
				s.ask = append(s.ask, bar)
			default:
				return nil, fmt.Errorf("row %d: unknown side %q", i, side.Value(i))
			}
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("read Arrow stream: %w", err)
	}

	data := make(engine.MarketData, len(collected))
	for symbol, s := range collected {
		sd, err := engine.NewSymbolData(s.bid, s.ask)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", symbol, err)
		}
		data[symbol] = sd
	}
	p.logger.Debug("decoded Arrow market data", zap.Int("symbols", len(data)))
	return data, nil
}

// DecodeMarketData is ReadMarketData over a byte slice.
func (p *Pipeline) DecodeMarketData(b []byte) (engine.MarketData, error) {
	return p.ReadMarketData(bytes.NewReader(b))
}

var eventSchema = arrow.NewSchema([]arrow.Field{
	{Name: "seq", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "event_id", Type: arrow.BinaryTypes.String},
	{Name: "kind", Type: arrow.BinaryTypes.String},
	{Name: "ts_ns", Type: arrow.PrimitiveTypes.Int64},
	{Name: "order_id", Type: arrow.BinaryTypes.String},
	{Name: "strategy_id", Type: arrow.BinaryTypes.String},
	{Name: "symbol", Type: arrow.BinaryTypes.String},
	{Name: "side", Type: arrow.BinaryTypes.String},
	{Name: "price", Type: arrow.BinaryTypes.String},
	{Name: "quantity", Type: arrow.BinaryTypes.String},
	{Name: "reason", Type: arrow.BinaryTypes.String},
	{Name: "cash", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

// EventSink writes engine events as Arrow record batches. Close must be
// called to flush the last batch and end the stream.
type EventSink struct {
	mu      sync.Mutex
	writer  *ipc.Writer
	builder *array.RecordBuilder
	batch   int
	rows    int
	written int
	err     error
}

func (p *Pipeline) NewEventSink(w io.Writer) *EventSink {
	return &EventSink{
		writer:  ipc.NewWriter(w, ipc.WithSchema(eventSchema), ipc.WithAllocator(p.memoryPool)),
		builder: array.NewRecordBuilder(p.memoryPool, eventSchema),
		batch:   p.config.BatchSize,
	}
}

func (s *EventSink) Record(e engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	b := s.builder
	b.Field(0).(*array.Uint64Builder).Append(e.Seq)
	b.Field(1).(*array.StringBuilder).Append(e.ID.String())
	b.Field(2).(*array.StringBuilder).Append(string(e.Kind))
	b.Field(3).(*array.Int64Builder).Append(e.Timestamp.UnixNano())
	b.Field(4).(*array.StringBuilder).Append(string(e.OrderID))
	b.Field(5).(*array.StringBuilder).Append(string(e.StrategyID))
	b.Field(6).(*array.StringBuilder).Append(e.Symbol)
	b.Field(7).(*array.StringBuilder).Append(string(e.Side))
	b.Field(8).(*array.StringBuilder).Append(e.Price.String())
	b.Field(9).(*array.StringBuilder).Append(e.Quantity.String())
	b.Field(10).(*array.StringBuilder).Append(string(e.Reason))
	if e.Account != nil {
		b.Field(11).(*array.StringBuilder).Append(e.Account.CashBalance.String())
	} else {
		b.Field(11).AppendNull()
	}
	s.rows++
	if s.rows >= s.batch {
		s.err = s.flushLocked()
	}
}

func (s *EventSink) flushLocked() error {
	if s.rows == 0 {
		return nil
	}
	record := s.builder.NewRecord()
	defer record.Release()
	if err := s.writer.Write(record); err != nil {
		return fmt.Errorf("failed to write Arrow record: %w", err)
	}
	s.written += s.rows
	s.rows = 0
	return nil
}

// Written is the number of events already flushed.
func (s *EventSink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *EventSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.builder.Release()
	if s.err == nil {
		s.err = s.flushLocked()
	}
	if err := s.writer.Close(); err != nil && s.err == nil {
		s.err = err
	}
	return s.err
}

// EventRow is one decoded event record.
type EventRow struct {
	Seq        uint64
	Kind       engine.EventKind
	Timestamp  time.Time
	OrderID    engine.OrderID
	StrategyID engine.StrategyID
	Price      string
	Quantity   string
	Reason     string
	Cash       string
}

// ReadEvents decodes an event stream written by EventSink.
func (p *Pipeline) ReadEvents(r io.Reader) ([]EventRow, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(p.memoryPool), ipc.WithSchema(eventSchema))
	if err != nil {
		return nil, fmt.Errorf("open Arrow stream: %w", err)
	}
	defer rdr.Release()

	var out []EventRow
	for rdr.Next() {
		rec := rdr.Record()
		str := func(col, i int) string { return rec.Column(col).(*array.String).Value(i) }
		seq := rec.Column(0).(*array.Uint64)
		ts := rec.Column(3).(*array.Int64)
		cash := rec.Column(11).(*array.String)
		for i := 0; i < int(rec.NumRows()); i++ {
			row := EventRow{
				Seq:        seq.Value(i),
				Kind:       engine.EventKind(str(2, i)),
				Timestamp:  time.Unix(0, ts.Value(i)).UTC(),
				OrderID:    engine.OrderID(str(4, i)),
				StrategyID: engine.StrategyID(str(5, i)),
				Price:      str(8, i),
				Quantity:   str(9, i),
				Reason:     str(10, i),
			}
			if cash.IsValid(i) {
				row.Cash = cash.Value(i)
			}
			out = append(out, row)
		}
	}
	return out, rdr.Err()
}
