package clickhouse

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"backtest-exec/services/engine"
)

// EventSink batches engine events into ClickHouse over HTTP, gzip-compressed
// JSONEachRow.
type EventSink struct {
	baseURL    string
	database   string
	runID      string
	username   string
	password   string
	httpClient *http.Client
	logger     *zap.Logger
	batchSize  int

	mu     sync.Mutex
	buffer []EventRow
	err    error
	sent   int
}

type EventRow struct {
	RunID      string `json:"run_id"`
	Seq        uint64 `json:"seq"`
	EventID    string `json:"event_id"`
	Kind       string `json:"kind"`
	TsMs       int64  `json:"ts_ms"`
	OrderID    string `json:"order_id"`
	StrategyID string `json:"strategy_id"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	Commission string `json:"commission"`
	Reason     string `json:"reason"`
	Cash       string `json:"cash"`
	FreeEquity string `json:"free_equity"`
	EventCount int    `json:"event_count"`
}

type SinkOption func(*EventSink)

func WithCredentials(user, password string) SinkOption {
	return func(s *EventSink) { s.username, s.password = user, password }
}

func WithDatabase(db string) SinkOption { return func(s *EventSink) { s.database = db } }

func WithLogger(l *zap.Logger) SinkOption { return func(s *EventSink) { s.logger = l } }

func NewEventSink(baseURL, runID string, batchSize int, opts ...SinkOption) *EventSink {
	if batchSize <= 0 {
		batchSize = 1000
	}
	s := &EventSink{
		baseURL:   baseURL,
		database:  "backtest",
		runID:     runID,
		batchSize: batchSize,
		logger:    zap.NewNop(),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		buffer: make([]EventRow, 0, batchSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func toRow(runID string, e engine.Event) EventRow {
	row := EventRow{
		RunID:      runID,
		Seq:        e.Seq,
		EventID:    e.ID.String(),
		Kind:       string(e.Kind),
		TsMs:       e.Timestamp.UnixMilli(),
		OrderID:    string(e.OrderID),
		StrategyID: string(e.StrategyID),
		Symbol:     e.Symbol,
		Side:       string(e.Side),
		Price:      e.Price.String(),
		Quantity:   e.Quantity.String(),
		Commission: e.Commission.String(),
		Reason:     string(e.Reason),
	}
	if e.Account != nil {
		row.Cash = e.Account.CashBalance.String()
		row.FreeEquity = e.Account.FreeEquity.String()
		row.EventCount = e.Account.EventCount
	}
	return row
}

// Record buffers e and flushes a full batch. The first flush error is kept
// and later reported by Err and Close; events recorded after it are dropped.
func (s *EventSink) Record(e engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.buffer = append(s.buffer, toRow(s.runID, e))
	if len(s.buffer) >= s.batchSize {
		s.err = s.flushLocked(context.Background())
	}
}

func (s *EventSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.err = s.flushLocked(ctx)
	return s.err
}

func (s *EventSink) flushLocked(ctx context.Context) error {
	if len(s.buffer) == 0 {
		return nil
	}

	var buf bytes.Buffer
	gzWriter := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gzWriter)
	for _, row := range s.buffer {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
	}
	if err := gzWriter.Close(); err != nil {
		return fmt.Errorf("gzip error: %w", err)
	}

	query := fmt.Sprintf("INSERT INTO %s.engine_events FORMAT JSONEachRow", s.database)
	settings := "input_format_null_as_default=1"
	target := fmt.Sprintf("%s/?query=%s&%s", s.baseURL, url.QueryEscape(query), settings)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &buf)
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Content-Encoding", "gzip")
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	req.Header.Set("X-ClickHouse-Settings", "insert_deduplicate=1")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("clickhouse error %d: %s", resp.StatusCode, string(body))
	}

	s.sent += len(s.buffer)
	s.logger.Debug("flushed engine events", zap.Int("rows", len(s.buffer)), zap.String("run_id", s.runID))
	s.buffer = s.buffer[:0]
	return nil
}

func (s *EventSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Sent is the number of rows accepted by the server.
func (s *EventSink) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *EventSink) Close() error {
	return s.Flush(context.Background())
}
