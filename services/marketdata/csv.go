// Package marketdata loads and generates bid/ask series for the engine.
package marketdata

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"backtest-exec/services/engine"
)

// QuoteRow is one CSV line. Either the four OHLC columns or a single price
// column (tick data) must be present.
type QuoteRow struct {
	Symbol    string `csv:"symbol"`
	Side      string `csv:"side"`
	Timestamp string `csv:"timestamp"`
	Open      string `csv:"open"`
	High      string `csv:"high"`
	Low       string `csv:"low"`
	Close     string `csv:"close"`
	Price     string `csv:"price,omitempty"`
}

// DecodeReader returns r as UTF-8. UTF-16 input (as exported by some
// terminals) is detected by its BOM; a UTF-8 BOM is dropped.
func DecodeReader(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	b, _ := br.Peek(3)
	switch {
	case len(b) >= 2 && ((b[0] == 0xFF && b[1] == 0xFE) || (b[0] == 0xFE && b[1] == 0xFF)):
		return transform.NewReader(br, unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder())
	case len(b) == 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF:
		_, _ = br.Discard(3)
	}
	return br
}

// ReadQuotes parses a quotes CSV into per-symbol bid/ask series. Rows may
// come in any order.
func ReadQuotes(r io.Reader) (engine.MarketData, error) {
	var rows []QuoteRow
	if err := gocsv.Unmarshal(DecodeReader(r), &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal CSV: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no quote rows")
	}

	type sides struct{ bid, ask []engine.Bar }
	collected := make(map[string]*sides)
	for i, row := range rows {
		bar, err := row.bar()
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		symbol := strings.ToUpper(strings.TrimSpace(row.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("row %d: missing symbol", i+2)
		}
		s := collected[symbol]
		if s == nil {
			s = &sides{}
			collected[symbol] = s
		}
		switch strings.ToLower(strings.TrimSpace(row.Side)) {
		case "bid":
			s.bid = append(s.bid, bar)
		case "ask":
			s.ask = append(s.ask, bar)
		default:
			return nil, fmt.Errorf("row %d: side must be bid or ask, got %q", i+2, row.Side)
		}
	}

	data := make(engine.MarketData, len(collected))
	for symbol, s := range collected {
		sd, err := engine.NewSymbolData(s.bid, s.ask)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", symbol, err)
		}
		data[symbol] = sd
	}
	return data, nil
}

// LoadFile reads a quotes CSV from disk.
func LoadFile(path string) (engine.MarketData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return ReadQuotes(f)
}

func (row QuoteRow) bar() (engine.Bar, error) {
	ts, err := ParseTimestamp(row.Timestamp)
	if err != nil {
		return engine.Bar{}, err
	}
	if strings.TrimSpace(row.Open) == "" && strings.TrimSpace(row.Price) != "" {
		p, err := parseDecimal(row.Price)
		if err != nil {
			return engine.Bar{}, err
		}
		return engine.TickBar(ts, p), nil
	}
	var px [4]decimal.Decimal
	for i, s := range []string{row.Open, row.High, row.Low, row.Close} {
		if px[i], err = parseDecimal(s); err != nil {
			return engine.Bar{}, err
		}
	}
	return engine.Bar{Timestamp: ts, Open: px[0], High: px[1], Low: px[2], Close: px[3]}, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(strings.Trim(s, `"`)))
}

var layouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02"}

// ParseTimestamp accepts epoch milliseconds or one of the common text
// layouts, always in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "\ufeff"))
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// WriteQuotes writes data in the format ReadQuotes reads, symbols sorted,
// bid rows before ask rows.
func WriteQuotes(w io.Writer, data engine.MarketData) error {
	symbols := make([]string, 0, len(data))
	for s := range data {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var rows []*QuoteRow
	for _, s := range symbols {
		for _, side := range []struct {
			name   string
			series engine.Series
		}{{"bid", data[s].Bid}, {"ask", data[s].Ask}} {
			for _, b := range side.series.Bars() {
				rows = append(rows, &QuoteRow{
					Symbol:    s,
					Side:      side.name,
					Timestamp: b.Timestamp.Format(time.RFC3339),
					Open:      b.Open.String(),
					High:      b.High.String(),
					Low:       b.Low.String(),
					Close:     b.Close.String(),
				})
			}
		}
	}
	return gocsv.Marshal(&rows, w)
}
