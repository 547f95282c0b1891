package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRows struct {
	rows [][]any
	pos  int
}

func (r *fakeRows) Next() bool   { r.pos++; return r.pos <= len(r.rows) }
func (r *fakeRows) Err() error   { return nil }
func (r *fakeRows) Close() error { return nil }
func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: %d columns into %d", len(row), len(dest))
	}
	for i, v := range row {
		switch p := dest[i].(type) {
		case *uint64:
			*p = v.(uint64)
		case *string:
			*p = v.(string)
		default:
			return fmt.Errorf("unsupported dest %T", dest[i])
		}
	}
	return nil
}

type fakeQuerier struct {
	bySide map[string][][]any
	args   [][]any
	err    error
}

func (q *fakeQuerier) Query(_ context.Context, _ string, args ...any) (Rows, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.args = append(q.args, args)
	return &fakeRows{rows: q.bySide[args[1].(string)]}, nil
}

func TestLoadMarketData(t *testing.T) {
	t0 := time.Date(2013, 1, 2, 0, 0, 0, 0, time.UTC)
	ms := uint64(t0.UnixMilli())
	q := &fakeQuerier{bySide: map[string][][]any{
		"bid": {{ms, "86.700", "86.720", "86.690", "86.710"}, {ms + 60000, "86.710", "86.710", "86.700", "86.700"}},
		"ask": {{ms, "86.710", "86.730", "86.700", "86.720"}},
	}}
	c := NewWithQuerier(q, "backtest.quotes")

	data, err := c.LoadMarketData(context.Background(), []string{"USDJPY"}, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	sd := data["USDJPY"]
	require.Equal(t, 2, sd.Bid.Len())
	require.Equal(t, 1, sd.Ask.Len())
	bar := sd.Bid.Bars()[0]
	assert.True(t, bar.Timestamp.Equal(t0))
	assert.Equal(t, "86.72", bar.High.String())

	require.Len(t, q.args, 2)
	assert.Equal(t, []any{"USDJPY", "bid", ms, ms + 3600000}, q.args[0])
}

func TestLoadBarsErrors(t *testing.T) {
	c := NewWithQuerier(&fakeQuerier{err: errors.New("down")}, "t")
	_, err := c.LoadBars(context.Background(), "USDJPY", "bid", time.Now(), time.Now())
	require.ErrorContains(t, err, "down")

	c = NewWithQuerier(&fakeQuerier{bySide: map[string][][]any{"bid": {{uint64(1), "x", "1", "1", "1"}}}}, "t")
	_, err = c.LoadBars(context.Background(), "USDJPY", "bid", time.Now(), time.Now())
	require.Error(t, err)
}

func TestDSNHost(t *testing.T) {
	assert.Equal(t, "ch:9000", dsnHost("clickhouse://default:@ch:9000?secure=false"))
	assert.Equal(t, "ch:9000", dsnHost("clickhouse://ch:9000/backtest"))
	assert.Equal(t, "localhost:9001", dsnHost("localhost:9001"))
	assert.Equal(t, "localhost:9000", dsnHost(""))
}
