package clickhouse

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtest-exec/services/engine"
)

func TestEventSinkFlushesGzipJSONEachRow(t *testing.T) {
	var got []EventRow
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.Query().Get("query"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "backtest", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))

		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		sc := bufio.NewScanner(zr)
		for sc.Scan() {
			var row EventRow
			require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
			got = append(got, row)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewEventSink(srv.URL, "run-1", 2, WithCredentials("backtest", "secret"))
	ts := time.Date(2013, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		sink.Record(engine.Event{
			Seq:       uint64(i),
			ID:        uuid.NewSHA1(uuid.NameSpaceURL, []byte{byte(i)}),
			Kind:      engine.EventSubmitted,
			Timestamp: ts,
			OrderID:   "O-1",
			Quantity:  decimal.NewFromInt(10),
			Price:     engine.MustParsePrice("86.710"),
		})
	}
	assert.Len(t, got, 2)
	assert.Equal(t, 2, sink.Sent())

	require.NoError(t, sink.Close())
	require.Len(t, got, 3)
	assert.Equal(t, "run-1", got[2].RunID)
	assert.Equal(t, uint64(3), got[2].Seq)
	assert.Equal(t, "86.710", got[0].Price)
	assert.Equal(t, ts.UnixMilli(), got[0].TsMs)
	assert.Equal(t, "INSERT INTO backtest.engine_events FORMAT JSONEachRow", queries[0])
}

func TestEventSinkKeepsFirstError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "table missing", http.StatusNotFound)
	}))
	defer srv.Close()

	sink := NewEventSink(srv.URL, "run-1", 1)
	sink.Record(engine.Event{Seq: 1, Kind: engine.EventAccountState, Account: &engine.AccountState{EventCount: 1}})
	sink.Record(engine.Event{Seq: 2, Kind: engine.EventAccountState})

	require.ErrorContains(t, sink.Err(), "table missing")
	require.Error(t, sink.Flush(context.Background()))
	assert.Equal(t, 1, calls)
}
