package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"backtest-exec/services/engine"
)

func sampleResult() *engine.Result {
	return &engine.Result{
		RunID:  "r-1",
		Steps:  10,
		Digest: "abc123",
		Account: engine.AccountState{
			StartingCapital: decimal.NewFromInt(1_000_000),
			CashBalance:     decimal.RequireFromString("1000012.5"),
			EventCount:      4,
		},
		Manifest: engine.RunManifest{RunID: "r-1", ConfigSnapshot: engine.ConfigSnapshot{ConfigHash: "feed"}},
		Events:   []engine.Event{{Seq: 1, Kind: engine.EventAccountState}},
	}
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	id := uuid.NewString()

	require.NoError(t, s.Create(ctx, Run{ID: id, Status: StatusQueued, Request: []byte(`{"k":1}`)}))
	require.ErrorIs(t, s.Create(ctx, Run{ID: id}), ErrExists)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.JSONEq(t, `{"k":1}`, string(got.Request))
	assert.False(t, got.CreatedAt.IsZero())

	updated, err := s.Update(ctx, id, func(r *Run) {
		r.Status = StatusCompleted
		r.Result = sampleResult()
	})
	require.NoError(t, err)
	assert.True(t, updated.Status.Done())

	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.Equal(t, "abc123", got.Result.Digest)
	assert.True(t, got.Result.Account.CashBalance.Equal(decimal.RequireFromString("1000012.5")))

	_, err = s.Get(ctx, "missing-"+id)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Update(ctx, "missing-"+id, func(*Run) {})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemoryListNewestFirst(t *testing.T) {
	m := NewMemory()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Create(context.Background(), Run{ID: fmt.Sprintf("run-%d", i), CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}
	runs, err := m.List(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-4", runs[0].ID)
	assert.Equal(t, "run-2", runs[2].ID)
}

func TestModelRoundTrip(t *testing.T) {
	r := Run{ID: "x", Status: StatusFailed, Error: "boom", Result: sampleResult()}
	m, err := toModel(r)
	require.NoError(t, err)
	assert.Equal(t, "r-1", m.RunID)
	assert.Equal(t, "feed", m.ConfigHash)
	assert.Equal(t, 1, m.Events)

	back, err := m.run()
	require.NoError(t, err)
	assert.Equal(t, "boom", back.Error)
	assert.Nil(t, back.Request)
	assert.Equal(t, r.Result.Digest, back.Result.Digest)
}

func TestPostgresQueries(t *testing.T) {
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=localhost user=backtest dbname=backtest sslmode=disable"}),
		&gorm.Config{DryRun: true, DisableAutomaticPing: true})
	require.NoError(t, err)

	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		var m runModel
		return tx.First(&m, "id = ?", "abc")
	})
	assert.Contains(t, sql, `FROM "backtest_runs"`)
	assert.Contains(t, sql, "'abc'")
}

// TestPostgresStore needs a live database: POSTGRES_DSN=... go test ./services/store
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	p, err := OpenPostgres(dsn, nil)
	require.NoError(t, err)
	defer p.Close()
	exerciseStore(t, p)
}
