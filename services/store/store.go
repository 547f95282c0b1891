// Package store persists backtest runs and their results.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"backtest-exec/services/engine"
)

var (
	ErrNotFound = errors.New("run not found")
	ErrExists   = errors.New("run already exists")
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Done() bool { return s == StatusCompleted || s == StatusFailed }

// Run is one submitted backtest. Result is set once the run finishes, and
// may be partial when it failed.
type Run struct {
	ID        string         `json:"id"`
	Status    Status         `json:"status"`
	Error     string         `json:"error,omitempty"`
	Request   []byte         `json:"-"`
	Result    *engine.Result `json:"result,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Store is implemented by the in-memory and postgres backends.
type Store interface {
	Create(ctx context.Context, run Run) error
	// Update loads the run, applies fn and saves it back.
	Update(ctx context.Context, id string, fn func(*Run)) (Run, error)
	Get(ctx context.Context, id string) (Run, error)
	// List returns runs newest first.
	List(ctx context.Context, limit int) ([]Run, error)
}

// Memory keeps runs in a map.
type Memory struct {
	mu   sync.RWMutex
	runs map[string]Run
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{runs: make(map[string]Run), now: time.Now}
}

func (m *Memory) Create(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return ErrExists
	}
	now := m.now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) Update(_ context.Context, id string, fn func(*Run)) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return Run{}, ErrNotFound
	}
	fn(&run)
	run.ID = id
	run.UpdatedAt = m.now().UTC()
	m.runs[id] = run
	return run, nil
}

func (m *Memory) Get(_ context.Context, id string) (Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return Run{}, ErrNotFound
	}
	return run, nil
}

func (m *Memory) List(_ context.Context, limit int) ([]Run, error) {
	m.mu.RLock()
	out := make([]Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
