package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"backtest-exec/services/engine"
)

type runModel struct {
	ID         string `gorm:"primaryKey;size:64"`
	Status     string `gorm:"size:16;index"`
	Error      string
	RunID      string `gorm:"size:64;index"`
	ConfigHash string `gorm:"size:64"`
	Digest     string `gorm:"size:64"`
	Events     int
	Request    []byte `gorm:"type:jsonb"`
	Result     []byte `gorm:"type:jsonb"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (runModel) TableName() string { return "backtest_runs" }

func toModel(r Run) (runModel, error) {
	m := runModel{
		ID:        r.ID,
		Status:    string(r.Status),
		Error:     r.Error,
		Request:   r.Request,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(m.Request) == 0 {
		m.Request = []byte("null")
	}
	m.Result = []byte("null")
	if r.Result != nil {
		b, err := json.Marshal(r.Result)
		if err != nil {
			return runModel{}, fmt.Errorf("failed to marshal result: %w", err)
		}
		m.Result = b
		m.RunID = r.Result.RunID
		m.ConfigHash = r.Result.Manifest.ConfigSnapshot.ConfigHash
		m.Digest = r.Result.Digest
		m.Events = len(r.Result.Events)
	}
	return m, nil
}

func (m runModel) run() (Run, error) {
	r := Run{
		ID:        m.ID,
		Status:    Status(m.Status),
		Error:     m.Error,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
	if len(m.Request) > 0 && string(m.Request) != "null" {
		r.Request = m.Request
	}
	if len(m.Result) > 0 && string(m.Result) != "null" {
		var res engine.Result
		if err := json.Unmarshal(m.Result, &res); err != nil {
			return Run{}, fmt.Errorf("failed to unmarshal result of %s: %w", m.ID, err)
		}
		r.Result = &res
	}
	return r, nil
}

// Postgres stores runs in the backtest_runs table through gorm.
type Postgres struct {
	db     *gorm.DB
	logger *zap.Logger
}

// OpenPostgres connects and migrates the schema.
func OpenPostgres(dsn string, logger *zap.Logger) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	p := NewPostgres(db, logger)
	if err := p.Migrate(); err != nil {
		return nil, err
	}
	return p, nil
}

func NewPostgres(db *gorm.DB, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{db: db, logger: logger}
}

func (p *Postgres) Migrate() error {
	if err := p.db.AutoMigrate(&runModel{}); err != nil {
		return fmt.Errorf("failed to migrate backtest_runs: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *Postgres) Create(ctx context.Context, run Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	m, err := toModel(run)
	if err != nil {
		return err
	}
	res := p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
	if res.Error != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrExists
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, id string, fn func(*Run)) (Run, error) {
	var out Run
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m runModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		run, err := m.run()
		if err != nil {
			return err
		}
		fn(&run)
		run.ID = id
		run.UpdatedAt = time.Now().UTC()
		next, err := toModel(run)
		if err != nil {
			return err
		}
		if err := tx.Save(&next).Error; err != nil {
			return fmt.Errorf("failed to update run %s: %w", id, err)
		}
		out = run
		return nil
	})
	if err != nil {
		return Run{}, err
	}
	p.logger.Debug("Run updated", zap.String("id", id), zap.String("status", string(out.Status)))
	return out, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (Run, error) {
	var m runModel
	if err := p.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Run{}, ErrNotFound
		}
		return Run{}, err
	}
	return m.run()
}

// List skips the result payloads.
func (p *Postgres) List(ctx context.Context, limit int) ([]Run, error) {
	var ms []runModel
	q := p.db.WithContext(ctx).Omit("result", "request").Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(ms))
	for _, m := range ms {
		r, err := m.run()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
