package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Result is the outcome of a replay.
type Result struct {
	RunID     string        `json:"run_id"`
	Manifest  RunManifest   `json:"manifest"`
	Steps     int           `json:"steps"`
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end"`
	Account   AccountState  `json:"account"`
	Positions []Position    `json:"positions"`
	Orders    []Order       `json:"orders"`
	Events    []Event       `json:"events"`
	Digest    string        `json:"digest"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Replay steps until the data is exhausted or ctx is done. An unpositioned
// engine starts at the index origin. The partial result is returned with any
// error.
func (e *Engine) Replay(ctx context.Context) (*Result, error) {
	began := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return e.result(time.Since(began)), err
		}
		err := e.Step()
		if errors.Is(err, ErrEndOfData) {
			break
		}
		if err != nil {
			e.log.Error("replay aborted", zap.Int("steps", e.steps), zap.Error(err))
			return e.result(time.Since(began)), err
		}
	}
	res := e.result(time.Since(began))
	e.log.Info("replay finished",
		zap.Int("steps", res.Steps),
		zap.Int("events", len(res.Events)),
		zap.Int("orders", len(res.Orders)),
		zap.String("cash", res.Account.CashBalance.String()),
		zap.String("digest", res.Digest),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// Result snapshots the run so far.
func (e *Engine) Result() *Result { return e.result(0) }

func (e *Engine) result(elapsed time.Duration) *Result {
	ids := make([]StrategyID, 0, len(e.strategies))
	for _, s := range e.strategies {
		ids = append(ids, s.ID())
	}
	end, _ := e.index.TimeNow()
	return &Result{
		RunID: e.runID,
		Manifest: RunManifest{
			RunID:          e.runID,
			ConfigSnapshot: e.snapshot,
			Strategies:     ids,
			EngineVersion:  EngineVersion,
		},
		Steps:     e.steps,
		Start:     e.startedAt,
		End:       end,
		Account:   e.ledger.Account(),
		Positions: e.ledger.Positions(),
		Orders:    e.Orders(),
		Events:    e.events.Snapshot(),
		Digest:    e.events.Digest(),
		Elapsed:   elapsed,
	}
}
