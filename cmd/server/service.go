package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	pb "backtest-exec/proto"
	"backtest-exec/services/clickhouse"
	"backtest-exec/services/config"
	"backtest-exec/services/engine"
	"backtest-exec/services/report"
	"backtest-exec/services/store"
	"backtest-exec/strategies"
)

type job struct {
	id  string
	run config.RunFile
}

// BacktestService runs submitted backtests on a fixed worker pool, one engine
// per run, and serves their results from the store.
type BacktestService struct {
	store  store.Store
	env    config.Env
	logger *zap.Logger
	stream *hub[streamMessage]

	jobs    chan job
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	done    map[string]chan struct{}
	timeout time.Duration
}

func NewBacktestService(st store.Store, env config.Env, logger *zap.Logger) *BacktestService {
	if env.Workers <= 0 {
		env.Workers = 1
	}
	if env.QueueSize <= 0 {
		env.QueueSize = 64
	}
	return &BacktestService{
		store:   st,
		env:     env,
		logger:  logger,
		stream:  newHub[streamMessage](),
		jobs:    make(chan job, env.QueueSize),
		done:    make(map[string]chan struct{}),
		timeout: 10 * time.Minute,
	}
}

// Start launches the workers. They exit when Stop is called or ctx ends.
func (s *BacktestService) Start(ctx context.Context) {
	s.logger.Info("Starting backtest workers", zap.Int("workers", s.env.Workers), zap.Int("queue", s.env.QueueSize))
	for i := 0; i < s.env.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
}

// Stop refuses new jobs and waits for queued ones to drain.
func (s *BacktestService) Stop() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.jobs)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *BacktestService) Queued() int { return len(s.jobs) }

func (s *BacktestService) enqueue(j job) (chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, pb.ErrOverloaded.With("service is shutting down")
	}
	select {
	case s.jobs <- j:
	default:
		return nil, pb.ErrOverloaded.With(fmt.Sprintf("%d runs queued", len(s.jobs)))
	}
	ch := make(chan struct{})
	s.done[j.id] = ch
	return ch, nil
}

func (s *BacktestService) finish(id string) {
	s.mu.Lock()
	if ch, ok := s.done[id]; ok {
		close(ch)
		delete(s.done, id)
	}
	s.mu.Unlock()
}

// validate checks everything that can be checked before data is loaded.
func validate(rf config.RunFile) error {
	if err := rf.Validate(); err != nil {
		return pb.ErrInvalidParams.With(err.Error())
	}
	catalog, err := engine.NewCatalog(rf.Instruments...)
	if err != nil {
		return pb.ErrInvalidParams.With(err.Error())
	}
	for _, spec := range rf.Strategies {
		if _, err := strategies.Build(spec.Kind, engine.StrategyID(spec.ID), spec.Symbol, spec.Params, catalog); err != nil {
			return pb.ErrInvalidStrategy.With(err.Error())
		}
	}
	return nil
}

func (s *BacktestService) SubmitBacktest(ctx context.Context, req *pb.BacktestRequest) (*pb.BacktestResponse, error) {
	if err := validate(req.Run); err != nil {
		return nil, err
	}
	jobID := uuid.New().String()
	if err := s.store.Create(ctx, store.Run{ID: jobID, Status: store.StatusQueued}); err != nil {
		return nil, pb.ErrExecutionFailed.With(err.Error())
	}

	s.logger.Info("Backtest queued",
		zap.String("job_id", jobID),
		zap.Int("instruments", len(req.Run.Instruments)),
		zap.Int("strategies", len(req.Run.Strategies)),
	)

	doneCh, err := s.enqueue(job{id: jobID, run: req.Run})
	if err != nil {
		_, _ = s.store.Update(ctx, jobID, func(r *store.Run) {
			r.Status = store.StatusFailed
			r.Error = err.Error()
		})
		return nil, err
	}

	if req.Wait {
		select {
		case <-doneCh:
		case <-ctx.Done():
			return nil, pb.ErrTimeout.With(ctx.Err().Error())
		}
	}
	return s.GetBacktest(ctx, &pb.GetBacktestRequest{JobID: jobID})
}

func (s *BacktestService) GetBacktest(ctx context.Context, req *pb.GetBacktestRequest) (*pb.BacktestResponse, error) {
	run, err := s.store.Get(ctx, req.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, pb.ErrNotFound.With(req.JobID)
	}
	if err != nil {
		return nil, pb.ErrExecutionFailed.With(err.Error())
	}
	return toResponse(run)
}

func toResponse(run store.Run) (*pb.BacktestResponse, error) {
	resp := &pb.BacktestResponse{
		JobID:     run.ID,
		Status:    string(run.Status),
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}
	if run.Error != "" {
		resp.Error = pb.ErrExecutionFailed.With(run.Error)
	}
	if res := run.Result; res != nil {
		sum, err := report.Summarize(res)
		if err != nil {
			return nil, pb.ErrExecutionFailed.With(err.Error())
		}
		resp.Summary = &sum
		resp.Manifest = &res.Manifest
		resp.Account = &res.Account
		resp.Positions = res.Positions
	}
	return resp, nil
}

func (s *BacktestService) GetOrder(ctx context.Context, req *pb.GetOrderRequest) (*pb.OrderResponse, error) {
	run, err := s.store.Get(ctx, req.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, pb.ErrNotFound.With(req.JobID)
	}
	if err != nil {
		return nil, pb.ErrExecutionFailed.With(err.Error())
	}
	if run.Result == nil {
		return nil, pb.ErrNotReady.With(string(run.Status))
	}

	id := engine.OrderID(req.OrderID)
	for _, o := range run.Result.Orders {
		if o.ID != id {
			continue
		}
		trails := engine.NewForensicsSink()
		for _, e := range run.Result.Events {
			if e.OrderID == id {
				trails.Record(e)
			}
		}
		resp := &pb.OrderResponse{JobID: run.ID, Order: o}
		if trail, ok := trails.Trail(id); ok {
			resp.Events = trail.Events
		}
		return resp, nil
	}
	return nil, pb.ErrNotFound.With(fmt.Sprintf("order %s in %s", req.OrderID, req.JobID))
}

// worker processes queued runs
func (s *BacktestService) worker(ctx context.Context, workerID int) {
	defer s.wg.Done()
	for {
		var j job
		var ok bool
		select {
		case <-ctx.Done():
			return
		case j, ok = <-s.jobs:
			if !ok {
				return
			}
		}
		s.logger.Debug("Worker picked up run", zap.Int("worker_id", workerID), zap.String("job_id", j.id))
		s.process(ctx, j)
	}
}

func (s *BacktestService) process(ctx context.Context, j job) {
	defer s.finish(j.id)
	logger := s.logger.With(zap.String("job_id", j.id))
	if _, err := s.store.Update(ctx, j.id, func(r *store.Run) { r.Status = store.StatusRunning }); err != nil {
		logger.Error("Failed to mark run as running", zap.Error(err))
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	startTime := time.Now()
	res, err := s.execute(runCtx, j, logger)

	_, uerr := s.store.Update(context.WithoutCancel(ctx), j.id, func(r *store.Run) {
		r.Result = res
		r.Status = store.StatusCompleted
		if err != nil {
			r.Status = store.StatusFailed
			r.Error = err.Error()
		}
	})
	if uerr != nil {
		logger.Error("Failed to store run result", zap.Error(uerr))
	}
	if err != nil {
		logger.Error("Backtest execution failed", zap.Error(err))
		return
	}
	logger.Info("Backtest completed",
		zap.Duration("execution_time", time.Since(startTime)),
		zap.Int("steps", res.Steps),
		zap.Int("events", len(res.Events)),
		zap.String("digest", res.Digest),
	)
}

func (s *BacktestService) execute(ctx context.Context, j job, logger *zap.Logger) (*engine.Result, error) {
	data, err := j.run.LoadData(ctx, s.env, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load market data: %w", err)
	}
	e, err := engine.New(j.run.EngineConfig(data, logger))
	if err != nil {
		return nil, err
	}
	for _, spec := range j.run.Strategies {
		strat, err := strategies.Build(spec.Kind, engine.StrategyID(spec.ID), spec.Symbol, spec.Params, e.Catalog())
		if err != nil {
			return nil, err
		}
		if err := e.RegisterStrategy(strat); err != nil {
			return nil, err
		}
	}

	e.AddSink(hubSink{jobID: j.id, hub: s.stream})
	if s.env.EventsURL != "" {
		sink := clickhouse.NewEventSink(s.env.EventsURL, e.RunID(), 1000,
			clickhouse.WithCredentials(s.env.CHUser, s.env.CHPassword),
			clickhouse.WithDatabase(s.env.CHDatabase),
			clickhouse.WithLogger(logger),
		)
		e.AddSink(sink)
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Warn("Event export incomplete", zap.Error(err), zap.Int("sent", sink.Sent()))
			}
		}()
	}

	if !j.run.Start.IsZero() {
		step := j.run.Step
		if step == 0 {
			step = e.Index().Step()
		}
		if err := e.SetInitialIteration(j.run.Start, step); err != nil {
			return nil, err
		}
	}
	return e.Replay(ctx)
}
