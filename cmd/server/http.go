package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	pb "backtest-exec/proto"
	"backtest-exec/services/engine"
	"backtest-exec/services/report"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// HTTP handlers for REST API
func (s *BacktestService) setupHTTPRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.POST("/backtests", s.handleSubmit)
		api.GET("/backtests", s.handleList)
		api.GET("/backtests/:id", s.handleGet)
		api.GET("/backtests/:id/report", s.handleReport)
		api.GET("/backtests/:id/orders/:order_id", s.handleGetOrder)
		api.GET("/stream", s.handleStream)
		api.GET("/health", s.handleHealthCheck)
	}
}

func (s *BacktestService) writeError(c *gin.Context, err error) {
	var apiErr *pb.APIError
	if !errors.As(err, &apiErr) {
		apiErr = pb.ErrExecutionFailed.With(err.Error())
	}
	if apiErr.HTTPStatus() >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(apiErr.HTTPStatus(), gin.H{"error": apiErr})
}

func (s *BacktestService) handleSubmit(c *gin.Context) {
	var req pb.BacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, pb.ErrInvalidParams.With(err.Error()))
		return
	}
	resp, err := s.SubmitBacktest(c.Request.Context(), &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	code := http.StatusAccepted
	if req.Wait {
		code = http.StatusOK
	}
	c.JSON(code, resp)
}

func (s *BacktestService) handleList(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		s.writeError(c, pb.ErrInvalidParams.With("limit must be a non-negative integer"))
		return
	}
	runs, err := s.store.List(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]*pb.BacktestResponse, 0, len(runs))
	for _, run := range runs {
		resp, err := toResponse(run)
		if err != nil {
			s.writeError(c, err)
			return
		}
		out = append(out, resp)
	}
	c.JSON(http.StatusOK, gin.H{"backtests": out})
}

func (s *BacktestService) handleGet(c *gin.Context) {
	resp, err := s.GetBacktest(c.Request.Context(), &pb.GetBacktestRequest{JobID: c.Param("id")})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleReport renders the run as text tables.
func (s *BacktestService) handleReport(c *gin.Context) {
	run, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, pb.ErrNotFound.With(c.Param("id")))
		return
	}
	if run.Result == nil {
		s.writeError(c, pb.ErrNotReady.With(string(run.Status)))
		return
	}
	sum, err := report.Summarize(run.Result)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)
	sum.Render(c.Writer)
	report.RenderPositions(c.Writer, run.Result.Positions)
	report.RenderOrders(c.Writer, run.Result.Orders)
}

func (s *BacktestService) handleGetOrder(c *gin.Context) {
	resp, err := s.GetOrder(c.Request.Context(), &pb.GetOrderRequest{JobID: c.Param("id"), OrderID: c.Param("order_id")})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleStream upgrades to a websocket and forwards engine events of every
// run, or only of ?job_id= when given. ?kind= narrows to one event kind.
func (s *BacktestService) handleStream(c *gin.Context) {
	jobID := c.Query("job_id")
	kind := engine.EventKind(c.Query("kind"))
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.stream.Subscribe(256)
	defer s.stream.Unsubscribe(sub)

	// drain client frames so close messages are noticed
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case msg, ok := <-sub.ch:
			if !ok {
				return
			}
			if (jobID != "" && msg.JobID != jobID) || (kind != "" && msg.Event.Kind != kind) {
				continue
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

func (s *BacktestService) handleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, pb.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Unix(),
		Version:   engine.EngineVersion,
		Workers:   s.env.Workers,
		Queued:    s.Queued(),
	})
}
