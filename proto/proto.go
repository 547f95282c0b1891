// Package proto defines the backtest service API shared by the HTTP and gRPC
// front ends. Messages travel as JSON on both; gRPC uses the "json" content
// subtype registered here.
package proto

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"backtest-exec/services/config"
	"backtest-exec/services/engine"
	"backtest-exec/services/report"
)

// End-to-end API with error taxonomy

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

var (
	ErrInvalidParams   = APIError{Code: "INVALID_PARAMS", Message: "Invalid parameters provided"}
	ErrInvalidStrategy = APIError{Code: "INVALID_STRATEGY", Message: "Strategy could not be built"}
	ErrDataNotFound    = APIError{Code: "DATA_NOT_FOUND", Message: "Required data not available"}
	ErrNotFound        = APIError{Code: "NOT_FOUND", Message: "Backtest or order not found"}
	ErrNotReady        = APIError{Code: "NOT_READY", Message: "Backtest has not finished"}
	ErrExecutionFailed = APIError{Code: "EXECUTION_FAILED", Message: "Backtest execution failed"}
	ErrOverloaded      = APIError{Code: "OVERLOADED", Message: "Too many backtests queued"}
	ErrTimeout         = APIError{Code: "TIMEOUT", Message: "Operation timed out"}
)

// With returns a copy of e carrying details.
func (e APIError) With(details string) *APIError {
	e.Details = details
	return &e
}

func (e *APIError) Error() string {
	if e.Details == "" {
		return e.Code + ": " + e.Message
	}
	return e.Code + ": " + e.Message + ": " + e.Details
}

func (e *APIError) grpcCode() codes.Code {
	switch e.Code {
	case ErrInvalidParams.Code, ErrInvalidStrategy.Code:
		return codes.InvalidArgument
	case ErrDataNotFound.Code, ErrNotFound.Code:
		return codes.NotFound
	case ErrNotReady.Code:
		return codes.FailedPrecondition
	case ErrOverloaded.Code:
		return codes.ResourceExhausted
	case ErrTimeout.Code:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// GRPCStatus lets handlers return *APIError directly.
func (e *APIError) GRPCStatus() *status.Status { return status.New(e.grpcCode(), e.Error()) }

// HTTPStatus maps the error code onto an HTTP status.
func (e *APIError) HTTPStatus() int {
	switch e.grpcCode() {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type BacktestRequest struct {
	Run config.RunFile `json:"run"`
	// Wait blocks until the run has finished.
	Wait bool `json:"wait,omitempty"`
}

type BacktestResponse struct {
	JobID     string               `json:"job_id"`
	Status    string               `json:"status"`
	Summary   *report.Summary      `json:"summary,omitempty"`
	Manifest  *engine.RunManifest  `json:"manifest,omitempty"`
	Account   *engine.AccountState `json:"account,omitempty"`
	Positions []engine.Position    `json:"positions,omitempty"`
	Error     *APIError            `json:"error,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

type GetBacktestRequest struct {
	JobID string `json:"job_id"`
}

type GetOrderRequest struct {
	JobID   string `json:"job_id"`
	OrderID string `json:"order_id"`
}

type OrderResponse struct {
	JobID  string         `json:"job_id"`
	Order  engine.Order   `json:"order"`
	Events []engine.Event `json:"events"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
}

// CodecName is the gRPC content subtype of the JSON codec.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const serviceName = "backtest.v1.BacktestService"

type BacktestServiceServer interface {
	SubmitBacktest(context.Context, *BacktestRequest) (*BacktestResponse, error)
	GetBacktest(context.Context, *GetBacktestRequest) (*BacktestResponse, error)
	GetOrder(context.Context, *GetOrderRequest) (*OrderResponse, error)
}

func unary[Req, Resp any](method string, call func(BacktestServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(BacktestServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(BacktestServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*BacktestServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitBacktest", BacktestServiceServer.SubmitBacktest),
		unary("GetBacktest", BacktestServiceServer.GetBacktest),
		unary("GetOrder", BacktestServiceServer.GetOrder),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "proto/proto.go",
}

func RegisterBacktestServiceServer(s grpc.ServiceRegistrar, srv BacktestServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// BacktestServiceClient calls the service over a connection, always with the
// JSON codec.
type BacktestServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewBacktestServiceClient(cc grpc.ClientConnInterface) *BacktestServiceClient {
	return &BacktestServiceClient{cc: cc}
}

func (c *BacktestServiceClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...)
}

func (c *BacktestServiceClient) SubmitBacktest(ctx context.Context, in *BacktestRequest, opts ...grpc.CallOption) (*BacktestResponse, error) {
	out := new(BacktestResponse)
	if err := c.invoke(ctx, "SubmitBacktest", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BacktestServiceClient) GetBacktest(ctx context.Context, in *GetBacktestRequest, opts ...grpc.CallOption) (*BacktestResponse, error) {
	out := new(BacktestResponse)
	if err := c.invoke(ctx, "GetBacktest", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BacktestServiceClient) GetOrder(ctx context.Context, in *GetOrderRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	out := new(OrderResponse)
	if err := c.invoke(ctx, "GetOrder", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
