// Package main implements the backtesting service with HTTP and gRPC APIs
package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	pb "backtest-exec/proto"
	"backtest-exec/services/config"
	"backtest-exec/services/engine"
	"backtest-exec/services/store"
)

func newRouter(service *BacktestService) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	service.setupHTTPRoutes(r)
	return r
}

func newGRPCServer(service *BacktestService) (*grpc.Server, *health.Server) {
	grpcServer := grpc.NewServer()
	pb.RegisterBacktestServiceServer(grpcServer, service)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(pb.ServiceDesc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)
	return grpcServer, healthServer
}

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := config.NewLogger(env.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting backtesting service",
		zap.String("version", engine.EngineVersion),
		zap.String("http_addr", env.HTTPAddr),
		zap.String("grpc_addr", env.GRPCAddr),
	)

	var runs store.Store = store.NewMemory()
	if env.PostgresDSN != "" {
		pg, err := store.OpenPostgres(env.PostgresDSN, logger)
		if err != nil {
			logger.Fatal("Failed to open run store", zap.Error(err))
		}
		defer pg.Close()
		runs = pg
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service := NewBacktestService(runs, env, logger)
	service.Start(ctx)

	grpcServer, healthServer := newGRPCServer(service)
	httpServer := &http.Server{Addr: env.HTTPAddr, Handler: newRouter(service)}

	go func() {
		lis, err := net.Listen("tcp", env.GRPCAddr)
		if err != nil {
			logger.Fatal("Failed to listen on gRPC port", zap.Error(err))
		}
		logger.Info("Starting gRPC server", zap.String("addr", env.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatal("Failed to serve gRPC", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", env.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to serve HTTP", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down servers...")
	healthServer.Shutdown()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	service.Stop()
	logger.Info("Servers stopped")
}
