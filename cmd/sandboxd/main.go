// sandboxd: выделенный хост песочниц. Шлюз отправляет сюда исполнения через
// sandbox.RemoteRuntime, когда runtime.remote_addr задан.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/skillgate/internal/infra"
	"github.com/xela07ax/skillgate/internal/sandbox"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	if cfg.Runtime.Token == "" {
		logger.Fatal("runtime.token is required for sandboxd")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := sandbox.NewWasmRuntime(cfg.Runtime.MemoryPages, logger)
	defer func() { _ = rt.Close(context.Background()) }()

	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(sandbox.UnaryAuthInterceptor(cfg.Runtime.Token)))
	sandbox.NewRemoteServer(rt, logger).Register(grpcSrv)

	lis, err := net.Listen("tcp", cfg.Runtime.ServeAddr)
	if err != nil {
		logger.Fatal("failed to listen gRPC", zap.String("addr", cfg.Runtime.ServeAddr), zap.Error(err))
	}
	go func() {
		<-ctx.Done()
		logger.Info("sandboxd stopping")
		grpcSrv.GracefulStop()
	}()

	logger.Info("sandboxd started", zap.String("addr", cfg.Runtime.ServeAddr))
	if err := grpcSrv.Serve(lis); err != nil {
		logger.Fatal("failed to serve gRPC", zap.Error(err))
	}
}
