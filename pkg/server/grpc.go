package server

import (
	"context"
	"net"
	"time"

	kratoslog "github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"goim-friendgraph/pkg/config"
)

// GRPCServer gRPC服务器接口
type GRPCServer interface {
	GetServer() *grpc.Server
	RegisterService(registerFunc func(*grpc.Server))
	SetServing(serving bool)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// GRPCServerWrapper gRPC服务器包装器，自带 grpc.health.v1
type GRPCServerWrapper struct {
	server *grpc.Server
	health *health.Server
	addr   string
	logger kratoslog.Logger
}

// NewGRPCServerWrapper 创建gRPC服务器包装器
func NewGRPCServerWrapper(c config.GRPCConfig, logger kratoslog.Logger, interceptors ...grpc.UnaryServerInterceptor) *GRPCServerWrapper {
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	return &GRPCServerWrapper{
		server: server,
		health: hs,
		addr:   c.Addr,
		logger: logger,
	}
}

// GetServer 获取gRPC服务器
func (w *GRPCServerWrapper) GetServer() *grpc.Server {
	return w.server
}

// RegisterService 注册服务
func (w *GRPCServerWrapper) RegisterService(registerFunc func(*grpc.Server)) {
	registerFunc(w.server)
}

// SetServing 设置整体健康状态
func (w *GRPCServerWrapper) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	w.health.SetServingStatus("", st)
}

// Start 监听端口后在后台服务
func (w *GRPCServerWrapper) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", w.addr)
	if err != nil {
		return err
	}
	w.logger.Log(kratoslog.LevelInfo, "msg", "gRPC server starting", "addr", lis.Addr().String())

	go func() {
		if err := w.server.Serve(lis); err != nil {
			w.logger.Log(kratoslog.LevelError, "msg", "gRPC server exited", "error", err)
		}
	}()
	return nil
}

// Stop 优雅停止，超时后强制关闭
func (w *GRPCServerWrapper) Stop(ctx context.Context) error {
	w.logger.Log(kratoslog.LevelInfo, "msg", "gRPC server stopping")
	w.health.Shutdown()

	done := make(chan struct{})
	go func() {
		w.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.server.Stop()
	}
	return nil
}

// WatchHealth 周期性探测依赖，更新健康状态，ctx 取消时退出
func WatchHealth(ctx context.Context, srv GRPCServer, interval time.Duration, probe func(context.Context) error) {
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		srv.SetServing(probe(probeCtx) == nil)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
