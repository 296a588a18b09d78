package grpc

import (
	"context"
	stderrors "errors"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

// Server 是带限流拦截器与健康检查服务的 gRPC 服务端
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	log        logger.Logger
}

// NewServer 创建 gRPC 服务端并注册健康检查与反射服务
func NewServer(chain *InterceptorChain, log logger.Logger, opts ...grpc.ServerOption) *Server {
	gs := grpc.NewServer(append(chain.ServerOptions(), opts...)...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	return &Server{
		grpcServer: gs,
		health:     hs,
		log:        log.WithComponent("grpc_server"),
	}
}

// GRPCServer 返回底层服务端，用于注册业务服务
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// SetServing 更新整体健康状态
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !serving {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
}

// Serve 在 lis 上阻塞服务，直到 Stop 被调用
func (s *Server) Serve(lis net.Listener) error {
	s.SetServing(true)
	s.log.Info(context.Background(), "gRPC server listening", logger.String("addr", lis.Addr().String()))
	if err := s.grpcServer.Serve(lis); err != nil && !stderrors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop 优雅停止；ctx 到期后强制关闭
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn(ctx, "gRPC graceful stop timed out, forcing")
		s.grpcServer.Stop()
	}
}
