// Package grpc applies admission decisions to gRPC traffic.
package grpc

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	grpcCodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/pkg/constants"
	"github.com/turtacn/ratelimit-gateway/pkg/errors"
	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

// Decider makes admission decisions. *service.Engine implements it.
type Decider interface {
	Decide(ctx context.Context, req *models.RequestInfo) *models.Decision
	Config() *models.RateLimitConfig
}

// InterceptorChain 拦截器链
type InterceptorChain struct {
	log     logger.Logger
	decider Decider
}

// NewInterceptorChain 创建拦截器链
func NewInterceptorChain(log logger.Logger, decider Decider) *InterceptorChain {
	return &InterceptorChain{
		log:     log.WithComponent("grpc"),
		decider: decider,
	}
}

// UnaryRecoveryInterceptor 恢复拦截器(捕获 panic)
func (ic *InterceptorChain) UnaryRecoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				ic.log.Error(ctx, "gRPC handler panic recovered", fmt.Errorf("%v", r),
					logger.String("method", info.FullMethod),
				)
				err = status.Error(grpcCodes.Internal, "internal server error")
			}
		}()

		return handler(ctx, req)
	}
}

// UnaryLoggingInterceptor 日志拦截器
func (ic *InterceptorChain) UnaryLoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		startTime := time.Now()
		resp, err := handler(ctx, req)

		ic.log.Debug(ctx, "gRPC request completed",
			logger.String("method", info.FullMethod),
			logger.Int64("duration_ms", time.Since(startTime).Milliseconds()),
			logger.String("status", status.Code(err).String()),
		)
		return resp, err
	}
}

// UnaryRateLimitInterceptor 限流拦截器
func (ic *InterceptorChain) UnaryRateLimitInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		d := ic.decider.Decide(ctx, ic.requestInfo(ctx, info.FullMethod))
		if !d.Allowed {
			// 拒绝时以 trailer 返回，兼容 trailers-only 响应
			if err := grpc.SetTrailer(ctx, decisionMetadata(d)); err != nil {
				ic.log.Debug(ctx, "failed to set rate limit trailer metadata", logger.Error(err))
			}
			return nil, exhausted(d)
		}
		if md := decisionMetadata(d); md.Len() > 0 {
			if err := grpc.SetHeader(ctx, md); err != nil {
				ic.log.Debug(ctx, "failed to set rate limit header metadata", logger.Error(err))
			}
		}
		return handler(context.WithValue(ctx, constants.ContextKeyDecision, d), req)
	}
}

// StreamRateLimitInterceptor 流式限流拦截器，每个流在建立时计费一次
func (ic *InterceptorChain) StreamRateLimitInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		d := ic.decider.Decide(ss.Context(), ic.requestInfo(ss.Context(), info.FullMethod))
		if !d.Allowed {
			ss.SetTrailer(decisionMetadata(d))
			return exhausted(d)
		}
		if md := decisionMetadata(d); md.Len() > 0 {
			if err := ss.SetHeader(md); err != nil {
				ic.log.Debug(ss.Context(), "failed to set rate limit header metadata", logger.Error(err))
			}
		}
		return handler(srv, ss)
	}
}

// UnaryErrorInterceptor 错误转换拦截器(将领域错误转换为 gRPC 状态码)
func (ic *InterceptorChain) UnaryErrorInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		return resp, convertDomainErrorToGRPC(err)
	}
}

// requestInfo 将 gRPC 调用映射为引擎的请求视图；方法名充当路径
func (ic *InterceptorChain) requestInfo(ctx context.Context, fullMethod string) *models.RequestInfo {
	cfg := ic.decider.Config()
	apiKeyHeader, forwardedHeader := constants.DefaultAPIKeyHeader, constants.DefaultForwardedHeader
	if cfg != nil {
		if cfg.APIKeyHeader != "" {
			apiKeyHeader = cfg.APIKeyHeader
		}
		if cfg.ForwardedHeader != "" {
			forwardedHeader = cfg.ForwardedHeader
		}
	}

	info := &models.RequestInfo{Method: "POST", Path: fullMethod}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		info.APIKey = first(md.Get(strings.ToLower(apiKeyHeader)))
		info.ForwardedFor = first(md.Get(strings.ToLower(forwardedHeader)))
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		info.RemoteAddr = p.Addr.String()
	}
	return info
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func decisionMetadata(d *models.Decision) metadata.MD {
	md := metadata.MD{}
	for k, vs := range d.Headers {
		md.Append(strings.ToLower(k), vs...)
	}
	return md
}

func exhausted(d *models.Decision) error {
	msg := defaultExhaustedMessage
	if d.Problem != nil && d.Problem.Detail != "" {
		msg = d.Problem.Detail
	}
	return status.Error(grpcCodes.ResourceExhausted, msg)
}

const defaultExhaustedMessage = "Rate limit exceeded. Please retry later."

// convertDomainErrorToGRPC 将领域错误转换为 gRPC 错误；已是 gRPC 状态的错误原样返回
func convertDomainErrorToGRPC(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	rlErr, ok := errors.AsRLError(err)
	if !ok {
		return status.Error(grpcCodes.Internal, "internal server error")
	}

	switch rlErr.HTTPStatus() {
	case http.StatusBadRequest:
		return status.Error(grpcCodes.InvalidArgument, rlErr.Error())
	case http.StatusTooManyRequests:
		return status.Error(grpcCodes.ResourceExhausted, rlErr.Error())
	case http.StatusServiceUnavailable:
		return status.Error(grpcCodes.Unavailable, rlErr.Error())
	default:
		return status.Error(grpcCodes.Internal, "internal server error")
	}
}

// ServerOptions 返回按顺序串联所有拦截器的服务端选项
func (ic *InterceptorChain) ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			ic.UnaryRecoveryInterceptor(),  // 1. 恢复 panic
			ic.UnaryLoggingInterceptor(),   // 2. 日志
			ic.UnaryRateLimitInterceptor(), // 3. 限流
			ic.UnaryErrorInterceptor(),     // 4. 错误转换
		),
		grpc.ChainStreamInterceptor(
			ic.StreamRateLimitInterceptor(),
		),
	}
}
