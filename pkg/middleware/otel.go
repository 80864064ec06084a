package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	tracecontext "goim-friendgraph/pkg/context"
)

// OTelMiddleware OpenTelemetry中间件配置
type OTelMiddleware struct {
	serviceName string
}

// NewOTelMiddleware 创建OpenTelemetry中间件
func NewOTelMiddleware(serviceName string) *OTelMiddleware {
	return &OTelMiddleware{serviceName: serviceName}
}

// GinMiddleware otelgin 建span，随后补充请求ID等业务字段
func (m *OTelMiddleware) GinMiddleware() []gin.HandlerFunc {
	return []gin.HandlerFunc{
		otelgin.Middleware(m.serviceName),
		func(c *gin.Context) {
			ctx := m.enhanceContext(c.Request.Context(), c)
			c.Request = c.Request.WithContext(ctx)
			c.Header("X-Request-ID", tracecontext.GetRequestID(ctx))
			c.Next()
		},
	}
}

// enhanceContext 增强context，添加业务追踪信息
func (m *OTelMiddleware) enhanceContext(ctx context.Context, c *gin.Context) context.Context {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx = tracecontext.WithRequestID(ctx, requestID)
	ctx = tracecontext.WithServiceName(ctx, m.serviceName)
	ctx = tracecontext.WithClientIP(ctx, c.ClientIP())

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.String("http.route", c.FullPath()),
			attribute.String("http.client_ip", c.ClientIP()),
			attribute.String("request.id", requestID),
		)
	}
	return ctx
}

// GRPCUnaryServerInterceptor 从metadata提取请求ID
func (m *OTelMiddleware) GRPCUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get("x-request-id"); len(ids) > 0 {
				ctx = tracecontext.WithRequestID(ctx, ids[0])
			}
		}
		ctx = tracecontext.WithServiceName(ctx, m.serviceName)

		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(
				attribute.String("rpc.method", info.FullMethod),
				attribute.String("rpc.service", m.serviceName),
			)
		}
		return handler(ctx, req)
	}
}
