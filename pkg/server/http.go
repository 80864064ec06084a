package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"

	"goim-friendgraph/pkg/config"
)

// NewGinEngine 创建Gin引擎，中间件由调用方注册
func NewGinEngine(mode string) *gin.Engine {
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)
	return gin.New()
}

// HTTPServer HTTP服务器接口
type HTTPServer interface {
	GetEngine() *gin.Engine
	RegisterRoutes(registerFunc func(*gin.Engine))
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HTTPServerWrapper Gin HTTP服务器包装器
type HTTPServerWrapper struct {
	engine *gin.Engine
	server *http.Server
	logger kratoslog.Logger
}

// NewHTTPServerWrapper 创建HTTP服务器包装器
func NewHTTPServerWrapper(c config.HTTPConfig, logger kratoslog.Logger) *HTTPServerWrapper {
	engine := NewGinEngine(c.Mode)

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPServerWrapper{
		engine: engine,
		server: &http.Server{
			Addr:         c.Addr,
			Handler:      engine,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		logger: logger,
	}
}

// GetEngine 获取Gin引擎
func (w *HTTPServerWrapper) GetEngine() *gin.Engine {
	return w.engine
}

// RegisterRoutes 注册路由
func (w *HTTPServerWrapper) RegisterRoutes(registerFunc func(*gin.Engine)) {
	registerFunc(w.engine)
}

// Start 监听端口后在后台服务，端口占用会直接返回错误
func (w *HTTPServerWrapper) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", w.server.Addr)
	if err != nil {
		return err
	}
	w.logger.Log(kratoslog.LevelInfo, "msg", "HTTP server starting", "addr", lis.Addr().String())

	go func() {
		if err := w.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Log(kratoslog.LevelError, "msg", "HTTP server exited", "error", err)
		}
	}()
	return nil
}

// Stop 停止服务器
func (w *HTTPServerWrapper) Stop(ctx context.Context) error {
	w.logger.Log(kratoslog.LevelInfo, "msg", "HTTP server stopping")
	return w.server.Shutdown(ctx)
}
