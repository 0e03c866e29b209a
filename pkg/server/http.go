package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"

	"goim-realtime/pkg/config"
)

// NewGinEngine 创建Gin引擎，中间件由调用方注册
func NewGinEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	return gin.New()
}

// parseDuration 解析时间字符串
func parseDuration(s string, defaultDuration time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return defaultDuration
}

// HTTPServer HTTP服务器接口
type HTTPServer interface {
	GetEngine() *gin.Engine
	RegisterRoutes(registerFunc func(*gin.Engine))
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Bound() bool
	Addr() string
}

// HTTPServerWrapper Gin HTTP服务器包装器
type HTTPServerWrapper struct {
	engine *gin.Engine
	server *http.Server
	logger kratoslog.Logger

	network  string
	bound    atomic.Bool
	listener net.Listener
}

// NewHTTPServerWrapper 创建HTTP服务器包装器
func NewHTTPServerWrapper(c *config.Config, logger kratoslog.Logger) *HTTPServerWrapper {
	engine := NewGinEngine()

	// WebSocket 是长连接，只限制读请求头的时间
	server := &http.Server{
		Addr:              c.Server.HTTP.Addr,
		Handler:           engine,
		ReadHeaderTimeout: parseDuration(c.Server.HTTP.Timeout, 30*time.Second),
	}

	network := c.Server.HTTP.Network
	if network == "" {
		network = "tcp"
	}

	return &HTTPServerWrapper{
		engine:  engine,
		server:  server,
		logger:  logger,
		network: network,
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

// Start 同步绑定端口后在后台提供服务，绑定失败直接返回错误
func (w *HTTPServerWrapper) Start(ctx context.Context) error {
	ln, err := net.Listen(w.network, w.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", w.server.Addr, err)
	}
	w.listener = ln
	w.bound.Store(true)

	w.logger.Log(kratoslog.LevelInfo, "msg", "HTTP server starting", "addr", ln.Addr().String())

	go func() {
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Log(kratoslog.LevelError, "msg", "HTTP server stopped unexpectedly", "error", err)
		}
		w.bound.Store(false)
	}()
	return nil
}

// Stop 关闭监听并等待进行中的普通请求结束（已升级的WebSocket连接不在此列）
func (w *HTTPServerWrapper) Stop(ctx context.Context) error {
	w.logger.Log(kratoslog.LevelInfo, "msg", "HTTP server stopping")
	w.bound.Store(false)
	return w.server.Shutdown(ctx)
}

// Bound 监听端口是否已绑定（就绪探针使用）
func (w *HTTPServerWrapper) Bound() bool {
	return w.bound.Load()
}

// Addr 实际监听地址
func (w *HTTPServerWrapper) Addr() string {
	if w.listener != nil {
		return w.listener.Addr().String()
	}
	return w.server.Addr
}
