package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"

	"goim-realtime/pkg/config"
)

// ServerManager 统一服务器管理器
// 停止顺序即网关排空顺序：拒绝新握手 -> 关闭监听 -> 执行排空回调（断开已有连接）
type ServerManager struct {
	config     *config.Config
	logger     kratoslog.Logger
	httpServer HTTPServer
	wsServer   WebSocketServer
	drainers   []func(context.Context) error
	// drainTimeout 排空回调自己的期限，不占用后续停止钩子的时间
	drainTimeout time.Duration
	mu           sync.RWMutex
}

// Server 通用服务器接口
type Server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// NewServerManager 创建服务器管理器
func NewServerManager(cfg *config.Config, logger kratoslog.Logger) *ServerManager {
	return &ServerManager{
		config:       cfg,
		logger:       logger,
		drainTimeout: cfg.Relay.Connection.DrainTimeout,
	}
}

// EnableHTTP 启用HTTP服务器
func (sm *ServerManager) EnableHTTP() HTTPServer {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.httpServer == nil {
		sm.httpServer = NewHTTPServerWrapper(sm.config, sm.logger)
	}
	return sm.httpServer
}

// EnableWebSocket 启用WebSocket服务器（挂在HTTP服务器上）
func (sm *ServerManager) EnableWebSocket() WebSocketServer {
	hs := sm.EnableHTTP()

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.wsServer == nil {
		sm.wsServer = NewWebSocketServerWrapper(hs.GetEngine(), sm.logger)
	}
	return sm.wsServer
}

// GetHTTPServer 获取HTTP服务器
func (sm *ServerManager) GetHTTPServer() HTTPServer {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.httpServer
}

// GetWebSocketServer 获取WebSocket服务器
func (sm *ServerManager) GetWebSocketServer() WebSocketServer {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.wsServer
}

// RegisterHTTPRoutes 注册HTTP路由
func (sm *ServerManager) RegisterHTTPRoutes(registerFunc func(*gin.Engine)) error {
	hs := sm.GetHTTPServer()
	if hs == nil {
		return fmt.Errorf("HTTP server not enabled")
	}
	hs.RegisterRoutes(registerFunc)
	return nil
}

// RegisterWebSocketHandler 注册WebSocket处理器
func (sm *ServerManager) RegisterWebSocketHandler(path string, handler WebSocketHandler) error {
	ws := sm.GetWebSocketServer()
	if ws == nil {
		return fmt.Errorf("WebSocket server not enabled")
	}
	ws.RegisterHandler(path, handler)
	return nil
}

// OnDrain 注册排空回调，在监听关闭之后执行
func (sm *ServerManager) OnDrain(fn func(context.Context) error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.drainers = append(sm.drainers, fn)
}

// Ready 监听已绑定且未进入排空
func (sm *ServerManager) Ready() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.httpServer == nil || !sm.httpServer.Bound() {
		return false
	}
	return sm.wsServer == nil || !sm.wsServer.Draining()
}

// StartAll 启动所有服务器，端口绑定失败直接返回
func (sm *ServerManager) StartAll(ctx context.Context) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if sm.httpServer != nil {
		if err := sm.httpServer.Start(ctx); err != nil {
			return err
		}
	}
	if sm.wsServer != nil {
		if err := sm.wsServer.Start(ctx); err != nil {
			return err
		}
	}

	sm.logger.Log(kratoslog.LevelInfo, "msg", "All servers started")
	return nil
}

// StopAll 按排空顺序停止所有服务器
func (sm *ServerManager) StopAll(ctx context.Context) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var errs []error
	if sm.wsServer != nil {
		if err := sm.wsServer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if sm.httpServer != nil {
		if err := sm.httpServer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}
	if len(sm.drainers) > 0 {
		drainCtx, cancel := ctx, context.CancelFunc(func() {})
		if sm.drainTimeout > 0 {
			drainCtx, cancel = context.WithTimeout(ctx, sm.drainTimeout)
		}
		for _, drain := range sm.drainers {
			if err := drain(drainCtx); err != nil {
				errs = append(errs, fmt.Errorf("drain: %w", err))
			}
		}
		cancel()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors stopping servers: %w", errors.Join(errs...))
	}
	return nil
}
