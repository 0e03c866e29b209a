package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"github.com/gorilla/websocket"

	"goim-realtime/pkg/metrics"
)

// WebSocketServer WebSocket服务器接口
type WebSocketServer interface {
	RegisterHandler(path string, handler WebSocketHandler)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Draining() bool
}

// WebSocketHandler WebSocket处理器接口
type WebSocketHandler interface {
	// Authorize 升级前校验握手请求，失败时连接在建立任何状态之前被拒绝
	Authorize(r *http.Request) (context.Context, error)
	// HandleConnection 接管已升级的连接，返回即表示连接结束
	HandleConnection(ctx context.Context, conn *websocket.Conn)
}

// RejectError 握手拒绝，Status 为返回给客户端的HTTP状态码
type RejectError struct {
	Status int
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *RejectError) Unwrap() error { return e.Err }

// WebSocketServerWrapper WebSocket服务器包装器，挂载在HTTP服务器的Gin引擎上
type WebSocketServerWrapper struct {
	engine   *gin.Engine
	upgrader websocket.Upgrader
	handlers map[string]WebSocketHandler
	logger   kratoslog.Logger
	mu       sync.RWMutex

	// draining 停机排空期间拒绝新的握手
	draining atomic.Bool
}

// NewWebSocketServerWrapper 创建WebSocket服务器包装器
func NewWebSocketServerWrapper(engine *gin.Engine, logger kratoslog.Logger) *WebSocketServerWrapper {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// 身份由签名凭证确定，不依赖Origin
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return &WebSocketServerWrapper{
		engine:   engine,
		upgrader: upgrader,
		handlers: make(map[string]WebSocketHandler),
		logger:   logger,
	}
}

// RegisterHandler 注册WebSocket处理器
func (ws *WebSocketServerWrapper) RegisterHandler(path string, handler WebSocketHandler) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.handlers[path] = handler

	// 在Gin引擎上注册路由
	ws.engine.GET(path, func(c *gin.Context) {
		ws.handleWebSocket(c, handler)
	})
}

// handleWebSocket 处理WebSocket连接：排空检查 -> 鉴权 -> 升级 -> 交给处理器
func (ws *WebSocketServerWrapper) handleWebSocket(c *gin.Context, handler WebSocketHandler) {
	if ws.draining.Load() {
		metrics.ConnectionsRejected.WithLabelValues("draining").Inc()
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"code":    "SERVER_DRAINING",
			"message": "server restarting",
		})
		return
	}

	ctx, err := handler.Authorize(c.Request)
	if err != nil {
		status, reason := http.StatusUnauthorized, "auth"
		var rejectErr *RejectError
		if errors.As(err, &rejectErr) {
			status, reason = rejectErr.Status, rejectErr.Reason
		}
		metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
		ws.logger.Log(kratoslog.LevelWarn, "msg", "WebSocket handshake rejected",
			"client_ip", c.ClientIP(), "reason", reason, "error", err)
		c.AbortWithStatusJSON(status, gin.H{
			"code":    "AUTH_ERROR",
			"message": err.Error(),
		})
		return
	}

	conn, err := ws.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("upgrade").Inc()
		ws.logger.Log(kratoslog.LevelError, "msg", "WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	handler.HandleConnection(ctx, conn)
}

// Start 依赖HTTP服务器监听，这里只重置排空标记
func (ws *WebSocketServerWrapper) Start(ctx context.Context) error {
	ws.draining.Store(false)
	ws.logger.Log(kratoslog.LevelInfo, "msg", "WebSocket server ready")
	return nil
}

// Stop 进入排空状态，之后的握手返回503
func (ws *WebSocketServerWrapper) Stop(ctx context.Context) error {
	ws.draining.Store(true)
	ws.logger.Log(kratoslog.LevelInfo, "msg", "WebSocket server draining")
	return nil
}

// Draining 是否处于排空状态
func (ws *WebSocketServerWrapper) Draining() bool {
	return ws.draining.Load()
}
