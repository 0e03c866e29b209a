package handler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"goim-realtime/apps/relay-service/service"
	"goim-realtime/pkg/auth"
	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/middleware"
	"goim-realtime/pkg/ratelimit"
	"goim-realtime/pkg/server"
)

type identityKey struct{}

// WSHandler 实时连接入口：握手鉴权、读写协程、事件分发
type WSHandler struct {
	svc     *service.Service
	auth    *middleware.AuthMiddleware
	limiter *ratelimit.Limiter
	log     logger.Logger
	routes  map[string]handlerFunc
}

// NewWSHandler 创建WebSocket处理器，分发表只构建一次
func NewWSHandler(svc *service.Service, am *middleware.AuthMiddleware, limiter *ratelimit.Limiter, log logger.Logger) *WSHandler {
	h := &WSHandler{
		svc:     svc,
		auth:    am,
		limiter: limiter,
		log:     log,
	}
	h.routes = h.buildRoutes()
	return h
}

// Authorize 升级前校验凭证，失败时不建立任何状态
func (h *WSHandler) Authorize(r *http.Request) (context.Context, error) {
	identity, err := h.auth.Authenticate(r)
	if err != nil {
		return nil, &server.RejectError{Status: http.StatusUnauthorized, Reason: "auth", Err: err}
	}
	return context.WithValue(r.Context(), identityKey{}, identity), nil
}

// HandleConnection 登记连接并运行读写协程，读循环结束即注销
func (h *WSHandler) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	identity, ok := ctx.Value(identityKey{}).(*auth.Identity)
	if !ok {
		h.log.Error(ctx, "Connection without identity")
		return
	}

	opts := h.svc.Options()
	c := service.NewConnection(uuid.NewString(), identity.UserID, identity.DeviceID, opts.Connection.SendQueue)
	ctx = logger.WithConnection(ctx, c.UserID, c.ID)
	hb := h.svc.Heartbeat()

	if err := h.svc.Connect(ctx, c); err != nil {
		h.log.Error(ctx, "Register connection failed", logger.Err(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "store unavailable"),
			time.Now().Add(hb.WriteWait))
		return
	}

	writerDone := make(chan struct{})
	go h.writePump(ctx, conn, c, hb, writerDone)

	reason := h.readPump(ctx, conn, c, hb)

	// 请求上下文可能已经取消，注销使用独立的超时
	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	h.svc.Disconnect(logger.WithConnection(dctx, c.UserID, c.ID), c, reason)
	cancel()
	<-writerDone
}

// readPump 单协程顺序读取并处理入站帧，保证同一连接的事件有序
func (h *WSHandler) readPump(ctx context.Context, conn *websocket.Conn, c *service.Connection, hb service.Heartbeat) string {
	if hb.MaxFrameSize > 0 {
		conn.SetReadLimit(hb.MaxFrameSize)
	}
	_ = conn.SetReadDeadline(time.Now().Add(hb.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(hb.PongWait))
	})

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return h.readErrorReason(ctx, c, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(hb.PongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		h.svc.Touch(c)
		h.dispatch(ctx, c, raw)
	}
}

func (h *WSHandler) readErrorReason(ctx context.Context, c *service.Connection, err error) string {
	select {
	case <-c.Done():
		return c.CloseSignal().Reason
	default:
	}

	var netErr net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		return service.ReasonClient
	case errors.As(err, &netErr) && netErr.Timeout():
		h.log.Info(ctx, "Heartbeat timeout")
		return service.ReasonHeartbeat
	case errors.Is(err, websocket.ErrReadLimit):
		h.log.Warn(ctx, "Inbound frame too large")
		c.Close(service.CloseSignal{Code: websocket.CloseMessageTooBig, Text: "frame too large", Reason: service.ReasonError})
		return service.ReasonError
	case websocket.IsUnexpectedCloseError(err):
		h.log.Info(ctx, "Connection closed unexpectedly", logger.Err(err))
		return service.ReasonClient
	}
	h.log.Warn(ctx, "Read frame failed", logger.Err(err))
	return service.ReasonError
}

// writePump 唯一写者：出站队列、ping、关闭帧
func (h *WSHandler) writePump(ctx context.Context, conn *websocket.Conn, c *service.Connection, hb service.Heartbeat, done chan<- struct{}) {
	ticker := time.NewTicker(hb.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
		close(done)
	}()

	for {
		select {
		case frame := <-c.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(hb.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.log.Warn(ctx, "Write frame failed", logger.Err(err))
				c.Close(service.CloseSignal{Code: websocket.CloseInternalServerErr, Reason: service.ReasonError})
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(hb.WriteWait)); err != nil {
				h.log.Debug(ctx, "Write ping failed", logger.Err(err))
				c.Close(service.CloseSignal{Code: websocket.CloseInternalServerErr, Reason: service.ReasonHeartbeat})
				return
			}
		case <-c.Done():
			h.flush(conn, c, hb)
			sig := c.CloseSignal()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(sig.Code, sig.Text), time.Now().Add(hb.WriteWait))
			return
		}
	}
}

// flush 关闭前尽量写出已入队的帧
func (h *WSHandler) flush(conn *websocket.Conn, c *service.Connection, hb service.Heartbeat) {
	for {
		select {
		case frame := <-c.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(hb.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
