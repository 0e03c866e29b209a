package service

import (
	"context"
	"time"

	"goim-realtime/pkg/logger"
)

// Heartbeat 传输层 ping/pong 参数
type Heartbeat struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	MaxFrameSize int64
}

// Heartbeat 当前心跳参数
func (s *Service) Heartbeat() Heartbeat {
	cc := s.opts.Connection
	hb := Heartbeat{
		PingInterval: cc.PingInterval,
		PongWait:     cc.PongWait,
		WriteWait:    cc.WriteWait,
		MaxFrameSize: cc.MaxFrameSize,
	}
	if hb.PingInterval <= 0 {
		hb.PingInterval = 30 * time.Second
	}
	// pong 等待必须大于 ping 间隔
	if hb.PongWait <= hb.PingInterval {
		hb.PongWait = hb.PingInterval * 5 / 2
	}
	if hb.WriteWait <= 0 {
		hb.WriteWait = 10 * time.Second
	}
	return hb
}

// armIdle 启动空闲计时，到期后按客户端断开处理
func (s *Service) armIdle(c *Connection) {
	timeout := s.opts.Connection.IdleTimeout
	if timeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idle = time.AfterFunc(timeout, func() {
		s.log.Info(context.Background(), "Close idle connection",
			logger.F("user_id", c.UserID), logger.F("conn_id", c.ID),
			logger.F("last_activity", c.LastActivity().Format(time.RFC3339)))
		c.Close(closeIdle)
	})
}

// Touch 每个入站帧调用一次，重置空闲计时
func (s *Service) Touch(c *Connection) {
	c.lastActivity.Store(time.Now().UnixNano())
	timeout := s.opts.Connection.IdleTimeout
	if timeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idle != nil {
		c.idle.Reset(timeout)
	}
}
