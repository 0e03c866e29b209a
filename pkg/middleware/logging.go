package middleware

import (
	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"

	"goim-realtime/pkg/logger"
)

// RequestIDHeader 请求ID头
const RequestIDHeader = "X-Request-ID"

// LoggingMiddleware 日志中间件
type LoggingMiddleware struct {
	logger kratoslog.Logger
}

// NewLoggingMiddleware 创建日志中间件
func NewLoggingMiddleware(logger kratoslog.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{
		logger: logger,
	}
}

// GinLogging Gin日志中间件
func (lm *LoggingMiddleware) GinLogging() gin.HandlerFunc {
	return gin.LoggerWithConfig(gin.LoggerConfig{
		// 探针和指标抓取太频繁，不记录
		SkipPaths: []string{"/health", "/ready", "/metrics"},
		Formatter: func(param gin.LogFormatterParams) string {
			lm.logger.Log(kratoslog.LevelInfo,
				"msg", "HTTP request",
				"method", param.Method,
				"path", param.Path,
				"status", param.StatusCode,
				"latency", param.Latency.String(),
				"client_ip", param.ClientIP,
				"user_agent", param.Request.UserAgent(),
				"request_id", param.Request.Header.Get(RequestIDHeader),
				"error", param.ErrorMessage,
			)
			return ""
		},
	})
}

// RequestID 透传或生成请求ID，并写入请求上下文供 logger 使用
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
			c.Request.Header.Set(RequestIDHeader, requestID)
		}
		c.Writer.Header().Set(RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}
