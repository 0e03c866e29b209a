package middleware

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"goim-realtime/pkg/auth"
)

// OTelMiddleware OpenTelemetry中间件配置
type OTelMiddleware struct {
	serviceName string
}

// NewOTelMiddleware 创建OpenTelemetry中间件
func NewOTelMiddleware(serviceName string) *OTelMiddleware {
	return &OTelMiddleware{serviceName: serviceName}
}

// GinMiddlewares otelgin 创建span，随后的处理器把请求ID和用户补充到span上
func (m *OTelMiddleware) GinMiddlewares() []gin.HandlerFunc {
	return []gin.HandlerFunc{
		otelgin.Middleware(m.serviceName),
		m.annotate,
	}
}

func (m *OTelMiddleware) annotate(c *gin.Context) {
	span := trace.SpanFromContext(c.Request.Context())
	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("http.client_ip", c.ClientIP()),
			attribute.String("http.request_id", c.GetHeader(RequestIDHeader)),
		)
	}

	c.Next()

	// 认证中间件在路由组内执行，身份只在请求结束后可见
	if span.IsRecording() {
		if v, ok := c.Get(IdentityKey); ok {
			if id, ok := v.(*auth.Identity); ok {
				span.SetAttributes(attribute.String("user.id", id.UserID))
			}
		}
	}
}
