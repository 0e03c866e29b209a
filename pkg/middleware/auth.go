package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"

	"goim-realtime/pkg/auth"
)

// IdentityKey gin上下文中保存 *auth.Identity 的键
const IdentityKey = "identity"

// AuthMiddleware 认证中间件配置
type AuthMiddleware struct {
	logger    kratoslog.Logger
	jwtConfig *auth.JWTConfig
}

// NewAuthMiddleware 创建认证中间件
func NewAuthMiddleware(logger kratoslog.Logger, jwtConfig *auth.JWTConfig) *AuthMiddleware {
	return &AuthMiddleware{
		logger:    logger,
		jwtConfig: jwtConfig,
	}
}

// Authenticate 从请求中提取并校验凭证（WebSocket握手同样走这里）
func (am *AuthMiddleware) Authenticate(r *http.Request) (*auth.Identity, error) {
	return auth.VerifyIdentity(ExtractToken(r), am.jwtConfig)
}

// GinAuth Gin认证中间件
func (am *AuthMiddleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := am.Authenticate(c.Request)
		if err != nil {
			am.logger.Log(kratoslog.LevelWarn, "msg", "Invalid token", "error", err, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "AUTH_ERROR",
				"message": err.Error(),
			})
			return
		}

		c.Set(IdentityKey, identity)
		am.logger.Log(kratoslog.LevelDebug, "msg", "User authenticated", "userID", identity.UserID, "path", c.Request.URL.Path)
		c.Next()
	}
}

// ExtractToken 依次尝试 query(token / access_token)、Authorization: Bearer、X-Auth-Token
// 浏览器的WebSocket API不能设置请求头，所以query优先
func ExtractToken(r *http.Request) string {
	q := r.URL.Query()
	if t := q.Get("token"); t != "" {
		return t
	}
	if t := q.Get("access_token"); t != "" {
		return t
	}
	if t := extractTokenFromHeader(r.Header.Get("Authorization")); t != "" {
		return t
	}
	return strings.TrimSpace(r.Header.Get("X-Auth-Token"))
}

// extractTokenFromHeader 从Authorization头中提取token
func extractTokenFromHeader(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) > len(prefix) && strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return strings.TrimSpace(authHeader[len(prefix):])
	}
	return ""
}
