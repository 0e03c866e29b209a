package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"goim-realtime/apps/relay-service/model"
	"goim-realtime/apps/relay-service/service"
	"goim-realtime/pkg/auth"
	"goim-realtime/pkg/httpx"
	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/metrics"
	"goim-realtime/pkg/middleware"
	redisClient "goim-realtime/pkg/redis"
	"goim-realtime/pkg/sessionlocator"
)

// HTTPHandler 运维与查询接口
type HTTPHandler struct {
	svc            *service.Service
	redis          *redisClient.RedisClient
	auth           *middleware.AuthMiddleware
	ready          func() bool
	instanceWindow time.Duration
	log            logger.Logger
}

// NewHTTPHandler 创建HTTP处理器，ready 为服务器是否可接收新连接
func NewHTTPHandler(svc *service.Service, rc *redisClient.RedisClient, am *middleware.AuthMiddleware,
	ready func() bool, instanceWindow time.Duration, log logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		svc:            svc,
		redis:          rc,
		auth:           am,
		ready:          ready,
		instanceWindow: instanceWindow,
		log:            log,
	}
}

// RegisterRoutes 注册HTTP路由
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1/relay", h.auth.GinAuth())
	{
		api.GET("/stats", h.Stats)                     // 本实例与集群概况
		api.POST("/presence/query", h.QueryPresence)   // 批量查询在线状态
		api.GET("/rooms/:id/members", h.RoomMembers)   // 房间内的连接
		api.GET("/notifications", h.ListNotifications) // 当前用户的通知信箱
	}
}

// Health 存活探针
func (h *HTTPHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "instanceId": h.svc.GetInstanceID()})
}

// Ready 就绪探针：排空中或共享存储不可达时返回503
func (h *HTTPHandler) Ready(c *gin.Context) {
	if h.ready != nil && !h.ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.redis.Ping(ctx); err != nil {
		h.log.Warn(ctx, "Readiness check failed", logger.Err(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "store_unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Stats 本实例连接数与存活实例列表
func (h *HTTPHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	resp := gin.H{
		"local":           h.svc.Stats(),
		"peakConnections": metrics.PeakConnections(),
	}
	instances, err := sessionlocator.ListInstances(ctx, h.redis, h.instanceWindow)
	if err != nil {
		h.log.Warn(ctx, "List instances failed", logger.Err(err))
	} else {
		resp["instances"] = instances
	}
	httpx.WriteObject(c, resp, nil)
}

// QueryPresence 批量查询在线状态
func (h *HTTPHandler) QueryPresence(c *gin.Context) {
	ctx := c.Request.Context()
	var req model.PresenceSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, model.NewValidationError("%v", err))
		return
	}
	if err := model.Validate(&req); err != nil {
		h.writeError(c, err)
		return
	}
	snap, err := h.svc.PresenceSnapshot(ctx, req.UserIDs)
	if err != nil {
		h.writeError(c, model.NewStoreUnavailableError(err))
		return
	}
	httpx.WriteObject(c, gin.H{"presence": snap}, nil)
}

// RoomMembers 房间成员连接
func (h *HTTPHandler) RoomMembers(c *gin.Context) {
	members, err := h.svc.RoomMembers(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	httpx.WriteObject(c, gin.H{"chatId": c.Param("id"), "members": members}, nil)
}

// ListNotifications 当前用户的通知信箱
func (h *HTTPHandler) ListNotifications(c *gin.Context) {
	identity := c.MustGet(middleware.IdentityKey).(*auth.Identity)
	list, err := h.svc.ListNotifications(c.Request.Context(), identity.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	httpx.WriteObject(c, gin.H{"notifications": list}, nil)
}

func (h *HTTPHandler) writeError(c *gin.Context, err error) {
	re := model.AsRelayError(err)
	h.log.Warn(c.Request.Context(), "HTTP request failed", logger.F("path", c.FullPath()), logger.Err(err))
	httpx.WriteObject(c, gin.H{"code": re.Code, "message": re.Message}, re)
}
