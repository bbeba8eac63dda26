package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/langchou/abrphome/internal/api/iternio"
	"github.com/langchou/abrphome/internal/repository"
	"github.com/langchou/abrphome/internal/service"
	"github.com/langchou/abrphome/pkg/ws"
)

// Handler HTTP 处理器
type Handler struct {
	logger     *zap.Logger
	entryRepo  *repository.EntryRepository
	entityRepo *repository.EntityRepository
	manager    *service.Manager
	wsHub      *ws.Hub
	upgrader   websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(
	logger *zap.Logger,
	entryRepo *repository.EntryRepository,
	entityRepo *repository.EntityRepository,
	manager *service.Manager,
	wsHub *ws.Hub,
) *Handler {
	return &Handler{
		logger:     logger,
		entryRepo:  entryRepo,
		entityRepo: entityRepo,
		manager:    manager,
		wsHub:      wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// API 路由
	api := r.Group("/api")
	{
		// 配置条目
		api.POST("/entries", h.CreateEntry)
		api.GET("/entries", h.ListEntries)
		api.GET("/entries/:id", h.GetEntry)
		api.DELETE("/entries/:id", h.DeleteEntry)
		api.POST("/entries/:id/poll", h.TriggerPoll)
		api.POST("/entries/:id/reauth", h.Reauth)
		api.POST("/entries/:id/telemetry", h.SendTelemetry)

		// 实体
		api.GET("/entries/:id/entities", h.ListEntities)
		api.GET("/entries/:id/entities/:key", h.GetEntity)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查和指标
	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"ws_clients": h.wsHub.ClientCount(),
	})
}

// entryID 解析路径中的条目 ID
func entryID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid entry ID"})
		return 0, false
	}
	return id, true
}

// authStatus 把认证错误映射为 HTTP 状态码
func authStatus(err error) (int, string) {
	var ae *iternio.AuthError
	if errors.As(err, &ae) {
		switch ae.Reason {
		case iternio.ReasonServiceUnreachable:
			return http.StatusBadGateway, "cannot_connect"
		case iternio.ReasonInvalidKey:
			return http.StatusUnauthorized, "invalid_key"
		default:
			return http.StatusUnauthorized, "invalid_token"
		}
	}
	return http.StatusInternalServerError, "unknown"
}
