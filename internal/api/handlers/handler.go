package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/ordergazer/internal/api/tesla"
	"github.com/langchou/ordergazer/internal/auth"
	"github.com/langchou/ordergazer/internal/inventory"
	"github.com/langchou/ordergazer/internal/repository"
	"github.com/langchou/ordergazer/internal/scheduler"
	"github.com/langchou/ordergazer/pkg/ws"
)

// Handler HTTP 处理器，聊天层通过这些接口驱动核心
type Handler struct {
	logger          *zap.Logger
	credRepo        *repository.CredentialRepository
	authority       *auth.Authority
	teslaClient     *tesla.Client
	sched           *scheduler.Scheduler
	invManager      *inventory.Manager
	wsHub           *ws.Hub
	defaultInterval time.Duration
	minInterval     time.Duration
	upgrader        websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(
	logger *zap.Logger,
	credRepo *repository.CredentialRepository,
	authority *auth.Authority,
	teslaClient *tesla.Client,
	sched *scheduler.Scheduler,
	invManager *inventory.Manager,
	wsHub *ws.Hub,
	defaultInterval time.Duration,
	minInterval time.Duration,
) *Handler {
	return &Handler{
		logger:          logger,
		credRepo:        credRepo,
		authority:       authority,
		teslaClient:     teslaClient,
		sched:           sched,
		invManager:      invManager,
		wsHub:           wsHub,
		defaultInterval: defaultInterval,
		minInterval:     minInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api")
	{
		// 会话生命周期
		api.POST("/users/:chat_id/login", h.Login)
		api.DELETE("/users/:chat_id", h.Logout)

		// 轮询控制
		api.POST("/users/:chat_id/check", h.CheckNow)
		api.PUT("/users/:chat_id/interval", h.SetInterval)
		api.POST("/users/:chat_id/resume", h.Resume)

		// 查询
		api.GET("/users/:chat_id/status", h.GetStatus)
		api.GET("/users/:chat_id/orders", h.GetOrders)

		// 库存
		api.POST("/inventory", h.SearchInventory)
	}

	// 通知订阅
	r.GET("/ws/:chat_id", h.HandleWebSocket)

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
}

// HandleWebSocket 聊天层订阅通知的入口
func (h *Handler) HandleWebSocket(c *gin.Context) {
	chatID := c.Param("chat_id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn, chatID)
	client.Register()

	go client.WritePump()
	go client.ReadPump()
}
