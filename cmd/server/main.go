package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/ordergazer/internal/api/handlers"
	"github.com/langchou/ordergazer/internal/api/tesla"
	"github.com/langchou/ordergazer/internal/auth"
	"github.com/langchou/ordergazer/internal/config"
	"github.com/langchou/ordergazer/internal/inventory"
	"github.com/langchou/ordergazer/internal/notify"
	"github.com/langchou/ordergazer/internal/repository"
	"github.com/langchou/ordergazer/internal/scheduler"
	"github.com/langchou/ordergazer/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting Ordergazer", zap.String("port", cfg.ServerPort))

	// 创建 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接数据库
	db, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect database", zap.Error(err))
	}
	defer db.Close()

	// 执行数据库迁移
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database migrated successfully")

	// 创建 Repository
	credRepo := repository.NewCredentialRepository(db)

	// 创建 Tesla API 客户端与令牌管理器
	teslaClient := tesla.NewClient(cfg.TeslaAPIHost, cfg.TeslaTasksHost, cfg.TeslaAppVersion)
	authority := auth.NewAuthority(logger, credRepo, cfg.TeslaAuthHost, cfg.TeslaClientID, cfg.TokenExpiryMargin)

	// 创建 WebSocket Hub 与通知器
	wsHub := ws.NewHub(logger)
	go wsHub.Run()
	notifier := notify.NewHubNotifier(logger, wsHub)

	// 创建调度器
	sched := scheduler.New(logger, credRepo, authority, teslaClient, notifier, scheduler.Options{
		DefaultInterval: cfg.DefaultPollInterval,
		BackoffInitial:  cfg.RetryBackoffInitial,
		BackoffFactor:   cfg.RetryBackoffFactor,
	})

	// 重建持久化的会话
	if err := sched.Replay(ctx); err != nil {
		logger.Fatal("Failed to restore sessions", zap.Error(err))
	}

	// 创建库存管理器
	invManager := inventory.NewManager(logger, cfg.InventoryHost, cfg.InventoryCacheTTL)

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(
		logger,
		credRepo,
		authority,
		teslaClient,
		sched,
		invManager,
		wsHub,
		cfg.DefaultPollInterval,
		cfg.MinPollInterval,
	)

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// 注册路由
	handler.RegisterRoutes(router)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 停止调度器，等待在途 tick 退出
	sched.Shutdown()

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
