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

	"github.com/langchou/abrphome/internal/api/handlers"
	"github.com/langchou/abrphome/internal/api/iternio"
	"github.com/langchou/abrphome/internal/config"
	"github.com/langchou/abrphome/internal/repository"
	"github.com/langchou/abrphome/internal/service"
	"github.com/langchou/abrphome/pkg/ws"
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

	logger.Info("Starting abrphome", zap.String("port", cfg.ServerPort))

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
	entryRepo := repository.NewEntryRepository(db)
	entityRepo := repository.NewEntityRepository(db)

	// 创建 Iternio API 客户端
	iternioClient := iternio.NewClient(cfg.IternioAPIHost, cfg.HTTPTimeout)

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)
	go wsHub.Run()

	// 创建条目管理器并恢复已配置的条目
	manager := service.NewManager(cfg, logger, iternioClient, entryRepo, entityRepo, wsHub)
	if err := manager.Resume(ctx); err != nil {
		logger.Fatal("Failed to resume entries", zap.Error(err))
	}

	// 新连接的初始数据：条目列表 + 各条目实体
	wsHub.SetInitDataProvider(func() *ws.InitData {
		entries, err := entryRepo.List(ctx)
		if err != nil {
			logger.Error("Failed to load entries for init data", zap.Error(err))
			return nil
		}
		entities := make(map[int64]any, len(entries))
		for _, entry := range entries {
			list, err := manager.Entities(ctx, entry.ID)
			if err != nil {
				continue
			}
			entities[entry.ID] = list
		}
		return &ws.InitData{Entries: entries, Entities: entities}
	})

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(logger, entryRepo, entityRepo, manager, wsHub)

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

	// 停止所有轮询
	manager.Stop()

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
