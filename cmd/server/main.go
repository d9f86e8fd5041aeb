package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bitfantasy/nimo-sfp/internal/config"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/entity"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/gateway"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/handler"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/repository"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/scheduler"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/service"
	"github.com/bitfantasy/nimo-sfp/internal/middleware"
	"github.com/bitfantasy/nimo-sfp/internal/shared/feishu"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// 加载 .env 文件
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	zapLogger, err := initLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting nimo-sfp service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
	)

	// 初始化数据库
	db, err := initDatabase(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}

	// 建表
	if err := db.AutoMigrate(
		&entity.ForecastCycle{},
		&entity.Forecast{},
		&entity.ForecastLine{},
		&entity.SubmissionTracking{},
		&entity.AuditLog{},
		&entity.ReportArtifact{},
	); err != nil {
		zapLogger.Warn("AutoMigrate forecast tables warning", zap.Error(err))
	}

	// 部分唯一索引: AutoMigrate无法表达, 用原始SQL兜底并发约束
	// 同一时刻最多一个open周期
	if err := db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_forecast_cycles_single_open ON forecast_cycles (status) WHERE status = 'open'").Error; err != nil {
		zapLogger.Warn("Create single-open-cycle index warning", zap.Error(err))
	}
	// 同一(cycle, rep, customer, product)只有一条当前版本
	if err := db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_forecasts_current_key ON forecasts (cycle_id, sales_rep_id, customer_id, product_id) WHERE is_current").Error; err != nil {
		zapLogger.Warn("Create current-version index warning", zap.Error(err))
	}

	// 初始化Redis
	rdb := initRedis(cfg.Redis)

	// 初始化MinIO客户端
	var minioClient *minio.Client
	if cfg.MinIO.Endpoint != "" {
		minioClient, err = minio.New(cfg.MinIO.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, ""),
			Secure: cfg.MinIO.UseSSL,
		})
		if err != nil {
			zapLogger.Warn("MinIO client init failed, report archiving disabled", zap.Error(err))
			minioClient = nil
		}
	}

	// 初始化飞书客户端和通知网关
	var notifier service.Notifier
	if cfg.Feishu.AppID != "" && cfg.Feishu.AppSecret != "" {
		feishuClient := feishu.NewClient(cfg.Feishu.AppID, cfg.Feishu.AppSecret)
		notifier = gateway.NewFeishuNotifier(feishuClient, zapLogger)
	} else {
		zapLogger.Warn("Feishu credentials not configured, notifications disabled")
		notifier = &noopNotifier{}
	}

	// 主数据网关
	masterData := gateway.NewMasterDataClient(cfg.MasterData)

	// 仓储与服务
	repos := repository.NewRepositories(db)
	services := service.NewServices(repos, rdb, minioClient, masterData, masterData, notifier, cfg, zapLogger)
	handlers := handler.NewHandlers(services)

	// 定时任务
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		jobs := scheduler.NewJobs(services.Cycle, repos, notifier, minioClient, cfg.MinIO.Bucket, cfg, zapLogger)
		sched, err = scheduler.New(jobs, cfg.Scheduler, zapLogger)
		if err != nil {
			zapLogger.Fatal("Failed to init scheduler", zap.Error(err))
		}
		sched.Start()
	}

	// 设置Gin模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(zapLogger))
	router.Use(middleware.CORS())
	router.Use(middleware.RequestID())
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	// 注册路由
	registerRoutes(router, handlers, cfg)

	// 创建HTTP服务器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 启动服务器
	go func() {
		zapLogger.Info("Server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("Shutting down server...")

	if sched != nil {
		sched.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("Server forced to shutdown", zap.Error(err))
	}

	zapLogger.Info("Server exited")
}

func initLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	return zapCfg.Build()
}

func initDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return db, nil
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func registerRoutes(r *gin.Engine, h *handler.Handlers, cfg *config.Config) {
	// 健康检查
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/health/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 版本信息
	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    Version,
			"build_time": BuildTime,
		})
	})

	// API v1
	v1 := r.Group("/api/v1")
	{
		// 需要认证的接口
		authorized := v1.Group("")
		authorized.Use(middleware.JWTAuth(cfg.JWT.Secret))
		{
			// 预测周期
			cycles := authorized.Group("/forecast-cycles")
			{
				cycles.POST("", middleware.RequireRole("sfp_admin"), h.Cycle.Create)
				cycles.GET("", h.Cycle.List)
				cycles.GET("/active", h.Cycle.GetActive)
				cycles.GET("/:id", h.Cycle.Get)
				cycles.PATCH("/:id/status", middleware.RequireRole("sfp_admin"), h.Cycle.UpdateStatus)
				cycles.GET("/:id/stats", middleware.RequireRole("sfp_approver"), h.Cycle.Stats)
				// 批量填报
				cycles.GET("/:id/template", h.Transfer.DownloadTemplate)
				cycles.POST("/:id/import", h.Transfer.Import)
				cycles.POST("/:id/report", middleware.RequireRole("sfp_approver"), h.Transfer.Report)
			}

			// 预测单
			forecasts := authorized.Group("/forecasts")
			{
				forecasts.POST("", h.Forecast.Create)
				forecasts.GET("", h.Forecast.ListByCycle)
				forecasts.POST("/bulk-submit", h.Forecast.BulkSubmit)
				forecasts.GET("/:id", h.Forecast.Get)
				forecasts.PUT("/:id", h.Forecast.Update)
				forecasts.GET("/:id/history", h.Forecast.History)
				forecasts.POST("/:id/submit", h.Forecast.Submit)
				forecasts.POST("/:id/approve", middleware.RequireRole("sfp_approver"), h.Forecast.Approve)
				forecasts.POST("/:id/reject", middleware.RequireRole("sfp_approver"), h.Forecast.Reject)
			}
		}
	}
}

// noopNotifier 飞书未配置时的空实现
type noopNotifier struct{}

func (noopNotifier) SendDeadlineReminder(context.Context, string, *entity.ForecastCycle, int64) error {
	return nil
}
func (noopNotifier) SendSubmitted(context.Context, *entity.Forecast) error { return nil }
func (noopNotifier) SendReviewResult(context.Context, *entity.Forecast, bool, string) error {
	return nil
}
