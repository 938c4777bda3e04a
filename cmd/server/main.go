// Package main runs the classroom HTTP server with WebSocket chat and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-classroom/backend/config"
	"github.com/aura-classroom/backend/internal/auth"
	"github.com/aura-classroom/backend/internal/catalog"
	"github.com/aura-classroom/backend/internal/chat"
	"github.com/aura-classroom/backend/internal/middleware"
	"github.com/aura-classroom/backend/internal/progress"
	"github.com/aura-classroom/backend/internal/realtime"
	"github.com/aura-classroom/backend/internal/session"
	"github.com/aura-classroom/backend/internal/tokens"
	"github.com/aura-classroom/backend/pkg/database"
	"github.com/aura-classroom/backend/pkg/queue"
	"github.com/aura-classroom/backend/pkg/redis"
	"github.com/aura-classroom/backend/pkg/response"
	"github.com/aura-classroom/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	instanceID := cfg.Server.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	logger = logger.With(zap.String("instance_id", instanceID))

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var presigner tokens.Presigner
	if cfg.AWS.Region != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			MediaBucket:          cfg.AWS.MediaBucket,
			ArchiveBucket:        cfg.AWS.ArchiveBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			presigner = s3Client
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	catalogRepo := catalog.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	// Chat rooms
	chatRepo := chat.NewRepository(pool)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, instanceID, logger)
	hub := realtime.NewHub(chatRepo, redisPubSub, realtime.Config{
		HistoryLimit:     cfg.Chat.HistoryLimit,
		MaxMessageLength: cfg.Chat.MaxMessageLength,
		AdminDisplayName: cfg.Chat.AdminDisplayName,
	}, logger)
	hub.SetRetryQueue(jobQueue)
	hub.SetRoomWatcher(session.NewWatcherRegistry(session.WatcherConfig{
		Catalog:     catalogRepo,
		Broadcaster: hub,
		Notifier:    session.NewRedisNotifier(rdb.Client, instanceID),
		Archiver:    jobQueue,
		JoinWindow:  cfg.Session.JoinWindow,
		Interval:    cfg.Session.TickInterval,
		Logger:      logger,
	}))
	chatHandler := chat.NewHandler(chatRepo, hub, catalogRepo, logger)

	// Access tokens
	codec, err := tokens.NewCodec(cfg.Token.Secret)
	if err != nil {
		logger.Fatal("token codec", zap.Error(err))
	}
	resolver := tokens.NewResolver(presigner, cfg.Token.ResolveTimeout)
	tokenHandler := tokens.NewHandler(codec, resolver, catalogRepo, cfg.Session.JoinWindow, cfg.Token.RefreshAfter, logger)
	decryptLimiter := middleware.NewKeyedLimiter(cfg.Token.DecryptRatePerMin, cfg.Token.DecryptRatePerMin, 10*time.Minute)

	sessionHandler := session.NewHandler(catalogRepo, cfg.Session.JoinWindow, logger)
	progressHandler := progress.NewHandler(
		progress.NewTracker(progress.NewRepository(pool), cfg.Progress.MinPositionSeconds, cfg.Progress.ResumeExpiry),
		logger,
	)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		// Video access
		api.GET("/videos/:id/access-token", tokenHandler.Issue)
		api.POST("/video-tokens/decrypt", middleware.RateLimit(decryptLimiter), tokenHandler.Decrypt)
		api.GET("/videos/:id/session", sessionHandler.Status)
		api.GET("/videos/:id/watching-count", watchingCount(hub))

		// Chat
		api.GET("/chat/history/:videoId", chatHandler.History)
		api.POST("/chat/admin-message", middleware.RequireRole(auth.RoleAdmin), chatHandler.AdminMessage)

		// Progress
		api.POST("/progress", progressHandler.Checkpoint)
		api.GET("/progress/:videoId/resume", progressHandler.Resume)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, jwtService, middleware.OriginAllowed(cfg.Server.CORSAllowedOrigins), logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped", zap.Int("open_rooms", hub.OpenRooms()))
}

// watchingCount reports the number of distinct users in a video's room on this instance.
func watchingCount(hub *realtime.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		videoID := c.Param("id")
		response.OK(c, gin.H{"videoId": videoID, "total": hub.Count(videoID)})
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
