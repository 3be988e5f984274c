// Package main runs the OrgPlay HTTP API.
package main

import (
	"context"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/orgplay/backend/config"
	"github.com/orgplay/backend/internal/analytics"
	"github.com/orgplay/backend/internal/auth"
	"github.com/orgplay/backend/internal/games"
	"github.com/orgplay/backend/internal/middleware"
	"github.com/orgplay/backend/internal/organizations"
	"github.com/orgplay/backend/internal/realtime"
	"github.com/orgplay/backend/internal/rotation"
	"github.com/orgplay/backend/internal/worker"
	"github.com/orgplay/backend/pkg/database"
	"github.com/orgplay/backend/pkg/queue"
	"github.com/orgplay/backend/pkg/redis"
	"github.com/orgplay/backend/pkg/response"
	"github.com/orgplay/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{
		ApplicationName: "orgplay-api",
		MaxConns:        int32(cfg.Database.MaxConns),
		MinConns:        int32(cfg.Database.MinConns),
		MaxConnIdleTime: time.Duration(cfg.Database.MaxConnIdleSec) * time.Second,
	}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.CoversEnabled() {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			CoversBucket:         cfg.AWS.CoversBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
			s3Client = nil
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Organizations, members, invites
	orgRepo := organizations.NewRepository(pool)
	orgHandler := organizations.NewHandler(orgRepo, authRepo, authHandler, hub, cfg.App.PublicURL, logger)

	// Games
	seed := cfg.Draw.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	engine := rotation.NewEngine(rand.New(rand.NewSource(seed)), time.Now)
	gameRepo := games.NewRepository(pool)
	gameOpts := games.Options{
		Guard:            games.NewRedisGuard(rdb, time.Duration(cfg.Draw.InFlightTTL)*time.Second),
		Notifier:         hub,
		ConditionalDraws: cfg.Draw.ConditionalUpdate,
		Logger:           logger,
	}
	if s3Client != nil {
		gameOpts.Covers = jobQueue
		gameOpts.Presigner = s3Client
	}
	gameService := games.NewService(gameRepo, engine, gameOpts)
	gameHandler := games.NewHandler(gameService, logger)
	logger.Info("draw engine ready",
		zap.Bool("fixed_seed", cfg.Draw.Seed != 0),
		zap.Bool("conditional_update", cfg.Draw.ConditionalUpdate))

	analyticsHandler := analytics.NewHandler(gameRepo, orgRepo, logger)

	validateToken := func(token string) (uuid.UUID, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return uuid.Nil, err
		}
		return claims.UserID, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins()))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			logger.Warn("health: database ping failed", zap.Error(err))
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("health: redis ping failed", zap.Error(err))
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})

	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	router.GET("/invite/:code", orgHandler.InviteInfo)
	router.POST("/invite/:code/accept", orgHandler.AcceptInvite)

	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/organizations", orgHandler.ListMine)
		api.POST("/organizations", orgHandler.Create)
		api.POST("/invite/:code/join", orgHandler.JoinByCode)
	}

	org := api.Group("/organizations/:id")
	org.Use(middleware.RequireMembership(orgRepo, "id", logger))
	{
		org.GET("", orgHandler.Get)
		org.GET("/members", orgHandler.ListMembers)
		org.GET("/metrics", analyticsHandler.Metrics)

		org.GET("/games", gameHandler.List)
		org.POST("/games", gameHandler.Add)
		org.POST("/games/draw", gameHandler.Draw)
		org.GET("/games/:gameId/cover", gameHandler.Cover)

		org.POST("/invite-link", orgHandler.CreateInviteLink)
		org.POST("/members/invitations", orgHandler.InviteMember)
		org.PATCH("/members/:memberId/role", orgHandler.ChangeRole)
		org.DELETE("/members/:memberId", orgHandler.RemoveMember)
	}

	router.GET("/ws", realtime.ServeWs(hub, validateToken, orgRepo, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if s3Client != nil {
		processor := worker.NewCoverImportProcessor(gameRepo, s3Client, jobQueue, hub, cfg.Covers.MaxBytes, logger)
		go processor.Run(workerCtx)
		logger.Info("cover worker started")
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

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
