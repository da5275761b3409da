package main

import (
	"context"
	"log"
	"time"

	"podster/config"
	"podster/internal/domain/session"
	"podster/internal/handler"
	"podster/internal/metrics"
	"podster/internal/middleware"
	"podster/internal/redis"
	"podster/internal/repository"
	"podster/internal/server"
	"podster/internal/services"
	"podster/internal/storage"
	"podster/internal/websocket"
	"podster/pkg/database"
	"podster/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadConfig()
	l := logger.New(cfg.LogMode)
	defer l.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	// Repository
	var repo repository.SessionRepository
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := database.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pool.Close()
		n, err := database.ApplyRawMigrations(ctx, pool, cfg.MigrationsDirectory, l)
		if err != nil {
			log.Fatalf("Failed to apply migrations: %v", err)
		}
		l.Info("database ready", zap.Int("migrations_applied", n))
		repo = repository.NewSessionRepository(pool)
	default:
		l.Warn("using in-memory session store, data is lost on restart")
		repo = repository.NewMemorySessionRepository()
	}

	// Object storage
	store, err := storage.NewClient(ctx, storage.S3Config{
		Provider:     session.ParseProvider(cfg.Storage.Provider),
		Region:       cfg.Storage.Region,
		Bucket:       cfg.Storage.Bucket,
		AccessKey:    cfg.Storage.AccessKey,
		SecretKey:    cfg.Storage.SecretKey,
		Endpoint:     cfg.Storage.Endpoint,
		UploadURLTTL: cfg.Storage.UploadURLTTL,
	}, l)
	if err != nil {
		log.Fatalf("Failed to create storage client: %v", err)
	}

	// Coordination: in-process unless Redis is configured
	var locker services.Locker = services.NewKeyedMutex()
	var limiter middleware.Limiter
	if cfg.RedisEnabled() {
		rdb := redis.NewClient(redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := redis.Ping(ctx, rdb); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		rl := redis.DefaultRateLimitConfig()
		if cfg.JoinRateLimit > 0 {
			rl.JoinLimit = cfg.JoinRateLimit
		}
		locker = redis.NewLocker(rdb, 30*time.Second)
		limiter = redis.NewRateLimiter(rdb, rl)
	}

	auth := services.NewAuthService(cfg)
	sessions := services.NewSessionService(repo, store, auth, locker, m, l, cfg.Storage.DownloadURLTTL)

	if cfg.ReaperIntervalSec > 0 {
		reaper := services.NewTargetReaper(repo, sessions, time.Duration(cfg.ReaperIntervalSec)*time.Second, l)
		reaper.Start()
		defer reaper.Stop()
	}

	hub := websocket.NewHub(cfg.Relay.MaxConnectionsPerRoom, m, l)
	go hub.Run(ctx)

	srv := server.New(cfg, l)
	srv.SetupRoutes(&server.Handlers{
		Sessions: handler.NewSessionHandler(sessions, handler.CookieConfig{
			Name:   cfg.CookieName,
			Secure: cfg.CookieSecure || cfg.AppMode == server.ReleaseMode,
			MaxAge: time.Duration(cfg.TokenTTLHours) * time.Hour,
		}),
		Relay: websocket.NewHandler(auth, sessions, hub, websocket.HandlerConfig{
			CookieName:           cfg.CookieName,
			MaxMessageBytes:      cfg.Relay.MaxMessageBytes,
			MaxMessagesPerSecond: cfg.Relay.MaxMessagesPerSecond,
		}),
	}, server.Deps{
		Auth:    auth,
		Limiter: limiter,
		Metrics: m,
	})

	if err := srv.Start(cancel); err != nil {
		l.Error("server stopped with error", zap.Error(err))
	}
}
