package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sitecontact/backend/internal/config"
	"github.com/sitecontact/backend/internal/handler"
	"github.com/sitecontact/backend/internal/logging"
	"github.com/sitecontact/backend/internal/ratelimit"
	"github.com/sitecontact/backend/internal/repository"
	"github.com/sitecontact/backend/internal/service"
	"github.com/sitecontact/backend/pkg/auth"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup("INFO")
		logging.Fatal("invalid configuration", "error", err)
	}
	logging.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := repository.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logging.Fatal("failed to connect to database", "error", err)
	}
	defer pool.Close()

	store, closeStore := newCounterStore(ctx, cfg)
	defer closeStore()

	limiter, err := ratelimit.New(store, ratelimit.Config{
		Ceiling: cfg.RateLimit.Ceiling,
		Window:  cfg.RateLimit.Window,
	})
	if err != nil {
		logging.Fatal("failed to create rate limiter", "error", err)
	}

	// SMTP 未設定の場合は通知を無効化（nil の *SMTPNotifier を interface に入れない）
	var notifier service.Notifier
	if n := service.NewSMTPNotifier(service.SMTPConfig{
		Host:          cfg.SMTP.Host,
		Port:          cfg.SMTP.Port,
		User:          cfg.SMTP.User,
		Pass:          cfg.SMTP.Pass,
		From:          cfg.SMTP.From,
		To:            cfg.SMTP.To,
		SubjectPrefix: cfg.SMTP.SubjectPrefix,
	}); n != nil {
		notifier = n
	} else {
		slog.Info("contact notifications disabled", "reason", "SMTP_HOST or NOTIFY_TO not set")
	}

	contactRepo := repository.NewPgContactRepository(pool)
	contactService := service.NewContactService(contactRepo, limiter, notifier)

	if cfg.Security.AdminToken == "" {
		slog.Warn("ADMIN_TOKEN not set; admin API will reject all requests")
	}

	throttle := handler.NewRateLimiter(cfg.Server.RequestsPerMinute, cfg.Server.TrustedProxyCount)
	go throttle.Run(ctx, 5*time.Minute)

	router := handler.NewRouter(handler.RouterConfig{
		Handler:    handler.New(pool, cfg.Server.FrontendURL),
		Contact:    handler.NewContactHandler(contactService, cfg.Server.TrustedProxyCount),
		CSRF:       auth.NewCSRF(cfg.Security.CSRFSecret, cfg.Security.CSRFMaxAge, cfg.Security.SecureCookie),
		Throttle:   throttle,
		AdminToken: cfg.Security.AdminToken,
	})

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", server.Addr, "storage", cfg.Storage.Type)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("server error", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

// newCounterStore はレート制限カウンタのストアを STORAGE_TYPE に従って生成する
func newCounterStore(ctx context.Context, cfg config.Config) (ratelimit.Store, func()) {
	switch cfg.Storage.Type {
	case "memory":
		// 単一プロセス専用。複数インスタンスでは上限がインスタンスごとになる
		store := ratelimit.NewMemoryStore()
		go store.RunSweeper(ctx, 5*time.Minute)
		slog.Warn("using in-memory rate limit store; limits are not shared between instances")
		return store, func() {}
	default:
		store, err := ratelimit.NewRedisStore(ctx, ratelimit.RedisConfig{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			logging.Fatal("failed to connect to redis", "error", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				slog.Error("redis close failed", "error", err)
			}
		}
	}
}
