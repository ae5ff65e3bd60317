package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dealdesk-hq/dealdesk/internal/app"
	"github.com/dealdesk-hq/dealdesk/internal/authz"
	"github.com/dealdesk-hq/dealdesk/internal/notify"
	"github.com/dealdesk-hq/dealdesk/internal/observability"
	"github.com/dealdesk-hq/dealdesk/internal/platform/cache"
	"github.com/dealdesk-hq/dealdesk/internal/shared"
	"github.com/dealdesk-hq/dealdesk/jobs"
)

// notificationEvent is the slice of a notification payload the gateway acts
// on locally. Everything else is fanned out to subscribers untouched.
type notificationEvent struct {
	Event  string `json:"event"`
	UserID string `json:"user_id"`
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "dealdesk_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())

	metrics := observability.NewMetrics()

	source := authz.NewClient(cfg.AuthAPIURL, &http.Client{Timeout: cfg.AuthAPITimeout})
	permissionCache := authz.NewCache(source, logger,
		authz.WithTTL(cfg.PermissionCacheTTL),
		authz.WithCacheMetrics(metrics),
	)
	gate := authz.NewGate(permissionCache, logger)
	accessHandler := authz.NewHandler(gate, permissionCache, logger)

	transport := notify.NewTransport(cfg.NotifyWSURL, logger,
		notify.WithHeartbeatInterval(cfg.HeartbeatInterval),
		notify.WithMaxReconnectAttempts(cfg.MaxReconnectAttempts),
	)
	transport.Subscribe(func(payload json.RawMessage) {
		var event notificationEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return
		}
		if event.Event == "permissions_updated" && event.UserID != "" {
			logger.Info("permissions updated upstream, invalidating cache", slog.String("user_id", event.UserID))
			permissionCache.ClearUserCache(event.UserID)
		}
	})
	transport.Connect(ctx, cfg.NotifyToken)
	defer transport.Disconnect()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		AccessHandler:  accessHandler,
		Gate:           gate,
		JobHandler:     jobHandler,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
