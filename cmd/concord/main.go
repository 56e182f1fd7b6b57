package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/victorivanov/concord/internal/api"
	"github.com/victorivanov/concord/internal/auth"
	"github.com/victorivanov/concord/internal/config"
	"github.com/victorivanov/concord/internal/database"
	"github.com/victorivanov/concord/internal/gateway"
	"github.com/victorivanov/concord/internal/permsync"
	redisclient "github.com/victorivanov/concord/internal/redis"
	"github.com/victorivanov/concord/internal/service"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("concord exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- Infrastructure ---

	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb, err := redisclient.NewClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	ids, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return err
	}
	tokens := auth.NewTokenService(cfg.JWTSecret)

	// --- Repositories ---

	servers := database.NewServerRepository(pool)
	roles := database.NewRoleRepository(pool)
	members := database.NewMemberRepository(pool)
	channels := database.NewChannelRepository(pool)
	messages := database.NewMessageRepository(pool)

	// --- Permissions, gateway and session sync ---

	checker := service.NewPermissionChecker(servers, roles, members, channels, rdb, cfg.PermissionCacheTTL)
	gw := gateway.NewManager(tokens, checker)
	gw.AllowOrigins(cfg.GatewayOrigins)

	syncer := permsync.New(servers, roles, members, channels, gw, permsync.Config{
		Workers:     cfg.SyncWorkers,
		QueueSize:   cfg.SyncQueueSize,
		MaxAttempts: cfg.SyncMaxAttempts,
		BatchSize:   cfg.SyncBatchSize,
	})
	syncer.Start(ctx)
	defer func() {
		syncer.Stop()
		st := syncer.Stats()
		slog.Info("session sync stopped", "processed", st.Processed, "failed", st.Failed, "dropped", st.Dropped)
	}()

	// --- Services and handlers ---

	serverSvc := service.NewServerService(servers, roles, members, channels, ids, checker, gw, syncer)
	deps := &api.Dependencies{
		Servers:      api.NewServerHandler(serverSvc),
		Channels:     api.NewChannelHandler(service.NewChannelService(channels, members, ids, checker, gw, syncer), serverSvc),
		Members:      api.NewMemberHandler(service.NewMemberService(members, channels, checker, gw, syncer)),
		Roles:        api.NewRoleHandler(service.NewRoleService(roles, members, channels, ids, checker, gw, syncer)),
		Messages:     api.NewMessageHandler(service.NewMessageService(messages, ids, gw, checker)),
		Gateway:      gw,
		TokenService: tokens,
		Redis:        rdb,
	}

	// --- Echo ---

	e := echo.New()
	e.HidePort = true
	e.HideBanner = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				slog.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			slog.Debug("request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.SetupRouter(e, deps)

	// --- Start ---

	errCh := make(chan error, 1)
	go func() {
		slog.Info("concord starting", "addr", cfg.ServerAddr)
		if err := e.Start(cfg.ServerAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
