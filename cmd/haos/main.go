package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/victorivanov/haos/internal/api"
	"github.com/victorivanov/haos/internal/auth"
	"github.com/victorivanov/haos/internal/config"
	"github.com/victorivanov/haos/internal/database"
	"github.com/victorivanov/haos/internal/gateway"
	redisclient "github.com/victorivanov/haos/internal/redis"
	"github.com/victorivanov/haos/internal/service"
	"github.com/victorivanov/haos/internal/storage"
	"github.com/victorivanov/haos/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A local .env only fills variables that are not already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	configPath := flag.String("config", os.Getenv("HAOS_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	telemetry.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Infrastructure ---

	pool, err := database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	checks := map[string]api.Pinger{"postgres": pool}

	var (
		limiter  api.RateLimiter
		locker   service.CommitLocker
		receipts service.ReceiptStore
	)

	if cfg.Redis.URL != "" {
		rdb, err := redisclient.NewClient(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		limiter, locker = rdb, rdb
		checks["redis"] = rdb
	} else {
		slog.Warn("redis not configured, rate limiting and commit locking disabled")
	}

	if cfg.MinIO.Endpoint != "" {
		mc, err := storage.NewMinIOClient(ctx, cfg.MinIO.Endpoint, cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, cfg.MinIO.Bucket, cfg.MinIO.Secure)
		if err != nil {
			return fmt.Errorf("minio: %w", err)
		}
		receipts = mc
		checks["minio"] = mc
	}

	tokenSvc := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.AccessExpiry)

	// --- Repositories ---

	servers := database.NewServerRepository(pool)
	roles := database.NewRoleRepository(pool)
	members := database.NewMemberRepository(pool)
	auditLog := database.NewAuditLogRepository(pool)

	// --- Gateway ---

	gwManager := gateway.NewManager(tokenSvc, servers, gateway.WithAllowedOrigins(cfg.Gateway.Origins()...))

	// --- Services ---

	perms := service.NewPermissionChecker(servers, members, roles)
	roleSvc := service.NewRoleService(roles, gwManager, perms)
	memberSvc := service.NewMemberService(members, perms, policy)
	bulkSvc := service.NewBulkService(members, perms, gwManager, locker, receipts, service.BulkConfig{
		SessionTTL:    cfg.Bulk.SessionTTL,
		CommitLockTTL: cfg.Bulk.CommitLockTTL,
		Policy:        policy,
	})
	historySvc := service.NewHistoryService(auditLog, perms, bulkSvc)

	deps := &api.Dependencies{
		Health:       api.NewHealthHandler(checks),
		Roles:        api.NewRoleHandler(roleSvc),
		Members:      api.NewMemberHandler(memberSvc),
		Bulk:         api.NewBulkHandler(bulkSvc),
		History:      api.NewHistoryHandler(historySvc),
		Gateway:      gwManager,
		Permissions:  perms,
		TokenService: tokenSvc,
		RateLimiter:  limiter,
	}

	// --- Echo ---

	e := echo.New()
	e.HidePort = true
	e.HideBanner = true
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			)
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

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("haos starting", "addr", cfg.Server.Addr)
		if err := e.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return bulkSvc.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(sctx)
	})

	return g.Wait()
}
