// Command antigravityd runs the local proxy daemon: a Claude-dialect chat
// endpoint served from a pool of Google accounts against the internal
// generation API, plus the management API used by the desktop UI.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/krishnakanthb13/AntigravityManager/api"
	"github.com/krishnakanthb13/AntigravityManager/internal/account"
	"github.com/krishnakanthb13/AntigravityManager/internal/config"
	"github.com/krishnakanthb13/AntigravityManager/internal/credential"
	"github.com/krishnakanthb13/AntigravityManager/internal/quota"
	"github.com/krishnakanthb13/AntigravityManager/internal/ratelimit"
	"github.com/krishnakanthb13/AntigravityManager/internal/server"
	"github.com/krishnakanthb13/AntigravityManager/internal/signature"
	"github.com/krishnakanthb13/AntigravityManager/internal/telemetry"
	"github.com/krishnakanthb13/AntigravityManager/internal/transform"
	"github.com/krishnakanthb13/AntigravityManager/internal/upstream"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; installed builds won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	slog.Info("antigravityd starting", "version", version, "port", cfg.Port, "data_dir", cfg.DataDir)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Mutable user settings (settings.json in the data directory).
	settings, err := config.NewSettingsStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	// Credential encryption with keychain primary and legacy fallbacks.
	creds := credential.NewStore(cfg.DataDir)

	// SSE broker; the pool and poller publish into it.
	broker := server.NewBroker(logger)

	// Account pool. OAuth goes against Google's endpoints directly.
	pool, err := account.NewPool(cfg.DataDir, creds, settings, account.GoogleAuthenticator{}, broker.Publish, logger)
	if err != nil {
		return fmt.Errorf("account pool: %w", err)
	}
	logger.Info("account pool loaded", "accounts", len(pool.List()))

	// Upstream dispatch and request/response translation.
	dispatcher := upstream.NewDispatcher(cfg, settings, logger)
	transformer := transform.New(signature.New(cfg.SignatureCacheSize))

	// Background quota poller; the dispatcher doubles as its quota fetcher.
	poller := quota.NewPoller(pool, pool, dispatcher, cfg.PollInterval, broker.Publish, logger)
	poller.Start(ctx)

	// Optional local rate limit for /v1/messages.
	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitRPS > 0 {
		m := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = m.Close() }()
		limiter = m
		logger.Info("rate limiting: memory token bucket", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Pool:                pool,
		Transformer:         transformer,
		Dispatcher:          dispatcher,
		Settings:            settings,
		Poller:              poller,
		Broker:              broker,
		Limiter:             limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting requests and drain in-flight first,
	// then stop the poller.
	slog.Info("antigravityd shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	pollCtx, pollCancel := context.WithTimeout(context.Background(), 10*time.Second)
	poller.Stop(pollCtx)
	pollCancel()

	slog.Info("antigravityd stopped")
	return nil
}
