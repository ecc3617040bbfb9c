// api/cmd/broker-api/main.go
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

	"github.com/forgebridge/runner-broker/api/internal/api/handlers"
	"github.com/forgebridge/runner-broker/api/internal/api/middleware"
	"github.com/forgebridge/runner-broker/api/internal/api/router"
	"github.com/forgebridge/runner-broker/api/internal/broker"
	"github.com/forgebridge/runner-broker/api/internal/config"
	"github.com/forgebridge/runner-broker/api/internal/core/domain"
	"github.com/forgebridge/runner-broker/api/internal/core/services"
	httpdelivery "github.com/forgebridge/runner-broker/api/internal/delivery/http"
	"github.com/forgebridge/runner-broker/api/internal/db/memory"
	"github.com/forgebridge/runner-broker/api/internal/db/postgres"
	"github.com/forgebridge/runner-broker/api/internal/infrastructure/crypto"

	"github.com/jackc/pgx/v5/pgxpool"
)

// auditSink adapts a domain.AuditRepository to the broker package's narrow
// AuditSink interface, so `internal/broker` never imports storage
// concerns directly. Writes are best-effort: a failure
// to persist an audit row never holds up the connection/queue/proxy path
// it is describing.
type auditSink struct {
	repo   domain.AuditRepository
	logger *slog.Logger
}

func (s auditSink) Record(category, resourceID, message string) {
	evt := &domain.AuditEvent{
		Severity:   "info",
		Category:   domain.AuditCategory(category),
		ResourceID: resourceID,
		Message:    message,
	}
	if err := s.repo.Create(context.Background(), evt); err != nil {
		s.logger.Warn("failed to record audit event", slog.String("category", category), slog.String("error", err.Error()))
	}
}

func main() {
	// --- 1. Core Telemetry & Configuration ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("booting runner broker")
	cfg := config.Load()

	// --- 2. Outbound Infrastructure ---
	// Postgres backs the audit trail and tunables store when configured;
	// without it the broker still runs, falling back to in-memory
	// implementations of the same interfaces.
	var auditRepo domain.AuditRepository
	var tunablesRepo domain.BrokerTunablesRepository
	var dbPool *pgxpool.Pool

	ctx, cancelBoot := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelBoot()

	if cfg.DatabaseURL != "" {
		var err error
		dbPool, err = postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("FATAL: postgres connection failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer dbPool.Close()
		auditRepo = postgres.NewAuditRepository(dbPool)
		tunablesRepo = postgres.NewTunablesRepository(dbPool)
		logger.Info("audit trail and tunables backed by postgres")
	} else {
		auditRepo = memory.NewAuditRepository()
		tunablesRepo = memory.NewTunablesRepository(domain.BrokerTunables{
			BatchDelayMs:        int(cfg.BatchDelay.Milliseconds()),
			HeartbeatIntervalMs: int(cfg.HeartbeatInterval.Milliseconds()),
			RunnerStaleMs:       int(cfg.RunnerStaleTimeout.Milliseconds()),
			BrowserStaleMs:      int(cfg.BrowserStaleTimeout.Milliseconds()),
			QueueMaxSize:        cfg.QueueMaxSize,
			CommandTTLMs:        int(cfg.CommandTTL.Milliseconds()),
			CommandMaxAttempts:  cfg.CommandMaxAttempts,
		})
		logger.Warn("DATABASE_URL not set: audit trail and tunables are in-memory only")
	}

	var cryptoService *crypto.AESCryptoService
	if cfg.EncryptionKeyHex != "" {
		var err error
		cryptoService, err = crypto.NewAESCryptoService(cfg.EncryptionKeyHex)
		if err != nil {
			logger.Error("FATAL: cryptographic initialization failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// --- 3. Core Broker ---
	activeTunables, err := tunablesRepo.GetActive(ctx)
	if err != nil {
		logger.Error("FATAL: failed to load broker tunables", slog.String("error", err.Error()))
		os.Exit(1)
	}

	b := broker.New(logger, broker.Tunables{
		BatchDelay:          time.Duration(activeTunables.BatchDelayMs) * time.Millisecond,
		HeartbeatInterval:   time.Duration(activeTunables.HeartbeatIntervalMs) * time.Millisecond,
		RunnerStaleTimeout:  time.Duration(activeTunables.RunnerStaleMs) * time.Millisecond,
		BrowserStaleTimeout: time.Duration(activeTunables.BrowserStaleMs) * time.Millisecond,
		QueueMaxSize:        activeTunables.QueueMaxSize,
		CommandTTL:          time.Duration(activeTunables.CommandTTLMs) * time.Millisecond,
		CommandMaxAttempts:  activeTunables.CommandMaxAttempts,
		HTTPProxyTimeout:    cfg.HTTPProxyTimeout,
		HMRConnectTimeout:   cfg.HMRConnectTimeout,
	})
	b.SetAuditSink(auditSink{repo: auditRepo, logger: logger})

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go b.HealthMonitor.Start(workerCtx)

	// --- 4. Dependency Injection ---
	dispatcher := broker.NewUpgradeDispatcher(nil)
	tokenService := services.NewAdminTokenService(cfg.JWTAdminSecret)
	authMiddleware := middleware.NewAuthMiddleware(tokenService, logger)

	runnerWS := handlers.NewRunnerWebSocketHandler(dispatcher, b, config.RunnerSharedSecret, logger)
	browserWS := handlers.NewBrowserWebSocketHandler(dispatcher, b, logger)
	hmrWS := handlers.NewHMRWebSocketHandler(dispatcher, b, logger)
	proxyHandler := handlers.NewProxyHandler(b, logger)

	// A nil *crypto.AESCryptoService boxed directly into the
	// domain.CryptoService interface would be a non-nil interface holding
	// a nil pointer, so this assignment only happens when it is set.
	var cryptoSvc domain.CryptoService
	if cryptoService != nil {
		cryptoSvc = cryptoService
	}
	commandHandler := handlers.NewCommandHandler(b, cryptoSvc, auditRepo, logger)
	broadcastHandler := handlers.NewBroadcastHandler(b, logger)
	tunablesHandler := handlers.NewTunablesHandler(tunablesRepo, b, logger)
	auditHandler := handlers.NewAuditHandler(auditRepo, logger)
	healthHandler := httpdelivery.NewHealthHandler(b, dbPool)

	// --- 5. HTTP Gateway ---
	mux := router.NewRouter(router.RouterConfig{
		AllowedOrigins: nil,
		EnableWSProxy:  cfg.UseWSProxy,
		RunnerWS:       runnerWS,
		BrowserWS:      browserWS,
		HMRWS:          hmrWS,
		Proxy:          proxyHandler,
		Commands:       commandHandler,
		Broadcast:      broadcastHandler,
		Tunables:       tunablesHandler,
		Audit:          auditHandler,
		Health:         healthHandler,
		AuthMiddleware: authMiddleware,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	// --- 6. Graceful Exit ---
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("runner broker listening", slog.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("CRITICAL: server crashed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-stop
	logger.Info("shutting down")
	cancelWorkers()
	b.Shutdown()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", slog.String("error", err.Error()))
	}
	logger.Info("runner broker shutdown complete")
}
