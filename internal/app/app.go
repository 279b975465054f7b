// Package app wires the vault's components together and starts either the
// api or worker process mode, following the teacher's Run(ctx, cfg) entry
// point shape (internal/app/app.go) with the domain-specific handler mounts
// replaced by the vault's own C7/C11 surface.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ledgerframe/vaultcore/internal/audit"
	"github.com/ledgerframe/vaultcore/internal/clock"
	"github.com/ledgerframe/vaultcore/internal/config"
	"github.com/ledgerframe/vaultcore/internal/platform"
	"github.com/ledgerframe/vaultcore/internal/telemetry"
	"github.com/ledgerframe/vaultcore/internal/transport"
	"github.com/ledgerframe/vaultcore/pkg/acp"
	"github.com/ledgerframe/vaultcore/pkg/ap2"
	"github.com/ledgerframe/vaultcore/pkg/dispatcher"
	"github.com/ledgerframe/vaultcore/pkg/evidence"
	"github.com/ledgerframe/vaultcore/pkg/inbound"
	"github.com/ledgerframe/vaultcore/pkg/lifecycle"
	"github.com/ledgerframe/vaultcore/pkg/store"
	"github.com/ledgerframe/vaultcore/pkg/truststore"
	"github.com/ledgerframe/vaultcore/pkg/vault"
	"github.com/ledgerframe/vaultcore/pkg/webhook"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting vaultcore", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	s, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	trust, err := truststore.New(ctx, truststore.FileSource{Dir: cfg.TruststoreSource})
	if err != nil {
		return fmt.Errorf("loading truststore: %w", err)
	}

	clk := clock.New()
	ap2Verifier := ap2.New(trust, clk)
	acpVerifier, err := acp.New(clk, acp.Config{PSPAllowlist: cfg.ACPPSPAllowlist})
	if err != nil {
		return fmt.Errorf("compiling ACP schema: %w", err)
	}
	dispatch := dispatcher.New(ap2Verifier, acpVerifier, cfg.ACPEnable)

	auditWriter := audit.NewWriter(logger)
	evidenceExporter := evidence.New(s, auditWriter)

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	dispatcherPool := webhook.New(s, logger, webhook.Config{
		WorkerCount: cfg.WebhookWorkerCount,
		Timeout:     cfg.WebhookTimeout,
	}, telemetry.OutboundDeliveriesTotal, telemetry.OutboundDeliveryDuration)

	vaultSvc := vault.New(s, dispatch, auditWriter, evidenceExporter, clk)

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn("redis unavailable, idempotency hot-path cache disabled", "error", err)
		rdb = nil
	} else {
		defer rdb.Close()
	}
	inboundHandler := inbound.New(s, auditWriter, cfg.ACPWebhookSecret, logger, rdb)

	workers := lifecycle.New(s, auditWriter, logger, lifecycle.Config{
		ExpiryCheckInterval: cfg.ExpiryCheckInterval,
		CleanupInterval:     cfg.CleanupInterval,
		AlertCheckInterval:  cfg.AlertCheckInterval,
		AlertWindow:         cfg.AlertWindow,
		RetryCheckInterval:  cfg.RetryCheckInterval,
		LeaderOnly:          cfg.LeaderOnly,
	}, telemetry.WorkerTicksTotal, telemetry.ExpiredTotal, telemetry.AlertsGeneratedTotal)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, vaultSvc, inboundHandler, dispatcherPool, workers, metricsReg)
	case "worker":
		return runWorker(ctx, logger, dispatcherPool, workers)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.SQLitePath != "" {
		sq, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		logger.Info("using embedded sqlite store", "path", cfg.SQLitePath)
		return sq, sq.Close, nil
	}

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	pg := store.NewPostgres(pool)
	return pg, pg.Close, nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, v *vault.Service, in *inbound.Handler, dispatcherPool *webhook.Dispatcher, workers *lifecycle.Workers, metricsReg *prometheus.Registry) error {
	go dispatcherPool.Run(ctx)
	go workers.Run(ctx)

	router := chi.NewRouter()
	router.Mount("/", transport.New(v, in, logger, cfg.MaxPayloadBytes).Routes())
	router.Handle(cfg.MetricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: cfg.ListenAddr(), Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.WebhookTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("api listening", "addr", cfg.ListenAddr())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

func runWorker(ctx context.Context, logger *slog.Logger, dispatcherPool *webhook.Dispatcher, workers *lifecycle.Workers) error {
	logger.Info("worker mode: running dispatcher pool and lifecycle workers")
	go dispatcherPool.Run(ctx)
	workers.Run(ctx)
	return nil
}
