// Package lifecycle implements C9: the four cooperative periodic workers
// (expiry scanner, near-expiry alert generator, retention cleanup,
// failed-delivery retrier). Each is a cancellable ticker loop, grounded in
// the teacher's escalation engine shape (pkg/escalation/engine.go) but
// driven by plain interval tickers rather than pub/sub, since lifecycle
// transitions here originate from the clock, not external acks.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ledgerframe/vaultcore/internal/audit"
	"github.com/ledgerframe/vaultcore/pkg/domain"
	"github.com/ledgerframe/vaultcore/pkg/store"
	"github.com/ledgerframe/vaultcore/pkg/webhook"
)

// Config carries the four workers' intervals and batch sizes (§4.9, §6.2).
type Config struct {
	ExpiryCheckInterval time.Duration
	CleanupInterval     time.Duration
	AlertCheckInterval  time.Duration
	AlertWindow         time.Duration
	RetryCheckInterval  time.Duration
	BatchSize           int
	RetentionGrace      time.Duration
	// LeaderOnly gates all four loops on an external leader-election signal
	// the caller supplies via IsLeader; coordination itself is out of scope
	// (§4.9) — when LeaderOnly is false IsLeader is never consulted.
	LeaderOnly bool
	IsLeader   func() bool
}

func (c *Config) applyDefaults() {
	if c.ExpiryCheckInterval <= 0 {
		c.ExpiryCheckInterval = time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 24 * time.Hour
	}
	if c.AlertCheckInterval <= 0 {
		c.AlertCheckInterval = time.Hour
	}
	if c.AlertWindow <= 0 {
		c.AlertWindow = 7 * 24 * time.Hour
	}
	if c.RetryCheckInterval <= 0 {
		c.RetryCheckInterval = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
}

// Workers bundles the four periodic tasks over one store and audit writer.
type Workers struct {
	s      store.Store
	audit  *audit.Writer
	logger *slog.Logger
	cfg    Config

	ticks    *prometheus.CounterVec
	expired  prometheus.Counter
	alerts   prometheus.Counter
}

// New constructs Workers. ticks/expired/alerts are
// telemetry.WorkerTicksTotal / ExpiredTotal / AlertsGeneratedTotal.
func New(s store.Store, w *audit.Writer, logger *slog.Logger, cfg Config, ticks *prometheus.CounterVec, expired, alerts prometheus.Counter) *Workers {
	cfg.applyDefaults()
	return &Workers{s: s, audit: w, logger: logger, cfg: cfg, ticks: ticks, expired: expired, alerts: alerts}
}

func (w *Workers) leads() bool {
	if !w.cfg.LeaderOnly || w.cfg.IsLeader == nil {
		return true
	}
	return w.cfg.IsLeader()
}

// Run starts all four loops and blocks until ctx is cancelled.
func (w *Workers) Run(ctx context.Context) {
	go w.loop(ctx, "expiry_scanner", w.cfg.ExpiryCheckInterval, w.scanExpiry)
	go w.loop(ctx, "alert_generator", w.cfg.AlertCheckInterval, w.generateAlerts)
	go w.loop(ctx, "retention_cleanup", w.cfg.CleanupInterval, w.cleanupRetention)
	go w.loop(ctx, "delivery_retrier", w.cfg.RetryCheckInterval, w.retryDeliveries)
	<-ctx.Done()
}

// loop runs fn every interval until ctx is cancelled. Per §7's propagation
// policy, a failing iteration logs, increments a failure counter, and the
// loop continues — workers never exit on error.
func (w *Workers) loop(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.leads() {
				continue
			}
			outcome := "ok"
			if err := fn(ctx); err != nil {
				w.logger.Error("lifecycle worker iteration failed", "worker", name, "error", err)
				outcome = "error"
			}
			if w.ticks != nil {
				w.ticks.WithLabelValues(name, outcome).Inc()
			}
		}
	}
}

// scanExpiry implements the expiry scanner of §4.9.
func (w *Workers) scanExpiry(ctx context.Context) error {
	now := time.Now().UTC()
	expired, err := w.s.ExpireBatch(ctx, now, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("expiring batch: %w", err)
	}
	for _, authz := range expired {
		err := w.s.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
			if err := w.audit.Append(ctx, tx, authz.ID, domain.AuditExpired, map[string]any{
				"protocol":   string(authz.Protocol),
				"expires_at": authz.ExpiresAt,
				"old_status": "VALID",
				"new_status": "EXPIRED",
			}); err != nil {
				return err
			}
			payload, _ := json.Marshal(map[string]any{"authorization_id": authz.ID})
			return webhook.Publish(ctx, tx, authz.TenantID, "mandate.expired", payload, now)
		})
		if err != nil {
			w.logger.Error("recording expiry audit/outbound", "authorization_id", authz.ID, "error", err)
			continue
		}
		if w.expired != nil {
			w.expired.Inc()
		}
	}
	return nil
}

// generateAlerts implements the near-expiry alert generator of §4.9.
func (w *Workers) generateAlerts(ctx context.Context) error {
	now := time.Now().UTC()
	candidates, err := w.s.NearExpiry(ctx, now, w.cfg.AlertWindow, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing near-expiry authorizations: %w", err)
	}
	for _, authz := range candidates {
		alert := domain.Alert{
			ID:              uuid.New(),
			AuthorizationID: authz.ID,
			TenantID:        authz.TenantID,
			AlertType:       "near_expiry",
			CreatedAt:       now,
		}
		err := w.s.CreateAlert(ctx, alert)
		if err == store.ErrAlreadyExists {
			continue
		}
		if err != nil {
			w.logger.Error("creating near-expiry alert", "authorization_id", authz.ID, "error", err)
			continue
		}
		if w.alerts != nil {
			w.alerts.Inc()
		}
	}
	return nil
}

// cleanupRetention implements the retention cleanup worker of §4.9.
func (w *Workers) cleanupRetention(ctx context.Context) error {
	now := time.Now().UTC()
	n, err := w.s.HardDeleteExpiredRetention(ctx, now, w.cfg.RetentionGrace, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("hard-deleting expired-retention rows: %w", err)
	}
	if n > 0 {
		w.logger.Info("retention cleanup purged rows", "count", n)
	}
	return nil
}

// retryDeliveries implements the failed-delivery retrier of §4.9/§4.8 —
// it reads due PENDING attempts without changing them; the dispatcher pool
// picks them up on its own poll cycle, so ClaimDue here is a no-op re-read
// used only to surface metrics/logging, since PENDING+due rows are already
// directly claimable by the dispatcher without this worker's help. It exists
// to batch-log stuck deliveries for operational visibility.
func (w *Workers) retryDeliveries(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := w.s.ClaimDue(ctx, now, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing due delivery attempts: %w", err)
	}
	if len(due) > 0 {
		w.logger.Debug("delivery retrier observed due attempts", "count", len(due))
	}
	return nil
}
