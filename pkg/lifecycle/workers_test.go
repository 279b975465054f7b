package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerframe/vaultcore/internal/audit"
	"github.com/ledgerframe/vaultcore/pkg/domain"
	"github.com/ledgerframe/vaultcore/pkg/store"
	"github.com/ledgerframe/vaultcore/pkg/store/storetest"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newWorkers(t *testing.T, cfg Config) (*Workers, *storetest.Memory) {
	t.Helper()
	mem := storetest.New()
	w := New(mem, audit.NewWriter(discardLogger()), discardLogger(), cfg, nil, nil, nil)
	return w, mem
}

func seedAuthorization(t *testing.T, mem *storetest.Memory, tenantID string, status domain.Status, expiresAt time.Time) domain.Authorization {
	t.Helper()
	now := time.Now().UTC()
	a := domain.Authorization{
		ID:        uuid.New(),
		Protocol:  domain.ProtocolAP2,
		TenantID:  tenantID,
		Status:    status,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := mem.CreateAuthorization(context.Background(), a); err != nil {
		t.Fatalf("CreateAuthorization: %v", err)
	}
	return a
}

func TestScanExpiry_TransitionsPastExpiryAndEnqueuesNotification(t *testing.T) {
	w, mem := newWorkers(t, Config{})
	authz := seedAuthorization(t, mem, "tenant-a", domain.StatusValid, time.Now().UTC().Add(-time.Hour))
	if err := mem.CreateSubscription(context.Background(), domain.Subscription{
		ID: uuid.New(), TenantID: "tenant-a", URL: "https://subscriber.example/hook",
		Events: []string{"mandate.expired"}, Enabled: true,
	}); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	if err := w.scanExpiry(context.Background()); err != nil {
		t.Fatalf("scanExpiry() error: %v", err)
	}

	got, err := mem.GetAuthorization(context.Background(), "tenant-a", authz.ID, false)
	if err != nil {
		t.Fatalf("GetAuthorization() error: %v", err)
	}
	if got.Status != domain.StatusExpired {
		t.Errorf("Status = %v, want EXPIRED", got.Status)
	}
	if len(mem.Deliveries()) != 1 {
		t.Errorf("Deliveries() = %d, want 1 mandate.expired enqueue", len(mem.Deliveries()))
	}
}

func TestScanExpiry_LeavesNonExpiredAlone(t *testing.T) {
	w, mem := newWorkers(t, Config{})
	authz := seedAuthorization(t, mem, "tenant-a", domain.StatusValid, time.Now().UTC().Add(time.Hour))

	if err := w.scanExpiry(context.Background()); err != nil {
		t.Fatalf("scanExpiry() error: %v", err)
	}

	got, err := mem.GetAuthorization(context.Background(), "tenant-a", authz.ID, false)
	if err != nil {
		t.Fatalf("GetAuthorization() error: %v", err)
	}
	if got.Status != domain.StatusValid {
		t.Errorf("Status = %v, want unchanged VALID", got.Status)
	}
	if len(mem.Deliveries()) != 0 {
		t.Errorf("Deliveries() = %d, want 0", len(mem.Deliveries()))
	}
}

func TestGenerateAlerts_DedupsOnRepeatedRuns(t *testing.T) {
	w, mem := newWorkers(t, Config{AlertWindow: 7 * 24 * time.Hour})
	seedAuthorization(t, mem, "tenant-a", domain.StatusValid, time.Now().UTC().Add(24*time.Hour))

	if err := w.generateAlerts(context.Background()); err != nil {
		t.Fatalf("first generateAlerts() error: %v", err)
	}
	// A second run must not error or duplicate the alert: CreateAlert's
	// ErrAlreadyExists is swallowed per authorization.
	if err := w.generateAlerts(context.Background()); err != nil {
		t.Fatalf("second generateAlerts() error: %v", err)
	}
}

func TestGenerateAlerts_SkipsOutsideWindow(t *testing.T) {
	w, mem := newWorkers(t, Config{AlertWindow: time.Hour})
	authz := seedAuthorization(t, mem, "tenant-a", domain.StatusValid, time.Now().UTC().Add(30*24*time.Hour))

	if err := w.generateAlerts(context.Background()); err != nil {
		t.Fatalf("generateAlerts() error: %v", err)
	}
	// storetest.Memory has no alert accessor; CreateAlert on the same
	// (authorization, near_expiry) key succeeds only if the run above wrote
	// no alert for it.
	err := mem.CreateAlert(context.Background(), domain.Alert{
		ID: uuid.New(), AuthorizationID: authz.ID, TenantID: "tenant-a",
		AlertType: "near_expiry", CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Errorf("CreateAlert() = %v, want nil (no near_expiry alert outside the window)", err)
	}
}

func TestCleanupRetention_PurgesPastGraceWindow(t *testing.T) {
	w, mem := newWorkers(t, Config{RetentionGrace: 0})
	authz := seedAuthorization(t, mem, "tenant-a", domain.StatusRevoked, time.Now().UTC().Add(-time.Hour))
	deletedAt := time.Now().UTC().Add(-100 * 24 * time.Hour)
	if err := mem.SoftDelete(context.Background(), "tenant-a", authz.ID, 0, deletedAt); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	if err := w.cleanupRetention(context.Background()); err != nil {
		t.Fatalf("cleanupRetention() error: %v", err)
	}

	if _, err := mem.GetAuthorization(context.Background(), "tenant-a", authz.ID, true); err != store.ErrNotFound {
		t.Errorf("GetAuthorization() after cleanup error = %v, want ErrNotFound", err)
	}
}

func TestRetryDeliveries_ObservesDueAttemptsWithoutError(t *testing.T) {
	w, mem := newWorkers(t, Config{})
	d := domain.DeliveryAttempt{
		ID:            uuid.New(),
		Status:        domain.DeliveryPending,
		NextAttemptAt: time.Now().UTC().Add(-time.Minute),
	}
	if err := mem.CreateDeliveryAttempt(context.Background(), d); err != nil {
		t.Fatalf("CreateDeliveryAttempt: %v", err)
	}

	if err := w.retryDeliveries(context.Background()); err != nil {
		t.Fatalf("retryDeliveries() error: %v", err)
	}
}

func TestLeads_GatesOnIsLeaderWhenLeaderOnly(t *testing.T) {
	calls := 0
	w, _ := newWorkers(t, Config{LeaderOnly: true, IsLeader: func() bool { calls++; return false }})
	if w.leads() {
		t.Error("leads() = true, want false when IsLeader reports false")
	}
	if calls != 1 {
		t.Errorf("IsLeader called %d times, want 1", calls)
	}
}

func TestLeads_AlwaysTrueWhenNotLeaderOnly(t *testing.T) {
	w, _ := newWorkers(t, Config{LeaderOnly: false, IsLeader: func() bool { return false }})
	if !w.leads() {
		t.Error("leads() = false, want true when LeaderOnly is unset")
	}
}
