package inbound

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerframe/vaultcore/internal/audit"
	"github.com/ledgerframe/vaultcore/pkg/domain"
	"github.com/ledgerframe/vaultcore/pkg/store/storetest"
	"github.com/ledgerframe/vaultcore/pkg/vaulterr"
	"github.com/ledgerframe/vaultcore/pkg/webhook"
)

const testSecret = "test-webhook-secret"

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHandler(t *testing.T) (*Handler, *storetest.Memory) {
	t.Helper()
	mem := storetest.New()
	// rdb is nil: the handler falls back to store-backed idempotency only.
	h := New(mem, audit.NewWriter(discardLogger()), testSecret, discardLogger(), nil)
	return h, mem
}

func seedACPAuthorization(t *testing.T, mem *storetest.Memory, tenantID, tokenID string, status domain.Status) domain.Authorization {
	t.Helper()
	now := time.Now().UTC()
	raw, err := json.Marshal(map[string]string{"token_id": tokenID})
	if err != nil {
		t.Fatalf("marshal raw_payload: %v", err)
	}
	a := domain.Authorization{
		ID:         uuid.New(),
		Protocol:   domain.ProtocolACP,
		TenantID:   tenantID,
		Status:     status,
		RawPayload: raw,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(24 * time.Hour),
	}
	if err := mem.CreateAuthorization(context.Background(), a); err != nil {
		t.Fatalf("CreateAuthorization: %v", err)
	}
	return a
}

func sign(body []byte) string {
	return webhook.Sign(testSecret, body)
}

func tokenUsedBody(eventID, tokenID string) []byte {
	body, _ := json.Marshal(map[string]any{
		"event_id":   eventID,
		"event_type": EventTokenUsed,
		"timestamp":  time.Now().UTC(),
		"data": map[string]any{
			"token_id":       tokenID,
			"amount":         "25.00",
			"currency":       "USD",
			"transaction_id": "txn_1",
			"merchant_id":    "merchant_1",
		},
	})
	return body
}

func tokenRevokedBody(eventID, tokenID, reason string) []byte {
	body, _ := json.Marshal(map[string]any{
		"event_id":   eventID,
		"event_type": EventTokenRevoked,
		"timestamp":  time.Now().UTC(),
		"data": map[string]any{
			"token_id": tokenID,
			"reason":   reason,
		},
	})
	return body
}

func TestHandle_RejectsInvalidSignature(t *testing.T) {
	h, _ := newHandler(t)
	body := tokenUsedBody("evt_1", "tok_1")

	_, err := h.Handle(context.Background(), "tenant-a", body, "deadbeef")
	if vaulterr.CodeOf(err) != vaulterr.Unauthorized {
		t.Errorf("CodeOf(err) = %v, want Unauthorized", vaulterr.CodeOf(err))
	}
}

func TestHandle_RejectsMalformedBody(t *testing.T) {
	h, _ := newHandler(t)
	body := []byte(`not json`)

	_, err := h.Handle(context.Background(), "tenant-a", body, sign(body))
	if vaulterr.CodeOf(err) != vaulterr.InvalidInput {
		t.Errorf("CodeOf(err) = %v, want InvalidInput", vaulterr.CodeOf(err))
	}
}

func TestHandle_RejectsUnsupportedEventType(t *testing.T) {
	h, _ := newHandler(t)
	body, _ := json.Marshal(map[string]any{
		"event_id":   "evt_1",
		"event_type": "token.something_else",
		"data":       map[string]any{},
	})

	_, err := h.Handle(context.Background(), "tenant-a", body, sign(body))
	if vaulterr.CodeOf(err) != vaulterr.InvalidInput {
		t.Errorf("CodeOf(err) = %v, want InvalidInput", vaulterr.CodeOf(err))
	}
}

func TestHandle_TokenUsed_AppliesAndEnqueuesDelivery(t *testing.T) {
	h, mem := newHandler(t)
	authz := seedACPAuthorization(t, mem, "tenant-a", "tok_1", domain.StatusValid)
	if err := mem.CreateSubscription(context.Background(), domain.Subscription{
		ID: uuid.New(), TenantID: "tenant-a", URL: "https://subscriber.example/hook",
		Events: []string{"mandate.used"}, Enabled: true,
	}); err != nil {
		t.Fatalf("CreateSubscription() error: %v", err)
	}
	body := tokenUsedBody("evt_1", "tok_1")

	result, err := h.Handle(context.Background(), "tenant-a", body, sign(body))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if result.Status != "applied" {
		t.Errorf("Status = %q, want applied", result.Status)
	}

	got, err := mem.GetAuthorization(context.Background(), "tenant-a", authz.ID, false)
	if err != nil {
		t.Fatalf("GetAuthorization() error: %v", err)
	}
	if got.Status != domain.StatusUsed {
		t.Errorf("Status = %v, want USED", got.Status)
	}
	if len(mem.Deliveries()) != 1 {
		t.Errorf("Deliveries() = %d, want 1 mandate.used enqueue", len(mem.Deliveries()))
	}
}

func TestHandle_TokenUsed_IllegalTransitionWhenAlreadyTerminal(t *testing.T) {
	h, mem := newHandler(t)
	seedACPAuthorization(t, mem, "tenant-a", "tok_1", domain.StatusRevoked)
	body := tokenUsedBody("evt_1", "tok_1")

	_, err := h.Handle(context.Background(), "tenant-a", body, sign(body))
	if vaulterr.CodeOf(err) != vaulterr.IllegalTransition {
		t.Errorf("CodeOf(err) = %v, want IllegalTransition", vaulterr.CodeOf(err))
	}
}

func TestHandle_TokenRevoked_AppliesFromUsed(t *testing.T) {
	h, mem := newHandler(t)
	authz := seedACPAuthorization(t, mem, "tenant-a", "tok_1", domain.StatusUsed)
	body := tokenRevokedBody("evt_1", "tok_1", "chargeback")

	result, err := h.Handle(context.Background(), "tenant-a", body, sign(body))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if result.Status != "applied" {
		t.Errorf("Status = %q, want applied", result.Status)
	}

	got, err := mem.GetAuthorization(context.Background(), "tenant-a", authz.ID, false)
	if err != nil {
		t.Fatalf("GetAuthorization() error: %v", err)
	}
	if got.Status != domain.StatusRevoked {
		t.Errorf("Status = %v, want REVOKED", got.Status)
	}
}

func TestHandle_TokenRevoked_NotFoundForUnknownToken(t *testing.T) {
	h, _ := newHandler(t)
	body := tokenRevokedBody("evt_1", "tok_missing", "fraud")

	_, err := h.Handle(context.Background(), "tenant-a", body, sign(body))
	if vaulterr.CodeOf(err) != vaulterr.NotFound {
		t.Errorf("CodeOf(err) = %v, want NotFound", vaulterr.CodeOf(err))
	}
}

func TestHandle_IdempotentReplayReturnsAlreadyProcessed(t *testing.T) {
	h, mem := newHandler(t)
	seedACPAuthorization(t, mem, "tenant-a", "tok_1", domain.StatusValid)
	if err := mem.CreateSubscription(context.Background(), domain.Subscription{
		ID: uuid.New(), TenantID: "tenant-a", URL: "https://subscriber.example/hook",
		Events: []string{"mandate.used"}, Enabled: true,
	}); err != nil {
		t.Fatalf("CreateSubscription() error: %v", err)
	}
	body := tokenUsedBody("evt_1", "tok_1")
	sig := sign(body)

	first, err := h.Handle(context.Background(), "tenant-a", body, sig)
	if err != nil {
		t.Fatalf("first Handle() error: %v", err)
	}
	if first.Status != "applied" {
		t.Fatalf("first Status = %q, want applied", first.Status)
	}

	second, err := h.Handle(context.Background(), "tenant-a", body, sig)
	if err != nil {
		t.Fatalf("second Handle() error: %v", err)
	}
	if second.Status != "already_processed" {
		t.Errorf("second Status = %q, want already_processed", second.Status)
	}
	if len(mem.Deliveries()) != 1 {
		t.Errorf("Deliveries() = %d, want 1 (replay must not enqueue a second notification)", len(mem.Deliveries()))
	}
}
