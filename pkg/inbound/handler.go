// Package inbound implements C7: the inbound ACP webhook handler. It is the
// one place a PSP's HTTP call mutates an Authorization's state directly,
// bypassing C11 — the trust path for ACP is this HMAC-signed lifecycle
// feed rather than a signature on the original token (§4.3).
package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerframe/vaultcore/internal/audit"
	"github.com/ledgerframe/vaultcore/pkg/domain"
	"github.com/ledgerframe/vaultcore/pkg/store"
	"github.com/ledgerframe/vaultcore/pkg/vaulterr"
	"github.com/ledgerframe/vaultcore/pkg/webhook"
)

// idempotencyCacheTTL bounds how long a processed event_id is remembered in
// Redis before falling back to the inbound_idempotency table. It only needs
// to outlast a PSP's own retry window, not the full dedup horizon.
const idempotencyCacheTTL = 24 * time.Hour

func idempotencyCacheKey(tenantID, eventID string) string {
	return "inbound:idempotency:" + tenantID + ":" + eventID
}

// EventTokenUsed and EventTokenRevoked are the only inbound event types
// recognized by §4.7 step 2.
const (
	EventTokenUsed    = "token.used"
	EventTokenRevoked = "token.revoked"
)

// Body is the inbound ACP webhook envelope of §6.1.
type Body struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// tokenUsedData and tokenRevokedData are the shapes of Body.Data per event
// type, used to populate the audit event per §4.6's table.
type tokenUsedData struct {
	TokenID       string `json:"token_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	TransactionID string `json:"transaction_id"`
	MerchantID    string `json:"merchant_id"`
}

type tokenRevokedData struct {
	TokenID string `json:"token_id"`
	Reason  string `json:"reason"`
}

// Result is what the HTTP transport reports back to the PSP — always a 200
// per §4.7 step 7, with Status distinguishing already_processed from applied.
type Result struct {
	Status  string `json:"status"`
	EventID string `json:"event_id"`
}

// Handler processes inbound PSP webhook deliveries.
type Handler struct {
	s      store.Store
	audit  *audit.Writer
	secret string
	logger *slog.Logger
	rdb    *redis.Client
}

// New constructs a Handler. secret is the configured ACP_WEBHOOK_SECRET. rdb
// is optional: when nil, idempotency is checked against the store only.
func New(s store.Store, w *audit.Writer, secret string, logger *slog.Logger, rdb *redis.Client) *Handler {
	return &Handler{s: s, audit: w, secret: secret, logger: logger, rdb: rdb}
}

// Handle runs the full §4.7 pipeline against raw body bytes and the
// X-ACP-Signature header value.
func (h *Handler) Handle(ctx context.Context, tenantID string, rawBody []byte, signature string) (Result, error) {
	// Step 1: HMAC verify.
	if !webhook.Verify(h.secret, rawBody, signature) {
		return Result{}, vaulterr.New(vaulterr.Unauthorized, "invalid webhook signature")
	}

	// Step 2: parse.
	var body Body
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return Result{}, vaulterr.Wrap(vaulterr.InvalidInput, "malformed webhook body", err)
	}
	if body.EventID == "" {
		return Result{}, vaulterr.New(vaulterr.InvalidInput, "missing event_id")
	}
	if body.EventType != EventTokenUsed && body.EventType != EventTokenRevoked {
		return Result{}, vaulterr.Newf(vaulterr.InvalidInput, "unsupported event_type %q", body.EventType)
	}

	// Step 3a: Redis hot path. A cache hit lets a PSP's retried delivery
	// short-circuit before touching the store at all.
	cacheKey := idempotencyCacheKey(tenantID, body.EventID)
	if h.rdb != nil {
		if _, err := h.rdb.Get(ctx, cacheKey).Result(); err == nil {
			return Result{Status: "already_processed", EventID: body.EventID}, nil
		} else if err != redis.Nil {
			h.logger.Warn("idempotency cache lookup failed, falling back to store", "error", err)
		}
	}

	var result Result
	err := h.s.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		// Step 3b: store-backed idempotency, authoritative on a cache miss.
		now := time.Now().UTC()
		insertErr := tx.InsertIdempotency(ctx, domain.IdempotencyRecord{
			EventID:    body.EventID,
			TenantID:   tenantID,
			ReceivedAt: now,
		})
		if insertErr == store.ErrAlreadyExists {
			result = Result{Status: "already_processed", EventID: body.EventID}
			return nil
		}
		if insertErr != nil {
			return fmt.Errorf("inserting idempotency record: %w", insertErr)
		}

		applied, err := h.apply(ctx, tx, tenantID, body, now)
		if err != nil {
			return err
		}
		result = applied
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if h.rdb != nil {
		if setErr := h.rdb.Set(ctx, cacheKey, result.Status, idempotencyCacheTTL).Err(); setErr != nil {
			h.logger.Warn("failed to warm idempotency cache", "error", setErr)
		}
	}
	return result, nil
}

func (h *Handler) apply(ctx context.Context, tx store.Store, tenantID string, body Body, now time.Time) (Result, error) {
	switch body.EventType {
	case EventTokenUsed:
		var data tokenUsedData
		if err := json.Unmarshal(body.Data, &data); err != nil {
			return Result{}, vaulterr.Wrap(vaulterr.InvalidInput, "malformed token.used data", err)
		}
		return h.applyUsed(ctx, tx, tenantID, body, data, now)
	case EventTokenRevoked:
		var data tokenRevokedData
		if err := json.Unmarshal(body.Data, &data); err != nil {
			return Result{}, vaulterr.Wrap(vaulterr.InvalidInput, "malformed token.revoked data", err)
		}
		return h.applyRevoked(ctx, tx, tenantID, body, data, now)
	default:
		return Result{}, vaulterr.Newf(vaulterr.InvalidInput, "unsupported event_type %q", body.EventType)
	}
}

func (h *Handler) applyUsed(ctx context.Context, tx store.Store, tenantID string, body Body, data tokenUsedData, now time.Time) (Result, error) {
	// Step 4: resolve authorization.
	authz, err := tx.GetByTokenID(ctx, tenantID, data.TokenID)
	if err != nil {
		if err == store.ErrNotFound {
			return Result{}, vaulterr.Newf(vaulterr.NotFound, "no authorization for token_id %q", data.TokenID)
		}
		return Result{}, fmt.Errorf("resolving authorization by token_id: %w", err)
	}

	// Step 5: apply transition. (VALID|ACTIVE) -> USED.
	expected := authz.Status
	if expected != domain.StatusValid && expected != domain.StatusActive {
		return Result{}, vaulterr.Newf(vaulterr.IllegalTransition, "authorization %s is %s, not eligible for token.used", authz.ID, expected)
	}
	updated, err := tx.UpdateStatus(ctx, tenantID, authz.ID, expected, domain.StatusUsed, now, nil)
	if err != nil {
		return Result{}, fmt.Errorf("transitioning authorization to USED: %w", err)
	}

	if err := h.audit.Append(ctx, tx, updated.ID, domain.AuditUsed, map[string]any{
		"protocol":       string(domain.ProtocolACP),
		"token_id":       data.TokenID,
		"amount":         data.Amount,
		"currency":       data.Currency,
		"transaction_id": data.TransactionID,
		"merchant_id":    data.MerchantID,
	}); err != nil {
		return Result{}, err
	}

	// Step 6: enqueue outbound notification.
	payload, _ := json.Marshal(map[string]any{
		"authorization_id": updated.ID,
		"token_id":         data.TokenID,
		"amount":           data.Amount,
		"currency":         data.Currency,
		"transaction_id":   data.TransactionID,
		"merchant_id":      data.MerchantID,
	})
	if err := webhook.Publish(ctx, tx, tenantID, "mandate.used", payload, now); err != nil {
		return Result{}, err
	}

	return Result{Status: "applied", EventID: body.EventID}, nil
}

func (h *Handler) applyRevoked(ctx context.Context, tx store.Store, tenantID string, body Body, data tokenRevokedData, now time.Time) (Result, error) {
	authz, err := tx.GetByTokenID(ctx, tenantID, data.TokenID)
	if err != nil {
		if err == store.ErrNotFound {
			return Result{}, vaulterr.Newf(vaulterr.NotFound, "no authorization for token_id %q", data.TokenID)
		}
		return Result{}, fmt.Errorf("resolving authorization by token_id: %w", err)
	}

	// (VALID|ACTIVE|USED) -> REVOKED.
	expected := authz.Status
	if expected != domain.StatusValid && expected != domain.StatusActive && expected != domain.StatusUsed {
		return Result{}, vaulterr.Newf(vaulterr.IllegalTransition, "authorization %s is %s, not eligible for token.revoked", authz.ID, expected)
	}
	updated, err := tx.UpdateStatus(ctx, tenantID, authz.ID, expected, domain.StatusRevoked, now, nil)
	if err != nil {
		return Result{}, fmt.Errorf("transitioning authorization to REVOKED: %w", err)
	}

	if err := h.audit.Append(ctx, tx, updated.ID, domain.AuditRevoked, map[string]any{
		"protocol":    string(domain.ProtocolACP),
		"reason":      data.Reason,
		"revoked_by":  "psp",
		"old_status":  string(expected),
		"new_status":  string(domain.StatusRevoked),
	}); err != nil {
		return Result{}, err
	}

	payload, _ := json.Marshal(map[string]any{
		"authorization_id": updated.ID,
		"token_id":         data.TokenID,
		"reason":           data.Reason,
	})
	if err := webhook.Publish(ctx, tx, tenantID, "mandate.revoked", payload, now); err != nil {
		return Result{}, err
	}

	return Result{Status: "applied", EventID: body.EventID}, nil
}
