// Package store implements C5: transactional CRUD over the protocol-agnostic
// Authorization entity plus the audit, subscription, delivery-attempt, and
// inbound-idempotency tables that share its transactions. Two adapters
// satisfy the same Store interface — Postgres (production) and SQLite
// (embedded/tests) — proving the store really is engine-agnostic the way
// spec.md's Non-goals promise.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerframe/vaultcore/pkg/domain"
)

// ErrNotFound is returned when a lookup finds no row in scope. Per testable
// property 6, cross-tenant lookups also return ErrNotFound, never a
// forbidden-style error, to avoid leaking existence across tenants.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned by UpdateStatus when the conditional update's
// expected_current_status does not match the row's current status —
// optimistic-lock loss (§4.5).
var ErrConflict = errors.New("store: conflict")

// ErrAlreadyExists is returned by InsertIdempotency on a (tenant_id,
// event_id) uniqueness violation, and by CreateAlert on a duplicate
// (authorization_id, alert_type).
var ErrAlreadyExists = errors.New("store: already exists")

// Filter is the Search predicate set of spec.md §4.5.
type Filter struct {
	TenantID       string
	Protocol       *domain.Protocol
	Status         *domain.Status
	Issuer         *string
	Subject        *string
	MinAmount      *string
	MaxAmount      *string
	Currency       *string
	ExpiresBefore  *time.Time
	ExpiresAfter   *time.Time
	CreatedBefore  *time.Time
	CreatedAfter   *time.Time
	IncludeDeleted bool

	SortBy    SortField
	SortDesc  bool
	Offset    int
	Limit     int
}

// SortField is one of the three sortable columns.
type SortField string

const (
	SortCreatedAt   SortField = "created_at"
	SortExpiresAt   SortField = "expires_at"
	SortAmountLimit SortField = "amount_limit"
)

// Normalize applies the default/max limit and offset rules of §4.5.
func (f *Filter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.SortBy == "" {
		f.SortBy = SortCreatedAt
	}
}

// SearchResult is a page of Search.
type SearchResult struct {
	Authorizations []domain.Authorization
	Total          int
}

// AuthorizationStore is the C5 contract.
type AuthorizationStore interface {
	CreateAuthorization(ctx context.Context, a domain.Authorization) error
	GetAuthorization(ctx context.Context, tenantID string, id uuid.UUID, includeDeleted bool) (domain.Authorization, error)
	// GetAuthorizationByID resolves an authorization without a tenant filter,
	// for an admin caller (C11) whose request carries only the resource ID.
	// The UUID primary key is globally unique, so this cannot leak a row
	// across tenants to anyone who could not already address it by ID.
	GetAuthorizationByID(ctx context.Context, id uuid.UUID, includeDeleted bool) (domain.Authorization, error)
	// GetByTokenID resolves an ACP authorization by the token_id embedded in
	// its raw_payload, for C7 step 4.
	GetByTokenID(ctx context.Context, tenantID, tokenID string) (domain.Authorization, error)
	Search(ctx context.Context, f Filter) (SearchResult, error)
	// UpdateStatus performs the conditional update of §4.5: it only applies
	// if the row's current status equals expectedCurrent. mutate may adjust
	// verification_status/reason as part of the same transition (e.g.
	// reverify). Returns ErrConflict if the row has moved, ErrNotFound if
	// absent in tenant scope.
	UpdateStatus(ctx context.Context, tenantID string, id uuid.UUID, expectedCurrent domain.Status, newStatus domain.Status, now time.Time, mutate func(*domain.Authorization)) (domain.Authorization, error)
	SoftDelete(ctx context.Context, tenantID string, id uuid.UUID, retentionDays int, now time.Time) error
	Restore(ctx context.Context, tenantID string, id uuid.UUID) error
	// HardDeleteExpiredRetention deletes soft-deleted rows whose retention
	// window has elapsed, along with their audit events, returning the
	// number of authorizations removed.
	HardDeleteExpiredRetention(ctx context.Context, now time.Time, graceWindow time.Duration, batchSize int) (int, error)
	// ExpireBatch conditionally transitions up to batchSize non-terminal
	// rows with expires_at <= now to EXPIRED, returning the transitioned
	// rows (for audit emission and outbound enqueue by the caller).
	ExpireBatch(ctx context.Context, now time.Time, batchSize int) ([]domain.Authorization, error)
	// NearExpiry returns non-terminal, non-deleted authorizations expiring
	// within window of now, for the alert generator.
	NearExpiry(ctx context.Context, now time.Time, window time.Duration, batchSize int) ([]domain.Authorization, error)
}

// AuditStore is the C6 contract. Writes must be issued inside the same
// transaction as the authorization mutation they describe (§4.6).
type AuditStore interface {
	AppendAudit(ctx context.Context, e domain.AuditEvent) error
	ListAudit(ctx context.Context, authorizationID uuid.UUID) ([]domain.AuditEvent, error)
	DeleteAudit(ctx context.Context, authorizationID uuid.UUID) error
}

// IdempotencyStore is the C7 idempotency table contract.
type IdempotencyStore interface {
	// InsertIdempotency returns ErrAlreadyExists on a (tenant_id, event_id)
	// conflict without returning an error from the enclosing transaction —
	// callers branch on the returned error to decide already_processed vs.
	// continue.
	InsertIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error
}

// SubscriptionStore is the C8 subscription registry contract.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, s domain.Subscription) error
	GetSubscription(ctx context.Context, tenantID string, id uuid.UUID) (domain.Subscription, error)
	// GetSubscriptionByID resolves a subscription without a tenant filter,
	// for the dispatcher pool (an internal, trusted worker) to look up the
	// owning subscription of a claimed DeliveryAttempt.
	GetSubscriptionByID(ctx context.Context, id uuid.UUID) (domain.Subscription, error)
	ListEnabledSubscriptions(ctx context.Context, tenantID, eventType string) ([]domain.Subscription, error)
	DisableSubscription(ctx context.Context, tenantID string, id uuid.UUID) error
	RotateSubscriptionSecret(ctx context.Context, tenantID string, id uuid.UUID, newSecret string) error
}

// DeliveryStore is the C8/C9 delivery-attempt ledger contract.
type DeliveryStore interface {
	CreateDeliveryAttempt(ctx context.Context, d domain.DeliveryAttempt) error
	// ClaimPending atomically transitions one PENDING attempt with
	// next_attempt_at <= now to IN_FLIGHT and returns it, or ErrNotFound if
	// none are claimable.
	ClaimPending(ctx context.Context, now time.Time) (domain.DeliveryAttempt, error)
	// ClaimDue returns up to batchSize PENDING attempts whose
	// next_attempt_at <= now, for the retry worker (§4.9), without changing
	// their status; such attempts are already claimable through ClaimPending.
	ClaimDue(ctx context.Context, now time.Time, batchSize int) ([]domain.DeliveryAttempt, error)
	RecordSuccess(ctx context.Context, id uuid.UUID, responseCode int) error
	RecordFailure(ctx context.Context, id uuid.UUID, attemptNumber, maxRetries int, responseCode *int, bodySnippet string, nextAttemptAt time.Time, dead bool) error
	GetDeliveryAttempt(ctx context.Context, tenantID string, id uuid.UUID) (domain.DeliveryAttempt, error)
	// ForceRetry resets a DEAD attempt back to PENDING with next_attempt_at
	// = now, for the admin force-retry operation (SPEC_FULL supplement 1).
	ForceRetry(ctx context.Context, tenantID string, id uuid.UUID, now time.Time) (domain.DeliveryAttempt, error)
}

// AlertStore is the near-expiry alert dedup contract (SPEC_FULL supplement 3).
type AlertStore interface {
	// CreateAlert inserts an Alert, returning ErrAlreadyExists if one with
	// the same (AuthorizationID, AlertType) already exists.
	CreateAlert(ctx context.Context, a domain.Alert) error
}

// Store is the full C5+C6+C7+C8+C9 persistence surface, plus a transactional
// wrapper so callers (C7's inbound handler, C11's façade) can co-commit an
// authorization mutation with its audit event and, for C7, its idempotency
// insert, in a single transaction per spec.md §4.6/§4.7.
type Store interface {
	AuthorizationStore
	AuditStore
	IdempotencyStore
	SubscriptionStore
	DeliveryStore
	AlertStore

	// WithTx runs fn against a Store bound to one transaction; fn's error
	// (or a panic) rolls the transaction back, otherwise it commits.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	Close()
}
