// Package storetest provides an in-memory store.Store for exercising C7,
// C9, C10, and C11 against the Store contract without a database, the same
// role modernc.org/sqlite plays for the embedded adapter but lighter still
// for pure unit tests of the components built on top of store.Store.
package storetest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerframe/vaultcore/pkg/domain"
	"github.com/ledgerframe/vaultcore/pkg/store"
)

// Memory is a single-process, mutex-guarded store.Store. WithTx has no
// rollback: whatever the callback wrote stays in place even when it fails —
// good enough for component-level tests that care about what got written,
// not about crash-consistency.
type Memory struct {
	mu            sync.Mutex
	authz         map[uuid.UUID]domain.Authorization
	audit         map[uuid.UUID][]domain.AuditEvent
	idempotency   map[string]domain.IdempotencyRecord
	subscriptions map[uuid.UUID]domain.Subscription
	deliveries    map[uuid.UUID]domain.DeliveryAttempt
	alerts        map[string]domain.Alert
}

// New constructs an empty Memory store.
func New() *Memory {
	return &Memory{
		authz:         map[uuid.UUID]domain.Authorization{},
		audit:         map[uuid.UUID][]domain.AuditEvent{},
		idempotency:   map[string]domain.IdempotencyRecord{},
		subscriptions: map[uuid.UUID]domain.Subscription{},
		deliveries:    map[uuid.UUID]domain.DeliveryAttempt{},
		alerts:        map[string]domain.Alert{},
	}
}

func (m *Memory) Close() {}

// WithTx runs fn against m directly. A panic or error still leaves whatever
// fn already wrote in place, since Memory has no undo log; tests that need
// to assert on rollback behavior should assert on the returned error
// instead of on post-failure state.
func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	return fn(ctx, m)
}

// --- AuthorizationStore ---

func (m *Memory) CreateAuthorization(ctx context.Context, a domain.Authorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authz[a.ID] = a
	return nil
}

func (m *Memory) GetAuthorization(ctx context.Context, tenantID string, id uuid.UUID, includeDeleted bool) (domain.Authorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.authz[id]
	if !ok || a.TenantID != tenantID {
		return domain.Authorization{}, store.ErrNotFound
	}
	if a.IsDeleted() && !includeDeleted {
		return domain.Authorization{}, store.ErrNotFound
	}
	return a, nil
}

func (m *Memory) GetAuthorizationByID(ctx context.Context, id uuid.UUID, includeDeleted bool) (domain.Authorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.authz[id]
	if !ok {
		return domain.Authorization{}, store.ErrNotFound
	}
	if a.IsDeleted() && !includeDeleted {
		return domain.Authorization{}, store.ErrNotFound
	}
	return a, nil
}

func (m *Memory) GetByTokenID(ctx context.Context, tenantID, tokenID string) (domain.Authorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.authz {
		if a.TenantID != tenantID {
			continue
		}
		var payload struct {
			TokenID string `json:"token_id"`
		}
		if err := json.Unmarshal(a.RawPayload, &payload); err == nil && payload.TokenID == tokenID {
			return a, nil
		}
	}
	return domain.Authorization{}, store.ErrNotFound
}

func (m *Memory) Search(ctx context.Context, f store.Filter) (store.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []domain.Authorization
	for _, a := range m.authz {
		if a.TenantID != f.TenantID {
			continue
		}
		if a.IsDeleted() && !f.IncludeDeleted {
			continue
		}
		if f.Protocol != nil && a.Protocol != *f.Protocol {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		matched = append(matched, a)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	total := len(matched)
	if f.Offset < len(matched) {
		matched = matched[f.Offset:]
	} else {
		matched = nil
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return store.SearchResult{Authorizations: matched, Total: total}, nil
}

func (m *Memory) UpdateStatus(ctx context.Context, tenantID string, id uuid.UUID, expectedCurrent domain.Status, newStatus domain.Status, now time.Time, mutate func(*domain.Authorization)) (domain.Authorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.authz[id]
	if !ok || a.TenantID != tenantID {
		return domain.Authorization{}, store.ErrNotFound
	}
	if a.Status != expectedCurrent {
		return domain.Authorization{}, store.ErrConflict
	}
	a.Status = newStatus
	a.UpdatedAt = now
	if mutate != nil {
		mutate(&a)
	}
	m.authz[id] = a
	return a, nil
}

func (m *Memory) SoftDelete(ctx context.Context, tenantID string, id uuid.UUID, retentionDays int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.authz[id]
	if !ok || a.TenantID != tenantID {
		return store.ErrNotFound
	}
	a.DeletedAt = &now
	m.authz[id] = a
	return nil
}

func (m *Memory) Restore(ctx context.Context, tenantID string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.authz[id]
	if !ok || a.TenantID != tenantID {
		return store.ErrNotFound
	}
	a.DeletedAt = nil
	m.authz[id] = a
	return nil
}

func (m *Memory) HardDeleteExpiredRetention(ctx context.Context, now time.Time, graceWindow time.Duration, batchSize int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, a := range m.authz {
		if a.DeletedAt == nil {
			continue
		}
		if now.Sub(*a.DeletedAt) < time.Duration(a.RetentionDays)*24*time.Hour+graceWindow {
			continue
		}
		delete(m.authz, id)
		delete(m.audit, id)
		n++
		if n >= batchSize {
			break
		}
	}
	return n, nil
}

func (m *Memory) ExpireBatch(ctx context.Context, now time.Time, batchSize int) ([]domain.Authorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Authorization
	for id, a := range m.authz {
		if a.Status.Terminal() || a.ExpiresAt.After(now) {
			continue
		}
		a.Status = domain.StatusExpired
		a.UpdatedAt = now
		m.authz[id] = a
		out = append(out, a)
		if len(out) >= batchSize {
			break
		}
	}
	return out, nil
}

func (m *Memory) NearExpiry(ctx context.Context, now time.Time, window time.Duration, batchSize int) ([]domain.Authorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Authorization
	for _, a := range m.authz {
		if a.Status.Terminal() || a.IsDeleted() {
			continue
		}
		if a.ExpiresAt.After(now) && a.ExpiresAt.Before(now.Add(window)) {
			out = append(out, a)
			if len(out) >= batchSize {
				break
			}
		}
	}
	return out, nil
}

// --- AuditStore ---

func (m *Memory) AppendAudit(ctx context.Context, e domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit[e.AuthorizationID] = append(m.audit[e.AuthorizationID], e)
	return nil
}

func (m *Memory) ListAudit(ctx context.Context, authorizationID uuid.UUID) ([]domain.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditEvent(nil), m.audit[authorizationID]...), nil
}

func (m *Memory) DeleteAudit(ctx context.Context, authorizationID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.audit, authorizationID)
	return nil
}

// --- IdempotencyStore ---

func (m *Memory) InsertIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.TenantID + ":" + rec.EventID
	if _, exists := m.idempotency[key]; exists {
		return store.ErrAlreadyExists
	}
	m.idempotency[key] = rec
	return nil
}

// --- SubscriptionStore ---

func (m *Memory) CreateSubscription(ctx context.Context, s domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[s.ID] = s
	return nil
}

func (m *Memory) GetSubscription(ctx context.Context, tenantID string, id uuid.UUID) (domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[id]
	if !ok || s.TenantID != tenantID {
		return domain.Subscription{}, store.ErrNotFound
	}
	return s, nil
}

func (m *Memory) GetSubscriptionByID(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[id]
	if !ok {
		return domain.Subscription{}, store.ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListEnabledSubscriptions(ctx context.Context, tenantID, eventType string) ([]domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Subscription
	for _, s := range m.subscriptions {
		if s.TenantID == tenantID && s.Allows(eventType) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) DisableSubscription(ctx context.Context, tenantID string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[id]
	if !ok || s.TenantID != tenantID {
		return store.ErrNotFound
	}
	s.Enabled = false
	m.subscriptions[id] = s
	return nil
}

func (m *Memory) RotateSubscriptionSecret(ctx context.Context, tenantID string, id uuid.UUID, newSecret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[id]
	if !ok || s.TenantID != tenantID {
		return store.ErrNotFound
	}
	s.Secret = newSecret
	m.subscriptions[id] = s
	return nil
}

// --- DeliveryStore ---

func (m *Memory) CreateDeliveryAttempt(ctx context.Context, d domain.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[d.ID] = d
	return nil
}

func (m *Memory) ClaimPending(ctx context.Context, now time.Time) (domain.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.deliveries {
		if d.Status == domain.DeliveryPending && !d.NextAttemptAt.After(now) {
			d.Status = domain.DeliveryInFlight
			m.deliveries[id] = d
			return d, nil
		}
	}
	return domain.DeliveryAttempt{}, store.ErrNotFound
}

func (m *Memory) ClaimDue(ctx context.Context, now time.Time, batchSize int) ([]domain.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeliveryAttempt
	for _, d := range m.deliveries {
		if d.Status == domain.DeliveryPending && !d.NextAttemptAt.After(now) {
			out = append(out, d)
			if len(out) >= batchSize {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) RecordSuccess(ctx context.Context, id uuid.UUID, responseCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return store.ErrNotFound
	}
	d.Status = domain.DeliverySuccess
	d.ResponseCode = &responseCode
	m.deliveries[id] = d
	return nil
}

func (m *Memory) RecordFailure(ctx context.Context, id uuid.UUID, attemptNumber, maxRetries int, responseCode *int, bodySnippet string, nextAttemptAt time.Time, dead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return store.ErrNotFound
	}
	d.AttemptNumber = attemptNumber
	d.ResponseCode = responseCode
	d.ResponseBodySnippet = bodySnippet
	d.NextAttemptAt = nextAttemptAt
	if dead {
		d.Status = domain.DeliveryDead
	} else {
		d.Status = domain.DeliveryPending
	}
	m.deliveries[id] = d
	return nil
}

func (m *Memory) GetDeliveryAttempt(ctx context.Context, tenantID string, id uuid.UUID) (domain.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return domain.DeliveryAttempt{}, store.ErrNotFound
	}
	sub, ok := m.subscriptions[d.SubscriptionID]
	if !ok || sub.TenantID != tenantID {
		return domain.DeliveryAttempt{}, store.ErrNotFound
	}
	return d, nil
}

func (m *Memory) ForceRetry(ctx context.Context, tenantID string, id uuid.UUID, now time.Time) (domain.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return domain.DeliveryAttempt{}, store.ErrNotFound
	}
	sub, ok := m.subscriptions[d.SubscriptionID]
	if !ok || sub.TenantID != tenantID {
		return domain.DeliveryAttempt{}, store.ErrNotFound
	}
	if d.Status != domain.DeliveryDead {
		return domain.DeliveryAttempt{}, store.ErrConflict
	}
	d.Status = domain.DeliveryPending
	d.NextAttemptAt = now
	m.deliveries[id] = d
	return d, nil
}

// --- AlertStore ---

func (m *Memory) CreateAlert(ctx context.Context, a domain.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := a.AuthorizationID.String() + ":" + a.AlertType
	if _, exists := m.alerts[key]; exists {
		return store.ErrAlreadyExists
	}
	m.alerts[key] = a
	return nil
}

// Deliveries exposes a snapshot of all delivery attempts, for test
// assertions that a component enqueued what it was supposed to.
func (m *Memory) Deliveries() []domain.DeliveryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DeliveryAttempt, 0, len(m.deliveries))
	for _, d := range m.deliveries {
		out = append(out, d)
	}
	return out
}
