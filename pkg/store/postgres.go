package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerframe/vaultcore/pkg/domain"
	"github.com/ledgerframe/vaultcore/pkg/money"
)

// dbtx is the subset of *pgxpool.Pool and pgx.Tx this package needs,
// following the teacher's DBTX-over-pool-or-tx convention (pkg/alert/store.go).
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store over a pgxpool.Pool, dispatching every query
// through dbtx so the identical query methods serve both the pooled and
// transactional cases.
type Postgres struct {
	pool *pgxpool.Pool
	q    dbtx
}

// NewPostgres constructs a Postgres store adapter over an already-connected
// pool (migrations are run separately via platform.RunMigrations).
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, q: pool}
}

func (p *Postgres) Close() { p.pool.Close() }

// WithTx runs fn against a Postgres bound to one transaction.
func (p *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	scoped := &Postgres{pool: p.pool, q: tx}
	if err := fn(ctx, scoped); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func amountToDB(a *money.Amount) *string {
	if a == nil {
		return nil
	}
	s := a.String()
	return &s
}

func amountFromDB(s *string) (*money.Amount, error) {
	if s == nil {
		return nil, nil
	}
	a, err := money.ParseSigned(*s)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *Postgres) CreateAuthorization(ctx context.Context, a domain.Authorization) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO authorizations
			(id, protocol, tenant_id, issuer, subject, scope, amount_limit, currency,
			 expires_at, status, verification_status, verification_reason, raw_payload,
			 retention_days, created_at, updated_at, deleted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`,
		a.ID, a.Protocol, a.TenantID, a.Issuer, a.Subject, nullableJSON(a.Scope),
		amountToDB(a.AmountLimit), nullableString(a.Currency), a.ExpiresAt, a.Status,
		a.VerificationStatus, a.VerificationReason, []byte(a.RawPayload), a.RetentionDays,
		a.CreatedAt, a.UpdatedAt, a.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting authorization: %w", err)
	}
	return nil
}

const authColumns = `id, protocol, tenant_id, issuer, subject, scope, amount_limit, currency,
	expires_at, status, verification_status, verification_reason, raw_payload,
	retention_days, created_at, updated_at, deleted_at`

func scanAuthorization(row pgx.Row) (domain.Authorization, error) {
	var a domain.Authorization
	var scope, raw []byte
	var amount, currency *string
	if err := row.Scan(
		&a.ID, &a.Protocol, &a.TenantID, &a.Issuer, &a.Subject, &scope, &amount, &currency,
		&a.ExpiresAt, &a.Status, &a.VerificationStatus, &a.VerificationReason, &raw,
		&a.RetentionDays, &a.CreatedAt, &a.UpdatedAt, &a.DeletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Authorization{}, ErrNotFound
		}
		return domain.Authorization{}, fmt.Errorf("scanning authorization: %w", err)
	}
	a.Scope = json.RawMessage(scope)
	a.RawPayload = json.RawMessage(raw)
	if currency != nil {
		a.Currency = *currency
	}
	amt, err := amountFromDB(amount)
	if err != nil {
		return domain.Authorization{}, err
	}
	a.AmountLimit = amt
	return a, nil
}

func (p *Postgres) GetAuthorization(ctx context.Context, tenantID string, id uuid.UUID, includeDeleted bool) (domain.Authorization, error) {
	q := `SELECT ` + authColumns + ` FROM authorizations WHERE id=$1 AND tenant_id=$2`
	if !includeDeleted {
		q += ` AND deleted_at IS NULL`
	}
	return scanAuthorization(p.q.QueryRow(ctx, q, id, tenantID))
}

func (p *Postgres) GetAuthorizationByID(ctx context.Context, id uuid.UUID, includeDeleted bool) (domain.Authorization, error) {
	q := `SELECT ` + authColumns + ` FROM authorizations WHERE id=$1`
	if !includeDeleted {
		q += ` AND deleted_at IS NULL`
	}
	return scanAuthorization(p.q.QueryRow(ctx, q, id))
}

func (p *Postgres) GetByTokenID(ctx context.Context, tenantID, tokenID string) (domain.Authorization, error) {
	q := `SELECT ` + authColumns + ` FROM authorizations
		WHERE tenant_id=$1 AND protocol='ACP' AND raw_payload->>'token_id' = $2`
	return scanAuthorization(p.q.QueryRow(ctx, q, tenantID, tokenID))
}

func (p *Postgres) Search(ctx context.Context, f Filter) (SearchResult, error) {
	f.Normalize()
	where := []string{"tenant_id = $1"}
	args := []any{f.TenantID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !f.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if f.Protocol != nil {
		where = append(where, "protocol = "+arg(*f.Protocol))
	}
	if f.Status != nil {
		where = append(where, "status = "+arg(*f.Status))
	}
	if f.Issuer != nil {
		where = append(where, "issuer = "+arg(*f.Issuer))
	}
	if f.Subject != nil {
		where = append(where, "subject = "+arg(*f.Subject))
	}
	if f.Currency != nil {
		where = append(where, "currency = "+arg(*f.Currency))
	}
	if f.MinAmount != nil {
		where = append(where, "amount_limit::numeric >= "+arg(*f.MinAmount)+"::numeric")
	}
	if f.MaxAmount != nil {
		where = append(where, "amount_limit::numeric <= "+arg(*f.MaxAmount)+"::numeric")
	}
	if f.ExpiresBefore != nil {
		where = append(where, "expires_at < "+arg(*f.ExpiresBefore))
	}
	if f.ExpiresAfter != nil {
		where = append(where, "expires_at > "+arg(*f.ExpiresAfter))
	}
	if f.CreatedBefore != nil {
		where = append(where, "created_at < "+arg(*f.CreatedBefore))
	}
	if f.CreatedAfter != nil {
		where = append(where, "created_at > "+arg(*f.CreatedAfter))
	}

	whereClause := "WHERE " + joinAnd(where)
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}

	var total int
	if err := p.q.QueryRow(ctx, `SELECT count(*) FROM authorizations `+whereClause, args...).Scan(&total); err != nil {
		return SearchResult{}, fmt.Errorf("counting search results: %w", err)
	}

	limitArg := arg(f.Limit)
	offsetArg := arg(f.Offset)
	q := fmt.Sprintf(`SELECT %s FROM authorizations %s ORDER BY %s %s LIMIT %s OFFSET %s`,
		authColumns, whereClause, string(f.SortBy), dir, limitArg, offsetArg)

	rows, err := p.q.Query(ctx, q, args...)
	if err != nil {
		return SearchResult{}, fmt.Errorf("searching authorizations: %w", err)
	}
	defer rows.Close()

	var out []domain.Authorization
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			return SearchResult{}, err
		}
		out = append(out, a)
	}
	return SearchResult{Authorizations: out, Total: total}, rows.Err()
}

func (p *Postgres) UpdateStatus(ctx context.Context, tenantID string, id uuid.UUID, expectedCurrent, newStatus domain.Status, now time.Time, mutate func(*domain.Authorization)) (domain.Authorization, error) {
	cur, err := p.GetAuthorization(ctx, tenantID, id, false)
	if err != nil {
		return domain.Authorization{}, err
	}
	if cur.Status != expectedCurrent {
		return domain.Authorization{}, ErrConflict
	}
	cur.Status = newStatus
	cur.UpdatedAt = now
	if mutate != nil {
		mutate(&cur)
	}
	tag, err := p.q.Exec(ctx, `
		UPDATE authorizations
		SET status=$1, verification_status=$2, verification_reason=$3, updated_at=$4
		WHERE id=$5 AND tenant_id=$6 AND status=$7
	`, cur.Status, cur.VerificationStatus, cur.VerificationReason, cur.UpdatedAt, id, tenantID, expectedCurrent)
	if err != nil {
		return domain.Authorization{}, fmt.Errorf("updating authorization status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Authorization{}, ErrConflict
	}
	return cur, nil
}

func (p *Postgres) SoftDelete(ctx context.Context, tenantID string, id uuid.UUID, retentionDays int, now time.Time) error {
	tag, err := p.q.Exec(ctx, `
		UPDATE authorizations SET deleted_at=$1, retention_days=$2, updated_at=$1
		WHERE id=$3 AND tenant_id=$4 AND deleted_at IS NULL
	`, now, retentionDays, id, tenantID)
	if err != nil {
		return fmt.Errorf("soft-deleting authorization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Restore(ctx context.Context, tenantID string, id uuid.UUID) error {
	tag, err := p.q.Exec(ctx, `
		UPDATE authorizations SET deleted_at=NULL WHERE id=$1 AND tenant_id=$2 AND deleted_at IS NOT NULL
	`, id, tenantID)
	if err != nil {
		return fmt.Errorf("restoring authorization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) HardDeleteExpiredRetention(ctx context.Context, now time.Time, graceWindow time.Duration, batchSize int) (int, error) {
	rows, err := p.q.Query(ctx, `
		SELECT id FROM authorizations
		WHERE deleted_at IS NOT NULL
		  AND deleted_at + (retention_days || ' days')::interval + $1 <= $2
		LIMIT $3
	`, graceWindow, now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("selecting retention-expired authorizations: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning retention candidate: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, err := p.q.Exec(ctx, `DELETE FROM audit_events WHERE authorization_id=$1`, id); err != nil {
			return 0, fmt.Errorf("deleting audit events for %s: %w", id, err)
		}
		if _, err := p.q.Exec(ctx, `DELETE FROM authorizations WHERE id=$1`, id); err != nil {
			return 0, fmt.Errorf("hard-deleting authorization %s: %w", id, err)
		}
	}
	return len(ids), nil
}

func (p *Postgres) ExpireBatch(ctx context.Context, now time.Time, batchSize int) ([]domain.Authorization, error) {
	rows, err := p.q.Query(ctx, `
		SELECT `+authColumns+` FROM authorizations
		WHERE status IN ('ACTIVE','VALID') AND expires_at <= $1 AND deleted_at IS NULL
		LIMIT $2
	`, now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("selecting expiry candidates: %w", err)
	}
	var candidates []domain.Authorization
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var out []domain.Authorization
	for _, a := range candidates {
		tag, err := p.q.Exec(ctx, `
			UPDATE authorizations SET status='EXPIRED', updated_at=$1
			WHERE id=$2 AND status=$3
		`, now, a.ID, a.Status)
		if err != nil {
			return nil, fmt.Errorf("expiring authorization %s: %w", a.ID, err)
		}
		if tag.RowsAffected() == 0 {
			continue // lost the race to another writer; skip, no audit event
		}
		a.Status = domain.StatusExpired
		a.UpdatedAt = now
		out = append(out, a)
	}
	return out, nil
}

func (p *Postgres) NearExpiry(ctx context.Context, now time.Time, window time.Duration, batchSize int) ([]domain.Authorization, error) {
	rows, err := p.q.Query(ctx, `
		SELECT `+authColumns+` FROM authorizations
		WHERE status IN ('ACTIVE','VALID') AND deleted_at IS NULL
		  AND expires_at > $1 AND expires_at <= $2
		LIMIT $3
	`, now, now.Add(window), batchSize)
	if err != nil {
		return nil, fmt.Errorf("selecting near-expiry authorizations: %w", err)
	}
	defer rows.Close()
	var out []domain.Authorization
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendAudit(ctx context.Context, e domain.AuditEvent) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO audit_events (id, authorization_id, event_type, details, timestamp)
		VALUES ($1,$2,$3,$4,$5)
	`, e.ID, e.AuthorizationID, e.EventType, []byte(e.Details), e.Timestamp)
	if err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

func (p *Postgres) ListAudit(ctx context.Context, authorizationID uuid.UUID) ([]domain.AuditEvent, error) {
	rows, err := p.q.Query(ctx, `
		SELECT id, authorization_id, event_type, details, timestamp FROM audit_events
		WHERE authorization_id=$1 ORDER BY id ASC
	`, authorizationID)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()
	var out []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var details []byte
		if err := rows.Scan(&e.ID, &e.AuthorizationID, &e.EventType, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		e.Details = details
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteAudit(ctx context.Context, authorizationID uuid.UUID) error {
	_, err := p.q.Exec(ctx, `DELETE FROM audit_events WHERE authorization_id=$1`, authorizationID)
	if err != nil {
		return fmt.Errorf("deleting audit events: %w", err)
	}
	return nil
}

func (p *Postgres) InsertIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error {
	// ON CONFLICT DO NOTHING keeps a duplicate from aborting the enclosing
	// transaction, which a unique violation would do in Postgres.
	tag, err := p.q.Exec(ctx, `
		INSERT INTO inbound_idempotency (tenant_id, event_id, received_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (tenant_id, event_id) DO NOTHING
	`, rec.TenantID, rec.EventID, rec.ReceivedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, s domain.Subscription) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO subscriptions
			(id, tenant_id, url, secret, events, enabled, max_retries, backoff_seed_ms, backoff_cap_ms, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, s.ID, s.TenantID, s.URL, s.Secret, s.Events, s.Enabled, s.MaxRetries,
		s.BackoffSeed.Milliseconds(), s.BackoffCap.Milliseconds(), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

func scanSubscription(row pgx.Row) (domain.Subscription, error) {
	var s domain.Subscription
	var seedMs, capMs int64
	if err := row.Scan(&s.ID, &s.TenantID, &s.URL, &s.Secret, &s.Events, &s.Enabled,
		&s.MaxRetries, &seedMs, &capMs, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Subscription{}, ErrNotFound
		}
		return domain.Subscription{}, fmt.Errorf("scanning subscription: %w", err)
	}
	s.BackoffSeed = time.Duration(seedMs) * time.Millisecond
	s.BackoffCap = time.Duration(capMs) * time.Millisecond
	return s, nil
}

const subColumns = `id, tenant_id, url, secret, events, enabled, max_retries, backoff_seed_ms, backoff_cap_ms, created_at, updated_at`

func (p *Postgres) GetSubscription(ctx context.Context, tenantID string, id uuid.UUID) (domain.Subscription, error) {
	return scanSubscription(p.q.QueryRow(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE id=$1 AND tenant_id=$2`, id, tenantID))
}

func (p *Postgres) GetSubscriptionByID(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	return scanSubscription(p.q.QueryRow(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE id=$1`, id))
}

func (p *Postgres) ListEnabledSubscriptions(ctx context.Context, tenantID, eventType string) ([]domain.Subscription, error) {
	rows, err := p.q.Query(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE tenant_id=$1 AND enabled=true AND $2 = ANY(events)
	`, tenantID, eventType)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer rows.Close()
	var out []domain.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) DisableSubscription(ctx context.Context, tenantID string, id uuid.UUID) error {
	tag, err := p.q.Exec(ctx, `UPDATE subscriptions SET enabled=false, updated_at=now() WHERE id=$1 AND tenant_id=$2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("disabling subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) RotateSubscriptionSecret(ctx context.Context, tenantID string, id uuid.UUID, newSecret string) error {
	tag, err := p.q.Exec(ctx, `UPDATE subscriptions SET secret=$1, updated_at=now() WHERE id=$2 AND tenant_id=$3`, newSecret, id, tenantID)
	if err != nil {
		return fmt.Errorf("rotating subscription secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateDeliveryAttempt(ctx context.Context, d domain.DeliveryAttempt) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO delivery_attempts
			(id, subscription_id, event_id, event_type, payload, attempt_number, status,
			 next_attempt_at, response_code, response_body_snippet, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, d.ID, d.SubscriptionID, d.EventID, d.EventType, []byte(d.Payload), d.AttemptNumber,
		d.Status, d.NextAttemptAt, d.ResponseCode, d.ResponseBodySnippet, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting delivery attempt: %w", err)
	}
	return nil
}

const deliveryColumns = `id, subscription_id, event_id, event_type, payload, attempt_number, status,
	next_attempt_at, response_code, response_body_snippet, created_at`

func scanDelivery(row pgx.Row) (domain.DeliveryAttempt, error) {
	var d domain.DeliveryAttempt
	var payload []byte
	if err := row.Scan(&d.ID, &d.SubscriptionID, &d.EventID, &d.EventType, &payload,
		&d.AttemptNumber, &d.Status, &d.NextAttemptAt, &d.ResponseCode, &d.ResponseBodySnippet, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DeliveryAttempt{}, ErrNotFound
		}
		return domain.DeliveryAttempt{}, fmt.Errorf("scanning delivery attempt: %w", err)
	}
	d.Payload = payload
	return d, nil
}

func (p *Postgres) ClaimPending(ctx context.Context, now time.Time) (domain.DeliveryAttempt, error) {
	row := p.q.QueryRow(ctx, `
		UPDATE delivery_attempts SET status='IN_FLIGHT'
		WHERE id = (
			SELECT id FROM delivery_attempts
			WHERE status='PENDING' AND next_attempt_at <= $1
			ORDER BY next_attempt_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns, now)
	return scanDelivery(row)
}

func (p *Postgres) ClaimDue(ctx context.Context, now time.Time, batchSize int) ([]domain.DeliveryAttempt, error) {
	rows, err := p.q.Query(ctx, `
		UPDATE delivery_attempts SET status='PENDING'
		WHERE id IN (
			SELECT id FROM delivery_attempts
			WHERE status='PENDING' AND next_attempt_at <= $1
			ORDER BY next_attempt_at ASC LIMIT $2 FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns, now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("claiming due delivery attempts: %w", err)
	}
	defer rows.Close()
	var out []domain.DeliveryAttempt
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) RecordSuccess(ctx context.Context, id uuid.UUID, responseCode int) error {
	_, err := p.q.Exec(ctx, `UPDATE delivery_attempts SET status='SUCCESS', response_code=$1 WHERE id=$2`, responseCode, id)
	if err != nil {
		return fmt.Errorf("recording delivery success: %w", err)
	}
	return nil
}

func (p *Postgres) RecordFailure(ctx context.Context, id uuid.UUID, attemptNumber, maxRetries int, responseCode *int, bodySnippet string, nextAttemptAt time.Time, dead bool) error {
	status := domain.DeliveryPending
	if dead {
		status = domain.DeliveryDead
	}
	_, err := p.q.Exec(ctx, `
		UPDATE delivery_attempts
		SET status=$1, attempt_number=$2, response_code=$3, response_body_snippet=$4, next_attempt_at=$5
		WHERE id=$6
	`, status, attemptNumber, responseCode, bodySnippet, nextAttemptAt, id)
	if err != nil {
		return fmt.Errorf("recording delivery failure: %w", err)
	}
	return nil
}

func (p *Postgres) GetDeliveryAttempt(ctx context.Context, tenantID string, id uuid.UUID) (domain.DeliveryAttempt, error) {
	row := p.q.QueryRow(ctx, `
		SELECT da.id, da.subscription_id, da.event_id, da.event_type, da.payload, da.attempt_number,
		       da.status, da.next_attempt_at, da.response_code, da.response_body_snippet, da.created_at
		FROM delivery_attempts da
		JOIN subscriptions s ON s.id = da.subscription_id
		WHERE da.id=$1 AND s.tenant_id=$2
	`, id, tenantID)
	return scanDelivery(row)
}

func (p *Postgres) ForceRetry(ctx context.Context, tenantID string, id uuid.UUID, now time.Time) (domain.DeliveryAttempt, error) {
	row := p.q.QueryRow(ctx, `
		UPDATE delivery_attempts da SET status='PENDING', next_attempt_at=$1
		FROM subscriptions s
		WHERE da.id=$2 AND da.subscription_id = s.id AND s.tenant_id=$3 AND da.status='DEAD'
		RETURNING da.id, da.subscription_id, da.event_id, da.event_type, da.payload, da.attempt_number,
		          da.status, da.next_attempt_at, da.response_code, da.response_body_snippet, da.created_at
	`, now, id, tenantID)
	return scanDelivery(row)
}

func (p *Postgres) CreateAlert(ctx context.Context, a domain.Alert) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO alerts (id, authorization_id, tenant_id, alert_type, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, a.ID, a.AuthorizationID, a.TenantID, a.AlertType, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting alert: %w", err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func joinAnd(clauses []string) string {
	out := ""
	for i, c := range clauses {
		if i > 0 {
			out += " AND "
		}
		out += c
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
