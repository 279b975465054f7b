package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ledgerframe/vaultcore/pkg/domain"
	"github.com/ledgerframe/vaultcore/pkg/money"
)

// SQLite implements Store over modernc.org/sqlite, a pure-Go database/sql
// driver, for the embedded/demo and test profile (Mindburn-Labs-helm/core's
// pkg/store/receipt_store_sqlite.go grounds this adapter shape). SQLite
// serializes writes internally, and claims re-check the row's status in the
// UPDATE's WHERE clause, so they need no explicit row locking the way the
// Postgres adapter uses FOR UPDATE SKIP LOCKED.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a SQLite-backed store at path. path may be
// ":memory:" for tests.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // avoid SQLITE_BUSY under modernc.org/sqlite's file locking
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() { s.db.Close() }

func (s *SQLite) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS authorizations (
		id TEXT PRIMARY KEY,
		protocol TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		issuer TEXT NOT NULL,
		subject TEXT NOT NULL,
		scope TEXT,
		amount_limit TEXT,
		currency TEXT,
		expires_at TEXT NOT NULL,
		status TEXT NOT NULL,
		verification_status TEXT NOT NULL,
		verification_reason TEXT NOT NULL,
		raw_payload TEXT NOT NULL,
		retention_days INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_auth_tenant_status_expiry ON authorizations(tenant_id, status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_auth_tenant_protocol_created ON authorizations(tenant_id, protocol, created_at DESC);

	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		authorization_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_auth_id ON audit_events(authorization_id, id);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		url TEXT NOT NULL,
		secret TEXT NOT NULL,
		events TEXT NOT NULL,
		enabled INTEGER NOT NULL,
		max_retries INTEGER NOT NULL,
		backoff_seed_ms INTEGER NOT NULL,
		backoff_cap_ms INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS delivery_attempts (
		id TEXT PRIMARY KEY,
		subscription_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		attempt_number INTEGER NOT NULL,
		status TEXT NOT NULL,
		next_attempt_at TEXT NOT NULL,
		response_code INTEGER,
		response_body_snippet TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_delivery_status_next ON delivery_attempts(status, next_attempt_at);

	CREATE TABLE IF NOT EXISTS inbound_idempotency (
		tenant_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		received_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, event_id)
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		authorization_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		alert_type TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(authorization_id, alert_type)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrating sqlite schema: %w", err)
	}
	return nil
}

// sqliteTx adapts either *sql.DB or *sql.Tx to the execer/queryer methods
// this file needs.
type sqliteExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) execer() sqliteExecer { return s.db }

func (s *SQLite) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning sqlite transaction: %w", err)
	}
	defer tx.Rollback()

	scoped := &sqliteTxStore{db: s.db, tx: tx}
	if err := fn(ctx, scoped); err != nil {
		return err
	}
	return tx.Commit()
}

// sqliteTxStore reuses SQLite's query methods but routes them through an
// open *sql.Tx instead of the pool.
type sqliteTxStore struct {
	db *sql.DB
	tx *sql.Tx
}

func (t *sqliteTxStore) Close()                           {}
func (t *sqliteTxStore) execer() sqliteExecer              { return t.tx }
func (t *sqliteTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t) // already inside a transaction; nesting reuses it
}

func timeStr(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTimeStr(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func nullTimeStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeStr(*t), Valid: true}
}

func strOrNil(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// --- shared insert/scan helpers, implemented against sqliteExecer so both
// SQLite and sqliteTxStore satisfy the Store interface without duplication ---

func execCreateAuthorization(ctx context.Context, x sqliteExecer, a domain.Authorization) error {
	var amt sql.NullString
	if a.AmountLimit != nil {
		v := a.AmountLimit.String()
		amt = sql.NullString{String: v, Valid: true}
	}
	_, err := x.ExecContext(ctx, `
		INSERT INTO authorizations
			(id, protocol, tenant_id, issuer, subject, scope, amount_limit, currency,
			 expires_at, status, verification_status, verification_reason, raw_payload,
			 retention_days, created_at, updated_at, deleted_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, a.ID.String(), a.Protocol, a.TenantID, a.Issuer, a.Subject, string(nullableJSON(a.Scope)),
		amt, strOrNil(nullableString(a.Currency)), timeStr(a.ExpiresAt), a.Status,
		a.VerificationStatus, a.VerificationReason, string(a.RawPayload), a.RetentionDays,
		timeStr(a.CreatedAt), timeStr(a.UpdatedAt), nullTimeStr(a.DeletedAt))
	if err != nil {
		return fmt.Errorf("inserting authorization: %w", err)
	}
	return nil
}

const sqliteAuthColumns = `id, protocol, tenant_id, issuer, subject, scope, amount_limit, currency,
	expires_at, status, verification_status, verification_reason, raw_payload,
	retention_days, created_at, updated_at, deleted_at`

func scanSQLiteAuthorization(scan func(...any) error) (domain.Authorization, error) {
	var a domain.Authorization
	var id, expiresAt, createdAt, updatedAt string
	var scope, rawPayload string
	var amount, currency, deletedAt sql.NullString
	if err := scan(&id, &a.Protocol, &a.TenantID, &a.Issuer, &a.Subject, &scope, &amount, &currency,
		&expiresAt, &a.Status, &a.VerificationStatus, &a.VerificationReason, &rawPayload,
		&a.RetentionDays, &createdAt, &updatedAt, &deletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Authorization{}, ErrNotFound
		}
		return domain.Authorization{}, fmt.Errorf("scanning authorization: %w", err)
	}
	var err error
	if a.ID, err = uuid.Parse(id); err != nil {
		return domain.Authorization{}, err
	}
	if a.ExpiresAt, err = parseTimeStr(expiresAt); err != nil {
		return domain.Authorization{}, err
	}
	if a.CreatedAt, err = parseTimeStr(createdAt); err != nil {
		return domain.Authorization{}, err
	}
	if a.UpdatedAt, err = parseTimeStr(updatedAt); err != nil {
		return domain.Authorization{}, err
	}
	if deletedAt.Valid {
		t, err := parseTimeStr(deletedAt.String)
		if err != nil {
			return domain.Authorization{}, err
		}
		a.DeletedAt = &t
	}
	a.Scope = json.RawMessage(scope)
	a.RawPayload = json.RawMessage(rawPayload)
	if currency.Valid {
		a.Currency = currency.String
	}
	if amount.Valid {
		amt, err := money.ParseSigned(amount.String)
		if err != nil {
			return domain.Authorization{}, err
		}
		a.AmountLimit = &amt
	}
	return a, nil
}

func (s *SQLite) CreateAuthorization(ctx context.Context, a domain.Authorization) error {
	return execCreateAuthorization(ctx, s.execer(), a)
}
func (t *sqliteTxStore) CreateAuthorization(ctx context.Context, a domain.Authorization) error {
	return execCreateAuthorization(ctx, t.execer(), a)
}

func getAuthorization(ctx context.Context, x sqliteExecer, tenantID string, id uuid.UUID, includeDeleted bool) (domain.Authorization, error) {
	q := `SELECT ` + sqliteAuthColumns + ` FROM authorizations WHERE id=? AND tenant_id=?`
	if !includeDeleted {
		q += ` AND deleted_at IS NULL`
	}
	row := x.QueryRowContext(ctx, q, id.String(), tenantID)
	return scanSQLiteAuthorization(row.Scan)
}

func (s *SQLite) GetAuthorization(ctx context.Context, tenantID string, id uuid.UUID, includeDeleted bool) (domain.Authorization, error) {
	return getAuthorization(ctx, s.execer(), tenantID, id, includeDeleted)
}
func (t *sqliteTxStore) GetAuthorization(ctx context.Context, tenantID string, id uuid.UUID, includeDeleted bool) (domain.Authorization, error) {
	return getAuthorization(ctx, t.execer(), tenantID, id, includeDeleted)
}

func getAuthorizationByID(ctx context.Context, x sqliteExecer, id uuid.UUID, includeDeleted bool) (domain.Authorization, error) {
	q := `SELECT ` + sqliteAuthColumns + ` FROM authorizations WHERE id=?`
	if !includeDeleted {
		q += ` AND deleted_at IS NULL`
	}
	row := x.QueryRowContext(ctx, q, id.String())
	return scanSQLiteAuthorization(row.Scan)
}

func (s *SQLite) GetAuthorizationByID(ctx context.Context, id uuid.UUID, includeDeleted bool) (domain.Authorization, error) {
	return getAuthorizationByID(ctx, s.execer(), id, includeDeleted)
}
func (t *sqliteTxStore) GetAuthorizationByID(ctx context.Context, id uuid.UUID, includeDeleted bool) (domain.Authorization, error) {
	return getAuthorizationByID(ctx, t.execer(), id, includeDeleted)
}

func getByTokenID(ctx context.Context, x sqliteExecer, tenantID, tokenID string) (domain.Authorization, error) {
	row := x.QueryRowContext(ctx, `
		SELECT `+sqliteAuthColumns+` FROM authorizations
		WHERE tenant_id=? AND protocol='ACP' AND json_extract(raw_payload, '$.token_id') = ?
	`, tenantID, tokenID)
	return scanSQLiteAuthorization(row.Scan)
}

func (s *SQLite) GetByTokenID(ctx context.Context, tenantID, tokenID string) (domain.Authorization, error) {
	return getByTokenID(ctx, s.execer(), tenantID, tokenID)
}
func (t *sqliteTxStore) GetByTokenID(ctx context.Context, tenantID, tokenID string) (domain.Authorization, error) {
	return getByTokenID(ctx, t.execer(), tenantID, tokenID)
}

func searchAuthorizations(ctx context.Context, x sqliteExecer, f Filter) (SearchResult, error) {
	f.Normalize()
	where := []string{"tenant_id = ?"}
	args := []any{f.TenantID}
	if !f.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if f.Protocol != nil {
		where = append(where, "protocol = ?")
		args = append(args, *f.Protocol)
	}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *f.Status)
	}
	if f.Issuer != nil {
		where = append(where, "issuer = ?")
		args = append(args, *f.Issuer)
	}
	if f.Subject != nil {
		where = append(where, "subject = ?")
		args = append(args, *f.Subject)
	}
	if f.Currency != nil {
		where = append(where, "currency = ?")
		args = append(args, *f.Currency)
	}
	if f.MinAmount != nil {
		where = append(where, "CAST(amount_limit AS REAL) >= CAST(? AS REAL)")
		args = append(args, *f.MinAmount)
	}
	if f.MaxAmount != nil {
		where = append(where, "CAST(amount_limit AS REAL) <= CAST(? AS REAL)")
		args = append(args, *f.MaxAmount)
	}
	if f.ExpiresBefore != nil {
		where = append(where, "expires_at < ?")
		args = append(args, timeStr(*f.ExpiresBefore))
	}
	if f.ExpiresAfter != nil {
		where = append(where, "expires_at > ?")
		args = append(args, timeStr(*f.ExpiresAfter))
	}
	if f.CreatedBefore != nil {
		where = append(where, "created_at < ?")
		args = append(args, timeStr(*f.CreatedBefore))
	}
	if f.CreatedAfter != nil {
		where = append(where, "created_at > ?")
		args = append(args, timeStr(*f.CreatedAfter))
	}
	whereClause := "WHERE " + strings.Join(where, " AND ")

	var total int
	if err := x.QueryRowContext(ctx, `SELECT count(*) FROM authorizations `+whereClause, args...).Scan(&total); err != nil {
		return SearchResult{}, fmt.Errorf("counting search results: %w", err)
	}

	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}
	q := fmt.Sprintf(`SELECT %s FROM authorizations %s ORDER BY %s %s LIMIT ? OFFSET ?`,
		sqliteAuthColumns, whereClause, string(f.SortBy), dir)
	args = append(args, f.Limit, f.Offset)

	rows, err := x.QueryContext(ctx, q, args...)
	if err != nil {
		return SearchResult{}, fmt.Errorf("searching authorizations: %w", err)
	}
	defer rows.Close()
	var out []domain.Authorization
	for rows.Next() {
		a, err := scanSQLiteAuthorization(rows.Scan)
		if err != nil {
			return SearchResult{}, err
		}
		out = append(out, a)
	}
	return SearchResult{Authorizations: out, Total: total}, rows.Err()
}

func (s *SQLite) Search(ctx context.Context, f Filter) (SearchResult, error) {
	return searchAuthorizations(ctx, s.execer(), f)
}
func (t *sqliteTxStore) Search(ctx context.Context, f Filter) (SearchResult, error) {
	return searchAuthorizations(ctx, t.execer(), f)
}

func updateStatus(ctx context.Context, x sqliteExecer, tenantID string, id uuid.UUID, expectedCurrent, newStatus domain.Status, now time.Time, mutate func(*domain.Authorization)) (domain.Authorization, error) {
	cur, err := getAuthorization(ctx, x, tenantID, id, false)
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
	res, err := x.ExecContext(ctx, `
		UPDATE authorizations SET status=?, verification_status=?, verification_reason=?, updated_at=?
		WHERE id=? AND tenant_id=? AND status=?
	`, cur.Status, cur.VerificationStatus, cur.VerificationReason, timeStr(cur.UpdatedAt), id.String(), tenantID, expectedCurrent)
	if err != nil {
		return domain.Authorization{}, fmt.Errorf("updating authorization status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.Authorization{}, ErrConflict
	}
	return cur, nil
}

func (s *SQLite) UpdateStatus(ctx context.Context, tenantID string, id uuid.UUID, expectedCurrent, newStatus domain.Status, now time.Time, mutate func(*domain.Authorization)) (domain.Authorization, error) {
	return updateStatus(ctx, s.execer(), tenantID, id, expectedCurrent, newStatus, now, mutate)
}
func (t *sqliteTxStore) UpdateStatus(ctx context.Context, tenantID string, id uuid.UUID, expectedCurrent, newStatus domain.Status, now time.Time, mutate func(*domain.Authorization)) (domain.Authorization, error) {
	return updateStatus(ctx, t.execer(), tenantID, id, expectedCurrent, newStatus, now, mutate)
}

func softDelete(ctx context.Context, x sqliteExecer, tenantID string, id uuid.UUID, retentionDays int, now time.Time) error {
	res, err := x.ExecContext(ctx, `
		UPDATE authorizations SET deleted_at=?, retention_days=?, updated_at=?
		WHERE id=? AND tenant_id=? AND deleted_at IS NULL
	`, timeStr(now), retentionDays, timeStr(now), id.String(), tenantID)
	if err != nil {
		return fmt.Errorf("soft-deleting authorization: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) SoftDelete(ctx context.Context, tenantID string, id uuid.UUID, retentionDays int, now time.Time) error {
	return softDelete(ctx, s.execer(), tenantID, id, retentionDays, now)
}
func (t *sqliteTxStore) SoftDelete(ctx context.Context, tenantID string, id uuid.UUID, retentionDays int, now time.Time) error {
	return softDelete(ctx, t.execer(), tenantID, id, retentionDays, now)
}

func restore(ctx context.Context, x sqliteExecer, tenantID string, id uuid.UUID) error {
	res, err := x.ExecContext(ctx, `UPDATE authorizations SET deleted_at=NULL WHERE id=? AND tenant_id=? AND deleted_at IS NOT NULL`, id.String(), tenantID)
	if err != nil {
		return fmt.Errorf("restoring authorization: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Restore(ctx context.Context, tenantID string, id uuid.UUID) error {
	return restore(ctx, s.execer(), tenantID, id)
}
func (t *sqliteTxStore) Restore(ctx context.Context, tenantID string, id uuid.UUID) error {
	return restore(ctx, t.execer(), tenantID, id)
}

func hardDeleteExpiredRetention(ctx context.Context, x sqliteExecer, now time.Time, graceWindow time.Duration, batchSize int) (int, error) {
	rows, err := x.QueryContext(ctx, `
		SELECT id, deleted_at, retention_days FROM authorizations WHERE deleted_at IS NOT NULL LIMIT ?
	`, batchSize*4) // over-fetch; retention math happens in Go since SQLite lacks interval arithmetic
	if err != nil {
		return 0, fmt.Errorf("selecting retention candidates: %w", err)
	}
	type cand struct {
		id        string
		deletedAt time.Time
		retention int
	}
	var cands []cand
	for rows.Next() {
		var c cand
		var deletedAt sql.NullString
		if err := rows.Scan(&c.id, &deletedAt, &c.retention); err != nil {
			rows.Close()
			return 0, err
		}
		if !deletedAt.Valid {
			continue
		}
		t, err := parseTimeStr(deletedAt.String)
		if err != nil {
			rows.Close()
			return 0, err
		}
		c.deletedAt = t
		cands = append(cands, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	deleted := 0
	for _, c := range cands {
		if deleted >= batchSize {
			break
		}
		cutoff := c.deletedAt.Add(time.Duration(c.retention) * 24 * time.Hour).Add(graceWindow)
		if cutoff.After(now) {
			continue
		}
		if _, err := x.ExecContext(ctx, `DELETE FROM audit_events WHERE authorization_id=?`, c.id); err != nil {
			return deleted, fmt.Errorf("deleting audit events for %s: %w", c.id, err)
		}
		if _, err := x.ExecContext(ctx, `DELETE FROM authorizations WHERE id=?`, c.id); err != nil {
			return deleted, fmt.Errorf("hard-deleting authorization %s: %w", c.id, err)
		}
		deleted++
	}
	return deleted, nil
}

func (s *SQLite) HardDeleteExpiredRetention(ctx context.Context, now time.Time, graceWindow time.Duration, batchSize int) (int, error) {
	return hardDeleteExpiredRetention(ctx, s.execer(), now, graceWindow, batchSize)
}
func (t *sqliteTxStore) HardDeleteExpiredRetention(ctx context.Context, now time.Time, graceWindow time.Duration, batchSize int) (int, error) {
	return hardDeleteExpiredRetention(ctx, t.execer(), now, graceWindow, batchSize)
}

func expireBatch(ctx context.Context, x sqliteExecer, now time.Time, batchSize int) ([]domain.Authorization, error) {
	rows, err := x.QueryContext(ctx, `
		SELECT `+sqliteAuthColumns+` FROM authorizations
		WHERE status IN ('ACTIVE','VALID') AND expires_at <= ? AND deleted_at IS NULL
		LIMIT ?
	`, timeStr(now), batchSize)
	if err != nil {
		return nil, fmt.Errorf("selecting expiry candidates: %w", err)
	}
	var candidates []domain.Authorization
	for rows.Next() {
		a, err := scanSQLiteAuthorization(rows.Scan)
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
		res, err := x.ExecContext(ctx, `UPDATE authorizations SET status='EXPIRED', updated_at=? WHERE id=? AND status=?`,
			timeStr(now), a.ID.String(), a.Status)
		if err != nil {
			return nil, fmt.Errorf("expiring authorization %s: %w", a.ID, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue
		}
		a.Status = domain.StatusExpired
		a.UpdatedAt = now
		out = append(out, a)
	}
	return out, nil
}

func (s *SQLite) ExpireBatch(ctx context.Context, now time.Time, batchSize int) ([]domain.Authorization, error) {
	return expireBatch(ctx, s.execer(), now, batchSize)
}
func (t *sqliteTxStore) ExpireBatch(ctx context.Context, now time.Time, batchSize int) ([]domain.Authorization, error) {
	return expireBatch(ctx, t.execer(), now, batchSize)
}

func nearExpiry(ctx context.Context, x sqliteExecer, now time.Time, window time.Duration, batchSize int) ([]domain.Authorization, error) {
	rows, err := x.QueryContext(ctx, `
		SELECT `+sqliteAuthColumns+` FROM authorizations
		WHERE status IN ('ACTIVE','VALID') AND deleted_at IS NULL
		  AND expires_at > ? AND expires_at <= ?
		LIMIT ?
	`, timeStr(now), timeStr(now.Add(window)), batchSize)
	if err != nil {
		return nil, fmt.Errorf("selecting near-expiry authorizations: %w", err)
	}
	defer rows.Close()
	var out []domain.Authorization
	for rows.Next() {
		a, err := scanSQLiteAuthorization(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) NearExpiry(ctx context.Context, now time.Time, window time.Duration, batchSize int) ([]domain.Authorization, error) {
	return nearExpiry(ctx, s.execer(), now, window, batchSize)
}
func (t *sqliteTxStore) NearExpiry(ctx context.Context, now time.Time, window time.Duration, batchSize int) ([]domain.Authorization, error) {
	return nearExpiry(ctx, t.execer(), now, window, batchSize)
}

func appendAudit(ctx context.Context, x sqliteExecer, e domain.AuditEvent) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO audit_events (id, authorization_id, event_type, details, timestamp)
		VALUES (?,?,?,?,?)
	`, e.ID.String(), e.AuthorizationID.String(), e.EventType, string(e.Details), timeStr(e.Timestamp))
	if err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

func (s *SQLite) AppendAudit(ctx context.Context, e domain.AuditEvent) error {
	return appendAudit(ctx, s.execer(), e)
}
func (t *sqliteTxStore) AppendAudit(ctx context.Context, e domain.AuditEvent) error {
	return appendAudit(ctx, t.execer(), e)
}

func listAudit(ctx context.Context, x sqliteExecer, authorizationID uuid.UUID) ([]domain.AuditEvent, error) {
	rows, err := x.QueryContext(ctx, `
		SELECT id, authorization_id, event_type, details, timestamp FROM audit_events
		WHERE authorization_id=? ORDER BY rowid ASC
	`, authorizationID.String())
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()
	var out []domain.AuditEvent
	for rows.Next() {
		var id, authID, details, ts string
		var e domain.AuditEvent
		if err := rows.Scan(&id, &authID, &e.EventType, &details, &ts); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		parsedID, err := uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		parsedAuthID, err := uuid.Parse(authID)
		if err != nil {
			return nil, err
		}
		parsedTS, err := parseTimeStr(ts)
		if err != nil {
			return nil, err
		}
		e.ID = parsedID
		e.AuthorizationID = parsedAuthID
		e.Details = json.RawMessage(details)
		e.Timestamp = parsedTS
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) ListAudit(ctx context.Context, authorizationID uuid.UUID) ([]domain.AuditEvent, error) {
	return listAudit(ctx, s.execer(), authorizationID)
}
func (t *sqliteTxStore) ListAudit(ctx context.Context, authorizationID uuid.UUID) ([]domain.AuditEvent, error) {
	return listAudit(ctx, t.execer(), authorizationID)
}

func deleteAudit(ctx context.Context, x sqliteExecer, authorizationID uuid.UUID) error {
	_, err := x.ExecContext(ctx, `DELETE FROM audit_events WHERE authorization_id=?`, authorizationID.String())
	if err != nil {
		return fmt.Errorf("deleting audit events: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteAudit(ctx context.Context, authorizationID uuid.UUID) error {
	return deleteAudit(ctx, s.execer(), authorizationID)
}
func (t *sqliteTxStore) DeleteAudit(ctx context.Context, authorizationID uuid.UUID) error {
	return deleteAudit(ctx, t.execer(), authorizationID)
}

func insertIdempotency(ctx context.Context, x sqliteExecer, rec domain.IdempotencyRecord) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO inbound_idempotency (tenant_id, event_id, received_at) VALUES (?,?,?)
	`, rec.TenantID, rec.EventID, timeStr(rec.ReceivedAt))
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting idempotency record: %w", err)
	}
	return nil
}

func (s *SQLite) InsertIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error {
	return insertIdempotency(ctx, s.execer(), rec)
}
func (t *sqliteTxStore) InsertIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error {
	return insertIdempotency(ctx, t.execer(), rec)
}

func createSubscription(ctx context.Context, x sqliteExecer, s domain.Subscription) error {
	events := strings.Join(s.Events, ",")
	_, err := x.ExecContext(ctx, `
		INSERT INTO subscriptions
			(id, tenant_id, url, secret, events, enabled, max_retries, backoff_seed_ms, backoff_cap_ms, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`, s.ID.String(), s.TenantID, s.URL, s.Secret, events, s.Enabled, s.MaxRetries,
		s.BackoffSeed.Milliseconds(), s.BackoffCap.Milliseconds(), timeStr(s.CreatedAt), timeStr(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

func (s *SQLite) CreateSubscription(ctx context.Context, sub domain.Subscription) error {
	return createSubscription(ctx, s.execer(), sub)
}
func (t *sqliteTxStore) CreateSubscription(ctx context.Context, sub domain.Subscription) error {
	return createSubscription(ctx, t.execer(), sub)
}

const sqliteSubColumns = `id, tenant_id, url, secret, events, enabled, max_retries, backoff_seed_ms, backoff_cap_ms, created_at, updated_at`

func scanSQLiteSubscription(scan func(...any) error) (domain.Subscription, error) {
	var sub domain.Subscription
	var id, events, createdAt, updatedAt string
	var seedMs, capMs int64
	if err := scan(&id, &sub.TenantID, &sub.URL, &sub.Secret, &events, &sub.Enabled,
		&sub.MaxRetries, &seedMs, &capMs, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Subscription{}, ErrNotFound
		}
		return domain.Subscription{}, fmt.Errorf("scanning subscription: %w", err)
	}
	var err error
	if sub.ID, err = uuid.Parse(id); err != nil {
		return domain.Subscription{}, err
	}
	if events != "" {
		sub.Events = strings.Split(events, ",")
	}
	sub.BackoffSeed = time.Duration(seedMs) * time.Millisecond
	sub.BackoffCap = time.Duration(capMs) * time.Millisecond
	if sub.CreatedAt, err = parseTimeStr(createdAt); err != nil {
		return domain.Subscription{}, err
	}
	if sub.UpdatedAt, err = parseTimeStr(updatedAt); err != nil {
		return domain.Subscription{}, err
	}
	return sub, nil
}

func getSubscription(ctx context.Context, x sqliteExecer, tenantID string, id uuid.UUID) (domain.Subscription, error) {
	row := x.QueryRowContext(ctx, `SELECT `+sqliteSubColumns+` FROM subscriptions WHERE id=? AND tenant_id=?`, id.String(), tenantID)
	return scanSQLiteSubscription(row.Scan)
}

func (s *SQLite) GetSubscription(ctx context.Context, tenantID string, id uuid.UUID) (domain.Subscription, error) {
	return getSubscription(ctx, s.execer(), tenantID, id)
}
func (t *sqliteTxStore) GetSubscription(ctx context.Context, tenantID string, id uuid.UUID) (domain.Subscription, error) {
	return getSubscription(ctx, t.execer(), tenantID, id)
}

func getSubscriptionByID(ctx context.Context, x sqliteExecer, id uuid.UUID) (domain.Subscription, error) {
	row := x.QueryRowContext(ctx, `SELECT `+sqliteSubColumns+` FROM subscriptions WHERE id=?`, id.String())
	return scanSQLiteSubscription(row.Scan)
}

func (s *SQLite) GetSubscriptionByID(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	return getSubscriptionByID(ctx, s.execer(), id)
}
func (t *sqliteTxStore) GetSubscriptionByID(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	return getSubscriptionByID(ctx, t.execer(), id)
}

func listEnabledSubscriptions(ctx context.Context, x sqliteExecer, tenantID, eventType string) ([]domain.Subscription, error) {
	rows, err := x.QueryContext(ctx, `
		SELECT `+sqliteSubColumns+` FROM subscriptions WHERE tenant_id=? AND enabled=1
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer rows.Close()
	var out []domain.Subscription
	for rows.Next() {
		sub, err := scanSQLiteSubscription(rows.Scan)
		if err != nil {
			return nil, err
		}
		if sub.Allows(eventType) {
			out = append(out, sub)
		}
	}
	return out, rows.Err()
}

func (s *SQLite) ListEnabledSubscriptions(ctx context.Context, tenantID, eventType string) ([]domain.Subscription, error) {
	return listEnabledSubscriptions(ctx, s.execer(), tenantID, eventType)
}
func (t *sqliteTxStore) ListEnabledSubscriptions(ctx context.Context, tenantID, eventType string) ([]domain.Subscription, error) {
	return listEnabledSubscriptions(ctx, t.execer(), tenantID, eventType)
}

func disableSubscription(ctx context.Context, x sqliteExecer, tenantID string, id uuid.UUID) error {
	res, err := x.ExecContext(ctx, `UPDATE subscriptions SET enabled=0 WHERE id=? AND tenant_id=?`, id.String(), tenantID)
	if err != nil {
		return fmt.Errorf("disabling subscription: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) DisableSubscription(ctx context.Context, tenantID string, id uuid.UUID) error {
	return disableSubscription(ctx, s.execer(), tenantID, id)
}
func (t *sqliteTxStore) DisableSubscription(ctx context.Context, tenantID string, id uuid.UUID) error {
	return disableSubscription(ctx, t.execer(), tenantID, id)
}

func rotateSubscriptionSecret(ctx context.Context, x sqliteExecer, tenantID string, id uuid.UUID, newSecret string) error {
	res, err := x.ExecContext(ctx, `UPDATE subscriptions SET secret=? WHERE id=? AND tenant_id=?`, newSecret, id.String(), tenantID)
	if err != nil {
		return fmt.Errorf("rotating subscription secret: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) RotateSubscriptionSecret(ctx context.Context, tenantID string, id uuid.UUID, newSecret string) error {
	return rotateSubscriptionSecret(ctx, s.execer(), tenantID, id, newSecret)
}
func (t *sqliteTxStore) RotateSubscriptionSecret(ctx context.Context, tenantID string, id uuid.UUID, newSecret string) error {
	return rotateSubscriptionSecret(ctx, t.execer(), tenantID, id, newSecret)
}

func createDeliveryAttempt(ctx context.Context, x sqliteExecer, d domain.DeliveryAttempt) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO delivery_attempts
			(id, subscription_id, event_id, event_type, payload, attempt_number, status,
			 next_attempt_at, response_code, response_body_snippet, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`, d.ID.String(), d.SubscriptionID.String(), d.EventID.String(), d.EventType, string(d.Payload),
		d.AttemptNumber, d.Status, timeStr(d.NextAttemptAt), d.ResponseCode, d.ResponseBodySnippet, timeStr(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting delivery attempt: %w", err)
	}
	return nil
}

func (s *SQLite) CreateDeliveryAttempt(ctx context.Context, d domain.DeliveryAttempt) error {
	return createDeliveryAttempt(ctx, s.execer(), d)
}
func (t *sqliteTxStore) CreateDeliveryAttempt(ctx context.Context, d domain.DeliveryAttempt) error {
	return createDeliveryAttempt(ctx, t.execer(), d)
}

const sqliteDeliveryColumns = `id, subscription_id, event_id, event_type, payload, attempt_number, status,
	next_attempt_at, response_code, response_body_snippet, created_at`

func scanSQLiteDelivery(scan func(...any) error) (domain.DeliveryAttempt, error) {
	var d domain.DeliveryAttempt
	var id, subID, eventID, payload, nextAttemptAt, createdAt string
	var responseCode sql.NullInt64
	var bodySnippet sql.NullString
	if err := scan(&id, &subID, &eventID, &d.EventType, &payload, &d.AttemptNumber, &d.Status,
		&nextAttemptAt, &responseCode, &bodySnippet, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DeliveryAttempt{}, ErrNotFound
		}
		return domain.DeliveryAttempt{}, fmt.Errorf("scanning delivery attempt: %w", err)
	}
	var err error
	if d.ID, err = uuid.Parse(id); err != nil {
		return domain.DeliveryAttempt{}, err
	}
	if d.SubscriptionID, err = uuid.Parse(subID); err != nil {
		return domain.DeliveryAttempt{}, err
	}
	if d.EventID, err = uuid.Parse(eventID); err != nil {
		return domain.DeliveryAttempt{}, err
	}
	d.Payload = json.RawMessage(payload)
	if d.NextAttemptAt, err = parseTimeStr(nextAttemptAt); err != nil {
		return domain.DeliveryAttempt{}, err
	}
	if d.CreatedAt, err = parseTimeStr(createdAt); err != nil {
		return domain.DeliveryAttempt{}, err
	}
	if responseCode.Valid {
		v := int(responseCode.Int64)
		d.ResponseCode = &v
	}
	if bodySnippet.Valid {
		d.ResponseBodySnippet = bodySnippet.String
	}
	return d, nil
}

func claimPending(ctx context.Context, x sqliteExecer, now time.Time) (domain.DeliveryAttempt, error) {
	row := x.QueryRowContext(ctx, `
		SELECT `+sqliteDeliveryColumns+` FROM delivery_attempts
		WHERE status='PENDING' AND next_attempt_at <= ? ORDER BY next_attempt_at ASC LIMIT 1
	`, timeStr(now))
	d, err := scanSQLiteDelivery(row.Scan)
	if err != nil {
		return domain.DeliveryAttempt{}, err
	}
	res, err := x.ExecContext(ctx, `UPDATE delivery_attempts SET status='IN_FLIGHT' WHERE id=? AND status='PENDING'`, d.ID.String())
	if err != nil {
		return domain.DeliveryAttempt{}, fmt.Errorf("claiming delivery attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.DeliveryAttempt{}, fmt.Errorf("claiming delivery attempt: %w", err)
	}
	if n == 0 {
		// Another worker claimed the row between the SELECT and the UPDATE.
		return domain.DeliveryAttempt{}, ErrNotFound
	}
	d.Status = domain.DeliveryInFlight
	return d, nil
}

func (s *SQLite) ClaimPending(ctx context.Context, now time.Time) (domain.DeliveryAttempt, error) {
	return claimPending(ctx, s.execer(), now)
}
func (t *sqliteTxStore) ClaimPending(ctx context.Context, now time.Time) (domain.DeliveryAttempt, error) {
	return claimPending(ctx, t.execer(), now)
}

func claimDue(ctx context.Context, x sqliteExecer, now time.Time, batchSize int) ([]domain.DeliveryAttempt, error) {
	rows, err := x.QueryContext(ctx, `
		SELECT `+sqliteDeliveryColumns+` FROM delivery_attempts
		WHERE status='PENDING' AND next_attempt_at <= ? ORDER BY next_attempt_at ASC LIMIT ?
	`, timeStr(now), batchSize)
	if err != nil {
		return nil, fmt.Errorf("claiming due delivery attempts: %w", err)
	}
	var out []domain.DeliveryAttempt
	for rows.Next() {
		d, err := scanSQLiteDelivery(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLite) ClaimDue(ctx context.Context, now time.Time, batchSize int) ([]domain.DeliveryAttempt, error) {
	return claimDue(ctx, s.execer(), now, batchSize)
}
func (t *sqliteTxStore) ClaimDue(ctx context.Context, now time.Time, batchSize int) ([]domain.DeliveryAttempt, error) {
	return claimDue(ctx, t.execer(), now, batchSize)
}

func recordSuccess(ctx context.Context, x sqliteExecer, id uuid.UUID, responseCode int) error {
	_, err := x.ExecContext(ctx, `UPDATE delivery_attempts SET status='SUCCESS', response_code=? WHERE id=?`, responseCode, id.String())
	if err != nil {
		return fmt.Errorf("recording delivery success: %w", err)
	}
	return nil
}

func (s *SQLite) RecordSuccess(ctx context.Context, id uuid.UUID, responseCode int) error {
	return recordSuccess(ctx, s.execer(), id, responseCode)
}
func (t *sqliteTxStore) RecordSuccess(ctx context.Context, id uuid.UUID, responseCode int) error {
	return recordSuccess(ctx, t.execer(), id, responseCode)
}

func recordFailure(ctx context.Context, x sqliteExecer, id uuid.UUID, attemptNumber, maxRetries int, responseCode *int, bodySnippet string, nextAttemptAt time.Time, dead bool) error {
	status := domain.DeliveryPending
	if dead {
		status = domain.DeliveryDead
	}
	_, err := x.ExecContext(ctx, `
		UPDATE delivery_attempts
		SET status=?, attempt_number=?, response_code=?, response_body_snippet=?, next_attempt_at=?
		WHERE id=?
	`, status, attemptNumber, responseCode, bodySnippet, timeStr(nextAttemptAt), id.String())
	if err != nil {
		return fmt.Errorf("recording delivery failure: %w", err)
	}
	return nil
}

func (s *SQLite) RecordFailure(ctx context.Context, id uuid.UUID, attemptNumber, maxRetries int, responseCode *int, bodySnippet string, nextAttemptAt time.Time, dead bool) error {
	return recordFailure(ctx, s.execer(), id, attemptNumber, maxRetries, responseCode, bodySnippet, nextAttemptAt, dead)
}
func (t *sqliteTxStore) RecordFailure(ctx context.Context, id uuid.UUID, attemptNumber, maxRetries int, responseCode *int, bodySnippet string, nextAttemptAt time.Time, dead bool) error {
	return recordFailure(ctx, t.execer(), id, attemptNumber, maxRetries, responseCode, bodySnippet, nextAttemptAt, dead)
}

func getDeliveryAttempt(ctx context.Context, x sqliteExecer, tenantID string, id uuid.UUID) (domain.DeliveryAttempt, error) {
	row := x.QueryRowContext(ctx, `
		SELECT da.id, da.subscription_id, da.event_id, da.event_type, da.payload, da.attempt_number,
		       da.status, da.next_attempt_at, da.response_code, da.response_body_snippet, da.created_at
		FROM delivery_attempts da JOIN subscriptions s ON s.id = da.subscription_id
		WHERE da.id=? AND s.tenant_id=?
	`, id.String(), tenantID)
	return scanSQLiteDelivery(row.Scan)
}

func (s *SQLite) GetDeliveryAttempt(ctx context.Context, tenantID string, id uuid.UUID) (domain.DeliveryAttempt, error) {
	return getDeliveryAttempt(ctx, s.execer(), tenantID, id)
}
func (t *sqliteTxStore) GetDeliveryAttempt(ctx context.Context, tenantID string, id uuid.UUID) (domain.DeliveryAttempt, error) {
	return getDeliveryAttempt(ctx, t.execer(), tenantID, id)
}

func forceRetry(ctx context.Context, x sqliteExecer, tenantID string, id uuid.UUID, now time.Time) (domain.DeliveryAttempt, error) {
	d, err := getDeliveryAttempt(ctx, x, tenantID, id)
	if err != nil {
		return domain.DeliveryAttempt{}, err
	}
	if d.Status != domain.DeliveryDead {
		return domain.DeliveryAttempt{}, ErrConflict
	}
	if _, err := x.ExecContext(ctx, `UPDATE delivery_attempts SET status='PENDING', next_attempt_at=? WHERE id=?`, timeStr(now), id.String()); err != nil {
		return domain.DeliveryAttempt{}, fmt.Errorf("forcing retry: %w", err)
	}
	d.Status = domain.DeliveryPending
	d.NextAttemptAt = now
	return d, nil
}

func (s *SQLite) ForceRetry(ctx context.Context, tenantID string, id uuid.UUID, now time.Time) (domain.DeliveryAttempt, error) {
	return forceRetry(ctx, s.execer(), tenantID, id, now)
}
func (t *sqliteTxStore) ForceRetry(ctx context.Context, tenantID string, id uuid.UUID, now time.Time) (domain.DeliveryAttempt, error) {
	return forceRetry(ctx, t.execer(), tenantID, id, now)
}

func createAlert(ctx context.Context, x sqliteExecer, a domain.Alert) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO alerts (id, authorization_id, tenant_id, alert_type, created_at) VALUES (?,?,?,?,?)
	`, a.ID.String(), a.AuthorizationID.String(), a.TenantID, a.AlertType, timeStr(a.CreatedAt))
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting alert: %w", err)
	}
	return nil
}

func (s *SQLite) CreateAlert(ctx context.Context, a domain.Alert) error {
	return createAlert(ctx, s.execer(), a)
}
func (t *sqliteTxStore) CreateAlert(ctx context.Context, a domain.Alert) error {
	return createAlert(ctx, t.execer(), a)
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
