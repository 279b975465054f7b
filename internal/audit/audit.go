// Package audit implements C6: the append-only audit event log. Unlike the
// teacher's async, buffered Writer (which batches entries through a channel
// and flushes them on a timer from a background goroutine), every write
// here happens synchronously inside the caller's store transaction — the
// exactly-once-per-state-transition invariant of spec.md §4.6 rules out the
// teacher's at-least-once batching, so this Writer is a thin, transaction-
// scoped wrapper around store.AuditStore rather than a queue.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerframe/vaultcore/pkg/domain"
	"github.com/ledgerframe/vaultcore/pkg/store"
)

// Writer appends AuditEvents through whatever store.AuditStore it is given —
// typically a transaction-scoped Store handed in by the caller so the audit
// row commits atomically with the authorization mutation it describes.
type Writer struct {
	logger *slog.Logger
}

// NewWriter constructs a Writer. It holds no database handle of its own;
// Append always takes the scoped store.AuditStore explicitly so a caller
// cannot accidentally write an audit event outside its transaction.
func NewWriter(logger *slog.Logger) *Writer {
	return &Writer{logger: logger}
}

// Append writes one AuditEvent via tx and logs it at debug level. Any error
// propagates to the caller, which must roll back its transaction — a failed
// audit write must never leave the authorization mutation committed alone.
func (w *Writer) Append(ctx context.Context, tx store.AuditStore, authorizationID uuid.UUID, eventType domain.AuditEventType, details map[string]any) error {
	detailBytes, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshalling audit details: %w", err)
	}
	event := domain.AuditEvent{
		ID:              uuid.New(),
		AuthorizationID: authorizationID,
		EventType:       eventType,
		Details:         detailBytes,
		Timestamp:       time.Now().UTC(),
	}
	if err := tx.AppendAudit(ctx, event); err != nil {
		return fmt.Errorf("appending %s audit event: %w", eventType, err)
	}
	w.logger.Debug("audit event recorded",
		"authorization_id", authorizationID,
		"event_type", eventType,
	)
	return nil
}
