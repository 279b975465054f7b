package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/ledgerframe/vaultcore/pkg/domain"
)

// fakeAuditStore records AppendAudit calls in memory.
type fakeAuditStore struct {
	events []domain.AuditEvent
	err    error
}

func (f *fakeAuditStore) AppendAudit(ctx context.Context, e domain.AuditEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeAuditStore) ListAudit(ctx context.Context, authorizationID uuid.UUID) ([]domain.AuditEvent, error) {
	var out []domain.AuditEvent
	for _, e := range f.events {
		if e.AuthorizationID == authorizationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAppend_WritesEventWithDetails(t *testing.T) {
	tx := &fakeAuditStore{}
	w := NewWriter(discardLogger())
	authID := uuid.New()

	err := w.Append(context.Background(), tx, authID, domain.AuditCreated, map[string]any{
		"protocol": "ap2",
		"issuer":   "https://issuer.example",
	})
	if err != nil {
		t.Fatalf("Append returned error: %v", err)
	}
	if len(tx.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(tx.events))
	}
	got := tx.events[0]
	if got.AuthorizationID != authID {
		t.Errorf("AuthorizationID = %v, want %v", got.AuthorizationID, authID)
	}
	if got.EventType != domain.AuditCreated {
		t.Errorf("EventType = %v, want %v", got.EventType, domain.AuditCreated)
	}
	if got.ID == uuid.Nil {
		t.Error("expected a generated event ID, got uuid.Nil")
	}
	if got.Timestamp.IsZero() {
		t.Error("expected a non-zero Timestamp")
	}
	if !strings.Contains(string(got.Details), `"protocol":"ap2"`) {
		t.Errorf("Details = %s, want it to contain the protocol field", got.Details)
	}
}

func TestAppend_PropagatesStoreError(t *testing.T) {
	storeErr := errors.New("insert failed")
	tx := &fakeAuditStore{err: storeErr}
	w := NewWriter(discardLogger())

	err := w.Append(context.Background(), tx, uuid.New(), domain.AuditRevoked, nil)
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	if !errors.Is(err, storeErr) {
		t.Errorf("expected error to wrap %v, got %v", storeErr, err)
	}
}

func TestAppend_NilDetailsMarshalsToNull(t *testing.T) {
	tx := &fakeAuditStore{}
	w := NewWriter(discardLogger())

	if err := w.Append(context.Background(), tx, uuid.New(), domain.AuditExpired, nil); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}
	if string(tx.events[0].Details) != "null" {
		t.Errorf("Details = %s, want null", tx.events[0].Details)
	}
}
