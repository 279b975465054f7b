// Package webhook implements C8: the outbound webhook engine. Publish
// enqueues a DeliveryAttempt per enabled subscription inside the caller's
// transaction; Dispatcher is the fixed-size worker pool that actually
// performs the signed HTTP POSTs, grounded in the teacher's escalation
// engine's ticker-driven loop shape (pkg/escalation/engine.go) but reworked
// around a claim-from-table queue rather than pub/sub.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerframe/vaultcore/pkg/domain"
	"github.com/ledgerframe/vaultcore/pkg/store"
)

// Envelope is the outbound wire body of §6.1.
type Envelope struct {
	EventID   uuid.UUID       `json:"event_id"`
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Publish creates a PENDING DeliveryAttempt for every subscription of
// tenantID enabled for eventType, against tx (so the enqueue co-commits with
// whatever state transition produced it, per §4.7/§4.11). The dispatcher
// pool picks up PENDING rows independently; publish never blocks on
// delivery.
func Publish(ctx context.Context, tx store.Store, tenantID, eventType string, payload json.RawMessage, now time.Time) error {
	subs, err := tx.ListEnabledSubscriptions(ctx, tenantID, eventType)
	if err != nil {
		return fmt.Errorf("listing subscriptions for %s: %w", eventType, err)
	}
	eventID := uuid.New()
	for _, sub := range subs {
		attempt := domain.DeliveryAttempt{
			ID:             uuid.New(),
			SubscriptionID: sub.ID,
			EventID:        eventID,
			EventType:      eventType,
			Payload:        payload,
			AttemptNumber:  1,
			Status:         domain.DeliveryPending,
			NextAttemptAt:  now,
			CreatedAt:      now,
		}
		if err := tx.CreateDeliveryAttempt(ctx, attempt); err != nil {
			return fmt.Errorf("creating delivery attempt for subscription %s: %w", sub.ID, err)
		}
	}
	return nil
}
