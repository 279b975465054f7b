// Package domain holds the protocol-agnostic value types shared by every
// component of the vault: the Authorization entity, its state machine, and
// the records that accompany it (audit events, subscriptions, delivery
// attempts). These are immutable value structs; the store layer maps rows
// to and from them, following the teacher's ORM-free DAO convention.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerframe/vaultcore/pkg/money"
)

// Protocol tags which wire protocol produced an Authorization.
type Protocol string

const (
	ProtocolAP2 Protocol = "AP2"
	ProtocolACP Protocol = "ACP"
)

// Status is a node in the authorization lifecycle state machine.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusValid   Status = "VALID"
	StatusUsed    Status = "USED"
	StatusExpired Status = "EXPIRED"
	StatusRevoked Status = "REVOKED"
)

// Terminal reports whether s has no outgoing transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusUsed, StatusExpired, StatusRevoked:
		return true
	default:
		return false
	}
}

// VerificationStatus is the outcome of running a protocol verifier.
type VerificationStatus string

const (
	VerificationValid                VerificationStatus = "VALID"
	VerificationExpired              VerificationStatus = "EXPIRED"
	VerificationSigInvalid           VerificationStatus = "SIG_INVALID"
	VerificationIssuerUnknown        VerificationStatus = "ISSUER_UNKNOWN"
	VerificationInvalidFormat        VerificationStatus = "INVALID_FORMAT"
	VerificationMissingRequiredField VerificationStatus = "MISSING_REQUIRED_FIELD"
	VerificationScopeInvalid         VerificationStatus = "SCOPE_INVALID"
	VerificationRevoked              VerificationStatus = "REVOKED"
)

// VerificationResult is the uniform output of C2/C3, regardless of protocol.
type VerificationResult struct {
	Status      VerificationStatus
	Reason      string
	Details     map[string]any
	Issuer      string
	Subject     string
	AmountLimit *money.Amount
	Currency    string
	ExpiresAt   *time.Time
	Scope       json.RawMessage
}

// Authorization is the single canonical entity for both protocols.
type Authorization struct {
	ID                  uuid.UUID
	Protocol            Protocol
	TenantID            string
	Issuer              string
	Subject             string
	Scope               json.RawMessage
	AmountLimit         *money.Amount
	Currency            string
	ExpiresAt           time.Time
	Status              Status
	VerificationStatus  VerificationStatus
	VerificationReason  string
	RawPayload          json.RawMessage
	RetentionDays       int
	CreatedAt           time.Time
	UpdatedAt           time.Time
	DeletedAt           *time.Time
}

// IsDeleted reports whether the authorization is soft-deleted.
func (a Authorization) IsDeleted() bool { return a.DeletedAt != nil }

// transitions enumerates the legal (from, event) -> to edges of §4.5.
var transitions = map[Status]map[Status]bool{
	StatusActive: {StatusValid: true, StatusUsed: true, StatusExpired: true, StatusRevoked: true},
	StatusValid:  {StatusUsed: true, StatusExpired: true, StatusRevoked: true},
}

// CanTransition reports whether from -> to is a legal state machine edge.
// Terminal states (USED, EXPIRED, REVOKED) have no outgoing edges.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// AuditEventType is one of the canonical past-tense event names (§4.6).
type AuditEventType string

const (
	AuditCreated  AuditEventType = "CREATED"
	AuditVerified AuditEventType = "VERIFIED"
	AuditUsed     AuditEventType = "USED"
	AuditRevoked  AuditEventType = "REVOKED"
	AuditExpired  AuditEventType = "EXPIRED"
	AuditExported AuditEventType = "EXPORTED"
)

// AuditEvent is an append-only record keyed by AuthorizationID.
type AuditEvent struct {
	ID              uuid.UUID
	AuthorizationID uuid.UUID
	EventType       AuditEventType
	Details         json.RawMessage
	Timestamp       time.Time
}

// DeliveryStatus is the lifecycle of one outbound DeliveryAttempt.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "PENDING"
	DeliveryInFlight DeliveryStatus = "IN_FLIGHT"
	DeliverySuccess DeliveryStatus = "SUCCESS"
	DeliveryFailed  DeliveryStatus = "FAILED"
	DeliveryDead    DeliveryStatus = "DEAD"
)

// Subscription is a tenant-owned outbound webhook registration.
type Subscription struct {
	ID          uuid.UUID
	TenantID    string
	URL         string
	Secret      string
	Events      []string
	Enabled     bool
	MaxRetries  int
	BackoffSeed time.Duration
	BackoffCap  time.Duration
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Allows reports whether the subscription is enabled and subscribed to eventType.
func (s Subscription) Allows(eventType string) bool {
	if !s.Enabled {
		return false
	}
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// DeliveryAttempt is one row of the outbound delivery ledger.
type DeliveryAttempt struct {
	ID                  uuid.UUID
	SubscriptionID      uuid.UUID
	EventID             uuid.UUID
	EventType           string
	Payload             json.RawMessage
	AttemptNumber       int
	Status              DeliveryStatus
	NextAttemptAt       time.Time
	ResponseCode        *int
	ResponseBodySnippet string
	CreatedAt           time.Time
}

// IdempotencyRecord guards inbound ACP webhook replay, unique on
// (TenantID, EventID).
type IdempotencyRecord struct {
	EventID    string
	TenantID   string
	ReceivedAt time.Time
}

// Alert is a near-expiry warning emitted by the lifecycle alert generator,
// deduplicated by (AuthorizationID, AlertType).
type Alert struct {
	ID              uuid.UUID
	AuthorizationID uuid.UUID
	TenantID        string
	AlertType       string
	CreatedAt       time.Time
}

// CallerIdentity is supplied by the external caller-identity provider
// (§1 Out of scope) to every core call.
type CallerIdentity struct {
	UserID    string
	TenantID  string
	Role      string
	IPAddress string
}

// IsAdmin reports whether the caller may act across tenants.
func (c CallerIdentity) IsAdmin() bool { return c.Role == "admin" }
