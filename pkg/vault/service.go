// Package vault implements C11: the Authorization Service façade, the only
// component transport handlers touch. It orchestrates C4 (dispatcher), C5
// (store), C6 (audit), and C8 (outbound publish) for create/reverify/
// revoke/get/search/export_evidence, and enforces tenant isolation.
package vault

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ledgerframe/vaultcore/internal/audit"
	"github.com/ledgerframe/vaultcore/internal/clock"
	"github.com/ledgerframe/vaultcore/pkg/dispatcher"
	"github.com/ledgerframe/vaultcore/pkg/domain"
	"github.com/ledgerframe/vaultcore/pkg/evidence"
	"github.com/ledgerframe/vaultcore/pkg/store"
	"github.com/ledgerframe/vaultcore/pkg/vaulterr"
	"github.com/ledgerframe/vaultcore/pkg/webhook"
)

// DefaultRetentionDays is applied to a revoke unless the caller overrides it.
const DefaultRetentionDays = 90

// Service is the C11 façade.
type Service struct {
	store      store.Store
	dispatcher *dispatcher.Dispatcher
	audit      *audit.Writer
	evidence   *evidence.Exporter
	clock      clock.Clock
}

// New constructs a Service.
func New(s store.Store, d *dispatcher.Dispatcher, w *audit.Writer, e *evidence.Exporter, clk clock.Clock) *Service {
	return &Service{store: s, dispatcher: d, audit: w, evidence: e, clock: clk}
}

func (s *Service) authorizeTenant(caller domain.CallerIdentity, tenantID string) error {
	if caller.IsAdmin() {
		return nil
	}
	if caller.TenantID != tenantID {
		return vaulterr.New(vaulterr.Forbidden, "caller tenant does not match resource tenant")
	}
	return nil
}

// getForCaller resolves an authorization by ID. Non-admin callers are
// scoped to their own tenant at the query itself, so a cross-tenant ID
// never reveals whether the row exists. Admin callers address the row by
// its globally-unique ID alone, since their tenant doesn't necessarily
// match the resource's.
func (s *Service) getForCaller(ctx context.Context, caller domain.CallerIdentity, id uuid.UUID, includeDeleted bool) (domain.Authorization, error) {
	if caller.IsAdmin() {
		return s.store.GetAuthorizationByID(ctx, id, includeDeleted)
	}
	return s.store.GetAuthorization(ctx, caller.TenantID, id, includeDeleted)
}

// Create dispatches verification, persists the result, audits CREATED, and
// publishes mandate.created if verification came back VALID (§4.11).
func (s *Service) Create(ctx context.Context, caller domain.CallerIdentity, protocol domain.Protocol, payload json.RawMessage) (domain.Authorization, error) {
	if err := s.authorizeTenant(caller, caller.TenantID); err != nil {
		return domain.Authorization{}, err
	}

	result, err := s.dispatcher.Verify(protocol, payload)
	if err != nil {
		if err == dispatcher.ErrProtocolDisabled {
			return domain.Authorization{}, vaulterr.New(vaulterr.InvalidInput, "PROTOCOL_DISABLED")
		}
		return domain.Authorization{}, fmt.Errorf("verifying payload: %w", err)
	}

	now := s.clock.Now()
	status := domain.StatusActive
	if result.Status == domain.VerificationValid {
		status = domain.StatusValid
	}
	expiresAt := now
	if result.ExpiresAt != nil {
		expiresAt = *result.ExpiresAt
	}

	authz := domain.Authorization{
		ID:                 uuid.New(),
		Protocol:           protocol,
		TenantID:           caller.TenantID,
		Issuer:             result.Issuer,
		Subject:            result.Subject,
		Scope:              result.Scope,
		AmountLimit:        result.AmountLimit,
		Currency:           result.Currency,
		ExpiresAt:          expiresAt,
		Status:             status,
		VerificationStatus: result.Status,
		VerificationReason: result.Reason,
		RawPayload:         payload,
		RetentionDays:      DefaultRetentionDays,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.CreateAuthorization(ctx, authz); err != nil {
			return fmt.Errorf("persisting authorization: %w", err)
		}
		if err := s.audit.Append(ctx, tx, authz.ID, domain.AuditCreated, map[string]any{
			"protocol":            string(protocol),
			"issuer":              authz.Issuer,
			"subject":             authz.Subject,
			"verification_status": string(authz.VerificationStatus),
			"user_id":             caller.UserID,
			"ip_address":          caller.IPAddress,
		}); err != nil {
			return err
		}
		if result.Status == domain.VerificationValid {
			outboundPayload, _ := json.Marshal(map[string]any{
				"authorization_id": authz.ID,
				"protocol":         string(protocol),
				"issuer":           authz.Issuer,
				"subject":          authz.Subject,
			})
			if err := webhook.Publish(ctx, tx, caller.TenantID, "mandate.created", outboundPayload, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Authorization{}, err
	}
	return authz, nil
}

// Reverify re-runs C4 against the stored raw_payload. Per the decided
// resolution of spec.md §9 open question 2, a terminal authorization's
// stored outcome is returned unchanged — the audit event still fires with
// old_status == new_status so the call is visible without mutating a
// terminal record.
func (s *Service) Reverify(ctx context.Context, caller domain.CallerIdentity, id uuid.UUID) (domain.VerificationResult, error) {
	authz, err := s.getForCaller(ctx, caller, id, true)
	if err != nil {
		return domain.VerificationResult{}, mapNotFound(err)
	}
	if err := s.authorizeTenant(caller, authz.TenantID); err != nil {
		return domain.VerificationResult{}, err
	}

	if authz.Status.Terminal() {
		var result domain.VerificationResult
		err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
			return s.audit.Append(ctx, tx, authz.ID, domain.AuditVerified, map[string]any{
				"protocol":            string(authz.Protocol),
				"verification_status": string(authz.VerificationStatus),
				"old_status":          string(authz.Status),
				"new_status":          string(authz.Status),
			})
		})
		if err != nil {
			return domain.VerificationResult{}, err
		}
		result = domain.VerificationResult{
			Status:      authz.VerificationStatus,
			Reason:      authz.VerificationReason,
			Issuer:      authz.Issuer,
			Subject:     authz.Subject,
			AmountLimit: authz.AmountLimit,
			Currency:    authz.Currency,
			ExpiresAt:   &authz.ExpiresAt,
			Scope:       authz.Scope,
		}
		return result, nil
	}

	result, err := s.dispatcher.Verify(authz.Protocol, authz.RawPayload)
	if err != nil {
		return domain.VerificationResult{}, fmt.Errorf("reverifying payload: %w", err)
	}

	now := s.clock.Now()
	newStatus := authz.Status
	if result.Status != domain.VerificationValid && now.After(authz.ExpiresAt) {
		newStatus = domain.StatusExpired
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		oldStatus := authz.Status
		if newStatus != oldStatus {
			if _, err := tx.UpdateStatus(ctx, authz.TenantID, authz.ID, oldStatus, newStatus, now, func(a *domain.Authorization) {
				a.VerificationStatus = result.Status
				a.VerificationReason = result.Reason
			}); err != nil {
				return fmt.Errorf("transitioning authorization on reverify: %w", err)
			}
		}
		return s.audit.Append(ctx, tx, authz.ID, domain.AuditVerified, map[string]any{
			"protocol":            string(authz.Protocol),
			"verification_status": string(result.Status),
			"old_status":          string(oldStatus),
			"new_status":          string(newStatus),
		})
	})
	if err != nil {
		return domain.VerificationResult{}, err
	}
	return result, nil
}

// Revoke conditionally transitions id to REVOKED, audits REVOKED, publishes
// mandate.revoked, and soft-deletes with the authorization's retention_days.
func (s *Service) Revoke(ctx context.Context, caller domain.CallerIdentity, id uuid.UUID, reason string) (domain.Authorization, error) {
	authz, err := s.getForCaller(ctx, caller, id, true)
	if err != nil {
		return domain.Authorization{}, mapNotFound(err)
	}
	if err := s.authorizeTenant(caller, authz.TenantID); err != nil {
		return domain.Authorization{}, err
	}
	if authz.Status.Terminal() {
		return domain.Authorization{}, vaulterr.Newf(vaulterr.IllegalTransition, "authorization %s is already %s", authz.ID, authz.Status)
	}

	now := s.clock.Now()
	var updated domain.Authorization
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		u, err := tx.UpdateStatus(ctx, authz.TenantID, authz.ID, authz.Status, domain.StatusRevoked, now, nil)
		if err != nil {
			return fmt.Errorf("transitioning authorization to REVOKED: %w", err)
		}
		updated = u

		if err := s.audit.Append(ctx, tx, authz.ID, domain.AuditRevoked, map[string]any{
			"protocol":   string(authz.Protocol),
			"reason":     reason,
			"revoked_by": caller.UserID,
			"old_status": string(authz.Status),
			"new_status": string(domain.StatusRevoked),
		}); err != nil {
			return err
		}

		payload, _ := json.Marshal(map[string]any{
			"authorization_id": authz.ID,
			"reason":           reason,
		})
		if err := webhook.Publish(ctx, tx, authz.TenantID, "mandate.revoked", payload, now); err != nil {
			return err
		}

		return tx.SoftDelete(ctx, authz.TenantID, authz.ID, authz.RetentionDays, now)
	})
	if err != nil {
		return domain.Authorization{}, err
	}
	return updated, nil
}

// Get loads a single authorization with tenant isolation enforced.
func (s *Service) Get(ctx context.Context, caller domain.CallerIdentity, id uuid.UUID) (domain.Authorization, error) {
	authz, err := s.getForCaller(ctx, caller, id, false)
	if err != nil {
		return domain.Authorization{}, mapNotFound(err)
	}
	if err := s.authorizeTenant(caller, authz.TenantID); err != nil {
		return domain.Authorization{}, err
	}
	return authz, nil
}

// Search delegates to C5 with caller.TenantID forced onto the filter unless
// the caller is an admin explicitly searching a specific tenant.
func (s *Service) Search(ctx context.Context, caller domain.CallerIdentity, f store.Filter) (store.SearchResult, error) {
	if !caller.IsAdmin() || f.TenantID == "" {
		f.TenantID = caller.TenantID
	}
	f.Normalize()
	return s.store.Search(ctx, f)
}

// ExportEvidence delegates to C10.
func (s *Service) ExportEvidence(ctx context.Context, caller domain.CallerIdentity, id uuid.UUID) (evidence.Pack, error) {
	authz, err := s.getForCaller(ctx, caller, id, true)
	if err != nil {
		return evidence.Pack{}, mapNotFound(err)
	}
	if err := s.authorizeTenant(caller, authz.TenantID); err != nil {
		return evidence.Pack{}, err
	}
	return s.evidence.Export(ctx, authz.TenantID, id, caller.UserID)
}

func mapNotFound(err error) error {
	if err == store.ErrNotFound {
		return vaulterr.New(vaulterr.NotFound, "authorization not found")
	}
	return err
}
