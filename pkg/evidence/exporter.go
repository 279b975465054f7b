// Package evidence implements C10: the evidence pack exporter. Each export
// is a deterministic zip archive — member order, names, and timestamps are
// stable for the same inputs — built around a JCS-canonicalized manifest so
// the pack's hash is reproducible, following the canonicalization pattern
// the rest of the retrieved stack uses for tamper-evident records
// (Mindburn-Labs-helm/core/pkg/registry/pack_registry.go).
package evidence

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/ledgerframe/vaultcore/internal/audit"
	"github.com/ledgerframe/vaultcore/pkg/domain"
	"github.com/ledgerframe/vaultcore/pkg/store"
)

// Exporter builds evidence packs for an authorization's full history.
type Exporter struct {
	s     store.Store
	audit *audit.Writer
}

// New constructs an Exporter.
func New(s store.Store, w *audit.Writer) *Exporter {
	return &Exporter{s: s, audit: w}
}

// Pack is the exported archive and its canonical filename.
type Pack struct {
	Filename string
	Bytes    []byte
}

// Export builds the archive per §4.10 and then writes the EXPORTED audit
// event in the same transaction. The archive's audit.json is read before
// that append, so it does not contain the EXPORTED event of this export.
func (e *Exporter) Export(ctx context.Context, tenantID string, id uuid.UUID, callerUserID string) (Pack, error) {
	var pack Pack
	err := e.s.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		authz, err := tx.GetAuthorization(ctx, tenantID, id, true)
		if err != nil {
			return fmt.Errorf("loading authorization: %w", err)
		}
		events, err := tx.ListAudit(ctx, id)
		if err != nil {
			return fmt.Errorf("loading audit trail: %w", err)
		}

		archiveBytes, err := buildArchive(authz, events)
		if err != nil {
			return fmt.Errorf("building archive: %w", err)
		}

		if err := e.audit.Append(ctx, tx, id, domain.AuditExported, map[string]any{
			"protocol": string(authz.Protocol),
			"filename": filename(authz),
			"user_id":  callerUserID,
		}); err != nil {
			return err
		}

		pack = Pack{Filename: filename(authz), Bytes: archiveBytes}
		return nil
	})
	if err != nil {
		return Pack{}, err
	}
	return pack, nil
}

func filename(authz domain.Authorization) string {
	id8 := authz.ID.String()[:8]
	ts := authz.UpdatedAt.UTC().Format("20060102_150405")
	return fmt.Sprintf("evidence_pack_%s_%s_%s.zip", authz.Protocol, id8, ts)
}

// buildArchive writes the member set of §4.10 step 2, sorted by name, each
// with a fixed modified time (the authorization's updated_at) so the
// archive is byte-reproducible.
func buildArchive(authz domain.Authorization, events []domain.AuditEvent) ([]byte, error) {
	members := map[string][]byte{}

	verificationJSON, err := canonical(map[string]any{
		"verification_status": authz.VerificationStatus,
		"verification_reason": authz.VerificationReason,
		"issuer":              authz.Issuer,
		"subject":             authz.Subject,
		"scope":               rawOrNull(authz.Scope),
		"amount_limit":        amountString(authz),
		"currency":            authz.Currency,
		"expires_at":          authz.ExpiresAt,
	})
	if err != nil {
		return nil, err
	}
	members["verification.json"] = verificationJSON

	auditJSON, err := canonical(events)
	if err != nil {
		return nil, err
	}
	members["audit.json"] = auditJSON

	switch authz.Protocol {
	case domain.ProtocolAP2:
		var raw struct {
			VCJWT string `json:"vc_jwt"`
		}
		_ = json.Unmarshal(authz.RawPayload, &raw)
		members["vc_jwt.txt"] = []byte(raw.VCJWT)
		credJSON, err := decodedCredential(raw.VCJWT)
		if err != nil {
			return nil, err
		}
		members["credential.json"] = credJSON
	case domain.ProtocolACP:
		members["token.json"] = authz.RawPayload
	}

	members["summary.txt"] = []byte(summaryText(authz, events))

	// Self-verifying manifest (SPEC_FULL supplement 4): hashes are computed
	// over the member set before MANIFEST.json itself is added.
	manifestJSON, err := buildManifest(members)
	if err != nil {
		return nil, err
	}
	members["MANIFEST.json"] = manifestJSON

	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, name := range names {
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
		hdr.Modified = authz.UpdatedAt.UTC()
		fw, err := w.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("creating archive member %s: %w", name, err)
		}
		if _, err := fw.Write(members[name]); err != nil {
			return nil, fmt.Errorf("writing archive member %s: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w", err)
	}
	return buf.Bytes(), nil
}

// buildManifest lists each archive member's SHA-256 so the pack can be
// verified without trusting the zip container's own checksums.
func buildManifest(members map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)
	hashes := make(map[string]string, len(names))
	for _, name := range names {
		sum := sha256.Sum256(members[name])
		hashes[name] = hex.EncodeToString(sum[:])
	}
	return canonical(map[string]any{"sha256": hashes})
}

func canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func amountString(authz domain.Authorization) string {
	if authz.AmountLimit == nil {
		return ""
	}
	return authz.AmountLimit.String()
}

func summaryText(authz domain.Authorization, events []domain.AuditEvent) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Evidence pack for authorization %s\n", authz.ID)
	fmt.Fprintf(&b, "Protocol: %s\n", authz.Protocol)
	fmt.Fprintf(&b, "Tenant: %s\n", authz.TenantID)
	fmt.Fprintf(&b, "Issuer: %s\n", authz.Issuer)
	fmt.Fprintf(&b, "Subject: %s\n", authz.Subject)
	fmt.Fprintf(&b, "Status: %s (verification: %s)\n", authz.Status, authz.VerificationStatus)
	fmt.Fprintf(&b, "Expires at: %s\n", authz.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(&b, "Audit events: %d\n", len(events))
	for _, ev := range events {
		fmt.Fprintf(&b, "  - %s at %s\n", ev.EventType, ev.Timestamp.UTC().Format("2006-01-02T15:04:05Z"))
	}
	return b.String()
}

// decodedCredential splits a compact JWS into its decoded header and payload
// for the AP2 credential.json member, without re-verifying the signature —
// verification already happened at create/reverify time.
func decodedCredential(vcJWT string) ([]byte, error) {
	header, payload, err := splitCompactJWS(vcJWT)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{
		"header":  header,
		"payload": payload,
	})
}

func splitCompactJWS(token string) (header, payload json.RawMessage, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, nil, fmt.Errorf("malformed compact JWS")
	}
	h, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("decoding header: %w", err)
	}
	p, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("decoding payload: %w", err)
	}
	return json.RawMessage(h), json.RawMessage(p), nil
}
