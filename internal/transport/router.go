// Package transport is the illustrative demo HTTP surface mounted in api
// mode. Per spec.md §1, transport, routing, and caller authentication are
// explicitly out of scope for the core — this package is a thin, minimal
// adapter so the core is reachable over HTTP at all, not a production API
// surface. Caller identity here is read from trusted headers a real
// deployment would populate from its own auth layer.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ledgerframe/vaultcore/pkg/domain"
	"github.com/ledgerframe/vaultcore/pkg/inbound"
	"github.com/ledgerframe/vaultcore/pkg/store"
	"github.com/ledgerframe/vaultcore/pkg/vault"
	"github.com/ledgerframe/vaultcore/pkg/vaulterr"
)

// Router mounts the vault's illustrative HTTP surface.
type Router struct {
	vault          *vault.Service
	inbound        *inbound.Handler
	logger         *slog.Logger
	maxPayloadByte int64
}

// New constructs a Router.
func New(v *vault.Service, in *inbound.Handler, logger *slog.Logger, maxPayloadBytes int) *Router {
	return &Router{vault: v, inbound: in, logger: logger, maxPayloadByte: int64(maxPayloadBytes)}
}

// Routes returns the chi.Router for mounting under the application's root.
func (rt *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/webhooks/acp", rt.handleACPWebhook)
	r.Route("/authorizations", func(r chi.Router) {
		r.Post("/", rt.handleCreate)
		r.Get("/", rt.handleSearch)
		r.Get("/{id}", rt.handleGet)
		r.Post("/{id}/reverify", rt.handleReverify)
		r.Post("/{id}/revoke", rt.handleRevoke)
		r.Get("/{id}/evidence", rt.handleExportEvidence)
	})
	return r
}

func callerFromRequest(r *http.Request) domain.CallerIdentity {
	return domain.CallerIdentity{
		UserID:    r.Header.Get("X-Caller-User-Id"),
		TenantID:  r.Header.Get("X-Caller-Tenant-Id"),
		Role:      r.Header.Get("X-Caller-Role"),
		IPAddress: r.Header.Get("X-Forwarded-For"),
	}
}

func (rt *Router) handleACPWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, rt.maxPayloadByte+1))
	if err != nil {
		writeError(w, vaulterr.Wrap(vaulterr.InvalidInput, "reading body", err))
		return
	}
	if int64(len(body)) > rt.maxPayloadByte {
		writeError(w, vaulterr.New(vaulterr.InvalidInput, "payload exceeds MAX_PAYLOAD_BYTES"))
		return
	}
	tenantID := r.Header.Get("X-Tenant-Id")
	signature := r.Header.Get("X-ACP-Signature")

	result, err := rt.inbound.Handle(r.Context(), tenantID, body, signature)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) handleCreate(w http.ResponseWriter, r *http.Request) {
	caller := callerFromRequest(r)
	var req struct {
		Protocol domain.Protocol `json:"protocol"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, rt.maxPayloadByte+1)).Decode(&req); err != nil {
		writeError(w, vaulterr.Wrap(vaulterr.InvalidInput, "decoding request body", err))
		return
	}
	authz, err := rt.vault.Create(r.Context(), caller, req.Protocol, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, authz)
}

func (rt *Router) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	authz, err := rt.vault.Get(r.Context(), callerFromRequest(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authz)
}

func (rt *Router) handleReverify(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	result, err := rt.vault.Reverify(r.Context(), callerFromRequest(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(io.LimitReader(r.Body, rt.maxPayloadByte+1)).Decode(&req)
	authz, err := rt.vault.Revoke(r.Context(), callerFromRequest(r), id, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authz)
}

func (rt *Router) handleSearch(w http.ResponseWriter, r *http.Request) {
	caller := callerFromRequest(r)
	var f store.Filter
	q := r.URL.Query()
	if p := q.Get("protocol"); p != "" {
		proto := domain.Protocol(p)
		f.Protocol = &proto
	}
	if s := q.Get("status"); s != "" {
		status := domain.Status(s)
		f.Status = &status
	}
	result, err := rt.vault.Search(r.Context(), caller, f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) handleExportEvidence(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	pack, err := rt.vault.ExportEvidence(r.Context(), callerFromRequest(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+pack.Filename+"\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pack.Bytes)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, vaulterr.New(vaulterr.InvalidInput, "malformed id"))
		return uuid.UUID{}, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the §7 error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := vaulterr.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case vaulterr.InvalidInput:
		status = http.StatusBadRequest
	case vaulterr.Unauthorized:
		status = http.StatusUnauthorized
	case vaulterr.Forbidden:
		status = http.StatusForbidden
	case vaulterr.NotFound:
		status = http.StatusNotFound
	case vaulterr.IllegalTransition:
		status = http.StatusConflict
	case vaulterr.AlreadyProcessed:
		status = http.StatusOK
	case vaulterr.StoreConflict, vaulterr.StoreTimeout:
		status = http.StatusServiceUnavailable
	}
	if errors.Is(err, store.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": string(code)})
}
