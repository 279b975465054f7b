package transport

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ledgerframe/vaultcore/internal/audit"
	"github.com/ledgerframe/vaultcore/internal/clock"
	"github.com/ledgerframe/vaultcore/pkg/acp"
	"github.com/ledgerframe/vaultcore/pkg/ap2"
	"github.com/ledgerframe/vaultcore/pkg/dispatcher"
	"github.com/ledgerframe/vaultcore/pkg/evidence"
	"github.com/ledgerframe/vaultcore/pkg/inbound"
	"github.com/ledgerframe/vaultcore/pkg/store/storetest"
	"github.com/ledgerframe/vaultcore/pkg/vault"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	mem := storetest.New()
	clk := clock.New()
	acpVerifier, err := acp.New(clk, acp.Config{})
	if err != nil {
		t.Fatalf("acp.New() error: %v", err)
	}
	d := dispatcher.New(ap2.New(nil, clk), acpVerifier, true)
	auditWriter := audit.NewWriter(discardLogger())
	v := vault.New(mem, d, auditWriter, evidence.New(mem, auditWriter), clk)
	in := inbound.New(mem, auditWriter, "test-secret", discardLogger(), nil)
	return New(v, in, discardLogger(), 1<<20)
}

func TestHandleGet_UnknownIDReturns404(t *testing.T) {
	rt := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/authorizations/c9f8c8b0-6a9b-4e2b-8f0a-1e6e9b3a2b11", nil)
	req.Header.Set("X-Caller-Tenant-Id", "tenant-a")
	rec := httptest.NewRecorder()

	rt.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleGet_MalformedIDReturns400(t *testing.T) {
	rt := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/authorizations/not-a-uuid", nil)
	req.Header.Set("X-Caller-Tenant-Id", "tenant-a")
	rec := httptest.NewRecorder()

	rt.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleCreate_ThenGet_RoundTrips(t *testing.T) {
	rt := newTestRouter(t)
	body, err := json.Marshal(map[string]any{
		"protocol": "AP2",
		"payload":  map[string]any{"vc_jwt": "not-a-jwt"},
	})
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/authorizations/", strings.NewReader(string(body)))
	req.Header.Set("X-Caller-Tenant-Id", "tenant-a")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	rt.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK && rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID string `json:"ID"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal create response: %v, body=%s", err, rec.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/authorizations/"+created.ID, nil)
	getReq.Header.Set("X-Caller-Tenant-Id", "tenant-a")
	getRec := httptest.NewRecorder()
	rt.Routes().ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Errorf("get status = %d, want 200, body = %s", getRec.Code, getRec.Body.String())
	}
}

func TestHandleACPWebhook_RejectsOversizedPayload(t *testing.T) {
	mem := storetest.New()
	clk := clock.New()
	acpVerifier, err := acp.New(clk, acp.Config{})
	if err != nil {
		t.Fatalf("acp.New() error: %v", err)
	}
	d := dispatcher.New(ap2.New(nil, clk), acpVerifier, true)
	auditWriter := audit.NewWriter(discardLogger())
	v := vault.New(mem, d, auditWriter, evidence.New(mem, auditWriter), clk)
	in := inbound.New(mem, auditWriter, "test-secret", discardLogger(), nil)
	rt := New(v, in, discardLogger(), 4)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/acp", strings.NewReader(`{"event_id":"evt_1"}`))
	rec := httptest.NewRecorder()
	rt.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a payload over MAX_PAYLOAD_BYTES", rec.Code)
	}
}
