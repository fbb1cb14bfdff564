package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sentry-messenger/d1plane/internal/domain/account"
	"github.com/sentry-messenger/d1plane/internal/domain/prekey"
	"github.com/sentry-messenger/d1plane/internal/store"
	"github.com/sentry-messenger/d1plane/pkg/config"
	"github.com/sentry-messenger/d1plane/pkg/telemetry"
)

const testDigest = "ABABABABABABABABABABABABABABABABABABABABABABABABABABABABABABAB"

func newTestDeps(t *testing.T) *Deps {
	t.Helper()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	resolver, err := account.New(st, "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd", 32)
	if err != nil {
		t.Fatalf("account.New: %v", err)
	}

	return &Deps{
		Store:   st,
		Account: resolver,
		Prekey:  prekey.New(st),
		Cfg:     config.Config{HMACSecret: "test-hmac-secret"},
		Log:     telemetry.NewLogger("d1plane-test", io.Discard),
		Metrics: telemetry.NewCounters(),
	}
}

func TestHandleHealthReportsOK(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected ok status, got %v", body["status"])
	}
}

func TestHandleMediaUsageRoundTripThroughRouter(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	payload := `{"accountDigest":"` + testDigest + `","objectKey":"obj-1","bytes":42}`
	req := httptest.NewRequest(http.MethodPost, "/d1/media/usage", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/d1/media/usage?accountDigest="+testDigest, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Usage []map[string]any `json:"usage"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Usage) != 1 {
		t.Fatalf("expected 1 usage row, got %d", len(body.Usage))
	}
}

func TestHandleMediaUsageRejectsInvalidDigest(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	req := httptest.NewRequest(http.MethodGet, "/d1/media/usage?accountDigest=not-a-digest", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleDevicesUpsertThenCheckThroughRouter(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	payload := `{"accountDigest":"` + testDigest + `","deviceId":"dev-a","label":"phone"}`
	req := httptest.NewRequest(http.MethodPost, "/d1/devices/upsert", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/d1/devices/check?accountDigest="+testDigest+"&deviceId=dev-a", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
