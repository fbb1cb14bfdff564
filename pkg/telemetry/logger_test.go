package telemetry

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLoggerWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger("d1plane", &buf)
	lg.Info("test_event", map[string]any{"foo": "bar"})

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("not valid json: %v, line=%q", err, buf.String())
	}
	if m["event"] != "test_event" || m["service"] != "d1plane" || m["foo"] != "bar" {
		t.Fatalf("unexpected fields: %+v", m)
	}
}

func TestRequestIDMiddlewareGeneratesAndEchoes(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})
	h := RequestIDMiddleware(inner)

	req := httptest.NewRequest(http.MethodGet, "/d1/ping", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if seen == "" {
		t.Fatal("expected a generated request id in context")
	}
	if rw.Header().Get("X-Request-Id") != seen {
		t.Fatalf("response header mismatch: %q vs %q", rw.Header().Get("X-Request-Id"), seen)
	}
}

func TestRequestIDMiddlewarePreservesClientHeader(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := RequestIDMiddleware(inner)

	req := httptest.NewRequest(http.MethodGet, "/d1/ping", nil)
	req.Header.Set("X-Request-Id", "client-supplied-123")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if rw.Header().Get("X-Request-Id") != "client-supplied-123" {
		t.Fatalf("expected client id preserved, got %q", rw.Header().Get("X-Request-Id"))
	}
}

func TestRecoverMiddlewareTurnsPanicInto500(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger("d1plane", &buf)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	h := RecoverMiddleware(lg)(inner)

	req := httptest.NewRequest(http.MethodGet, "/d1/ping", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if rw.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rw.Code)
	}
	if !strings.Contains(buf.String(), "panic_recovered") {
		t.Fatalf("expected panic logged, got %q", buf.String())
	}
}

func TestCounters(t *testing.T) {
	c := NewCounters()
	c.Inc("requests_total")
	c.Inc("requests_total")
	c.Add("rows_purged", 5)

	snap := c.Snapshot()
	if snap["requests_total"] != 2 || snap["rows_purged"] != 5 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
