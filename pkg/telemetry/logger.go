// Package telemetry provides the JSON-lines logger, request-correlation
// middleware, and lightweight health/metrics helpers shared by cmd/d1plane.
package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type ctxKey int

const (
	ctxRequestID ctxKey = iota
)

// Logger emits one JSON object per line to an io.Writer, serialized by a
// mutex so concurrent requests never interleave partial lines.
type Logger struct {
	mu      sync.Mutex
	l       *log.Logger
	service string
}

// NewLogger constructs a Logger for service, writing to w (os.Stdout if nil).
func NewLogger(service string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{l: log.New(w, "", 0), service: strings.TrimSpace(service)}
}

func (lg *Logger) Info(event string, fields map[string]any)  { lg.log("info", event, fields) }
func (lg *Logger) Warn(event string, fields map[string]any)  { lg.log("warn", event, fields) }
func (lg *Logger) Error(event string, fields map[string]any) { lg.log("error", event, fields) }

func (lg *Logger) log(level, event string, fields map[string]any) {
	m := make(map[string]any, 4+len(fields))
	m["level"] = level
	m["event"] = event
	m["service"] = lg.service
	m["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	for k, v := range fields {
		if k = strings.TrimSpace(k); k != "" {
			m[k] = v
		}
	}

	lg.mu.Lock()
	defer lg.mu.Unlock()
	b, err := json.Marshal(m)
	if err != nil {
		lg.l.Printf(`{"level":"error","event":"log_marshal_failed","service":%q}`, lg.service)
		return
	}
	lg.l.Print(string(b))
}

// ---- request correlation ----

var reqCounter uint64

// RequestIDFromContext returns the correlation id set by RequestIDMiddleware,
// or "" if none is present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		return v
	}
	return ""
}

// RequestIDMiddleware assigns a request id (client-supplied X-Request-Id, or
// a generated one) and threads it through both the response header and the
// request context, propagation rule.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if rid == "" {
			rid = "req_" + itoa(atomic.AddUint64(&reqCounter, 1))
		}
		w.Header().Set("X-Request-Id", rid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxRequestID, rid)))
	})
}

// RecoverMiddleware turns a panic in next into a 500 instead of crashing the
// process, logging the panic value with the request's correlation id.
func RecoverMiddleware(lg *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					lg.Error("panic_recovered", map[string]any{
						"request_id": RequestIDFromContext(r.Context()),
						"panic":      toLoggable(rec),
					})
					w.Header().Set("Content-Type", "application/json; charset=utf-8")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":{"code":"internal","message":"internal error","retryable":true,"kind":"server"}}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// LoggingMiddleware logs one http_request event per request with method,
// path, status, duration, and the request's correlation id.
func LoggingMiddleware(lg *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			lg.Info("http_request", map[string]any{
				"request_id":  RequestIDFromContext(r.Context()),
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      sw.status,
				"bytes":       sw.bytes,
				"duration_ms": time.Since(start).Milliseconds(),
				"remote_ip":   remoteIP(r),
			})
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func toLoggable(rec any) string {
	if err, ok := rec.(error); ok {
		return err.Error()
	}
	if s, ok := rec.(string); ok {
		return s
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "unrepresentable panic value"
	}
	return string(b)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
