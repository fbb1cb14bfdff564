// Package api wires the d1plane domain packages to the HTTP surface:
// request decoding, the gorilla/mux route table, and one handler file
// per component group.
package api

import (
	"encoding/json"
	"net/http"

	apierrors "github.com/sentry-messenger/d1plane/pkg/errors"
	"github.com/sentry-messenger/d1plane/pkg/telemetry"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps code to its registered HTTP status and writes a bounded
// ErrorEnvelope, tagging the response with the request's correlation id.
func writeError(w http.ResponseWriter, r *http.Request, code apierrors.Code, msg string, details map[string]any) {
	rid := telemetry.RequestIDFromContext(r.Context())
	env := apierrors.NewEnvelope(code, msg, rid, details)
	apierrors.WriteHTTP(w, apierrors.HTTPStatusFor(code), env)
}

// writeInternal logs err (since its text never crosses the boundary raw)
// and responds with a generic 500.
func writeInternal(w http.ResponseWriter, r *http.Request, lg *telemetry.Logger, event string, err error) {
	rid := telemetry.RequestIDFromContext(r.Context())
	lg.Error(event, map[string]any{"request_id": rid, "err": err.Error()})
	writeError(w, r, apierrors.Internal, "internal error", nil)
}
