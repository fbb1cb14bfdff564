package api

import (
	"bytes"
	"io"
	"net/http"

	"github.com/sentry-messenger/d1plane/internal/admission"
	apierrors "github.com/sentry-messenger/d1plane/pkg/errors"
)

// AdmissionMiddleware fails closed: every request is rejected unless
// x-auth verifies over path+query+sep+body for either accepted
// separator. The body is fully buffered so it can be both hashed and
// re-read by the handler.
func AdmissionMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body []byte
			if r.Body != nil {
				b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
				if err != nil || len(b) > maxBodyBytes {
					writeError(w, r, apierrors.BadRequest, "body too large or unreadable", nil)
					return
				}
				body = b
			}

			if !admission.Verify(secret, admission.PathAndQuery(r), body, r.Header.Get("x-auth")) {
				writeError(w, r, apierrors.AuthUnauthorized, "unauthorized", nil)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
