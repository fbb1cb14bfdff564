package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/sentry-messenger/d1plane/internal/norm"
)

// ErrBadJSON is returned by decode helpers on any parse failure; handlers
// map it to pkg/errors.BadRequest.
var ErrBadJSON = errors.New("api: invalid json body")

// maxBodyBytes bounds request bodies read into memory; large reads are
// already capped elsewhere by limit/cursor parameters.
const maxBodyBytes = 1 << 20

// decodeJSON reads r.Body into out, ignoring unknown top-level keys, per
// ("on other endpoints they are ignored").
func decodeJSON(r *http.Request, out any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return ErrBadJSON
	}
	if len(b) > maxBodyBytes {
		return ErrBadJSON
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return ErrBadJSON
	}
	return nil
}

// decodeExact reads r.Body into both a generic map (to enforce the exact
// allowed-key set invite_dropbox endpoints require, ) and out.
// Any key outside allowed fails closed.
func decodeExact(r *http.Request, out any, allowed ...string) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(b) > maxBodyBytes {
		return ErrBadJSON
	}
	var generic map[string]any
	if err := json.Unmarshal(b, &generic); err != nil {
		return ErrBadJSON
	}
	if !norm.AllowedKeySet(generic, allowed...) {
		return ErrBadJSON
	}
	if err := json.Unmarshal(b, out); err != nil {
		return ErrBadJSON
	}
	return nil
}

// decodeAliased supports "dynamic payload shapes": clients may
// send either camelCase or snake_case for the same field. aliases maps a
// snake_case key to the canonical camelCase key out's json tags use; any
// alias present when the canonical key is absent is copied over before
// unmarshaling, so handlers only ever see the canonical field populated.
func decodeAliased(r *http.Request, out any, aliases map[string]string) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(b) > maxBodyBytes {
		return ErrBadJSON
	}
	if len(b) == 0 {
		return nil
	}
	var generic map[string]any
	if err := json.Unmarshal(b, &generic); err != nil {
		return ErrBadJSON
	}
	for alias, canonical := range aliases {
		if _, have := generic[canonical]; have {
			continue
		}
		if v, ok := generic[alias]; ok {
			generic[canonical] = v
		}
	}
	normalized, err := json.Marshal(generic)
	if err != nil {
		return ErrBadJSON
	}
	if err := json.Unmarshal(normalized, out); err != nil {
		return ErrBadJSON
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n := 0
	neg := false
	for i, c := range v {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}

func queryInt64(r *http.Request, name string, def int64) int64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, name string) bool {
	v := r.URL.Query().Get(name)
	return v == "1" || v == "true" || v == "yes"
}
