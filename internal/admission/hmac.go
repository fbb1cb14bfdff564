// Package admission enforces fail-closed request admission: every
// request must carry an x-auth header matching an HMAC over the request,
// computed with either of two accepted separators between path+query and
// body.
package admission

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
)

// keyCache holds one hmac key per distinct secret, so HMAC verification
// reuses a cached imported key rather than recomputing one per request.
// Secrets are process-lifetime static in practice (one configured
// secret), but the cache tolerates hot-reload scenarios too.
var (
	keyCacheMu sync.Mutex
	keyCache   = map[string][]byte{}
)

func cachedKey(secret string) []byte {
	keyCacheMu.Lock()
	defer keyCacheMu.Unlock()
	if k, ok := keyCache[secret]; ok {
		return k
	}
	k := []byte(secret)
	keyCache[secret] = k
	return k
}

// Verify reports whether auth is a valid base64url HMAC-SHA256 over
// path+query+sep+body for either accepted separator. Both candidates are
// always computed, and both comparisons run in constant time, so observed
// latency never leaks which separator (if either) matched.
func Verify(secret, pathAndQuery string, body []byte, auth string) bool {
	auth = strings.TrimSpace(auth)
	if auth == "" {
		return false
	}
	given, err := base64.RawURLEncoding.DecodeString(auth)
	if err != nil {
		// Some clients pad; tolerate standard encoding too.
		given, err = base64.URLEncoding.DecodeString(auth)
		if err != nil {
			return false
		}
	}

	key := cachedKey(secret)
	pipeMAC := sum(key, pathAndQuery, "|", body)
	newlineMAC := sum(key, pathAndQuery, "\n", body)

	okPipe := subtle.ConstantTimeCompare(given, pipeMAC) == 1
	okNewline := subtle.ConstantTimeCompare(given, newlineMAC) == 1
	return okPipe || okNewline
}

func sum(key []byte, pathAndQuery, sep string, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(pathAndQuery))
	mac.Write([]byte(sep))
	mac.Write(body)
	return mac.Sum(nil)
}

// PathAndQuery reconstructs the exact string the client signed: path plus
// "?"-joined raw query when present, matching net/http's URL.RequestURI()
// shape minus the host.
func PathAndQuery(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.RawQuery
}
