// Package norm centralizes the canonical input forms: every later check
// runs over normalized bytes, and malformed input is rejected before any
// I/O rather than surfacing as a confusing downstream failure.
package norm

import (
	"encoding/base64"
	"regexp"
	"strings"
)

var (
	reConversationID = regexp.MustCompile(`^[A-Za-z0-9_:-]{8,128}$`)
	reHex            = regexp.MustCompile(`^[0-9a-fA-F]+$`)
)

// AccountDigest strips non-hex characters, uppercases, and requires
// exactly 64 characters. Returns ("", false) if the result is invalid.
func AccountDigest(s string) (string, bool) {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F') {
			b.WriteRune(r)
		}
	}
	out := strings.ToUpper(b.String())
	if len(out) != 64 {
		return "", false
	}
	return out, true
}

// DeviceID trims and bounds a device identifier.
func DeviceID(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 120 {
		return "", false
	}
	return s, true
}

// ConversationID validates the fixed charset/length.
func ConversationID(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !reConversationID.MatchString(s) {
		return "", false
	}
	return s, true
}

// MessageID trims and bounds a client-supplied message id.
func MessageID(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 8 || len(s) > 200 {
		return "", false
	}
	return s, true
}

// UID validates a hex user identifier of at least 14 characters.
func UID(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 14 || !reHex.MatchString(s) {
		return "", false
	}
	return s, true
}

// Base64URLOrNull decodes a base64url string (with or without padding),
// returning (nil, false) on any structural error — callers treat a false
// result as a 400, never silently accepting garbage as empty bytes.
func Base64URLOrNull(s string) ([]byte, bool) {
	if s == "" {
		return nil, false
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, true
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, true
	}
	return nil, false
}

// ExactKeySet reports whether got contains exactly the keys in allowed —
// no more, no fewer (required keys) or no more than (optional keys use
// AllowedKeySet below). This is how invite_dropbox bodies fail closed on
// any alias or legacy field.
func ExactKeySet(got map[string]any, allowed ...string) bool {
	if len(got) != len(allowed) {
		return false
	}
	want := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		want[k] = true
	}
	for k := range got {
		if !want[k] {
			return false
		}
	}
	return true
}

// AllowedKeySet reports whether every key in got is present in allowed,
// without requiring all allowed keys to be present (for bodies with
// required + optional fields split elsewhere).
func AllowedKeySet(got map[string]any, allowed ...string) bool {
	want := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		want[k] = true
	}
	for k := range got {
		if !want[k] {
			return false
		}
	}
	return true
}
