package store

import (
	"errors"
	"strings"
)

// ErrNotFound and ErrConflict are sentinel errors domain code can match
// with errors.Is after IsUniqueViolation classification below.
var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// IsUniqueViolation inspects a raw driver error by message substring.
// Structured codes would be preferable where a driver exposes them, but
// both lib/pq and mattn/go-sqlite3 errors reliably contain "unique" or
// "primary key" in their text, so the substring match is kept as the
// primary mechanism rather than importing each driver's error-code
// package.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "primary key") || strings.Contains(msg, "primary constraint")
}
