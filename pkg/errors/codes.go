// Package errors defines the stable error-code taxonomy shared by every
// handler and domain package in d1plane. Codes are considered API-stable
// once published.
package errors

import (
	"encoding/json"
	"sort"
)

// Code is a stable error code returned to clients inside an ErrorEnvelope.
type Code string

// CodeMeta provides the HTTP mapping and retry/kind classification for a Code.
type CodeMeta struct {
	HTTPStatus  int    `json:"http_status"`
	Retryable   bool   `json:"retryable"`
	Kind        string `json:"kind"` // client|security|dependency|server
	Description string `json:"description"`
}

// ---- AUTH / ADMISSION ----
const (
	AuthUnauthorized Code = "auth.unauthorized"
	AuthForbidden    Code = "auth.forbidden"
)

// ---- VALIDATION ----
const (
	BadRequest            Code = "bad_request"
	InviteSchemaMismatch  Code = "invites.schema_mismatch"
	InviteEnvelopeInvalid Code = "invites.envelope_invalid"
	InvalidWrappedPayload Code = "vault.invalid_wrapped_payload"
	InvalidWrapContext    Code = "vault.invalid_wrap_context"
)

// ---- NOT FOUND ----
const (
	NotFound          Code = "not_found"
	PrekeyUnavailable Code = "prekeys.unavailable"
)

// ---- CONFLICT / MONOTONICITY ----
const (
	Replay                     Code = "accounts.replay"
	CounterTooLow              Code = "messages.counter_too_low"
	Conflict                   Code = "conflict"
	InviteAlreadyExists        Code = "invites.already_exists"
	InviteAlreadyDelivered     Code = "invites.already_delivered"
	TokenUsed                  Code = "token.used"
	ContactSecretsBackupReject Code = "contact_secrets.rejected"
)

// ---- EXPIRY ----
const (
	Expired Code = "invites.expired"
)

// ---- SERVER ----
const (
	Internal       Code = "internal"
	InternalFailed Code = "internal.failed"
	SchemaMissing  Code = "internal.schema_missing"
	PayloadMissing Code = "internal.payload_missing"
)

var registry = map[Code]CodeMeta{
	AuthUnauthorized: {HTTPStatus: 401, Retryable: false, Kind: "security", Description: "missing or mismatched x-auth HMAC"},
	AuthForbidden:    {HTTPStatus: 403, Retryable: false, Kind: "security", Description: "authenticated but not authorized for this resource"},

	BadRequest:            {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "request failed normalization or shape validation"},
	InviteSchemaMismatch:  {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "invite body has an unknown or aliased top-level key"},
	InviteEnvelopeInvalid: {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "invite envelope failed shape or expiry-match validation"},
	InvalidWrappedPayload: {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "wrapped message-key envelope failed the fixed-format check"},
	InvalidWrapContext:    {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "wrap context does not bind to the message/vault identifiers"},

	NotFound:          {HTTPStatus: 404, Retryable: false, Kind: "client", Description: "row not found"},
	PrekeyUnavailable: {HTTPStatus: 404, Retryable: false, Kind: "client", Description: "no signed prekey, no one-time prekey, or missing identity key"},

	Replay:                     {HTTPStatus: 409, Retryable: false, Kind: "client", Description: "exchange counter did not advance past last_ctr"},
	CounterTooLow:              {HTTPStatus: 409, Retryable: false, Kind: "client", Description: "message counter is not strictly greater than the stored max"},
	Conflict:                   {HTTPStatus: 409, Retryable: false, Kind: "client", Description: "write conflicts with existing state"},
	InviteAlreadyExists:        {HTTPStatus: 409, Retryable: false, Kind: "client", Description: "invite_id already has a CREATED row"},
	InviteAlreadyDelivered:     {HTTPStatus: 409, Retryable: false, Kind: "client", Description: "invite already moved past CREATED"},
	TokenUsed:                  {HTTPStatus: 409, Retryable: false, Kind: "client", Description: "extension token already redeemed"},
	ContactSecretsBackupReject: {HTTPStatus: 409, Retryable: false, Kind: "client", Description: "withDrState regression against retained backups"},

	Expired: {HTTPStatus: 410, Retryable: false, Kind: "client", Description: "invite past expires_at"},

	Internal:       {HTTPStatus: 500, Retryable: true, Kind: "server", Description: "internal error"},
	InternalFailed: {HTTPStatus: 500, Retryable: true, Kind: "server", Description: "an internal operation failed"},
	SchemaMissing:  {HTTPStatus: 500, Retryable: false, Kind: "server", Description: "database schema is missing required tables or columns"},
	PayloadMissing: {HTTPStatus: 500, Retryable: false, Kind: "server", Description: "expected payload section missing from a validated batch"},
}

// Meta returns metadata for a code.
func Meta(code Code) (CodeMeta, bool) {
	m, ok := registry[code]
	return m, ok
}

// Known reports whether code is a registered code.
func Known(code Code) bool {
	_, ok := registry[code]
	return ok
}

// List returns all known codes, sorted.
func List() []Code {
	out := make([]Code, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExportJSON returns stable JSON describing every registered code, useful
// for a diagnostics endpoint or client-side error-code documentation.
func ExportJSON() []byte {
	type row struct {
		Code Code     `json:"code"`
		Meta CodeMeta `json:"meta"`
	}
	codes := List()
	rows := make([]row, 0, len(codes))
	for _, c := range codes {
		rows = append(rows, row{Code: c, Meta: registry[c]})
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return []byte("[]")
	}
	return b
}
