// Package vault implements the message-key vault: one wrapped message-key
// envelope per (account, conversation, message, sender-device), with the
// wrap-context binding check, upsert-tolerant writes, and the
// point/range/latest-state reads a ratchet resume needs.
package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sentry-messenger/d1plane/internal/store"
)

// ErrInvalidWrappedPayload is returned when the wrapped envelope fails the
// fixed-format check below.
var ErrInvalidWrappedPayload = errors.New("vault: invalid wrapped payload")

// ErrInvalidWrapContext is returned when wrap_context does not bind exactly
// to the expected (conversation, message, sender-device, target-device,
// direction, [counter], [msgType]) tuple.
var ErrInvalidWrapContext = errors.New("vault: invalid wrap context")

// Direction is incoming or outgoing, from the target device's perspective.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// WrappedEnvelope is the fixed shape for wrapped_mk_json.
type WrappedEnvelope struct {
	V    int    `json:"v"`
	AEAD string `json:"aead"`
	Info string `json:"info"`
	Salt string `json:"salt"`
	IV   string `json:"iv"`
	CT   string `json:"ct"`
}

// WrapContext is the plaintext binding tuple that must match the write's
// own identifiers exactly.
type WrapContext struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	SenderDeviceID string `json:"senderDeviceId"`
	TargetDeviceID string `json:"targetDeviceId"`
	Direction      string `json:"direction"`
	HeaderCounter  *int64 `json:"headerCounter,omitempty"`
	MsgType        string `json:"msgType,omitempty"`
}

// ValidateWrappedEnvelope parses and checks the fixed-format rule.
func ValidateWrappedEnvelope(raw string) (WrappedEnvelope, error) {
	var e WrappedEnvelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return WrappedEnvelope{}, ErrInvalidWrappedPayload
	}
	if e.V < 1 || e.AEAD != "aes-256-gcm" || e.Info != "message-key/v1" || e.Salt == "" || e.IV == "" || e.CT == "" {
		return WrappedEnvelope{}, ErrInvalidWrappedPayload
	}
	return e, nil
}

// ValidateWrapContext parses wrap_context_json and checks it binds exactly
// to the expected identifiers. msgType, when present on both sides, must
// match; when absent from either side it is not compared.
func ValidateWrapContext(raw string, expect WrapContext) (WrapContext, error) {
	var got WrapContext
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		return WrapContext{}, ErrInvalidWrapContext
	}
	if got.ConversationID != expect.ConversationID ||
		got.MessageID != expect.MessageID ||
		got.SenderDeviceID != expect.SenderDeviceID ||
		got.TargetDeviceID != expect.TargetDeviceID ||
		got.Direction != expect.Direction {
		return WrapContext{}, ErrInvalidWrapContext
	}
	if expect.HeaderCounter != nil {
		if got.HeaderCounter == nil || *got.HeaderCounter != *expect.HeaderCounter {
			return WrapContext{}, ErrInvalidWrapContext
		}
	}
	if expect.MsgType != "" && got.MsgType != "" && got.MsgType != expect.MsgType {
		return WrapContext{}, ErrInvalidWrapContext
	}
	return got, nil
}

// Put is the fully-normalized input to a vault write.
type Put struct {
	AccountDigest   string
	ConversationID  string
	MessageID       string
	SenderDeviceID  string
	TargetDeviceID  string
	Direction       Direction
	MsgType         string
	HeaderCounter   *int64
	WrappedMKJSON   string
	WrapContextJSON string
	DRStateSnapshot string // "" means absent
}

// Validate runs the two shape checks before a write.
func (p Put) Validate() error {
	if _, err := ValidateWrappedEnvelope(p.WrappedMKJSON); err != nil {
		return err
	}
	_, err := ValidateWrapContext(p.WrapContextJSON, WrapContext{
		ConversationID: p.ConversationID,
		MessageID:      p.MessageID,
		SenderDeviceID: p.SenderDeviceID,
		TargetDeviceID: p.TargetDeviceID,
		Direction:      string(p.Direction),
		HeaderCounter:  p.HeaderCounter,
		MsgType:        p.MsgType,
	})
	return err
}

// Write upserts a vault row with ON CONFLICT DO NOTHING on the PK:
// duplicate writes are silently tolerated.
func Write(ctx context.Context, st *store.Store, p Put) error {
	if err := p.Validate(); err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err := st.Exec(ctx, `
		INSERT INTO message_key_vault (account_digest, conversation_id, message_id, sender_device_id,
			target_device_id, direction, msg_type, header_counter, wrapped_mk_json, wrap_context_json,
			dr_state_snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_digest, conversation_id, message_id, sender_device_id) DO NOTHING`,
		p.AccountDigest, p.ConversationID, p.MessageID, p.SenderDeviceID,
		p.TargetDeviceID, string(p.Direction), nullableStr(p.MsgType), nullableCounter(p.HeaderCounter),
		p.WrappedMKJSON, p.WrapContextJSON, nullableStr(p.DRStateSnapshot), now)
	if err != nil {
		return fmt.Errorf("vault: write: %w", err)
	}
	return nil
}

// Row is one message_key_vault row.
type Row struct {
	AccountDigest   string
	ConversationID  string
	MessageID       string
	SenderDeviceID  string
	TargetDeviceID  string
	Direction       string
	MsgType         sql.NullString
	HeaderCounter   sql.NullInt64
	WrappedMKJSON   string
	WrapContextJSON string
	DRStateSnapshot sql.NullString
	CreatedAt       int64
}

const rowColumns = `account_digest, conversation_id, message_id, sender_device_id, target_device_id,
	direction, msg_type, header_counter, wrapped_mk_json, wrap_context_json, dr_state_snapshot, created_at`

func scanRow(row *sql.Row) (Row, bool, error) {
	var r Row
	err := row.Scan(&r.AccountDigest, &r.ConversationID, &r.MessageID, &r.SenderDeviceID, &r.TargetDeviceID,
		&r.Direction, &r.MsgType, &r.HeaderCounter, &r.WrappedMKJSON, &r.WrapContextJSON, &r.DRStateSnapshot, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("vault: scan: %w", err)
	}
	return r, true, nil
}

// ByMessageID reads the row keyed by (account, conversation, message, sender device).
func ByMessageID(ctx context.Context, st *store.Store, accountDigest, conversationID, messageID, senderDeviceID string) (Row, bool, error) {
	row := st.QueryRow(ctx, `SELECT `+rowColumns+` FROM message_key_vault
		WHERE account_digest = ? AND conversation_id = ? AND message_id = ? AND sender_device_id = ?`,
		accountDigest, conversationID, messageID, senderDeviceID)
	return scanRow(row)
}

// ByHeaderCounter reads the row by header_counter when the receiver knows
// the ratchet counter but not the server message id.
func ByHeaderCounter(ctx context.Context, st *store.Store, accountDigest, conversationID string, headerCounter int64) (Row, bool, error) {
	row := st.QueryRow(ctx, `SELECT `+rowColumns+` FROM message_key_vault
		WHERE account_digest = ? AND conversation_id = ? AND header_counter = ?
		ORDER BY created_at DESC LIMIT 1`,
		accountDigest, conversationID, headerCounter)
	return scanRow(row)
}

// LatestState returns the most recent outgoing (optionally scoped to
// senderDeviceID) and most recent incoming DR snapshot rows for a
// conversation — the primary ratchet-resume path.
type LatestState struct {
	Outgoing *Row
	Incoming *Row
}

func LatestStateFor(ctx context.Context, st *store.Store, accountDigest, conversationID, senderDeviceID string) (LatestState, error) {
	var out LatestState

	outQuery := `SELECT ` + rowColumns + ` FROM message_key_vault
		WHERE account_digest = ? AND conversation_id = ? AND direction = 'outgoing' AND dr_state_snapshot IS NOT NULL`
	outArgs := []any{accountDigest, conversationID}
	if senderDeviceID != "" {
		outQuery += ` AND sender_device_id = ?`
		outArgs = append(outArgs, senderDeviceID)
	}
	outQuery += ` ORDER BY created_at DESC LIMIT 1`
	if row, found, err := scanRow(st.QueryRow(ctx, outQuery, outArgs...)); err != nil {
		return LatestState{}, err
	} else if found {
		out.Outgoing = &row
	}

	if row, found, err := scanRow(st.QueryRow(ctx, `SELECT `+rowColumns+` FROM message_key_vault
		WHERE account_digest = ? AND conversation_id = ? AND direction = 'incoming' AND dr_state_snapshot IS NOT NULL
		ORDER BY created_at DESC LIMIT 1`, accountDigest, conversationID)); err != nil {
		return LatestState{}, err
	} else if found {
		out.Incoming = &row
	}

	return out, nil
}

// Delete removes one vault row; used by the delete endpoint. Account purge
// clears message_key_vault through its own per-table delete instead.
func Delete(ctx context.Context, st *store.Store, accountDigest, conversationID, messageID, senderDeviceID string) error {
	_, err := st.Exec(ctx, `DELETE FROM message_key_vault
		WHERE account_digest = ? AND conversation_id = ? AND message_id = ? AND sender_device_id = ?`,
		accountDigest, conversationID, messageID, senderDeviceID)
	if err != nil {
		return fmt.Errorf("vault: delete: %w", err)
	}
	return nil
}

// Count returns the number of vault rows for a conversation scoped to an
// account, backing the /message-key-vault/count endpoint.
func Count(ctx context.Context, st *store.Store, accountDigest, conversationID string) (int64, error) {
	var n int64
	err := st.QueryRow(ctx, `SELECT COUNT(*) FROM message_key_vault WHERE account_digest = ? AND conversation_id = ?`,
		accountDigest, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("vault: count: %w", err)
	}
	return n, nil
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableCounter(c *int64) any {
	if c == nil {
		return nil
	}
	return *c
}
