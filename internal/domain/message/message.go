// Package message implements the secure message appender: the
// per-(conversation, sender-device) monotonic counter invariant, the
// conversation/ACL upsert, idempotent insert-by-id, and the cursor-paged,
// deletion-filtered list read.
package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sentry-messenger/d1plane/internal/store"
)

// ErrCounterTooLow is returned when counter <= MAX(counter) for the same
// (conversation, sender_account_digest, sender_device_id).
type ErrCounterTooLow struct{ MaxCounter int64 }

func (e *ErrCounterTooLow) Error() string {
	return fmt.Sprintf("message: counter too low (max=%d)", e.MaxCounter)
}

// ErrHeaderMismatch covers the four header/body cross-checks below.
var ErrHeaderMismatch = errors.New("message: header does not match sender/counter")

// Insert is the fully-normalized input to Append.
type Insert struct {
	ID                     string
	ConversationID         string
	SenderAccountDigest    string
	SenderDeviceID         string
	ReceiverAccountDigest  string
	ReceiverDeviceID       string // "" means unspecified
	HeaderJSON             string
	CiphertextB64          string
	Counter                int64
	CreatedAt              int64 // 0 means "now"
}

// Result is what Append returns: whether this call actually created the
// row, and the row's created_at (the original one, on idempotent replay).
type Result struct {
	Created   bool
	CreatedAt int64
}

// ValidateHeader enforces four checks: header.device_id must equal
// senderDeviceID, header.v must be >= 1, header.iv_b64 must be present, and
// header.n (or header.counter) must equal counter.
func ValidateHeader(headerJSON string, senderDeviceID string, counter int64) error {
	var h map[string]any
	if err := json.Unmarshal([]byte(headerJSON), &h); err != nil {
		return ErrHeaderMismatch
	}
	if deviceID, _ := h["device_id"].(string); deviceID != senderDeviceID {
		return ErrHeaderMismatch
	}
	v, ok := numeric(h["v"])
	if !ok || v < 1 {
		return ErrHeaderMismatch
	}
	iv, _ := h["iv_b64"].(string)
	if iv == "" {
		return ErrHeaderMismatch
	}
	n, ok := numeric(h["n"])
	if !ok {
		n, ok = numeric(h["counter"])
	}
	if !ok || int64(n) != counter {
		return ErrHeaderMismatch
	}
	return nil
}

func numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// MaxCounter reads MAX(counter) for (conversationID, senderDigest,
// senderDevice) using the given querier (store.Store or store.Tx), so
// callers needing it inside a transaction and callers needing a plain
// point-in-time read share one implementation.
func MaxCounter(ctx context.Context, q querier, conversationID, senderDigest, senderDevice string) (int64, error) {
	var max sql.NullInt64
	err := q.QueryRow(ctx, `
		SELECT MAX(counter) FROM messages_secure
		WHERE conversation_id = ? AND sender_account_digest = ? AND sender_device_id = ?`,
		conversationID, senderDigest, senderDevice).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("message: read max counter: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

type querier interface {
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
}

// Append performs the full insert path: validate header,
// check the monotonic counter, upsert the conversation and both ACL rows,
// insert the message. A unique-constraint violation on id is treated as
// idempotent success, returning the original row's created_at.
func Append(ctx context.Context, st *store.Store, in Insert) (Result, error) {
	if err := ValidateHeader(in.HeaderJSON, in.SenderDeviceID, in.Counter); err != nil {
		return Result{}, err
	}

	now := time.Now().Unix()
	createdAt := in.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}

	var res Result
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		maxCounter, err := MaxCounter(ctx, tx, in.ConversationID, in.SenderAccountDigest, in.SenderDeviceID)
		if err != nil {
			return err
		}
		if in.Counter <= maxCounter {
			return &ErrCounterTooLow{MaxCounter: maxCounter}
		}

		if _, err := tx.Exec(ctx, `INSERT INTO conversations (id) VALUES (?) ON CONFLICT (id) DO NOTHING`, in.ConversationID); err != nil {
			return fmt.Errorf("message: ensure conversation: %w", err)
		}
		if err := upsertACL(ctx, tx, in.ConversationID, in.SenderAccountDigest, in.SenderDeviceID, "member", now); err != nil {
			return err
		}
		if in.ReceiverAccountDigest != "" {
			if err := upsertACL(ctx, tx, in.ConversationID, in.ReceiverAccountDigest, in.ReceiverDeviceID, "member", now); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO messages_secure (id, conversation_id, sender_account_digest, sender_device_id,
				receiver_account_digest, receiver_device_id, header_json, ciphertext_b64, counter, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			in.ID, in.ConversationID, in.SenderAccountDigest, in.SenderDeviceID,
			nullableStr(in.ReceiverAccountDigest), nullableStr(in.ReceiverDeviceID),
			in.HeaderJSON, in.CiphertextB64, in.Counter, createdAt)
		if err != nil {
			if store.IsUniqueViolation(err) {
				var existing int64
				if serr := tx.QueryRow(ctx, `SELECT created_at FROM messages_secure WHERE id = ?`, in.ID).Scan(&existing); serr != nil {
					return fmt.Errorf("message: re-select idempotent row: %w", serr)
				}
				res = Result{Created: false, CreatedAt: existing}
				return nil
			}
			return fmt.Errorf("message: insert: %w", err)
		}
		res = Result{Created: true, CreatedAt: createdAt}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func upsertACL(ctx context.Context, tx *store.Tx, conversationID, accountDigest, deviceID, role string, now int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO conversation_acl (conversation_id, account_digest, device_id, role, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, account_digest, device_id) DO UPDATE SET updated_at = excluded.updated_at`,
		conversationID, accountDigest, deviceID, role, now)
	if err != nil {
		return fmt.Errorf("message: upsert acl: %w", err)
	}
	return nil
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Row is one message_secure row as returned by a list read.
type Row struct {
	ID                    string
	ConversationID        string
	SenderAccountDigest   string
	SenderDeviceID        string
	ReceiverAccountDigest sql.NullString
	ReceiverDeviceID      sql.NullString
	HeaderJSON            string
	CiphertextB64         string
	Counter               int64
	CreatedAt             int64
}

// VisibleMsgTypes is the fixed set of header.meta.msgType values that count
// toward a list read's target visible count — kept fixed rather than
// exposed as a query parameter, see DESIGN.md.
var VisibleMsgTypes = map[string]bool{
	"text": true, "media": true, "call-log": true, "system": true,
}

// maxIterations bounds the oversampling loop so a single request cannot
// scan indefinitely.
const maxIterations = 5

// Cursor is the opaque (counter, created_at, id) position a list read
// resumes from.
type Cursor struct {
	Counter   int64
	CreatedAt int64
	ID        string
	Valid     bool
}

// List reads up to limit *visible* rows for conversationID, starting after
// cursor, ordered (counter DESC, created_at DESC, id DESC), filtering out
// rows the requester has tombstoned via their deletion cursor and rows
// whose header.meta.msgType is not in VisibleMsgTypes.
func List(ctx context.Context, st *store.Store, conversationID, requesterDigest string, limit int, cursor Cursor) ([]Row, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	var minCounter int64
	if requesterDigest != "" {
		var mc sql.NullInt64
		err := st.QueryRow(ctx, `SELECT min_counter FROM deletion_cursors WHERE conversation_id = ? AND account_digest = ?`,
			conversationID, requesterDigest).Scan(&mc)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message: read deletion cursor: %w", err)
		}
		if mc.Valid {
			minCounter = mc.Int64
		}
	}

	var out []Row
	cur := cursor
	for iter := 0; iter < maxIterations && len(out) < limit; iter++ {
		batchSize := (limit - len(out)) * 3
		if batchSize < limit {
			batchSize = limit
		}
		rows, err := queryPage(ctx, st, conversationID, cur, batchSize)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			cur = Cursor{Counter: row.Counter, CreatedAt: row.CreatedAt, ID: row.ID, Valid: true}
			if minCounter > 0 && row.Counter <= minCounter {
				continue
			}
			if !isVisible(row.HeaderJSON) {
				continue
			}
			out = append(out, row)
			if len(out) >= limit {
				break
			}
		}
		if len(rows) < batchSize {
			break // exhausted the table for this conversation
		}
	}
	return out, nil
}

func isVisible(headerJSON string) bool {
	var h struct {
		Meta struct {
			MsgType string `json:"msgType"`
		} `json:"meta"`
	}
	if err := json.Unmarshal([]byte(headerJSON), &h); err != nil {
		return false
	}
	return VisibleMsgTypes[h.Meta.MsgType]
}

func queryPage(ctx context.Context, st *store.Store, conversationID string, cur Cursor, limit int) ([]Row, error) {
	query := `
		SELECT id, conversation_id, sender_account_digest, sender_device_id,
			receiver_account_digest, receiver_device_id, header_json, ciphertext_b64, counter, created_at
		FROM messages_secure WHERE conversation_id = ?`
	args := []any{conversationID}
	if cur.Valid {
		query += ` AND (counter < ? OR (counter = ? AND (created_at < ? OR (created_at = ? AND id < ?))))`
		args = append(args, cur.Counter, cur.Counter, cur.CreatedAt, cur.CreatedAt, cur.ID)
	}
	query += ` ORDER BY counter DESC, created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := st.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("message: list query: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.SenderAccountDigest, &r.SenderDeviceID,
			&r.ReceiverAccountDigest, &r.ReceiverDeviceID, &r.HeaderJSON, &r.CiphertextB64, &r.Counter, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ByCounter reads the single row for (conversationID, senderDigest,
// senderDevice, counter), backing GET /d1/messages/by-counter.
func ByCounter(ctx context.Context, st *store.Store, conversationID, senderDigest, senderDevice string, counter int64) (Row, bool, error) {
	var r Row
	err := st.QueryRow(ctx, `
		SELECT id, conversation_id, sender_account_digest, sender_device_id,
			receiver_account_digest, receiver_device_id, header_json, ciphertext_b64, counter, created_at
		FROM messages_secure
		WHERE conversation_id = ? AND sender_account_digest = ? AND sender_device_id = ? AND counter = ?`,
		conversationID, senderDigest, senderDevice, counter).Scan(
		&r.ID, &r.ConversationID, &r.SenderAccountDigest, &r.SenderDeviceID,
		&r.ReceiverAccountDigest, &r.ReceiverDeviceID, &r.HeaderJSON, &r.CiphertextB64, &r.Counter, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("message: by counter: %w", err)
	}
	return r, true, nil
}

// DeleteConversation hard-deletes every message row plus the conversation
// row itself; this is an operator-level purge, not a per-user tombstone.
func DeleteConversation(ctx context.Context, st *store.Store, conversationID string) error {
	return st.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM messages_secure WHERE conversation_id = ?`, conversationID); err != nil {
			return fmt.Errorf("message: delete messages: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM conversation_acl WHERE conversation_id = ?`, conversationID); err != nil {
			return fmt.Errorf("message: delete acl: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
			return fmt.Errorf("message: delete conversation: %w", err)
		}
		return nil
	})
}
