// Package deletion implements the per-viewer deletion cursor and the
// append-only conversation deletion log. Hard deletion of conversations
// lives in internal/domain/message (DeleteConversation); this package
// covers only the tombstone/cursor model.
package deletion

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sentry-messenger/d1plane/internal/store"
)

// AdvanceCursor monotonically raises min_counter for (conversationID,
// accountDigest); a lower value is silently ignored.
func AdvanceCursor(ctx context.Context, st *store.Store, conversationID, accountDigest string, minCounter int64) error {
	now := time.Now().Unix()
	_, err := st.Exec(ctx, `
		INSERT INTO deletion_cursors (conversation_id, account_digest, min_counter, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_id, account_digest) DO UPDATE SET
			min_counter = CASE WHEN excluded.min_counter > deletion_cursors.min_counter
				THEN excluded.min_counter ELSE deletion_cursors.min_counter END,
			updated_at = CASE WHEN excluded.min_counter > deletion_cursors.min_counter
				THEN excluded.updated_at ELSE deletion_cursors.updated_at END`,
		conversationID, accountDigest, minCounter, now)
	if err != nil {
		return fmt.Errorf("deletion: advance cursor: %w", err)
	}
	return nil
}

// Cursor returns the current min_counter for (conversationID, accountDigest),
// 0 if none has been set.
func Cursor(ctx context.Context, st *store.Store, conversationID, accountDigest string) (int64, error) {
	var mc sql.NullInt64
	err := st.QueryRow(ctx, `SELECT min_counter FROM deletion_cursors WHERE conversation_id = ? AND account_digest = ?`,
		conversationID, accountDigest).Scan(&mc)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("deletion: read cursor: %w", err)
	}
	if !mc.Valid {
		return 0, nil
	}
	return mc.Int64, nil
}

// AppendLog appends one opaque checkpoint entry for cross-device sync of
// "this conversation is gone for me".
func AppendLog(ctx context.Context, st *store.Store, ownerDigest, conversationID, encryptedCheckpoint string) (int64, error) {
	now := time.Now().Unix()
	res, err := st.Exec(ctx, `
		INSERT INTO conversation_deletion_log (owner_digest, conversation_id, encrypted_checkpoint, created_at)
		VALUES (?, ?, ?, ?)`, ownerDigest, conversationID, encryptedCheckpoint, now)
	if err != nil {
		return 0, fmt.Errorf("deletion: append log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("deletion: read inserted id: %w", err)
	}
	return id, nil
}

// LogEntry is one conversation_deletion_log row.
type LogEntry struct {
	ID                  int64
	OwnerDigest         string
	ConversationID      string
	EncryptedCheckpoint string
	CreatedAt           int64
}

// ListLog returns every entry for (ownerDigest, conversationID) ordered by
// id ascending.
func ListLog(ctx context.Context, st *store.Store, ownerDigest, conversationID string) ([]LogEntry, error) {
	rows, err := st.Query(ctx, `
		SELECT id, owner_digest, conversation_id, encrypted_checkpoint, created_at
		FROM conversation_deletion_log WHERE owner_digest = ? AND conversation_id = ? ORDER BY id ASC`,
		ownerDigest, conversationID)
	if err != nil {
		return nil, fmt.Errorf("deletion: list log: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.OwnerDigest, &e.ConversationID, &e.EncryptedCheckpoint, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("deletion: scan log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
