// Package messagestatus implements delivery-state tracking for
// messages/send-state and messages/outgoing-status. A viewer (the account
// other than the sender, or the sender itself) records a monotonic
// delivery state per message; ranks mirror the usual sent < delivered <
// read progression and a lower-ranked write never regresses an
// already-recorded higher state.
package messagestatus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sentry-messenger/d1plane/internal/store"
)

// State is one of the three recognized delivery states.
type State string

const (
	StateSent      State = "sent"
	StateDelivered State = "delivered"
	StateRead      State = "read"
)

var rank = map[State]int{StateSent: 1, StateDelivered: 2, StateRead: 3}

// ErrUnknownState is returned for any state outside {sent,delivered,read}.
var ErrUnknownState = errors.New("messagestatus: unknown state")

// Row is one message_status record.
type Row struct {
	MessageID      string
	ConversationID string
	ViewerDigest   string
	State          State
	UpdatedAt      int64
	CreatedAt      int64
}

// SetState implements send-state: a viewer reports a delivery state for a
// message. A write with a lower rank than the stored state is a no-op.
func SetState(ctx context.Context, st *store.Store, messageID, conversationID, viewerDigest string, state State) (Row, error) {
	r, ok := rank[state]
	if !ok {
		return Row{}, ErrUnknownState
	}

	now := time.Now().Unix()
	var out Row
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		var existingRank sql.NullInt64
		err := tx.QueryRow(ctx, `SELECT state_rank FROM message_status WHERE message_id = ? AND viewer_digest = ?`,
			messageID, viewerDigest).Scan(&existingRank)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("messagestatus: read existing: %w", err)
		}
		if existingRank.Valid && int(existingRank.Int64) >= r {
			return readRow(ctx, tx, messageID, viewerDigest, &out)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO message_status (message_id, conversation_id, viewer_digest, state, state_rank, updated_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (message_id, viewer_digest) DO UPDATE SET
				state = excluded.state, state_rank = excluded.state_rank, updated_at = excluded.updated_at`,
			messageID, conversationID, viewerDigest, string(state), r, now, now)
		if err != nil {
			return fmt.Errorf("messagestatus: upsert: %w", err)
		}
		out = Row{MessageID: messageID, ConversationID: conversationID, ViewerDigest: viewerDigest, State: state, UpdatedAt: now, CreatedAt: now}
		return nil
	})
	if err != nil {
		return Row{}, err
	}
	return out, nil
}

func readRow(ctx context.Context, tx *store.Tx, messageID, viewerDigest string, out *Row) error {
	var s string
	err := tx.QueryRow(ctx, `SELECT message_id, conversation_id, viewer_digest, state, updated_at, created_at
		FROM message_status WHERE message_id = ? AND viewer_digest = ?`, messageID, viewerDigest).
		Scan(&out.MessageID, &out.ConversationID, &out.ViewerDigest, &s, &out.UpdatedAt, &out.CreatedAt)
	out.State = State(s)
	if err != nil {
		return fmt.Errorf("messagestatus: re-read: %w", err)
	}
	return nil
}

// OutgoingStatus implements outgoing-status: every viewer's recorded
// state for one message, ordered by viewer_digest for a stable response.
func OutgoingStatus(ctx context.Context, st *store.Store, messageID string) ([]Row, error) {
	rows, err := st.Query(ctx, `
		SELECT message_id, conversation_id, viewer_digest, state, updated_at, created_at
		FROM message_status WHERE message_id = ? ORDER BY viewer_digest ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("messagestatus: list: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var s string
		if err := rows.Scan(&r.MessageID, &r.ConversationID, &r.ViewerDigest, &s, &r.UpdatedAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("messagestatus: scan: %w", err)
		}
		r.State = State(s)
		out = append(out, r)
	}
	return out, rows.Err()
}
