// Package call implements the soft-real-time call surface: upsert-only
// session state with expires_at, append-only events, and throttled
// best-effort cleanup of expired sessions.
package call

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sentry-messenger/d1plane/internal/store"
)

// CleanupInterval throttles expiry cleanup to at most once per interval,
// process-wide.
const CleanupInterval = 60 * time.Second

var (
	cleanupMu   sync.Mutex
	lastCleanup time.Time
)

// Session is one call_sessions row.
type Session struct {
	CallID         string
	ConversationID string
	StateJSON      string
	ExpiresAt      int64
	CreatedAt      int64
	UpdatedAt      int64
}

// UpsertSession creates or refreshes a call session's state; state is
// always upsert-only, never append-only like events.
func UpsertSession(ctx context.Context, st *store.Store, callID, conversationID, stateJSON string, expiresAt int64) error {
	now := time.Now().Unix()
	_, err := st.Exec(ctx, `
		INSERT INTO call_sessions (call_id, conversation_id, state_json, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (call_id) DO UPDATE SET
			state_json = excluded.state_json, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		callID, conversationID, stateJSON, expiresAt, now, now)
	if err != nil {
		return fmt.Errorf("call: upsert session: %w", err)
	}
	maybeCleanup(ctx, st)
	return nil
}

// GetSession reads a call session by id.
func GetSession(ctx context.Context, st *store.Store, callID string) (Session, bool, error) {
	var s Session
	err := st.QueryRow(ctx, `
		SELECT call_id, conversation_id, state_json, expires_at, created_at, updated_at
		FROM call_sessions WHERE call_id = ?`, callID).
		Scan(&s.CallID, &s.ConversationID, &s.StateJSON, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("call: get session: %w", err)
	}
	return s, true, nil
}

// Event is one append-only call_events row.
type Event struct {
	ID        int64
	CallID    string
	EventJSON string
	CreatedAt int64
}

// AppendEvent appends one event for a call session.
func AppendEvent(ctx context.Context, st *store.Store, callID, eventJSON string) (int64, error) {
	now := time.Now().Unix()
	res, err := st.Exec(ctx, `INSERT INTO call_events (call_id, event_json, created_at) VALUES (?, ?, ?)`,
		callID, eventJSON, now)
	if err != nil {
		return 0, fmt.Errorf("call: append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("call: read inserted id: %w", err)
	}
	return id, nil
}

// ListEvents returns every event for a call session, oldest first.
func ListEvents(ctx context.Context, st *store.Store, callID string) ([]Event, error) {
	rows, err := st.Query(ctx, `SELECT id, call_id, event_json, created_at FROM call_events WHERE call_id = ? ORDER BY id ASC`, callID)
	if err != nil {
		return nil, fmt.Errorf("call: list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.CallID, &e.EventJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("call: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// maybeCleanup deletes expired sessions and their events, throttled to at
// most once per CleanupInterval process-wide. Failures are swallowed:
// cleanup is best-effort and never blocks a caller's write.
func maybeCleanup(ctx context.Context, st *store.Store) {
	cleanupMu.Lock()
	due := time.Since(lastCleanup) >= CleanupInterval
	if due {
		lastCleanup = time.Now()
	}
	cleanupMu.Unlock()
	if !due {
		return
	}

	now := time.Now().Unix()
	rows, err := st.Query(ctx, `SELECT call_id FROM call_sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return
	}
	var expired []string
	for rows.Next() {
		var id string
		if rows.Scan(&id) == nil {
			expired = append(expired, id)
		}
	}
	rows.Close()

	for _, id := range expired {
		_, _ = st.Exec(ctx, `DELETE FROM call_events WHERE call_id = ?`, id)
		_, _ = st.Exec(ctx, `DELETE FROM call_sessions WHERE call_id = ?`, id)
	}
}
