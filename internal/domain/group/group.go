// Package group implements the group-conversation surface: group
// conversations are conversation rows with multiple conversation_acl
// rows, the many-participant generalization of the two-party ACL writes
// elsewhere in this module.
package group

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sentry-messenger/d1plane/internal/store"
)

// ErrAlreadyExists is returned when the group id's conversation row already exists.
var ErrAlreadyExists = errors.New("group: already exists")

// Member is one conversation_acl row scoped to a group.
type Member struct {
	AccountDigest string
	DeviceID      string
	Role          string
	UpdatedAt     int64
}

// Create inserts the conversation row and an owner ACL row for creatorDigest.
func Create(ctx context.Context, st *store.Store, groupID, creatorDigest string) error {
	now := time.Now().Unix()
	_, err := st.Exec(ctx, `INSERT INTO conversations (id) VALUES (?)`, groupID)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("group: create: %w", err)
	}
	_, err = st.Exec(ctx, `
		INSERT INTO conversation_acl (conversation_id, account_digest, device_id, role, updated_at)
		VALUES (?, ?, '', 'owner', ?)`, groupID, creatorDigest, now)
	if err != nil {
		return fmt.Errorf("group: insert owner acl: %w", err)
	}
	return nil
}

// AddMember upserts a member ACL row. deviceID "" means "any device for
// that account".
func AddMember(ctx context.Context, st *store.Store, groupID, accountDigest, deviceID, role string) error {
	if role == "" {
		role = "member"
	}
	now := time.Now().Unix()
	_, err := st.Exec(ctx, `
		INSERT INTO conversation_acl (conversation_id, account_digest, device_id, role, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, account_digest, device_id) DO UPDATE SET
			role = excluded.role, updated_at = excluded.updated_at`,
		groupID, accountDigest, deviceID, role, now)
	if err != nil {
		return fmt.Errorf("group: add member: %w", err)
	}
	return nil
}

// RemoveMember deletes a member's ACL row(s) for the group.
func RemoveMember(ctx context.Context, st *store.Store, groupID, accountDigest, deviceID string) error {
	query := `DELETE FROM conversation_acl WHERE conversation_id = ? AND account_digest = ?`
	args := []any{groupID, accountDigest}
	if deviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, deviceID)
	}
	if _, err := st.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("group: remove member: %w", err)
	}
	return nil
}

// Get returns every ACL row for a group, nil if the conversation doesn't exist.
func Get(ctx context.Context, st *store.Store, groupID string) ([]Member, bool, error) {
	var exists int
	if err := st.QueryRow(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ?`, groupID).Scan(&exists); err != nil {
		return nil, false, fmt.Errorf("group: check exists: %w", err)
	}
	if exists == 0 {
		return nil, false, nil
	}

	rows, err := st.Query(ctx, `
		SELECT account_digest, device_id, role, updated_at FROM conversation_acl WHERE conversation_id = ?
		ORDER BY updated_at ASC`, groupID)
	if err != nil {
		return nil, false, fmt.Errorf("group: list members: %w", err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.AccountDigest, &m.DeviceID, &m.Role, &m.UpdatedAt); err != nil {
			return nil, false, fmt.Errorf("group: scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, true, rows.Err()
}
