// Package contact implements the contacts surface: an opaque
// per-account contact-list snapshot, kept as a single row per account
// that each write overwrites while incrementing its version (earlier
// snapshots are not retained), plus the
// friends/contact-delete operation that drops a two-party ACL pairing.
package contact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sentry-messenger/d1plane/internal/store"
)

// Snapshot is one contacts_snapshot row.
type Snapshot struct {
	AccountDigest string
	PayloadJSON   string
	Version       int64
	UpdatedAt     int64
	CreatedAt     int64
}

// Upsert stores the latest contact-list snapshot for an account,
// incrementing version on every write.
func Upsert(ctx context.Context, st *store.Store, accountDigest, payloadJSON string) (Snapshot, error) {
	var out Snapshot
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		var version sql.NullInt64
		if err := tx.QueryRow(ctx, `SELECT version FROM contacts_snapshot WHERE account_digest = ?`, accountDigest).
			Scan(&version); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("contact: read version: %w", err)
		}
		next := int64(1)
		if version.Valid {
			next = version.Int64 + 1
		}
		now := time.Now().Unix()
		_, err := tx.Exec(ctx, `
			INSERT INTO contacts_snapshot (account_digest, payload_json, version, updated_at, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (account_digest) DO UPDATE SET
				payload_json = excluded.payload_json, version = excluded.version, updated_at = excluded.updated_at`,
			accountDigest, payloadJSON, next, now, now)
		if err != nil {
			return fmt.Errorf("contact: upsert: %w", err)
		}
		out = Snapshot{AccountDigest: accountDigest, PayloadJSON: payloadJSON, Version: next, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return out, nil
}

// Get reads the current snapshot for an account.
func Get(ctx context.Context, st *store.Store, accountDigest string) (Snapshot, bool, error) {
	var s Snapshot
	err := st.QueryRow(ctx, `
		SELECT account_digest, payload_json, version, updated_at, created_at
		FROM contacts_snapshot WHERE account_digest = ?`, accountDigest).
		Scan(&s.AccountDigest, &s.PayloadJSON, &s.Version, &s.UpdatedAt, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("contact: get: %w", err)
	}
	return s, true, nil
}

// DeleteContactACL removes the ACL pairing between an account and a
// former contact across every conversation they shared, implementing
// friends/contact-delete. It does not touch messages already exchanged.
func DeleteContactACL(ctx context.Context, st *store.Store, ownerDigest, contactDigest string) (int64, error) {
	res, err := st.Exec(ctx, `
		DELETE FROM conversation_acl WHERE account_digest = ? AND conversation_id IN (
			SELECT conversation_id FROM conversation_acl WHERE account_digest = ?
		)`, contactDigest, ownerDigest)
	if err != nil {
		return 0, fmt.Errorf("contact: delete acl: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
