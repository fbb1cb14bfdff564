// Package device implements the device CRUD surface: thin reads/writes
// over the device row, reusing the upsert the prekey engine already
// performs inline.
package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sentry-messenger/d1plane/internal/store"
)

// Row is one devices row.
type Row struct {
	AccountDigest string
	DeviceID      string
	Label         sql.NullString
	Status        string
	LastSeenAt    sql.NullInt64
	CreatedAt     int64
	UpdatedAt     int64
}

// Upsert creates or refreshes a device row, matching the upsert the Prekey
// Engine's Publish step performs.
func Upsert(ctx context.Context, st *store.Store, accountDigest, deviceID, label string) error {
	now := time.Now().Unix()
	_, err := st.Exec(ctx, `
		INSERT INTO devices (account_digest, device_id, label, status, last_seen_at, created_at, updated_at)
		VALUES (?, ?, ?, 'active', ?, ?, ?)
		ON CONFLICT (account_digest, device_id) DO UPDATE SET
			label = COALESCE(excluded.label, devices.label),
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at`,
		accountDigest, deviceID, nullableStr(label), now, now, now)
	if err != nil {
		return fmt.Errorf("device: upsert: %w", err)
	}
	return nil
}

// Check reports whether a (accountDigest, deviceID) row exists and, if so,
// its current status.
func Check(ctx context.Context, st *store.Store, accountDigest, deviceID string) (Row, bool, error) {
	var r Row
	err := st.QueryRow(ctx, `
		SELECT account_digest, device_id, label, status, last_seen_at, created_at, updated_at
		FROM devices WHERE account_digest = ? AND device_id = ?`, accountDigest, deviceID).
		Scan(&r.AccountDigest, &r.DeviceID, &r.Label, &r.Status, &r.LastSeenAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("device: check: %w", err)
	}
	return r, true, nil
}

// Active lists every active device for an account, ordered by most
// recently seen first.
func Active(ctx context.Context, st *store.Store, accountDigest string) ([]Row, error) {
	rows, err := st.Query(ctx, `
		SELECT account_digest, device_id, label, status, last_seen_at, created_at, updated_at
		FROM devices WHERE account_digest = ? AND status = 'active' ORDER BY last_seen_at DESC`, accountDigest)
	if err != nil {
		return nil, fmt.Errorf("device: active: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.AccountDigest, &r.DeviceID, &r.Label, &r.Status, &r.LastSeenAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("device: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
