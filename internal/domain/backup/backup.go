// Package backup implements contact-secret backup: versioned ciphertext
// snapshots with monotonic version, the anti-regression check on a
// client-supplied withDrState progress marker, and retain-last-N trimming.
package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sentry-messenger/d1plane/internal/store"
)

// ErrRegression is returned when the write's withDrState is smaller than
// the largest withDrState among existing retained rows.
var ErrRegression = errors.New("backup: withDrState regression")

// RetainN is the default number of rows kept per account after each write.
const RetainN = 5

// payloadMeta mirrors the optional {payload, meta:{withDrState}} shape
// inside payload_json, used only to extract withDrState
// for the regression check — the payload itself stays opaque.
type payloadMeta struct {
	Meta struct {
		WithDrState int64 `json:"withDrState"`
	} `json:"meta"`
}

func withDrState(payloadJSON string) int64 {
	var p payloadMeta
	if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
		return 0
	}
	return p.Meta.WithDrState
}

// CheckRegression enforces the anti-regression rule shared by every write
// path into contact_secret_backups: among retained rows, the largest
// withDrState may never decrease. It scans retained payloads in Go rather
// than relying on a JSON function that differs between SQLite and
// Postgres, and returns ErrRegression when newPayloadJSON's withDrState is
// smaller than the largest one already on record for accountDigest.
func CheckRegression(ctx context.Context, tx *store.Tx, accountDigest, newPayloadJSON string) error {
	rows, err := tx.Query(ctx, `SELECT payload_json FROM contact_secret_backups WHERE account_digest = ?`, accountDigest)
	if err != nil {
		return fmt.Errorf("backup: scan existing payloads: %w", err)
	}
	var maxSeen int64
	for rows.Next() {
		var pj string
		if err := rows.Scan(&pj); err != nil {
			rows.Close()
			return fmt.Errorf("backup: scan payload: %w", err)
		}
		if d := withDrState(pj); d > maxSeen {
			maxSeen = d
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("backup: iterate payloads: %w", err)
	}
	rows.Close()
	if maxSeen > 0 && withDrState(newPayloadJSON) < maxSeen {
		return ErrRegression
	}
	return nil
}

// Write is the normalized input to Put.
type Write struct {
	AccountDigest   string
	Version         int64 // 0 means "server chooses MAX+1"
	PayloadJSON     string
	SnapshotVersion *int64
	Entries         *int64
	Checksum        string
	Bytes           *int64
	DeviceLabel     string
	DeviceID        string
	RetainN         int // 0 means RetainN
}

// Row is one contact_secret_backups row.
type Row struct {
	ID              int64
	AccountDigest   string
	Version         int64
	PayloadJSON     string
	SnapshotVersion sql.NullInt64
	Entries         sql.NullInt64
	Checksum        sql.NullString
	Bytes           sql.NullInt64
	DeviceLabel     sql.NullString
	DeviceID        sql.NullString
	UpdatedAt       int64
	CreatedAt       int64
}

// Put performs the write path: resolve version, enforce the
// withDrState anti-regression rule, insert, then trim to the retained N.
func Put(ctx context.Context, st *store.Store, w Write) (Row, error) {
	retain := w.RetainN
	if retain <= 0 {
		retain = RetainN
	}

	var out Row
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		var maxVersion sql.NullInt64
		if err := tx.QueryRow(ctx, `SELECT MAX(version) FROM contact_secret_backups WHERE account_digest = ?`, w.AccountDigest).
			Scan(&maxVersion); err != nil {
			return fmt.Errorf("backup: read max version: %w", err)
		}
		version := w.Version
		if version == 0 {
			version = 1
			if maxVersion.Valid {
				version = maxVersion.Int64 + 1
			}
		}

		if err := CheckRegression(ctx, tx, w.AccountDigest, w.PayloadJSON); err != nil {
			return err
		}

		now := time.Now().Unix()
		res, err := tx.Exec(ctx, `
			INSERT INTO contact_secret_backups (account_digest, version, payload_json, snapshot_version,
				entries, checksum, bytes, device_label, device_id, updated_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			w.AccountDigest, version, w.PayloadJSON, nullableInt(w.SnapshotVersion),
			nullableInt(w.Entries), nullableStr(w.Checksum), nullableInt(w.Bytes),
			nullableStr(w.DeviceLabel), nullableStr(w.DeviceID), now, now)
		if err != nil {
			return fmt.Errorf("backup: insert: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			id = 0
		}

		out = Row{
			ID: id, AccountDigest: w.AccountDigest, Version: version, PayloadJSON: w.PayloadJSON,
			UpdatedAt: now, CreatedAt: now,
		}

		if err := trim(ctx, tx, w.AccountDigest, retain); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return Row{}, err
	}
	return out, nil
}

func trim(ctx context.Context, tx *store.Tx, accountDigest string, retain int) error {
	rows, err := tx.Query(ctx, `SELECT id FROM contact_secret_backups WHERE account_digest = ?
		ORDER BY updated_at DESC, id DESC`, accountDigest)
	if err != nil {
		return fmt.Errorf("backup: list for trim: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("backup: scan trim id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if len(ids) <= retain {
		return nil
	}
	for _, id := range ids[retain:] {
		if _, err := tx.Exec(ctx, `DELETE FROM contact_secret_backups WHERE id = ?`, id); err != nil {
			return fmt.Errorf("backup: trim delete: %w", err)
		}
	}
	return nil
}

// List returns up to limit rows ordered by (updated_at DESC, id DESC).
func List(ctx context.Context, st *store.Store, accountDigest string, limit int) ([]Row, error) {
	if limit <= 0 || limit > RetainN {
		limit = RetainN
	}
	rows, err := st.Query(ctx, `SELECT id, account_digest, version, payload_json, snapshot_version, entries,
		checksum, bytes, device_label, device_id, updated_at, created_at
		FROM contact_secret_backups WHERE account_digest = ? ORDER BY updated_at DESC, id DESC LIMIT ?`,
		accountDigest, limit)
	if err != nil {
		return nil, fmt.Errorf("backup: list: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// ByVersion returns a specific version's row.
func ByVersion(ctx context.Context, st *store.Store, accountDigest string, version int64) (Row, bool, error) {
	row := st.QueryRow(ctx, `SELECT id, account_digest, version, payload_json, snapshot_version, entries,
		checksum, bytes, device_label, device_id, updated_at, created_at
		FROM contact_secret_backups WHERE account_digest = ? AND version = ?`, accountDigest, version)
	var r Row
	err := row.Scan(&r.ID, &r.AccountDigest, &r.Version, &r.PayloadJSON, &r.SnapshotVersion, &r.Entries,
		&r.Checksum, &r.Bytes, &r.DeviceLabel, &r.DeviceID, &r.UpdatedAt, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("backup: by version: %w", err)
	}
	return r, true, nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.AccountDigest, &r.Version, &r.PayloadJSON, &r.SnapshotVersion, &r.Entries,
			&r.Checksum, &r.Bytes, &r.DeviceLabel, &r.DeviceID, &r.UpdatedAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("backup: scan: %w", err)
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

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
