// Package media implements the media-usage ledger: since signed-URL
// issuance and object storage live outside this server, this only
// records/returns the opaque object_key usage so account purge has keys
// to enumerate.
package media

import (
	"context"
	"fmt"
	"time"

	"github.com/sentry-messenger/d1plane/internal/store"
)

// RecordUsage upserts a (accountDigest, objectKey) usage row, accumulating
// the reported byte count.
func RecordUsage(ctx context.Context, st *store.Store, accountDigest, objectKey string, bytes int64) error {
	now := time.Now().Unix()
	_, err := st.Exec(ctx, `
		INSERT INTO media_usage (account_digest, object_key, bytes, updated_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_digest, object_key) DO UPDATE SET
			bytes = media_usage.bytes + excluded.bytes, updated_at = excluded.updated_at`,
		accountDigest, objectKey, bytes, now, now)
	if err != nil {
		return fmt.Errorf("media: record usage: %w", err)
	}
	return nil
}

// Row is one media_usage row.
type Row struct {
	ObjectKey string
	Bytes     int64
	UpdatedAt int64
}

// Usage returns every object_key usage row for an account, the enumeration
// Account Purge needs.
func Usage(ctx context.Context, st *store.Store, accountDigest string) ([]Row, error) {
	rows, err := st.Query(ctx, `SELECT object_key, bytes, updated_at FROM media_usage WHERE account_digest = ? ORDER BY updated_at DESC`, accountDigest)
	if err != nil {
		return nil, fmt.Errorf("media: usage: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ObjectKey, &r.Bytes, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("media: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
