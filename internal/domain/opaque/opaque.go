// Package opaque stores two families of pass-through blobs the server
// never interprets: OPAQUE protocol registration records and device-key
// blobs. d1plane only stores and returns bytes for both.
package opaque

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sentry-messenger/d1plane/internal/store"
)

// Kind distinguishes the two blob families sharing opaque_blobs.
type Kind string

const (
	KindOpaqueRecord Kind = "opaque"
	KindDeviceKeys   Kind = "devkeys"
)

// Store upserts a blob for (accountDigest, kind).
func Store(ctx context.Context, st *store.Store, accountDigest string, kind Kind, blobJSON string) error {
	now := time.Now().Unix()
	_, err := st.Exec(ctx, `
		INSERT INTO opaque_blobs (account_digest, kind, blob_json, updated_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_digest, kind) DO UPDATE SET
			blob_json = excluded.blob_json, updated_at = excluded.updated_at`,
		accountDigest, string(kind), blobJSON, now, now)
	if err != nil {
		return fmt.Errorf("opaque: store %s: %w", kind, err)
	}
	return nil
}

// Fetch returns the stored blob for (accountDigest, kind), if any.
func Fetch(ctx context.Context, st *store.Store, accountDigest string, kind Kind) (string, bool, error) {
	var blob string
	err := st.QueryRow(ctx, `SELECT blob_json FROM opaque_blobs WHERE account_digest = ? AND kind = ?`,
		accountDigest, string(kind)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("opaque: fetch %s: %w", kind, err)
	}
	return blob, true, nil
}
