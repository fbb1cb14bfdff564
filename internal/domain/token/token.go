// Package token implements one-shot token redemption: a
// subscription-extension token that can be consumed at most once, recorded
// by a batched subscription upsert, token status flip, and audit log
// append that all succeed or all fail together.
package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sentry-messenger/d1plane/internal/store"
)

// ErrUsed is returned when the token has already been redeemed; it carries
// the original redemption's observable state so the client can reconcile.
type ErrUsed struct {
	UsedAt       int64
	UsedByDigest string
}

func (e *ErrUsed) Error() string { return "token: already used" }

// Redemption is the normalized input to Redeem.
type Redemption struct {
	Digest        string
	TokenID       string
	IssuedAt      int64
	ExtendDays    int64
	Nonce         string
	KeyID         string
	SignatureB64  string
	DryRun        bool
}

// Result is the success shape of a live (non-dry-run) redemption.
type Result struct {
	ExpiresAt int64
}

// Preview is the dry-run shape: the prospective expiresAt without a write.
func Preview(ctx context.Context, st *store.Store, digest string, extendDays int64) (Result, error) {
	current, err := currentExpiry(ctx, st, digest)
	if err != nil {
		return Result{}, err
	}
	now := time.Now().Unix()
	base := current
	if now > base {
		base = now
	}
	return Result{ExpiresAt: base + extendDays*86400}, nil
}

func currentExpiry(ctx context.Context, st *store.Store, digest string) (int64, error) {
	var expiresAt sql.NullInt64
	err := st.QueryRow(ctx, `SELECT expires_at FROM subscriptions WHERE digest = ?`, digest).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("token: read subscription: %w", err)
	}
	if !expiresAt.Valid {
		return 0, nil
	}
	return expiresAt.Int64, nil
}

// Redeem implements the live redemption path: pre-check token status,
// compute the new expiry, then batch the subscription upsert, token
// status flip, and audit log append as one transaction.
func Redeem(ctx context.Context, st *store.Store, r Redemption) (Result, error) {
	var result Result
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		var status sql.NullString
		var usedAt sql.NullInt64
		var usedBy sql.NullString
		err := tx.QueryRow(ctx, `SELECT status, used_at, used_by_digest FROM tokens WHERE token_id = ?`, r.TokenID).
			Scan(&status, &usedAt, &usedBy)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("token: read token: %w", err)
		}
		if status.Valid && status.String == "used" {
			return &ErrUsed{UsedAt: usedAt.Int64, UsedByDigest: usedBy.String}
		}

		var expiresAt sql.NullInt64
		if err := tx.QueryRow(ctx, `SELECT expires_at FROM subscriptions WHERE digest = ?`, r.Digest).Scan(&expiresAt); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("token: read subscription: %w", err)
		}
		now := time.Now().Unix()
		current := int64(0)
		if expiresAt.Valid {
			current = expiresAt.Int64
		}
		base := current
		if now > base {
			base = now
		}
		newExpires := base + r.ExtendDays*86400

		if _, err := tx.Exec(ctx, `
			INSERT INTO subscriptions (digest, expires_at, updated_at, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (digest) DO UPDATE SET expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
			r.Digest, newExpires, now, now); err != nil {
			return fmt.Errorf("token: upsert subscription: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO tokens (token_id, digest, issued_at, extend_days, nonce, key_id, signature_b64,
				status, used_at, used_by_digest, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'used', ?, ?, ?)
			ON CONFLICT (token_id) DO UPDATE SET
				status = 'used', used_at = excluded.used_at, used_by_digest = excluded.used_by_digest`,
			r.TokenID, r.Digest, r.IssuedAt, r.ExtendDays, nullableStr(r.Nonce), nullableStr(r.KeyID),
			nullableStr(r.SignatureB64), now, r.Digest, now); err != nil {
			return fmt.Errorf("token: upsert token: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO extend_logs (token_id, digest, extend_days, new_expires, created_at)
			VALUES (?, ?, ?, ?, ?)`, r.TokenID, r.Digest, r.ExtendDays, newExpires, now); err != nil {
			return fmt.Errorf("token: append extend log: %w", err)
		}

		result = Result{ExpiresAt: newExpires}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// SubscriptionStatus reads the (expiresAt) projection for GET subscription/status.
func SubscriptionStatus(ctx context.Context, st *store.Store, digest string) (int64, bool, error) {
	var expiresAt sql.NullInt64
	err := st.QueryRow(ctx, `SELECT expires_at FROM subscriptions WHERE digest = ?`, digest).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("token: subscription status: %w", err)
	}
	return expiresAt.Int64, true, nil
}

// StatusRow is the projection returned by GET token-status.
type StatusRow struct {
	Status       string
	UsedAt       sql.NullInt64
	UsedByDigest sql.NullString
}

// TokenStatus reads a token's redemption state for GET token-status.
func TokenStatus(ctx context.Context, st *store.Store, tokenID string) (StatusRow, bool, error) {
	var r StatusRow
	err := st.QueryRow(ctx, `SELECT status, used_at, used_by_digest FROM tokens WHERE token_id = ?`, tokenID).
		Scan(&r.Status, &r.UsedAt, &r.UsedByDigest)
	if errors.Is(err, sql.ErrNoRows) {
		return StatusRow{}, false, nil
	}
	if err != nil {
		return StatusRow{}, false, fmt.Errorf("token: token status: %w", err)
	}
	return r, true, nil
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
