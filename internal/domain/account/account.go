// Package account implements the account resolver: mapping
// (uid, token, digest) triples to a unique account row, creating one on
// first contact when permitted, and enforcing the exchange replay check.
package account

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sentry-messenger/d1plane/internal/store"
)

var (
	// ErrNotFound is returned when no account matches and creation is not
	// permitted, or when a supplied token doesn't match the stored one.
	ErrNotFound = errors.New("account: not found")
	// ErrReplay is returned by CheckAndAdvance when ctr does not strictly
	// exceed the stored last_ctr.
	ErrReplay = errors.New("account: replay")
)

// Account is the non-secret-plus-token projection of an accounts row.
type Account struct {
	AccountDigest string
	AccountToken  string
	UIDDigest     string
	LastCtr       int64
	WrappedMKJSON sql.NullString
	CreatedAt     int64
	UpdatedAt     int64
}

// Resolver resolves and creates Account rows.
type Resolver struct {
	st       *store.Store
	hmacKey  []byte
	tokenLen int
}

// New builds a Resolver. hmacKeyHex must be 64 lowercase hex characters
// (validated by pkg/config before this is called); tokenLen bounds the
// random token generated on account creation.
func New(st *store.Store, hmacKeyHex string, tokenLen int) (*Resolver, error) {
	key, err := hex.DecodeString(hmacKeyHex)
	if err != nil {
		return nil, fmt.Errorf("account: invalid hmac key: %w", err)
	}
	if tokenLen <= 0 {
		tokenLen = 32
	}
	return &Resolver{st: st, hmacKey: key, tokenLen: tokenLen}, nil
}

// UIDDigest computes the stable HMAC-SHA-256 digest of a normalized UID.
func (r *Resolver) UIDDigest(uid string) string {
	mac := hmac.New(sha256.New, r.hmacKey)
	mac.Write([]byte(uid))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

// digestFromToken computes account_digest = SHA-256(token).
func digestFromToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Resolve implements the lookup-or-create rule: an existing account wins,
// otherwise one is created when allowCreate is set.
func (r *Resolver) Resolve(ctx context.Context, uidHex, accountToken, accountDigest string, allowCreate bool) (Account, bool, error) {
	digest := strings.TrimSpace(accountDigest)
	if digest == "" && accountToken != "" {
		digest = digestFromToken(accountToken)
	}

	var (
		acc   Account
		found bool
		err   error
	)

	if digest != "" {
		acc, found, err = r.selectByDigest(ctx, digest)
	} else if uidHex != "" {
		acc, found, err = r.selectByUIDDigest(ctx, r.UIDDigest(uidHex))
	}
	if err != nil {
		return Account{}, false, err
	}

	if found {
		if accountToken != "" && subtle.ConstantTimeCompare([]byte(acc.AccountToken), []byte(accountToken)) != 1 {
			return Account{}, false, ErrNotFound
		}
		return acc, false, nil
	}

	if !allowCreate {
		return Account{}, false, ErrNotFound
	}

	created, err := r.create(ctx, uidHex, accountToken, digest)
	if err != nil {
		return Account{}, false, err
	}
	return created, true, nil
}

func (r *Resolver) selectByDigest(ctx context.Context, digest string) (Account, bool, error) {
	return r.scanRow(ctx, `SELECT account_digest, account_token, uid_digest, last_ctr, wrapped_mk_json, created_at, updated_at
		FROM accounts WHERE account_digest = ?`, digest)
}

func (r *Resolver) selectByUIDDigest(ctx context.Context, uidDigest string) (Account, bool, error) {
	return r.scanRow(ctx, `SELECT account_digest, account_token, uid_digest, last_ctr, wrapped_mk_json, created_at, updated_at
		FROM accounts WHERE uid_digest = ?`, uidDigest)
}

func (r *Resolver) scanRow(ctx context.Context, query string, arg string) (Account, bool, error) {
	var a Account
	err := r.st.QueryRow(ctx, query, arg).Scan(
		&a.AccountDigest, &a.AccountToken, &a.UIDDigest, &a.LastCtr, &a.WrappedMKJSON, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, false, nil
	}
	if err != nil {
		return Account{}, false, fmt.Errorf("account: select: %w", err)
	}
	return a, true, nil
}

func (r *Resolver) create(ctx context.Context, uidHex, suppliedToken, digest string) (Account, error) {
	token := suppliedToken
	if token == "" {
		b := make([]byte, r.tokenLen)
		if _, err := rand.Read(b); err != nil {
			return Account{}, fmt.Errorf("account: generate token: %w", err)
		}
		token = hex.EncodeToString(b)
	}
	uidDigest := digest
	if uidHex != "" {
		uidDigest = r.UIDDigest(uidHex)
	}
	if digest == "" {
		if uidHex != "" {
			digest = uidDigest
		} else {
			digest = digestFromToken(token)
		}
	}

	now := time.Now().Unix()
	_, err := r.st.Exec(ctx, `
		INSERT INTO accounts (account_digest, account_token, uid_digest, last_ctr, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)`, digest, token, uidDigest, now, now)
	if err != nil {
		if store.IsUniqueViolation(err) {
			// Lost a creation race; re-select by whichever key we have.
			if acc, found, serr := r.selectByDigest(ctx, digest); serr == nil && found {
				return acc, nil
			}
			if acc, found, serr := r.selectByUIDDigest(ctx, uidDigest); serr == nil && found {
				return acc, nil
			}
		}
		return Account{}, fmt.Errorf("account: insert: %w", err)
	}

	return Account{
		AccountDigest: digest,
		AccountToken:  token,
		UIDDigest:     uidDigest,
		LastCtr:       0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// CheckAndAdvance enforces the tags/exchange replay invariant: ctr must
// strictly exceed last_ctr, except on the call that just created the
// account. On success, last_ctr is advanced to ctr.
func (r *Resolver) CheckAndAdvance(ctx context.Context, digest string, ctr int64, justCreated bool) error {
	if justCreated {
		_, err := r.st.Exec(ctx, `UPDATE accounts SET last_ctr = ?, updated_at = ? WHERE account_digest = ?`,
			ctr, time.Now().Unix(), digest)
		if err != nil {
			return fmt.Errorf("account: advance ctr: %w", err)
		}
		return nil
	}

	return r.st.WithTx(ctx, func(tx *store.Tx) error {
		var lastCtr int64
		if err := tx.QueryRow(ctx, `SELECT last_ctr FROM accounts WHERE account_digest = ?`, digest).Scan(&lastCtr); err != nil {
			return fmt.Errorf("account: read last_ctr: %w", err)
		}
		if ctr <= lastCtr {
			return ErrReplay
		}
		if _, err := tx.Exec(ctx, `UPDATE accounts SET last_ctr = ?, updated_at = ? WHERE account_digest = ?`,
			ctr, time.Now().Unix(), digest); err != nil {
			return fmt.Errorf("account: advance ctr: %w", err)
		}
		return nil
	})
}

// SetWrappedMK stores the opaque client blob used by tags/store-mk.
func (r *Resolver) SetWrappedMK(ctx context.Context, digest, wrappedMKJSON string) error {
	_, err := r.st.Exec(ctx, `UPDATE accounts SET wrapped_mk_json = ?, updated_at = ? WHERE account_digest = ?`,
		wrappedMKJSON, time.Now().Unix(), digest)
	if err != nil {
		return fmt.Errorf("account: set wrapped mk: %w", err)
	}
	return nil
}

// Evidence returns the non-secret projection used by GET /d1/account/evidence.
type Evidence struct {
	AccountDigest string `json:"account_digest"`
	CreatedAt     int64  `json:"created_at"`
	DeviceCount   int    `json:"device_count"`
}

// Evidence looks up an account's public projection plus device count,
// without mutating last_ctr (unlike Resolve/CheckAndAdvance).
func (r *Resolver) Evidence(ctx context.Context, digest string) (Evidence, bool, error) {
	acc, found, err := r.selectByDigest(ctx, digest)
	if err != nil || !found {
		return Evidence{}, found, err
	}
	var n int
	if err := r.st.QueryRow(ctx, `SELECT COUNT(*) FROM devices WHERE account_digest = ?`, digest).Scan(&n); err != nil {
		return Evidence{}, false, fmt.Errorf("account: count devices: %w", err)
	}
	return Evidence{AccountDigest: acc.AccountDigest, CreatedAt: acc.CreatedAt, DeviceCount: n}, true, nil
}
