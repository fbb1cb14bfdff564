// Package invite implements the invite dropbox rendezvous state machine:
// create -> deliver -> consume, with expiry promotion and single-delivery
// and owner-only-consume guarantees enforced by conditional UPDATEs.
package invite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sentry-messenger/d1plane/internal/store"
)

// Status is one of the four invite_dropbox states.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusDelivered Status = "DELIVERED"
	StatusConsumed  Status = "CONSUMED"
	StatusExpired   Status = "EXPIRED"
)

// Window is the fixed 300s create-to-expiry window.
const Window = 300 * time.Second

var (
	ErrAlreadyExists    = errors.New("invite: already exists")
	ErrNotFound         = errors.New("invite: not found")
	ErrForbidden        = errors.New("invite: forbidden")
	ErrAlreadyDelivered = errors.New("invite: already delivered")
	ErrExpired          = errors.New("invite: expired")
	ErrEnvelopeInvalid  = errors.New("invite: envelope invalid")
	ErrNoOPKAvailable   = errors.New("invite: owner has no available one-time prekey")
)

// Envelope is the fixed shape for a deliver body.
type Envelope struct {
	V         int    `json:"v"`
	AEAD      string `json:"aead"`
	Info      string `json:"info"`
	Sealed    Sealed `json:"sealed"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Sealed is the nested ciphertext material inside an Envelope.
type Sealed struct {
	EphPubB64 string `json:"eph_pub_b64"`
	IVB64     string `json:"iv_b64"`
	CTB64     string `json:"ct_b64"`
}

func (e Envelope) valid() bool {
	return e.V == 1 && e.AEAD == "aes-256-gcm" && e.Info == "contact-init/dropbox/v1" &&
		e.Sealed.EphPubB64 != "" && e.Sealed.IVB64 != "" && e.Sealed.CTB64 != ""
}

// Row is one invite_dropbox row.
type Row struct {
	InviteID                string
	OwnerAccountDigest      string
	OwnerDeviceID           string
	OwnerPublicKeyB64       string
	ExpiresAt               int64
	Status                  Status
	DeliveredByAccountDigest sql.NullString
	DeliveredByDeviceID     sql.NullString
	DeliveredAt             sql.NullInt64
	ConsumedAt              sql.NullInt64
	CiphertextJSON          sql.NullString
	CreatedAt               int64
	UpdatedAt               int64
}

const rowColumns = `invite_id, owner_account_digest, owner_device_id, owner_public_key_b64, expires_at,
	status, delivered_by_account_digest, delivered_by_device_id, delivered_at, consumed_at,
	ciphertext_json, created_at, updated_at`

func scanRow(row *sql.Row) (Row, bool, error) {
	var r Row
	err := row.Scan(&r.InviteID, &r.OwnerAccountDigest, &r.OwnerDeviceID, &r.OwnerPublicKeyB64, &r.ExpiresAt,
		&r.Status, &r.DeliveredByAccountDigest, &r.DeliveredByDeviceID, &r.DeliveredAt, &r.ConsumedAt,
		&r.CiphertextJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("invite: scan: %w", err)
	}
	return r, true, nil
}

// OPKAllocator hands out one one-time prekey for the owner's device, bound
// into the returned bundle, so two strangers can complete X3DH directly
// off the invite. Implemented by internal/domain/prekey.Engine.
type OPKAllocator interface {
	AllocateFor(ctx context.Context, accountDigest, deviceID string) (opkID int64, opkPub string, err error)
}

// Create implements the create contract: the owner's public key
// must equal the device's signed-prekey public when both are known, and an
// OPK must be available or the create fails.
func Create(ctx context.Context, st *store.Store, opks OPKAllocator, inviteID, ownerAccountDigest, ownerDeviceID, ownerPublicKeyB64 string, now time.Time) (Row, int64, string, error) {
	var existingSPKPub sql.NullString
	err := st.QueryRow(ctx, `SELECT spk_pub FROM signed_prekeys WHERE account_digest = ? AND device_id = ? ORDER BY spk_id DESC LIMIT 1`,
		ownerAccountDigest, ownerDeviceID).Scan(&existingSPKPub)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Row{}, 0, "", fmt.Errorf("invite: read owner signed prekey: %w", err)
	}
	if existingSPKPub.Valid && existingSPKPub.String != "" && existingSPKPub.String != ownerPublicKeyB64 {
		return Row{}, 0, "", ErrEnvelopeInvalid
	}

	opkID, opkPub, err := opks.AllocateFor(ctx, ownerAccountDigest, ownerDeviceID)
	if err != nil {
		return Row{}, 0, "", ErrNoOPKAvailable
	}

	nowUnix := now.Unix()
	expiresAt := now.Add(Window).Unix()
	_, err = st.Exec(ctx, `
		INSERT INTO invite_dropbox (invite_id, owner_account_digest, owner_device_id, owner_public_key_b64,
			expires_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inviteID, ownerAccountDigest, ownerDeviceID, ownerPublicKeyB64, expiresAt, string(StatusCreated), nowUnix, nowUnix)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return Row{}, 0, "", ErrAlreadyExists
		}
		return Row{}, 0, "", fmt.Errorf("invite: insert: %w", err)
	}

	return Row{
		InviteID: inviteID, OwnerAccountDigest: ownerAccountDigest, OwnerDeviceID: ownerDeviceID,
		OwnerPublicKeyB64: ownerPublicKeyB64, ExpiresAt: expiresAt, Status: StatusCreated,
		CreatedAt: nowUnix, UpdatedAt: nowUnix,
	}, opkID, opkPub, nil
}

// promoteIfExpired advances a row past its window to EXPIRED if it's still
// live and past due, returning the (possibly updated) row.
func promoteIfExpired(ctx context.Context, st *store.Store, row Row, now time.Time) (Row, error) {
	if row.Status == StatusConsumed || row.Status == StatusExpired {
		return row, nil
	}
	if now.Unix() < row.ExpiresAt {
		return row, nil
	}
	_, err := st.Exec(ctx, `UPDATE invite_dropbox SET status = ?, updated_at = ?
		WHERE invite_id = ? AND status = ?`, string(StatusExpired), now.Unix(), row.InviteID, string(row.Status))
	if err != nil {
		return row, fmt.Errorf("invite: promote expired: %w", err)
	}
	row.Status = StatusExpired
	return row, nil
}

// Get reads a row by id, promoting it to EXPIRED first if due.
func Get(ctx context.Context, st *store.Store, inviteID string, now time.Time) (Row, bool, error) {
	row, found, err := scanRow(st.QueryRow(ctx, `SELECT `+rowColumns+` FROM invite_dropbox WHERE invite_id = ?`, inviteID))
	if err != nil || !found {
		return Row{}, found, err
	}
	row, err = promoteIfExpired(ctx, st, row, now)
	return row, true, err
}

// Deliver implements the deliver contract: the envelope's expiresAt must
// equal the stored value, and at most one DELIVERED transition succeeds —
// races resolve via the conditional UPDATE's affected row count.
func Deliver(ctx context.Context, st *store.Store, inviteID string, envelope Envelope, rawJSON string, guestAccountDigest, guestDeviceID string, now time.Time) (Row, error) {
	if !envelope.valid() {
		return Row{}, ErrEnvelopeInvalid
	}

	row, found, err := Get(ctx, st, inviteID, now)
	if err != nil {
		return Row{}, err
	}
	if !found {
		return Row{}, ErrNotFound
	}
	if row.Status == StatusExpired {
		return Row{}, ErrExpired
	}
	if envelope.ExpiresAt != row.ExpiresAt {
		return Row{}, ErrEnvelopeInvalid
	}
	if row.Status != StatusCreated {
		return Row{}, ErrAlreadyDelivered
	}

	nowUnix := now.Unix()
	res, err := st.Exec(ctx, `
		UPDATE invite_dropbox SET status = ?, delivered_by_account_digest = ?, delivered_by_device_id = ?,
			delivered_at = ?, ciphertext_json = ?, updated_at = ?
		WHERE invite_id = ? AND status = ?`,
		string(StatusDelivered), guestAccountDigest, guestDeviceID, nowUnix, rawJSON, nowUnix,
		inviteID, string(StatusCreated))
	if err != nil {
		return Row{}, fmt.Errorf("invite: deliver: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return Row{}, ErrAlreadyDelivered // lost the race
	}

	row.Status = StatusDelivered
	row.DeliveredByAccountDigest = sql.NullString{String: guestAccountDigest, Valid: true}
	row.DeliveredByDeviceID = sql.NullString{String: guestDeviceID, Valid: true}
	row.DeliveredAt = sql.NullInt64{Int64: nowUnix, Valid: true}
	row.CiphertextJSON = sql.NullString{String: rawJSON, Valid: true}
	row.UpdatedAt = nowUnix
	return row, nil
}

// Consume implements owner-only, idempotent consume: a second call on a
// CONSUMED row returns the same envelope again.
func Consume(ctx context.Context, st *store.Store, inviteID, ownerAccountDigest string, now time.Time) (Row, error) {
	row, found, err := Get(ctx, st, inviteID, now)
	if err != nil {
		return Row{}, err
	}
	if !found {
		return Row{}, ErrNotFound
	}
	if row.OwnerAccountDigest != ownerAccountDigest {
		return Row{}, ErrForbidden
	}
	if row.Status == StatusConsumed {
		return row, nil // idempotent replay
	}
	if row.Status == StatusExpired {
		return Row{}, ErrExpired
	}
	if row.Status != StatusDelivered {
		return Row{}, ErrNotFound // not yet delivered; nothing to consume
	}

	nowUnix := now.Unix()
	res, err := st.Exec(ctx, `UPDATE invite_dropbox SET status = ?, consumed_at = ?, updated_at = ?
		WHERE invite_id = ? AND status = ?`, string(StatusConsumed), nowUnix, nowUnix, inviteID, string(StatusDelivered))
	if err != nil {
		return Row{}, fmt.Errorf("invite: consume: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Lost the race; re-read and return whatever state won.
		return Get(ctx, st, inviteID, now)
	}
	row.Status = StatusConsumed
	row.ConsumedAt = sql.NullInt64{Int64: nowUnix, Valid: true}
	row.UpdatedAt = nowUnix
	return row, nil
}

// StatusFor implements the status read: visible to the owner or the
// original deliverer only.
func StatusFor(ctx context.Context, st *store.Store, inviteID, requesterDigest string, now time.Time) (Row, error) {
	row, found, err := Get(ctx, st, inviteID, now)
	if err != nil {
		return Row{}, err
	}
	if !found {
		return Row{}, ErrNotFound
	}
	if row.OwnerAccountDigest != requesterDigest &&
		!(row.DeliveredByAccountDigest.Valid && row.DeliveredByAccountDigest.String == requesterDigest) {
		return Row{}, ErrForbidden
	}
	return row, nil
}

// DecodeEnvelope parses a deliver body's envelope field and returns both
// the typed struct and the original JSON text (stored verbatim so Consume
// can return byte-identical bytes).
func DecodeEnvelope(raw json.RawMessage) (Envelope, string, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, "", ErrEnvelopeInvalid
	}
	return e, string(raw), nil
}
