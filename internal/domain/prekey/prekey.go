// Package prekey implements the prekey engine: publishing a signed
// prekey plus a batch of one-time prekeys per device, and the
// atomic-consume bundle fetch that hands out at most one OPK per request.
package prekey

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sentry-messenger/d1plane/internal/store"
)

// ErrInvalidSignature is returned when spk_sig does not verify under ik_pub.
var ErrInvalidSignature = errors.New("prekey: invalid signed-prekey signature")

// ErrUnavailable covers every bundle-fetch failure mode: no signed
// prekey, no one-time prekeys, or a missing identity key.
var ErrUnavailable = errors.New("prekey: unavailable")

// Engine publishes and consumes prekey material.
type Engine struct {
	st *store.Store
}

func New(st *store.Store) *Engine { return &Engine{st: st} }

// OneTimePrekey is one unconsumed or consumed OPK row.
type OneTimePrekey struct {
	ID  int64
	Pub string
}

// PublishInput bundles a device's signed prekey plus OPK batch.
type PublishInput struct {
	AccountDigest string
	DeviceID      string
	SPKID         int64
	SPKPub        string
	SPKSig        string
	IKPub         string
	OPKs          []OneTimePrekey
}

// Publish validates the signed prekey, upserts the device and signed-prekey
// rows, inserts every OPK, and returns the next free OPK id.
func (e *Engine) Publish(ctx context.Context, in PublishInput) (nextOPKID int64, err error) {
	if !verifySignedPrekey(in.IKPub, in.SPKPub, in.SPKSig) {
		return 0, ErrInvalidSignature
	}

	now := time.Now().Unix()
	err = e.st.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO devices (account_digest, device_id, status, created_at, updated_at)
			VALUES (?, ?, 'active', ?, ?)
			ON CONFLICT (account_digest, device_id) DO UPDATE SET updated_at = excluded.updated_at`,
			in.AccountDigest, in.DeviceID, now, now); err != nil {
			return fmt.Errorf("prekey: upsert device: %w", err)
		}

		var existingIK sql.NullString
		err := tx.QueryRow(ctx, `SELECT ik_pub FROM signed_prekeys WHERE account_digest = ? AND device_id = ? AND spk_id = ?`,
			in.AccountDigest, in.DeviceID, in.SPKID).Scan(&existingIK)
		ikPub := in.IKPub
		if err == nil && existingIK.Valid && existingIK.String != "" {
			ikPub = existingIK.String // ik_pub is only filled once, never replaced
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO signed_prekeys (account_digest, device_id, spk_id, spk_pub, spk_sig, ik_pub, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (account_digest, device_id, spk_id) DO UPDATE SET
				spk_pub = excluded.spk_pub,
				spk_sig = excluded.spk_sig,
				ik_pub = COALESCE(signed_prekeys.ik_pub, excluded.ik_pub)`,
			in.AccountDigest, in.DeviceID, in.SPKID, in.SPKPub, in.SPKSig, ikPub, now); err != nil {
			return fmt.Errorf("prekey: upsert signed prekey: %w", err)
		}

		for _, opk := range in.OPKs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO one_time_prekeys (account_digest, device_id, opk_id, opk_pub, issued_at, consumed_at)
				VALUES (?, ?, ?, ?, ?, NULL)
				ON CONFLICT (account_digest, device_id, opk_id) DO NOTHING`,
				in.AccountDigest, in.DeviceID, opk.ID, opk.Pub, now); err != nil {
				return fmt.Errorf("prekey: insert opk %d: %w", opk.ID, err)
			}
		}

		var maxID sql.NullInt64
		if err := tx.QueryRow(ctx, `SELECT MAX(opk_id) FROM one_time_prekeys WHERE account_digest = ? AND device_id = ?`,
			in.AccountDigest, in.DeviceID).Scan(&maxID); err != nil {
			return fmt.Errorf("prekey: read max opk id: %w", err)
		}
		if maxID.Valid {
			nextOPKID = maxID.Int64 + 1
		} else {
			nextOPKID = 1
		}
		return nil
	})
	return nextOPKID, err
}

func verifySignedPrekey(ikPubB64, spkPubB64, spkSigB64 string) bool {
	ik, ok1 := decodeB64(ikPubB64)
	spkPub, ok2 := decodeB64(spkPubB64)
	sig, ok3 := decodeB64(spkSigB64)
	if !ok1 || !ok2 || !ok3 || len(ik) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(ik), spkPub, sig)
}

// Bundle is the server-side half of an X3DH handshake response.
type Bundle struct {
	DeviceID string
	IKPub    string
	SPKID    int64
	SPKPub   string
	SPKSig   string
	OPKID    int64
	OPKPub   string
}

// Fetch locates the most recent signed prekey for (peerAccountDigest,
// peerDeviceId) — or the most recently updated device if peerDeviceId is
// empty — then consumes the lowest-id unconsumed OPK in the same
// transaction, which is the serialization point guaranteeing at-most-one
// handout of any OPK.
func (e *Engine) Fetch(ctx context.Context, peerAccountDigest, peerDeviceID string) (Bundle, error) {
	var out Bundle
	err := e.st.WithTx(ctx, func(tx *store.Tx) error {
		deviceID := peerDeviceID
		if deviceID == "" {
			if err := tx.QueryRow(ctx, `
				SELECT device_id FROM devices WHERE account_digest = ?
				ORDER BY updated_at DESC LIMIT 1`, peerAccountDigest).Scan(&deviceID); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return ErrUnavailable
				}
				return fmt.Errorf("prekey: locate device: %w", err)
			}
		}

		var ikPub sql.NullString
		err := tx.QueryRow(ctx, `
			SELECT spk_id, spk_pub, spk_sig, ik_pub FROM signed_prekeys
			WHERE account_digest = ? AND device_id = ?
			ORDER BY spk_id DESC LIMIT 1`, peerAccountDigest, deviceID).
			Scan(&out.SPKID, &out.SPKPub, &out.SPKSig, &ikPub)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUnavailable
		}
		if err != nil {
			return fmt.Errorf("prekey: read signed prekey: %w", err)
		}
		if !ikPub.Valid || ikPub.String == "" {
			return ErrUnavailable
		}

		opkID, opkPub, err := consumeOneOPK(ctx, tx, peerAccountDigest, deviceID)
		if err != nil {
			return err
		}

		out.DeviceID = deviceID
		out.IKPub = ikPub.String
		out.OPKID = opkID
		out.OPKPub = opkPub
		return nil
	})
	if err != nil {
		return Bundle{}, err
	}
	return out, nil
}

// consumeOneOPK runs the serialization point that guarantees at-most-one
// handout of any OPK: select the lowest-id unconsumed row then mark it
// consumed conditionally, inside the caller's transaction.
func consumeOneOPK(ctx context.Context, tx *store.Tx, accountDigest, deviceID string) (int64, string, error) {
	var opkID int64
	var opkPub string
	err := tx.QueryRow(ctx, `
		SELECT opk_id, opk_pub FROM one_time_prekeys
		WHERE account_digest = ? AND device_id = ? AND consumed_at IS NULL
		ORDER BY opk_id ASC LIMIT 1`, accountDigest, deviceID).Scan(&opkID, &opkPub)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ErrUnavailable
	}
	if err != nil {
		return 0, "", fmt.Errorf("prekey: read opk: %w", err)
	}

	res, err := tx.Exec(ctx, `
		UPDATE one_time_prekeys SET consumed_at = ?
		WHERE account_digest = ? AND device_id = ? AND opk_id = ? AND consumed_at IS NULL`,
		time.Now().Unix(), accountDigest, deviceID, opkID)
	if err != nil {
		return 0, "", fmt.Errorf("prekey: consume opk: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Lost the race to another concurrent fetch; reported as
		// ErrUnavailable, with no retry.
		return 0, "", ErrUnavailable
	}
	return opkID, opkPub, nil
}

// AllocateFor consumes one OPK for (accountDigest, deviceID) outside of any
// caller transaction, implementing invite.OPKAllocator so the Invite
// Dropbox's create step can bind a real OPK into its returned bundle.
func (e *Engine) AllocateFor(ctx context.Context, accountDigest, deviceID string) (int64, string, error) {
	var opkID int64
	var opkPub string
	err := e.st.WithTx(ctx, func(tx *store.Tx) error {
		id, pub, err := consumeOneOPK(ctx, tx, accountDigest, deviceID)
		if err != nil {
			return err
		}
		opkID, opkPub = id, pub
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	return opkID, opkPub, nil
}
