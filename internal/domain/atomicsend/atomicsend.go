// Package atomicsend implements the atomic-send orchestrator: binding
// the secure message appender, message-key vault, and optional
// contact-secret backup write into one batch transaction with a single
// counter check and full context validation up front.
package atomicsend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sentry-messenger/d1plane/internal/domain/backup"
	"github.com/sentry-messenger/d1plane/internal/domain/message"
	"github.com/sentry-messenger/d1plane/internal/domain/vault"
	"github.com/sentry-messenger/d1plane/internal/store"
)

// ErrBackupSenderMismatch is returned when backup.AccountDigest does not
// match the authenticated sender.
var ErrBackupSenderMismatch = errors.New("atomicsend: backup account does not match sender")

// ErrIdentifierMismatch is returned when the message and vault payloads
// don't reference the same (conversationId, messageId, senderDeviceId).
var ErrIdentifierMismatch = errors.New("atomicsend: message and vault identifiers differ")

// ErrConflict is returned when the message id already exists.
var ErrConflict = errors.New("atomicsend: conflict")

// Request bundles the three payloads.
type Request struct {
	AuthenticatedSenderDigest string

	Message message.Insert
	Vault   vault.Put
	Backup  *backup.Write // nil if absent
}

// Response is what a successful atomic send returns.
type Response struct {
	MessageCreated   bool
	MessageCreatedAt int64
	BackupVersion    int64 // 0 if no backup was written
}

// preflight runs every check before the batch executes.
func preflight(req Request) error {
	if req.Message.ConversationID != req.Vault.ConversationID ||
		req.Message.ID != req.Vault.MessageID ||
		req.Message.SenderDeviceID != req.Vault.SenderDeviceID {
		return ErrIdentifierMismatch
	}
	if err := req.Vault.Validate(); err != nil {
		return err
	}
	if err := message.ValidateHeader(req.Message.HeaderJSON, req.Message.SenderDeviceID, req.Message.Counter); err != nil {
		return err
	}
	if req.Backup != nil && req.Backup.AccountDigest != req.AuthenticatedSenderDigest {
		return ErrBackupSenderMismatch
	}
	return nil
}

// Send runs the full pre-flight plus the seven-step batch, committing or
// rolling back as one unit.
func Send(ctx context.Context, st *store.Store, req Request) (Response, error) {
	if err := preflight(req); err != nil {
		return Response{}, err
	}

	var resp Response
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		maxCounter, err := message.MaxCounter(ctx, tx, req.Message.ConversationID, req.Message.SenderAccountDigest, req.Message.SenderDeviceID)
		if err != nil {
			return err
		}
		if req.Message.Counter <= maxCounter {
			return &message.ErrCounterTooLow{MaxCounter: maxCounter}
		}

		now := time.Now().Unix()

		if _, err := tx.Exec(ctx, `INSERT INTO conversations (id) VALUES (?) ON CONFLICT (id) DO NOTHING`, req.Message.ConversationID); err != nil {
			return fmt.Errorf("atomicsend: ensure conversation: %w", err)
		}
		if err := upsertACL(ctx, tx, req.Message.ConversationID, req.Message.SenderAccountDigest, req.Message.SenderDeviceID, now); err != nil {
			return err
		}
		if req.Message.ReceiverAccountDigest != "" {
			if err := upsertACL(ctx, tx, req.Message.ConversationID, req.Message.ReceiverAccountDigest, req.Message.ReceiverDeviceID, now); err != nil {
				return err
			}
		}

		createdAt := req.Message.CreatedAt
		if createdAt == 0 {
			createdAt = now
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO messages_secure (id, conversation_id, sender_account_digest, sender_device_id,
				receiver_account_digest, receiver_device_id, header_json, ciphertext_b64, counter, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			req.Message.ID, req.Message.ConversationID, req.Message.SenderAccountDigest, req.Message.SenderDeviceID,
			nullableStr(req.Message.ReceiverAccountDigest), nullableStr(req.Message.ReceiverDeviceID),
			req.Message.HeaderJSON, req.Message.CiphertextB64, req.Message.Counter, createdAt)
		if err != nil {
			if store.IsUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("atomicsend: insert message: %w", err)
		}
		resp.MessageCreated = true
		resp.MessageCreatedAt = createdAt

		v := req.Vault
		_, err = tx.Exec(ctx, `
			INSERT INTO message_key_vault (account_digest, conversation_id, message_id, sender_device_id,
				target_device_id, direction, msg_type, header_counter, wrapped_mk_json, wrap_context_json,
				dr_state_snapshot, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (account_digest, conversation_id, message_id, sender_device_id) DO NOTHING`,
			v.AccountDigest, v.ConversationID, v.MessageID, v.SenderDeviceID, v.TargetDeviceID, string(v.Direction),
			nullableStr(v.MsgType), nullableCounter(v.HeaderCounter), v.WrappedMKJSON, v.WrapContextJSON,
			nullableStr(v.DRStateSnapshot), now)
		if err != nil {
			return fmt.Errorf("atomicsend: upsert vault: %w", err)
		}

		if req.Backup != nil {
			version, err := writeBackup(ctx, tx, *req.Backup, now)
			if err != nil {
				return err
			}
			resp.BackupVersion = version
			if err := trimBackups(ctx, tx, req.Backup.AccountDigest, backup.RetainN); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

func upsertACL(ctx context.Context, tx *store.Tx, conversationID, accountDigest, deviceID string, now int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO conversation_acl (conversation_id, account_digest, device_id, role, updated_at)
		VALUES (?, ?, ?, 'member', ?)
		ON CONFLICT (conversation_id, account_digest, device_id) DO UPDATE SET updated_at = excluded.updated_at`,
		conversationID, accountDigest, deviceID, now)
	if err != nil {
		return fmt.Errorf("atomicsend: upsert acl: %w", err)
	}
	return nil
}

func writeBackup(ctx context.Context, tx *store.Tx, w backup.Write, now int64) (int64, error) {
	var maxVersion sql.NullInt64
	if err := tx.QueryRow(ctx, `SELECT MAX(version) FROM contact_secret_backups WHERE account_digest = ?`, w.AccountDigest).
		Scan(&maxVersion); err != nil {
		return 0, fmt.Errorf("atomicsend: read max backup version: %w", err)
	}
	version := w.Version
	if version == 0 {
		version = 1
		if maxVersion.Valid {
			version = maxVersion.Int64 + 1
		}
	}
	if err := backup.CheckRegression(ctx, tx, w.AccountDigest, w.PayloadJSON); err != nil {
		return 0, err
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO contact_secret_backups (account_digest, version, payload_json, snapshot_version,
			entries, checksum, bytes, device_label, device_id, updated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.AccountDigest, version, w.PayloadJSON, nullableIntPtr(w.SnapshotVersion), nullableIntPtr(w.Entries),
		nullableStr(w.Checksum), nullableIntPtr(w.Bytes), nullableStr(w.DeviceLabel), nullableStr(w.DeviceID), now, now)
	if err != nil {
		return 0, fmt.Errorf("atomicsend: insert backup: %w", err)
	}
	return version, nil
}

func trimBackups(ctx context.Context, tx *store.Tx, accountDigest string, retain int) error {
	rows, err := tx.Query(ctx, `SELECT id FROM contact_secret_backups WHERE account_digest = ?
		ORDER BY updated_at DESC, id DESC`, accountDigest)
	if err != nil {
		return fmt.Errorf("atomicsend: list for trim: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("atomicsend: scan trim id: %w", err)
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
			return fmt.Errorf("atomicsend: trim delete: %w", err)
		}
	}
	return nil
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableCounter(c *int64) any {
	if c == nil {
		return nil
	}
	return *c
}

func nullableIntPtr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
