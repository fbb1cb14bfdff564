package store

import (
	"context"
	"fmt"
	"strings"
)

// statements is every CREATE TABLE d1plane needs, in dependency order.
// Written in a dialect-neutral subset (TEXT/INTEGER/BIGINT) that both
// SQLite and Postgres accept, except for the SQLite-only
// "INTEGER PRIMARY KEY AUTOINCREMENT", which EnsureSchema rewrites to
// "BIGSERIAL PRIMARY KEY" on Postgres.
var statements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		account_digest   TEXT PRIMARY KEY,
		account_token    TEXT NOT NULL,
		uid_digest       TEXT NOT NULL,
		last_ctr         BIGINT NOT NULL DEFAULT 0,
		wrapped_mk_json  TEXT,
		created_at       BIGINT NOT NULL,
		updated_at       BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_uid_digest ON accounts(uid_digest)`,

	`CREATE TABLE IF NOT EXISTS devices (
		account_digest TEXT NOT NULL,
		device_id      TEXT NOT NULL,
		label          TEXT,
		status         TEXT NOT NULL DEFAULT 'active',
		last_seen_at   BIGINT,
		created_at     BIGINT NOT NULL,
		updated_at     BIGINT NOT NULL,
		PRIMARY KEY (account_digest, device_id)
	)`,

	`CREATE TABLE IF NOT EXISTS signed_prekeys (
		account_digest TEXT NOT NULL,
		device_id      TEXT NOT NULL,
		spk_id         BIGINT NOT NULL,
		spk_pub        TEXT NOT NULL,
		spk_sig        TEXT NOT NULL,
		ik_pub         TEXT,
		created_at     BIGINT NOT NULL,
		PRIMARY KEY (account_digest, device_id, spk_id)
	)`,

	`CREATE TABLE IF NOT EXISTS one_time_prekeys (
		account_digest TEXT NOT NULL,
		device_id      TEXT NOT NULL,
		opk_id         BIGINT NOT NULL,
		opk_pub        TEXT NOT NULL,
		issued_at      BIGINT NOT NULL,
		consumed_at    BIGINT,
		PRIMARY KEY (account_digest, device_id, opk_id)
	)`,

	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY
	)`,

	`CREATE TABLE IF NOT EXISTS conversation_acl (
		conversation_id TEXT NOT NULL,
		account_digest  TEXT NOT NULL,
		device_id       TEXT NOT NULL DEFAULT '',
		role            TEXT NOT NULL,
		updated_at      BIGINT NOT NULL,
		PRIMARY KEY (conversation_id, account_digest, device_id)
	)`,

	`CREATE TABLE IF NOT EXISTS messages_secure (
		id                       TEXT PRIMARY KEY,
		conversation_id          TEXT NOT NULL,
		sender_account_digest    TEXT NOT NULL,
		sender_device_id         TEXT NOT NULL,
		receiver_account_digest  TEXT,
		receiver_device_id       TEXT,
		header_json              TEXT NOT NULL,
		ciphertext_b64           TEXT NOT NULL,
		counter                  BIGINT NOT NULL,
		created_at               BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_secure_conv_sender
		ON messages_secure(conversation_id, sender_account_digest, sender_device_id, counter)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_secure_conv_list
		ON messages_secure(conversation_id, counter DESC, created_at DESC, id DESC)`,

	`CREATE TABLE IF NOT EXISTS message_key_vault (
		account_digest     TEXT NOT NULL,
		conversation_id    TEXT NOT NULL,
		message_id         TEXT NOT NULL,
		sender_device_id   TEXT NOT NULL,
		target_device_id   TEXT NOT NULL,
		direction          TEXT NOT NULL,
		msg_type           TEXT,
		header_counter     BIGINT,
		wrapped_mk_json    TEXT NOT NULL,
		wrap_context_json  TEXT NOT NULL,
		dr_state_snapshot  TEXT,
		created_at         BIGINT NOT NULL,
		PRIMARY KEY (account_digest, conversation_id, message_id, sender_device_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_vault_header_counter
		ON message_key_vault(conversation_id, account_digest, header_counter)`,

	`CREATE TABLE IF NOT EXISTS contact_secret_backups (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		account_digest  TEXT NOT NULL,
		version         BIGINT NOT NULL,
		payload_json    TEXT NOT NULL,
		snapshot_version BIGINT,
		entries         BIGINT,
		checksum        TEXT,
		bytes           BIGINT,
		device_label    TEXT,
		device_id       TEXT,
		updated_at      BIGINT NOT NULL,
		created_at      BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_backups_account_updated
		ON contact_secret_backups(account_digest, updated_at DESC, id DESC)`,

	`CREATE TABLE IF NOT EXISTS invite_dropbox (
		invite_id                  TEXT PRIMARY KEY,
		owner_account_digest       TEXT NOT NULL,
		owner_device_id            TEXT NOT NULL,
		owner_public_key_b64       TEXT NOT NULL,
		expires_at                 BIGINT NOT NULL,
		status                     TEXT NOT NULL,
		delivered_by_account_digest TEXT,
		delivered_by_device_id     TEXT,
		delivered_at               BIGINT,
		consumed_at                BIGINT,
		ciphertext_json            TEXT,
		created_at                 BIGINT NOT NULL,
		updated_at                 BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS deletion_cursors (
		conversation_id TEXT NOT NULL,
		account_digest  TEXT NOT NULL,
		min_counter     BIGINT NOT NULL DEFAULT 0,
		updated_at      BIGINT NOT NULL,
		PRIMARY KEY (conversation_id, account_digest)
	)`,

	`CREATE TABLE IF NOT EXISTS conversation_deletion_log (
		id                   INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_digest         TEXT NOT NULL,
		conversation_id      TEXT NOT NULL,
		encrypted_checkpoint TEXT NOT NULL,
		created_at           BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS subscriptions (
		digest     TEXT PRIMARY KEY,
		expires_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS tokens (
		token_id       TEXT PRIMARY KEY,
		digest         TEXT NOT NULL,
		issued_at      BIGINT NOT NULL,
		extend_days    BIGINT NOT NULL,
		nonce          TEXT,
		key_id         TEXT,
		signature_b64  TEXT,
		status         TEXT NOT NULL DEFAULT 'issued',
		used_at        BIGINT,
		used_by_digest TEXT,
		created_at     BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS extend_logs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		token_id    TEXT NOT NULL,
		digest      TEXT NOT NULL,
		extend_days BIGINT NOT NULL,
		new_expires BIGINT NOT NULL,
		created_at  BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS call_sessions (
		call_id     TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		state_json  TEXT NOT NULL,
		expires_at  BIGINT NOT NULL,
		created_at  BIGINT NOT NULL,
		updated_at  BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS call_events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		call_id     TEXT NOT NULL,
		event_json  TEXT NOT NULL,
		created_at  BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS media_usage (
		account_digest TEXT NOT NULL,
		object_key     TEXT NOT NULL,
		bytes          BIGINT NOT NULL DEFAULT 0,
		updated_at     BIGINT NOT NULL,
		created_at     BIGINT NOT NULL,
		PRIMARY KEY (account_digest, object_key)
	)`,

	`CREATE TABLE IF NOT EXISTS contacts_snapshot (
		account_digest TEXT PRIMARY KEY,
		payload_json   TEXT NOT NULL,
		version        BIGINT NOT NULL,
		updated_at     BIGINT NOT NULL,
		created_at     BIGINT NOT NULL
	)`,

	// opaque_blobs backs devkeys/store|fetch and opaque/store|fetch: both
	// are opaque client/OPAQUE-protocol pass-through blobs the server never
	// interprets, scoped by kind so the two endpoint families don't
	// collide on one key.
	`CREATE TABLE IF NOT EXISTS opaque_blobs (
		account_digest TEXT NOT NULL,
		kind           TEXT NOT NULL,
		blob_json      TEXT NOT NULL,
		updated_at     BIGINT NOT NULL,
		created_at     BIGINT NOT NULL,
		PRIMARY KEY (account_digest, kind)
	)`,

	// message_status backs messages/send-state and messages/outgoing-status:
	// per-(message, viewer) delivery-state tracking.
	`CREATE TABLE IF NOT EXISTS message_status (
		message_id      TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		viewer_digest   TEXT NOT NULL,
		state           TEXT NOT NULL,
		state_rank      INTEGER NOT NULL,
		updated_at      BIGINT NOT NULL,
		created_at      BIGINT NOT NULL,
		PRIMARY KEY (message_id, viewer_digest)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_message_status_conv
		ON message_status(conversation_id, message_id)`,
}

// requiredColumns backs the boot-time schema-readiness probe, naming
// the columns explicitly: accounts.wrapped_mk_json,
// invite_dropbox.updated_at, message_key_vault.dr_state_snapshot.
var requiredColumns = map[string][]string{
	"accounts":          {"wrapped_mk_json"},
	"invite_dropbox":     {"updated_at"},
	"message_key_vault": {"dr_state_snapshot"},
}

// EnsureSchema creates every table if missing. Idempotent; safe to call on
// every process start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range statements {
		if s.Driver == DriverPostgres {
			stmt = strings.ReplaceAll(stmt, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
		}
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w (stmt: %.60s)", err, stmt)
		}
	}
	s.readyMu.Lock()
	s.schemaOK = true
	s.readyMu.Unlock()
	return nil
}

// CheckReadiness probes the required tables/columns directly,
// independent of whether EnsureSchema was called by this process (e.g. a
// second instance pointed at a database someone else migrated).
func (s *Store) CheckReadiness(ctx context.Context) error {
	var missing []string
	for table, cols := range requiredColumns {
		have, err := s.tableColumns(ctx, table)
		if err != nil {
			return fmt.Errorf("store: readiness probe: %w", err)
		}
		for _, c := range cols {
			if !have[c] {
				missing = append(missing, table+"."+c)
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("store: schema missing required columns: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (s *Store) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	cols := make(map[string]bool)
	if s.IsSQLite() {
		rows, err := s.DB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var cid int
			var name, ctype string
			var notnull int
			var dflt any
			var pk int
			if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
				return nil, err
			}
			cols[name] = true
		}
		return cols, rows.Err()
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_name = $1`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
