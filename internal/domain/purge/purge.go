// Package purge implements account purge: cascading best-effort delete
// across every per-account table, with a dry-run mode that reports the
// plan without writing.
package purge

import (
	"context"
	"fmt"

	"github.com/sentry-messenger/d1plane/internal/store"
)

// TableResult is one table's delete outcome.
type TableResult struct {
	Table        string `json:"table"`
	RowsAffected int64  `json:"rows_affected"`
	Error        string `json:"error,omitempty"`
}

// Plan is the full purge plan or outcome, depending on DryRun.
type Plan struct {
	AccountDigest string        `json:"account_digest"`
	DryRun        bool          `json:"dry_run"`
	Tables        []TableResult `json:"tables"`
}

// tableSpec is one per-account table to purge. column is the FK column
// identifying the account in that table.
type tableSpec struct {
	table  string
	column string
}

var tables = []tableSpec{
	{"messages_secure", "sender_account_digest"},
	{"message_key_vault", "account_digest"},
	{"conversation_acl", "account_digest"},
	{"media_usage", "account_digest"},
	{"call_events", "call_id"},         // no account column; handled specially via conversation_acl
	{"call_sessions", "conversation_id"}, // same join; handled specially, never by accountDigest directly
	{"contact_secret_backups", "account_digest"},
	{"tokens", "digest"},
	{"subscriptions", "digest"},
	{"extend_logs", "digest"},
	{"signed_prekeys", "account_digest"},
	{"one_time_prekeys", "account_digest"},
	{"devices", "account_digest"},
	{"contacts_snapshot", "account_digest"},
	{"conversation_deletion_log", "owner_digest"},
	{"deletion_cursors", "account_digest"},
	{"invite_dropbox", "owner_account_digest"},
	{"opaque_blobs", "account_digest"},
	{"message_status", "viewer_digest"},
}

// Run executes (or, if dryRun, only counts) the cascading delete across
// every per-account table, reporting each table's row count independently:
// best-effort per table, recording but not aborting on individual
// failures.
func Run(ctx context.Context, st *store.Store, accountDigest string, dryRun bool) Plan {
	plan := Plan{AccountDigest: accountDigest, DryRun: dryRun}

	// Resolved once, up front: conversation_acl rows for this account may
	// be deleted by the loop below before the call tables are reached,
	// and call_events/call_sessions have no account column of their own.
	conversationIDs, err := conversationIDsForAccount(ctx, st, accountDigest)
	if err != nil {
		plan.Tables = append(plan.Tables, TableResult{Table: "call_events", Error: err.Error()})
		plan.Tables = append(plan.Tables, TableResult{Table: "call_sessions", Error: err.Error()})
		conversationIDs = nil
	}

	for _, spec := range tables {
		switch spec.table {
		case "call_events":
			plan.Tables = append(plan.Tables, purgeCallEvents(ctx, st, conversationIDs, dryRun))
		case "call_sessions":
			if err == nil {
				plan.Tables = append(plan.Tables, purgeCallSessions(ctx, st, conversationIDs, dryRun))
			}
		default:
			plan.Tables = append(plan.Tables, purgeTable(ctx, st, spec.table, spec.column, accountDigest, dryRun))
		}
	}

	plan.Tables = append(plan.Tables, purgeAccountRow(ctx, st, accountDigest, dryRun))
	return plan
}

// conversationIDsForAccount lists the conversations this account's
// conversation_acl rows reference, the join call_events/call_sessions
// need since neither table carries an account column.
func conversationIDsForAccount(ctx context.Context, st *store.Store, accountDigest string) ([]string, error) {
	rows, err := st.Query(ctx, `SELECT DISTINCT conversation_id FROM conversation_acl WHERE account_digest = ?`, accountDigest)
	if err != nil {
		return nil, fmt.Errorf("purge: list conversations: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("purge: scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("purge: iterate conversations: %w", err)
	}
	return ids, nil
}

func purgeTable(ctx context.Context, st *store.Store, table, column, accountDigest string, dryRun bool) TableResult {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", quoteIdent(table), quoteIdent(column))
	var n int64
	if err := st.QueryRow(ctx, query, accountDigest).Scan(&n); err != nil {
		return TableResult{Table: table, Error: err.Error()}
	}
	if dryRun {
		return TableResult{Table: table, RowsAffected: n}
	}
	res, err := st.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(table), quoteIdent(column)), accountDigest)
	if err != nil {
		return TableResult{Table: table, Error: err.Error()}
	}
	affected, _ := res.RowsAffected()
	return TableResult{Table: table, RowsAffected: affected}
}

// purgeCallEvents deletes events belonging to call sessions whose
// conversation the account participates in, since call_events has no
// direct account column.
func purgeCallEvents(ctx context.Context, st *store.Store, conversationIDs []string, dryRun bool) TableResult {
	if len(conversationIDs) == 0 {
		return TableResult{Table: "call_events"}
	}
	rows, err := st.Query(ctx, `SELECT DISTINCT call_id FROM call_sessions WHERE conversation_id IN (`+placeholders(len(conversationIDs))+`)`,
		toArgs(conversationIDs)...)
	if err != nil {
		return TableResult{Table: "call_events", Error: err.Error()}
	}
	var callIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return TableResult{Table: "call_events", Error: err.Error()}
		}
		callIDs = append(callIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return TableResult{Table: "call_events", Error: err.Error()}
	}
	rows.Close()

	var total int64
	for _, id := range callIDs {
		if dryRun {
			var n int64
			if err := st.QueryRow(ctx, `SELECT COUNT(*) FROM call_events WHERE call_id = ?`, id).Scan(&n); err != nil {
				return TableResult{Table: "call_events", Error: err.Error()}
			}
			total += n
			continue
		}
		res, err := st.Exec(ctx, `DELETE FROM call_events WHERE call_id = ?`, id)
		if err != nil {
			return TableResult{Table: "call_events", Error: err.Error()}
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return TableResult{Table: "call_events", RowsAffected: total}
}

// purgeCallSessions deletes call_sessions rows for conversations the
// account participates in; call_sessions is keyed by conversation_id, not
// by any account column.
func purgeCallSessions(ctx context.Context, st *store.Store, conversationIDs []string, dryRun bool) TableResult {
	if len(conversationIDs) == 0 {
		return TableResult{Table: "call_sessions"}
	}
	in := placeholders(len(conversationIDs))
	args := toArgs(conversationIDs)
	if dryRun {
		var n int64
		if err := st.QueryRow(ctx, `SELECT COUNT(*) FROM call_sessions WHERE conversation_id IN (`+in+`)`, args...).Scan(&n); err != nil {
			return TableResult{Table: "call_sessions", Error: err.Error()}
		}
		return TableResult{Table: "call_sessions", RowsAffected: n}
	}
	res, err := st.Exec(ctx, `DELETE FROM call_sessions WHERE conversation_id IN (`+in+`)`, args...)
	if err != nil {
		return TableResult{Table: "call_sessions", Error: err.Error()}
	}
	affected, _ := res.RowsAffected()
	return TableResult{Table: "call_sessions", RowsAffected: affected}
}

func placeholders(n int) string {
	s := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			s = append(s, ',')
		}
		s = append(s, '?')
	}
	return string(s)
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func purgeAccountRow(ctx context.Context, st *store.Store, accountDigest string, dryRun bool) TableResult {
	if dryRun {
		var n int64
		if err := st.QueryRow(ctx, `SELECT COUNT(*) FROM accounts WHERE account_digest = ?`, accountDigest).Scan(&n); err != nil {
			return TableResult{Table: "accounts", Error: err.Error()}
		}
		return TableResult{Table: "accounts", RowsAffected: n}
	}
	res, err := st.Exec(ctx, `DELETE FROM accounts WHERE account_digest = ?`, accountDigest)
	if err != nil {
		return TableResult{Table: "accounts", Error: err.Error()}
	}
	affected, _ := res.RowsAffected()
	return TableResult{Table: "accounts", RowsAffected: affected}
}

func quoteIdent(s string) string { return s } // table/column names here are all fixed literals, never user input
