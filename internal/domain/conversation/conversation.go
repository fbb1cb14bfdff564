// Package conversation implements a standalone authorize read: the same
// ACL check the secure message appender and vault already perform
// inline, exposed separately for client-side gating.
package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sentry-messenger/d1plane/internal/store"
)

// Authorize reports whether (accountDigest, deviceID) may act on
// conversationID, and the role it holds if so. deviceID "" matches only an
// ACL row that itself has device_id "" (any device).
func Authorize(ctx context.Context, st *store.Store, conversationID, accountDigest, deviceID string) (role string, ok bool, err error) {
	var r sql.NullString
	e := st.QueryRow(ctx, `
		SELECT role FROM conversation_acl
		WHERE conversation_id = ? AND account_digest = ? AND (device_id = ? OR device_id = '')
		ORDER BY device_id DESC LIMIT 1`, conversationID, accountDigest, deviceID).Scan(&r)
	if errors.Is(e, sql.ErrNoRows) {
		return "", false, nil
	}
	if e != nil {
		return "", false, fmt.Errorf("conversation: authorize: %w", e)
	}
	return r.String, true, nil
}
