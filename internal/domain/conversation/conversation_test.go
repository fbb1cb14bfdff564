package conversation

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sentry-messenger/d1plane/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return s
}

func seedACL(t *testing.T, st *store.Store, conversationID, accountDigest, deviceID, role string) {
	t.Helper()
	if _, err := st.Exec(context.Background(), `INSERT INTO conversations (id) VALUES (?) ON CONFLICT (id) DO NOTHING`, conversationID); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	if _, err := st.Exec(context.Background(), `
		INSERT INTO conversation_acl (conversation_id, account_digest, device_id, role, updated_at)
		VALUES (?, ?, ?, ?, 1)`, conversationID, accountDigest, deviceID, role); err != nil {
		t.Fatalf("seed acl: %v", err)
	}
}

func TestAuthorizeMatchesExactDevice(t *testing.T) {
	st := newTestStore(t)
	seedACL(t, st, "conv-1", "acct-a", "dev-a", "member")

	role, ok, err := Authorize(context.Background(), st, "conv-1", "acct-a", "dev-a")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !ok || role != "member" {
		t.Fatalf("expected ok with role 'member', got ok=%v role=%s", ok, role)
	}
}

func TestAuthorizeMatchesAnyDeviceRow(t *testing.T) {
	st := newTestStore(t)
	seedACL(t, st, "conv-1", "acct-a", "", "owner")

	role, ok, err := Authorize(context.Background(), st, "conv-1", "acct-a", "dev-unknown")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !ok || role != "owner" {
		t.Fatalf("expected any-device ACL row to authorize, got ok=%v role=%s", ok, role)
	}
}

func TestAuthorizeDeniesUnknownPair(t *testing.T) {
	st := newTestStore(t)
	_, ok, err := Authorize(context.Background(), st, "conv-none", "acct-none", "dev-none")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if ok {
		t.Fatal("expected not authorized")
	}
}
