package contact

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

func TestUpsertIncrementsVersionOnEachWrite(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first, err := Upsert(ctx, st, "acct-a", `{"contacts":[]}`)
	if err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("expected version 1, got %d", first.Version)
	}

	second, err := Upsert(ctx, st, "acct-a", `{"contacts":["x"]}`)
	if err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("expected version 2, got %d", second.Version)
	}

	got, found, err := Get(ctx, st, "acct-a")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if got.PayloadJSON != `{"contacts":["x"]}` {
		t.Fatalf("expected latest payload, got %s", got.PayloadJSON)
	}
}

func TestGetReturnsNotFound(t *testing.T) {
	st := newTestStore(t)
	_, found, err := Get(context.Background(), st, "acct-none")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatal("expected not found")
	}
}

func TestDeleteContactACLRemovesSharedConversations(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.Exec(ctx, `INSERT INTO conversations (id) VALUES (?)`, "conv-1"); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	if _, err := st.Exec(ctx, `INSERT INTO conversation_acl (conversation_id, account_digest, device_id, role, updated_at)
		VALUES (?, ?, '', 'member', 1)`, "conv-1", "acct-owner"); err != nil {
		t.Fatalf("seed owner acl: %v", err)
	}
	if _, err := st.Exec(ctx, `INSERT INTO conversation_acl (conversation_id, account_digest, device_id, role, updated_at)
		VALUES (?, ?, '', 'member', 1)`, "conv-1", "acct-contact"); err != nil {
		t.Fatalf("seed contact acl: %v", err)
	}

	n, err := DeleteContactACL(ctx, st, "acct-owner", "acct-contact")
	if err != nil {
		t.Fatalf("DeleteContactACL: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row removed, got %d", n)
	}
}
