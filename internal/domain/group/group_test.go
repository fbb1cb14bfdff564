package group

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

func TestCreateRejectsDuplicateGroupID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := Create(ctx, st, "group-1", "acct-owner"); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if err := Create(ctx, st, "group-1", "acct-owner"); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestAddMemberThenGetReflectsRole(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := Create(ctx, st, "group-2", "acct-owner"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := AddMember(ctx, st, "group-2", "acct-member", "dev-1", "member"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	members, found, err := Get(ctx, st, "group-2")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if len(members) != 2 {
		t.Fatalf("expected owner + member = 2 rows, got %d", len(members))
	}
}

func TestRemoveMemberDeletesACLRow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := Create(ctx, st, "group-3", "acct-owner"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := AddMember(ctx, st, "group-3", "acct-member", "dev-1", "member"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := RemoveMember(ctx, st, "group-3", "acct-member", "dev-1"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	members, _, err := Get(ctx, st, "group-3")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected only the owner row left, got %d", len(members))
	}
}

func TestGetReturnsNotFoundForUnknownGroup(t *testing.T) {
	st := newTestStore(t)
	_, found, err := Get(context.Background(), st, "group-none")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatal("expected not found")
	}
}
