package device

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

func TestUpsertThenCheckRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := Upsert(ctx, st, "acct-a", "dev-a", "phone"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	row, found, err := Check(ctx, st, "acct-a", "dev-a")
	if err != nil || !found {
		t.Fatalf("Check: found=%v err=%v", found, err)
	}
	if row.Status != "active" {
		t.Fatalf("expected active status, got %s", row.Status)
	}
	if !row.Label.Valid || row.Label.String != "phone" {
		t.Fatalf("expected label 'phone', got %+v", row.Label)
	}
}

func TestUpsertPreservesLabelWhenOmitted(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := Upsert(ctx, st, "acct-a", "dev-a", "laptop"); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	if err := Upsert(ctx, st, "acct-a", "dev-a", ""); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	row, found, err := Check(ctx, st, "acct-a", "dev-a")
	if err != nil || !found {
		t.Fatalf("Check: found=%v err=%v", found, err)
	}
	if row.Label.String != "laptop" {
		t.Fatalf("expected label to survive an empty-label upsert, got %+v", row.Label)
	}
}

func TestCheckReturnsNotFound(t *testing.T) {
	st := newTestStore(t)
	_, found, err := Check(context.Background(), st, "acct-none", "dev-none")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if found {
		t.Fatal("expected not found")
	}
}

func TestActiveListsOnlyActiveDevices(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := Upsert(ctx, st, "acct-a", "dev-1", ""); err != nil {
		t.Fatalf("Upsert dev-1: %v", err)
	}
	if err := Upsert(ctx, st, "acct-a", "dev-2", ""); err != nil {
		t.Fatalf("Upsert dev-2: %v", err)
	}

	rows, err := Active(ctx, st, "acct-a")
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 active devices, got %d", len(rows))
	}
}
