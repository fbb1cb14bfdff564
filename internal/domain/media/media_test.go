package media

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

func TestRecordUsageAccumulatesBytes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := RecordUsage(ctx, st, "acct-a", "obj-1", 100); err != nil {
		t.Fatalf("first RecordUsage: %v", err)
	}
	if err := RecordUsage(ctx, st, "acct-a", "obj-1", 50); err != nil {
		t.Fatalf("second RecordUsage: %v", err)
	}

	rows, err := Usage(ctx, st, "acct-a")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 object key row, got %d", len(rows))
	}
	if rows[0].Bytes != 150 {
		t.Fatalf("expected accumulated 150 bytes, got %d", rows[0].Bytes)
	}
}

func TestUsageReturnsEmptyForUnknownAccount(t *testing.T) {
	st := newTestStore(t)
	rows, err := Usage(context.Background(), st, "acct-none")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
}
