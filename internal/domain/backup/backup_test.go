package backup

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

func TestPutAssignsSequentialVersions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first, err := Put(ctx, st, Write{AccountDigest: "acct-a", PayloadJSON: `{"meta":{"withDrState":1}}`})
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("expected version 1, got %d", first.Version)
	}

	second, err := Put(ctx, st, Write{AccountDigest: "acct-a", PayloadJSON: `{"meta":{"withDrState":2}}`})
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("expected version 2, got %d", second.Version)
	}
}

func TestPutRejectsWithDrStateRegression(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := Put(ctx, st, Write{AccountDigest: "acct-a", PayloadJSON: `{"meta":{"withDrState":10}}`}); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	_, err := Put(ctx, st, Write{AccountDigest: "acct-a", PayloadJSON: `{"meta":{"withDrState":5}}`})
	if err != ErrRegression {
		t.Fatalf("expected ErrRegression, got %v", err)
	}
}

func TestPutTrimsToRetainN(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= RetainN+3; i++ {
		if _, err := Put(ctx, st, Write{AccountDigest: "acct-trim", PayloadJSON: `{}`}); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	rows, err := List(ctx, st, "acct-trim", RetainN+10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != RetainN {
		t.Fatalf("expected %d retained rows, got %d", RetainN, len(rows))
	}
}

func TestByVersionReturnsNotFound(t *testing.T) {
	st := newTestStore(t)
	_, found, err := ByVersion(context.Background(), st, "acct-none", 99)
	if err != nil {
		t.Fatalf("ByVersion: %v", err)
	}
	if found {
		t.Fatal("expected not found")
	}
}
