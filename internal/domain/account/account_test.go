package account

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sentry-messenger/d1plane/internal/store"
)

const testHMACKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"

func newTestResolver(t *testing.T) *Resolver {
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
	r, err := New(s, testHMACKey, 32)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestResolveCreatesAccountOnFirstContact(t *testing.T) {
	r := newTestResolver(t)
	acc, created, err := r.Resolve(context.Background(), "uid-alice", "", "", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !created {
		t.Fatal("expected account to be created")
	}
	if acc.AccountDigest == "" || acc.AccountToken == "" {
		t.Fatal("expected a populated digest and token")
	}
}

func TestResolveReturnsNotFoundWithoutCreate(t *testing.T) {
	r := newTestResolver(t)
	_, _, err := r.Resolve(context.Background(), "uid-nobody", "", "", false)
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveRejectsTokenMismatch(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()
	acc, _, err := r.Resolve(ctx, "uid-bob", "", "", true)
	if err != nil {
		t.Fatalf("Resolve (create): %v", err)
	}
	_, _, err = r.Resolve(ctx, "", "wrong-token", acc.AccountDigest, false)
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on token mismatch, got %v", err)
	}
}

func TestCheckAndAdvanceEnforcesStrictMonotonic(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()
	acc, _, err := r.Resolve(ctx, "uid-carol", "", "", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if err := r.CheckAndAdvance(ctx, acc.AccountDigest, 5, false); err != nil {
		t.Fatalf("first CheckAndAdvance: %v", err)
	}
	if err := r.CheckAndAdvance(ctx, acc.AccountDigest, 5, false); err != ErrReplay {
		t.Fatalf("expected ErrReplay on non-increasing ctr, got %v", err)
	}
	if err := r.CheckAndAdvance(ctx, acc.AccountDigest, 6, false); err != nil {
		t.Fatalf("expected increasing ctr to succeed, got %v", err)
	}
}

func TestEvidenceReflectsDeviceCount(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()
	acc, _, err := r.Resolve(ctx, "uid-dave", "", "", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	ev, found, err := r.Evidence(ctx, acc.AccountDigest)
	if err != nil || !found {
		t.Fatalf("Evidence: found=%v err=%v", found, err)
	}
	if ev.DeviceCount != 0 {
		t.Fatalf("expected 0 devices, got %d", ev.DeviceCount)
	}
	if ev.AccountDigest != acc.AccountDigest {
		t.Fatalf("expected digest %s, got %s", acc.AccountDigest, ev.AccountDigest)
	}
}
