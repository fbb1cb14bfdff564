package token

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

func TestRedeemExtendsSubscriptionAndMarksTokenUsed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	res, err := Redeem(ctx, st, Redemption{Digest: "acct-a", TokenID: "tok-1", ExtendDays: 30})
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.ExpiresAt <= 0 {
		t.Fatal("expected a positive expiry")
	}

	expiresAt, found, err := SubscriptionStatus(ctx, st, "acct-a")
	if err != nil || !found {
		t.Fatalf("SubscriptionStatus: found=%v err=%v", found, err)
	}
	if expiresAt != res.ExpiresAt {
		t.Fatalf("expected subscription expiry %d, got %d", res.ExpiresAt, expiresAt)
	}
}

func TestRedeemRejectsDoubleSpend(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := Redeem(ctx, st, Redemption{Digest: "acct-a", TokenID: "tok-used", ExtendDays: 30}); err != nil {
		t.Fatalf("first Redeem: %v", err)
	}
	_, err := Redeem(ctx, st, Redemption{Digest: "acct-b", TokenID: "tok-used", ExtendDays: 30})
	used, ok := err.(*ErrUsed)
	if !ok {
		t.Fatalf("expected *ErrUsed, got %v", err)
	}
	if used.UsedAt <= 0 {
		t.Fatal("expected a populated UsedAt")
	}
}

func TestPreviewDoesNotWrite(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	res, err := Preview(ctx, st, "acct-preview", 10)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if res.ExpiresAt <= 0 {
		t.Fatal("expected a positive prospective expiry")
	}
	_, found, err := SubscriptionStatus(ctx, st, "acct-preview")
	if err != nil {
		t.Fatalf("SubscriptionStatus: %v", err)
	}
	if found {
		t.Fatal("expected Preview to not create a subscription row")
	}
}

func TestTokenStatusReturnsNotFound(t *testing.T) {
	st := newTestStore(t)
	_, found, err := TokenStatus(context.Background(), st, "tok-none")
	if err != nil {
		t.Fatalf("TokenStatus: %v", err)
	}
	if found {
		t.Fatal("expected not found")
	}
}
