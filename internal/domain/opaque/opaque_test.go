package opaque

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

func TestStoreThenFetchRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := Store(ctx, st, "acct-a", KindOpaqueRecord, `{"record":"abc"}`); err != nil {
		t.Fatalf("Store: %v", err)
	}
	blob, found, err := Fetch(ctx, st, "acct-a", KindOpaqueRecord)
	if err != nil || !found {
		t.Fatalf("Fetch: found=%v err=%v", found, err)
	}
	if blob != `{"record":"abc"}` {
		t.Fatalf("expected stored blob, got %s", blob)
	}
}

func TestStoreOverwritesExistingBlobForSameKind(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := Store(ctx, st, "acct-a", KindDeviceKeys, `{"v":1}`); err != nil {
		t.Fatalf("first Store: %v", err)
	}
	if err := Store(ctx, st, "acct-a", KindDeviceKeys, `{"v":2}`); err != nil {
		t.Fatalf("second Store: %v", err)
	}
	blob, found, err := Fetch(ctx, st, "acct-a", KindDeviceKeys)
	if err != nil || !found {
		t.Fatalf("Fetch: found=%v err=%v", found, err)
	}
	if blob != `{"v":2}` {
		t.Fatalf("expected overwritten blob, got %s", blob)
	}
}

func TestKindsAreStoredIndependently(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := Store(ctx, st, "acct-a", KindOpaqueRecord, `{"kind":"opaque"}`); err != nil {
		t.Fatalf("Store opaque: %v", err)
	}
	if err := Store(ctx, st, "acct-a", KindDeviceKeys, `{"kind":"devkeys"}`); err != nil {
		t.Fatalf("Store devkeys: %v", err)
	}

	opaqueBlob, found, err := Fetch(ctx, st, "acct-a", KindOpaqueRecord)
	if err != nil || !found {
		t.Fatalf("Fetch opaque: found=%v err=%v", found, err)
	}
	if opaqueBlob != `{"kind":"opaque"}` {
		t.Fatalf("expected opaque blob unaffected by devkeys write, got %s", opaqueBlob)
	}

	devBlob, found, err := Fetch(ctx, st, "acct-a", KindDeviceKeys)
	if err != nil || !found {
		t.Fatalf("Fetch devkeys: found=%v err=%v", found, err)
	}
	if devBlob != `{"kind":"devkeys"}` {
		t.Fatalf("expected devkeys blob unaffected by opaque write, got %s", devBlob)
	}
}

func TestFetchReturnsNotFoundForUnknownAccountOrKind(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, found, err := Fetch(ctx, st, "acct-none", KindOpaqueRecord); err != nil || found {
		t.Fatalf("expected not found for unknown account: found=%v err=%v", found, err)
	}

	if err := Store(ctx, st, "acct-b", KindOpaqueRecord, `{"x":1}`); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, found, err := Fetch(ctx, st, "acct-b", KindDeviceKeys); err != nil || found {
		t.Fatalf("expected not found for unfetched kind: found=%v err=%v", found, err)
	}
}
