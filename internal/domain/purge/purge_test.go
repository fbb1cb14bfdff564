package purge

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sentry-messenger/d1plane/internal/domain/account"
	"github.com/sentry-messenger/d1plane/internal/domain/device"
	"github.com/sentry-messenger/d1plane/internal/store"
)

const testHMACKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"

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

func TestRunDryRunReportsButDoesNotDelete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	resolver, err := account.New(st, testHMACKey, 32)
	if err != nil {
		t.Fatalf("account.New: %v", err)
	}
	acc, _, err := resolver.Resolve(ctx, "uid-purge", "", "", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := device.Upsert(ctx, st, acc.AccountDigest, "dev-a", ""); err != nil {
		t.Fatalf("device.Upsert: %v", err)
	}

	plan := Run(ctx, st, acc.AccountDigest, true)
	if !plan.DryRun {
		t.Fatal("expected DryRun true")
	}

	var deviceResult *TableResult
	for i := range plan.Tables {
		if plan.Tables[i].Table == "devices" {
			deviceResult = &plan.Tables[i]
		}
	}
	if deviceResult == nil || deviceResult.RowsAffected != 1 {
		t.Fatalf("expected devices table to report 1 row, got %+v", deviceResult)
	}

	if _, found, err := device.Check(ctx, st, acc.AccountDigest, "dev-a"); err != nil || !found {
		t.Fatalf("expected device row to survive a dry run: found=%v err=%v", found, err)
	}
}

func TestRunLiveDeletesAccountAndDependents(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	resolver, err := account.New(st, testHMACKey, 32)
	if err != nil {
		t.Fatalf("account.New: %v", err)
	}
	acc, _, err := resolver.Resolve(ctx, "uid-purge-live", "", "", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := device.Upsert(ctx, st, acc.AccountDigest, "dev-a", ""); err != nil {
		t.Fatalf("device.Upsert: %v", err)
	}

	plan := Run(ctx, st, acc.AccountDigest, false)
	if plan.DryRun {
		t.Fatal("expected DryRun false")
	}

	if _, found, err := device.Check(ctx, st, acc.AccountDigest, "dev-a"); err != nil || found {
		t.Fatalf("expected device row gone after live purge: found=%v err=%v", found, err)
	}
	if _, found, err := resolver.Evidence(ctx, acc.AccountDigest); err != nil || found {
		t.Fatalf("expected account row gone after live purge: found=%v err=%v", found, err)
	}
}
