package messagestatus

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

func TestSetStateRejectsUnknownState(t *testing.T) {
	st := newTestStore(t)
	_, err := SetState(context.Background(), st, "msg-1", "conv-1", "viewer-a", State("bogus"))
	if err != ErrUnknownState {
		t.Fatalf("expected ErrUnknownState, got %v", err)
	}
}

func TestSetStateAdvancesRank(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	row, err := SetState(ctx, st, "msg-1", "conv-1", "viewer-a", StateSent)
	if err != nil {
		t.Fatalf("SetState sent: %v", err)
	}
	if row.State != StateSent {
		t.Fatalf("expected state sent, got %s", row.State)
	}

	row, err = SetState(ctx, st, "msg-1", "conv-1", "viewer-a", StateDelivered)
	if err != nil {
		t.Fatalf("SetState delivered: %v", err)
	}
	if row.State != StateDelivered {
		t.Fatalf("expected state delivered, got %s", row.State)
	}
}

func TestSetStateNeverRegresses(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := SetState(ctx, st, "msg-1", "conv-1", "viewer-a", StateRead); err != nil {
		t.Fatalf("SetState read: %v", err)
	}
	row, err := SetState(ctx, st, "msg-1", "conv-1", "viewer-a", StateSent)
	if err != nil {
		t.Fatalf("SetState sent after read: %v", err)
	}
	if row.State != StateRead {
		t.Fatalf("expected state to remain read, got %s", row.State)
	}
}

func TestOutgoingStatusOrdersByViewerDigest(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := SetState(ctx, st, "msg-1", "conv-1", "viewer-b", StateDelivered); err != nil {
		t.Fatalf("SetState viewer-b: %v", err)
	}
	if _, err := SetState(ctx, st, "msg-1", "conv-1", "viewer-a", StateSent); err != nil {
		t.Fatalf("SetState viewer-a: %v", err)
	}

	rows, err := OutgoingStatus(ctx, st, "msg-1")
	if err != nil {
		t.Fatalf("OutgoingStatus: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].ViewerDigest != "viewer-a" || rows[1].ViewerDigest != "viewer-b" {
		t.Fatalf("expected ascending viewer_digest order, got %s, %s", rows[0].ViewerDigest, rows[1].ViewerDigest)
	}
}

func TestOutgoingStatusReturnsEmptyForUnknownMessage(t *testing.T) {
	st := newTestStore(t)
	rows, err := OutgoingStatus(context.Background(), st, "msg-none")
	if err != nil {
		t.Fatalf("OutgoingStatus: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
}
