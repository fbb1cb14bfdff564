package call

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

func TestUpsertSessionThenGetRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := UpsertSession(ctx, st, "call-1", "conv-1", `{"state":"ringing"}`, 9999999999); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	session, found, err := GetSession(ctx, st, "call-1")
	if err != nil || !found {
		t.Fatalf("GetSession: found=%v err=%v", found, err)
	}
	if session.StateJSON != `{"state":"ringing"}` {
		t.Fatalf("expected stored state, got %s", session.StateJSON)
	}

	if err := UpsertSession(ctx, st, "call-1", "conv-1", `{"state":"active"}`, 9999999999); err != nil {
		t.Fatalf("refresh UpsertSession: %v", err)
	}
	session, found, err = GetSession(ctx, st, "call-1")
	if err != nil || !found {
		t.Fatalf("GetSession after refresh: found=%v err=%v", found, err)
	}
	if session.StateJSON != `{"state":"active"}` {
		t.Fatalf("expected refreshed state, got %s", session.StateJSON)
	}
}

func TestAppendEventThenListEventsOrdersAscending(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := UpsertSession(ctx, st, "call-2", "conv-1", `{}`, 9999999999); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := AppendEvent(ctx, st, "call-2", `{"type":"ice-candidate"}`); err != nil {
			t.Fatalf("AppendEvent %d: %v", i, err)
		}
	}
	events, err := ListEvents(ctx, st, "call-2")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Fatal("expected ascending id order")
		}
	}
}

func TestGetSessionReturnsNotFound(t *testing.T) {
	st := newTestStore(t)
	_, found, err := GetSession(context.Background(), st, "call-none")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if found {
		t.Fatal("expected not found")
	}
}
