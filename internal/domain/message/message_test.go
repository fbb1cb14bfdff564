package message

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

func header(deviceID string, n int64) string {
	return `{"device_id":"` + deviceID + `","v":1,"iv_b64":"aXY=","n":` + itoa(n) + `}`
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestAppendRejectsHeaderMismatch(t *testing.T) {
	st := newTestStore(t)
	in := Insert{
		ID: "msg-1", ConversationID: "conv-1",
		SenderAccountDigest: "acct-a", SenderDeviceID: "dev-a",
		HeaderJSON: header("dev-wrong", 1), CiphertextB64: "Y3Q=", Counter: 1,
	}
	if _, err := Append(context.Background(), st, in); err != ErrHeaderMismatch {
		t.Fatalf("expected ErrHeaderMismatch, got %v", err)
	}
}

func TestAppendEnforcesMonotonicCounter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := Insert{
		ConversationID: "conv-1", SenderAccountDigest: "acct-a", SenderDeviceID: "dev-a",
		CiphertextB64: "Y3Q=",
	}

	first := base
	first.ID, first.Counter, first.HeaderJSON = "msg-1", 5, header("dev-a", 5)
	if _, err := Append(ctx, st, first); err != nil {
		t.Fatalf("first append: %v", err)
	}

	replay := base
	replay.ID, replay.Counter, replay.HeaderJSON = "msg-2", 5, header("dev-a", 5)
	_, err := Append(ctx, st, replay)
	var tooLow *ErrCounterTooLow
	if err == nil {
		t.Fatal("expected ErrCounterTooLow")
	}
	if !asCounterTooLow(err, &tooLow) {
		t.Fatalf("expected ErrCounterTooLow, got %v", err)
	}
	if tooLow.MaxCounter != 5 {
		t.Fatalf("expected max counter 5, got %d", tooLow.MaxCounter)
	}
}

func asCounterTooLow(err error, target **ErrCounterTooLow) bool {
	e, ok := err.(*ErrCounterTooLow)
	if !ok {
		return false
	}
	*target = e
	return true
}

func TestAppendIsIdempotentOnDuplicateID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	in := Insert{
		ID: "msg-dup", ConversationID: "conv-1",
		SenderAccountDigest: "acct-a", SenderDeviceID: "dev-a",
		HeaderJSON: header("dev-a", 1), CiphertextB64: "Y3Q=", Counter: 1,
	}
	first, err := Append(ctx, st, in)
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	if !first.Created {
		t.Fatal("expected first append to report Created")
	}

	second, err := Append(ctx, st, in)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if second.Created {
		t.Fatal("expected replay to report not Created")
	}
	if second.CreatedAt != first.CreatedAt {
		t.Fatalf("expected replay to preserve original created_at, got %d vs %d", second.CreatedAt, first.CreatedAt)
	}
}

func TestListFiltersByVisibility(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i, msgType := range []string{"text", "system-internal", "media"} {
		counter := int64(i + 1)
		h := `{"device_id":"dev-a","v":1,"iv_b64":"aXY=","n":` + itoa(counter) + `,"meta":{"msgType":"` + msgType + `"}}`
		in := Insert{
			ID: "msg-" + itoa(counter), ConversationID: "conv-list",
			SenderAccountDigest: "acct-a", SenderDeviceID: "dev-a",
			HeaderJSON: h, CiphertextB64: "Y3Q=", Counter: counter,
		}
		if _, err := Append(ctx, st, in); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	rows, err := List(ctx, st, "conv-list", "", 10, Cursor{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	// "system-internal" is not in VisibleMsgTypes, so only 2 of 3 rows surface.
	if len(rows) != 2 {
		t.Fatalf("expected 2 visible rows, got %d", len(rows))
	}
}

func TestByCounterReturnsNotFound(t *testing.T) {
	st := newTestStore(t)
	_, found, err := ByCounter(context.Background(), st, "conv-none", "acct-a", "dev-a", 1)
	if err != nil {
		t.Fatalf("ByCounter: %v", err)
	}
	if found {
		t.Fatal("expected not found")
	}
}

func TestDeleteConversationRemovesAllRows(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	in := Insert{
		ID: "msg-del", ConversationID: "conv-del",
		SenderAccountDigest: "acct-a", SenderDeviceID: "dev-a",
		HeaderJSON: header("dev-a", 1), CiphertextB64: "Y3Q=", Counter: 1,
	}
	if _, err := Append(ctx, st, in); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := DeleteConversation(ctx, st, "conv-del"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	_, found, err := ByCounter(ctx, st, "conv-del", "acct-a", "dev-a", 1)
	if err != nil {
		t.Fatalf("ByCounter: %v", err)
	}
	if found {
		t.Fatal("expected message to be gone after DeleteConversation")
	}
}
