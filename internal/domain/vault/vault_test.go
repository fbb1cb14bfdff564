package vault

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

const validEnvelope = `{"v":1,"aead":"aes-256-gcm","info":"message-key/v1","salt":"c2FsdA==","iv":"aXY=","ct":"Y3Q="}`

func wrapContext(convID, msgID, senderDev, targetDev, direction string) string {
	return `{"conversationId":"` + convID + `","messageId":"` + msgID + `","senderDeviceId":"` + senderDev +
		`","targetDeviceId":"` + targetDev + `","direction":"` + direction + `"}`
}

func TestValidateWrappedEnvelopeRejectsWrongAEAD(t *testing.T) {
	_, err := ValidateWrappedEnvelope(`{"v":1,"aead":"aes-128-gcm","info":"message-key/v1","salt":"s","iv":"i","ct":"c"}`)
	if err != ErrInvalidWrappedPayload {
		t.Fatalf("expected ErrInvalidWrappedPayload, got %v", err)
	}
}

func TestValidateWrapContextRejectsMismatch(t *testing.T) {
	expect := WrapContext{ConversationID: "conv-1", MessageID: "msg-1", SenderDeviceID: "dev-a", TargetDeviceID: "dev-b", Direction: "outgoing"}
	_, err := ValidateWrapContext(wrapContext("conv-1", "msg-1", "dev-a", "dev-WRONG", "outgoing"), expect)
	if err != ErrInvalidWrapContext {
		t.Fatalf("expected ErrInvalidWrapContext, got %v", err)
	}
}

func TestWriteRejectsInvalidWrappedPayload(t *testing.T) {
	st := newTestStore(t)
	p := Put{
		AccountDigest: "acct-a", ConversationID: "conv-1", MessageID: "msg-1",
		SenderDeviceID: "dev-a", TargetDeviceID: "dev-b", Direction: Outgoing,
		WrappedMKJSON:   `{"v":1,"aead":"wrong","info":"message-key/v1","salt":"s","iv":"i","ct":"c"}`,
		WrapContextJSON: wrapContext("conv-1", "msg-1", "dev-a", "dev-b", "outgoing"),
	}
	if err := Write(context.Background(), st, p); err != ErrInvalidWrappedPayload {
		t.Fatalf("expected ErrInvalidWrappedPayload, got %v", err)
	}
}

func TestWriteIsUpsertTolerantOfDuplicates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := Put{
		AccountDigest: "acct-a", ConversationID: "conv-1", MessageID: "msg-1",
		SenderDeviceID: "dev-a", TargetDeviceID: "dev-b", Direction: Outgoing,
		WrappedMKJSON:   validEnvelope,
		WrapContextJSON: wrapContext("conv-1", "msg-1", "dev-a", "dev-b", "outgoing"),
	}
	if err := Write(ctx, st, p); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := Write(ctx, st, p); err != nil {
		t.Fatalf("duplicate write should be tolerated, got: %v", err)
	}
	n, err := Count(ctx, st, "acct-a", "conv-1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 row after duplicate write, got %d", n)
	}
}

func TestByMessageIDAndByHeaderCounterRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	counter := int64(7)
	p := Put{
		AccountDigest: "acct-a", ConversationID: "conv-1", MessageID: "msg-1",
		SenderDeviceID: "dev-a", TargetDeviceID: "dev-b", Direction: Incoming,
		HeaderCounter: &counter,
		WrappedMKJSON: validEnvelope,
		WrapContextJSON: `{"conversationId":"conv-1","messageId":"msg-1","senderDeviceId":"dev-a",` +
			`"targetDeviceId":"dev-b","direction":"incoming","headerCounter":7}`,
	}
	if err := Write(ctx, st, p); err != nil {
		t.Fatalf("Write: %v", err)
	}

	row, found, err := ByMessageID(ctx, st, "acct-a", "conv-1", "msg-1", "dev-a")
	if err != nil || !found {
		t.Fatalf("ByMessageID: found=%v err=%v", found, err)
	}
	if !row.HeaderCounter.Valid || row.HeaderCounter.Int64 != 7 {
		t.Fatalf("expected header_counter 7, got %+v", row.HeaderCounter)
	}

	row2, found, err := ByHeaderCounter(ctx, st, "acct-a", "conv-1", 7)
	if err != nil || !found {
		t.Fatalf("ByHeaderCounter: found=%v err=%v", found, err)
	}
	if row2.MessageID != "msg-1" {
		t.Fatalf("expected msg-1, got %s", row2.MessageID)
	}
}

func TestLatestStateForReturnsNilWhenAbsent(t *testing.T) {
	st := newTestStore(t)
	state, err := LatestStateFor(context.Background(), st, "acct-none", "conv-none", "")
	if err != nil {
		t.Fatalf("LatestStateFor: %v", err)
	}
	if state.Outgoing != nil || state.Incoming != nil {
		t.Fatal("expected both outgoing and incoming nil for an unknown conversation")
	}
}

func TestDeleteRemovesRow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := Put{
		AccountDigest: "acct-a", ConversationID: "conv-1", MessageID: "msg-del",
		SenderDeviceID: "dev-a", TargetDeviceID: "dev-b", Direction: Outgoing,
		WrappedMKJSON:   validEnvelope,
		WrapContextJSON: wrapContext("conv-1", "msg-del", "dev-a", "dev-b", "outgoing"),
	}
	if err := Write(ctx, st, p); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := Delete(ctx, st, "acct-a", "conv-1", "msg-del", "dev-a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, found, err := ByMessageID(ctx, st, "acct-a", "conv-1", "msg-del", "dev-a")
	if err != nil {
		t.Fatalf("ByMessageID: %v", err)
	}
	if found {
		t.Fatal("expected row to be gone after Delete")
	}
}
