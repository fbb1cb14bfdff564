package norm

import (
	"strings"
	"testing"
)

func TestAccountDigest(t *testing.T) {
	in := "a1b2-c3d4 e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0c1d2e3f4a5b6c7d8e9f0a1b2"
	got, ok := AccountDigest(in)
	if !ok {
		t.Fatalf("expected valid digest")
	}
	if len(got) != 64 {
		t.Fatalf("expected 64 chars, got %d: %q", len(got), got)
	}
	if strings.ToUpper(got) != got {
		t.Fatalf("expected uppercase output, got %q", got)
	}

	if _, ok := AccountDigest("too-short"); ok {
		t.Fatal("expected short digest to be invalid")
	}
}

func TestConversationID(t *testing.T) {
	cases := map[string]bool{
		"conv-aaaa-bbbb": true,
		"short":          false,
		"has space here": false,
		"":                false,
	}
	for in, want := range cases {
		_, ok := ConversationID(in)
		if ok != want {
			t.Fatalf("ConversationID(%q) = %v, want %v", in, ok, want)
		}
	}
}

func TestMessageID(t *testing.T) {
	if _, ok := MessageID("short"); ok {
		t.Fatal("expected too-short id to be rejected")
	}
	if _, ok := MessageID("this-is-a-fine-message-id"); !ok {
		t.Fatal("expected valid id to be accepted")
	}
}

func TestUID(t *testing.T) {
	if _, ok := UID("A1B2C3D4E5F6A7"); !ok {
		t.Fatal("expected 14-char hex UID to be valid")
	}
	if _, ok := UID("nothex12345678"); ok {
		t.Fatal("expected non-hex UID to be rejected")
	}
}

func TestBase64URLOrNull(t *testing.T) {
	b, ok := Base64URLOrNull("aGVsbG8")
	if !ok || string(b) != "hello" {
		t.Fatalf("expected decode of hello, got %q ok=%v", b, ok)
	}
	if _, ok := Base64URLOrNull("not base64!!"); ok {
		t.Fatal("expected structural error to return false")
	}
	if _, ok := Base64URLOrNull(""); ok {
		t.Fatal("expected empty string to return false")
	}
}

func TestExactKeySet(t *testing.T) {
	body := map[string]any{"invite_id": "x", "device_id": "y"}
	if !ExactKeySet(body, "invite_id", "device_id") {
		t.Fatal("expected exact match to pass")
	}
	if ExactKeySet(body, "invite_id", "device_id", "extra") {
		t.Fatal("expected allowed set larger than body to fail exact match")
	}
	bodyWithAlias := map[string]any{"invite_id": "x", "inviteId": "x"}
	if ExactKeySet(bodyWithAlias, "invite_id") {
		t.Fatal("expected alias field to be rejected")
	}
}
