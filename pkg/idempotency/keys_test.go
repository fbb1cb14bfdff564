package idempotency

import "testing"

func TestBuildKeyIsDeterministicRegardlessOfPartOrderWithinAMap(t *testing.T) {
	k1, err := BuildKeyFromMap("acct-a", "send", map[string]any{"conversation_id": "c1", "counter": 3})
	if err != nil {
		t.Fatalf("BuildKeyFromMap: %v", err)
	}
	k2, err := BuildKeyFromMap("acct-a", "send", map[string]any{"counter": 3, "conversation_id": "c1"})
	if err != nil {
		t.Fatalf("BuildKeyFromMap: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("expected identical keys regardless of map order, got %s vs %s", k1, k2)
	}
}

func TestBuildKeyDiffersOnDifferentParts(t *testing.T) {
	k1, err := BuildKey("acct-a", "send", "c1", 3)
	if err != nil {
		t.Fatalf("BuildKey: %v", err)
	}
	k2, err := BuildKey("acct-a", "send", "c1", 4)
	if err != nil {
		t.Fatalf("BuildKey: %v", err)
	}
	if k1 == k2 {
		t.Fatal("expected different keys for different parts")
	}
}

func TestBuildKeyRejectsInvalidScope(t *testing.T) {
	if _, err := BuildKey("acct-a", "", "x"); err != ErrInvalidScope {
		t.Fatalf("expected ErrInvalidScope, got %v", err)
	}
	if _, err := BuildKey("acct-a", "has.dot", "x"); err != ErrInvalidScope {
		t.Fatalf("expected ErrInvalidScope for scope with '.', got %v", err)
	}
}

func TestParseKeyRoundTrip(t *testing.T) {
	key, err := BuildKey("acct-a", "send", "c1", 3)
	if err != nil {
		t.Fatalf("BuildKey: %v", err)
	}
	parts, err := ParseKey(key)
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if parts.Version != KeyVersion || parts.Scope != "send" {
		t.Fatalf("unexpected parts: %+v", parts)
	}
}

func TestParseKeyRejectsMalformedInput(t *testing.T) {
	if _, err := ParseKey("not-a-valid-key"); err != ErrInvalidKey {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestNormalizeTenantFallsBackToLocalWhenEmpty(t *testing.T) {
	k1, err := BuildKey("", "send", "c1")
	if err != nil {
		t.Fatalf("BuildKey: %v", err)
	}
	k2, err := BuildKey("local", "send", "c1")
	if err != nil {
		t.Fatalf("BuildKey: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("expected empty tenant to normalize to 'local', got %s vs %s", k1, k2)
	}
}
