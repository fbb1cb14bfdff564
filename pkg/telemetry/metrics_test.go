package telemetry

import "testing"

func TestCountersIncAccumulates(t *testing.T) {
	c := NewCounters()
	c.Inc("requests.total")
	c.Inc("requests.total")
	c.Add("requests.total", 3)

	snap := c.Snapshot()
	if snap["requests.total"] != 5 {
		t.Fatalf("expected 5, got %d", snap["requests.total"])
	}
}

func TestCountersSnapshotIsACopy(t *testing.T) {
	c := NewCounters()
	c.Inc("x")
	snap := c.Snapshot()
	snap["x"] = 100
	if got := c.Snapshot()["x"]; got != 1 {
		t.Fatalf("expected snapshot mutation not to affect counters, got %d", got)
	}
}

func TestCountersUnseenNameStartsAtZero(t *testing.T) {
	c := NewCounters()
	snap := c.Snapshot()
	if _, ok := snap["never.incremented"]; ok {
		t.Fatal("expected unseen counter to be absent from snapshot")
	}
}
