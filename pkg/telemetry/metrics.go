package telemetry

import "sync"

// Counters is a small in-process counter registry for operational visibility
// (requests per route, batch retries, purge rows deleted). d1plane has no
// metrics-exporter dependency in its stack, so this stays a plain map rather
// than adopting a client library the rest of the pack never declares.
type Counters struct {
	mu   sync.Mutex
	vals map[string]int64
}

// NewCounters returns an empty, ready-to-use Counters.
func NewCounters() *Counters {
	return &Counters{vals: make(map[string]int64)}
}

// Add increments name by delta, creating it at 0 first if unseen.
func (c *Counters) Add(name string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals[name] += delta
}

// Inc increments name by 1.
func (c *Counters) Inc(name string) { c.Add(name, 1) }

// Snapshot returns a copy of all counters for a diagnostics endpoint.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.vals))
	for k, v := range c.vals {
		out[k] = v
	}
	return out
}
