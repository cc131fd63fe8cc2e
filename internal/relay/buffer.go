package relay

import (
	"encoding/json"
	"time"

	"screenrelay/internal/metrics"
)

// bufferEntry is one parked frame awaiting an audience.
type bufferEntry struct {
	payload    json.RawMessage
	senderID   string
	insertedAt time.Time
}

// frameBuffer is a bounded FIFO with TTL expiry. Entries past their TTL are
// never delivered; a periodic sweep removes them, and delivery paths filter
// them out independently of the sweep. Not safe for concurrent use — only the
// engine goroutine touches it.
type frameBuffer struct {
	name     string
	capacity int
	ttl      time.Duration
	entries  []bufferEntry
}

func newFrameBuffer(name string, capacity int, ttl time.Duration) *frameBuffer {
	return &frameBuffer{
		name:     name,
		capacity: capacity,
		ttl:      ttl,
	}
}

// push appends an entry, evicting the single oldest one first when the buffer
// is at capacity. Returns true if an entry was evicted.
func (b *frameBuffer) push(now time.Time, payload json.RawMessage, senderID string) bool {
	evicted := false
	if len(b.entries) >= b.capacity {
		b.entries = b.entries[1:]
		evicted = true
		metrics.BufferEvictions.WithLabelValues(b.name, "overflow").Inc()
	}
	b.entries = append(b.entries, bufferEntry{
		payload:    payload,
		senderID:   senderID,
		insertedAt: now,
	})
	metrics.BufferedFrames.WithLabelValues(b.name).Set(float64(len(b.entries)))
	return evicted
}

// expire removes every entry whose age meets or exceeds the TTL and returns
// the number removed. Entries are in insertion order, so expiry only ever
// trims a prefix.
func (b *frameBuffer) expire(now time.Time) int {
	cutoff := 0
	for cutoff < len(b.entries) && now.Sub(b.entries[cutoff].insertedAt) >= b.ttl {
		cutoff++
	}
	if cutoff > 0 {
		b.entries = append([]bufferEntry(nil), b.entries[cutoff:]...)
		metrics.BufferEvictions.WithLabelValues(b.name, "expired").Add(float64(cutoff))
		metrics.BufferedFrames.WithLabelValues(b.name).Set(float64(len(b.entries)))
	}
	return cutoff
}

// live returns a snapshot of the non-expired entries in insertion order
// without modifying the buffer.
func (b *frameBuffer) live(now time.Time) []bufferEntry {
	var out []bufferEntry
	for _, e := range b.entries {
		if now.Sub(e.insertedAt) < b.ttl {
			out = append(out, e)
		}
	}
	return out
}

// drain returns the non-expired entries in insertion order and empties the
// buffer unconditionally, expired entries included. Only the undelivered
// remainder counts as evicted.
func (b *frameBuffer) drain(now time.Time) []bufferEntry {
	out := b.live(now)
	if dropped := len(b.entries) - len(out); dropped > 0 {
		metrics.BufferEvictions.WithLabelValues(b.name, "expired").Add(float64(dropped))
	}
	b.entries = nil
	metrics.BufferedFrames.WithLabelValues(b.name).Set(0)
	return out
}

// clearAfterFlush empties the buffer unconditionally once a paced flush has
// run its course. Entries beyond the delivered snapshot (arrivals during the
// flush window) are silently dropped.
func (b *frameBuffer) clearAfterFlush(delivered int) {
	if dropped := len(b.entries) - delivered; dropped > 0 {
		metrics.BufferEvictions.WithLabelValues(b.name, "flush_clear").Add(float64(dropped))
	}
	b.entries = nil
	metrics.BufferedFrames.WithLabelValues(b.name).Set(0)
}

func (b *frameBuffer) len() int {
	return len(b.entries)
}
