// Package keypool rotates through a comma-separated credential pool so that
// successive requests spread load across keys. Rotation is advisory: two
// concurrent requests may pick the same key, which is acceptable because the
// purpose is load spreading, not mutual exclusion.
package keypool

import (
	"strings"
	"sync"
	"time"
)

// markerTTL is how long the last-used marker stays valid. A session idle for
// longer restarts rotation from the first credential.
const markerTTL = 60 * time.Second

// Rotator tracks the last credential handed out. The zero value is not
// usable; construct with New or NewWithClock.
type Rotator struct {
	mu     sync.Mutex
	last   string
	usedAt time.Time
	now    func() time.Time
}

// New returns a Rotator backed by the real clock.
func New() *Rotator {
	return NewWithClock(time.Now)
}

// NewWithClock returns a Rotator with a caller-supplied clock, so expiry is
// testable without real timers.
func NewWithClock(now func() time.Time) *Rotator {
	return &Rotator{now: now}
}

// Next selects the next credential from pool, a comma-separated key list.
// Selection is round-robin from the previously used key; an expired or
// missing marker, or a changed pool, restarts from the first key. An empty
// pool yields the empty string so the caller can substitute a server-side
// trial credential.
func (r *Rotator) Next(pool string) string {
	keys := splitPool(pool)
	if len(keys) == 0 {
		return ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	next := 0
	if r.last != "" && now.Sub(r.usedAt) < markerTTL {
		if idx := indexOf(keys, r.last); idx >= 0 && idx+1 < len(keys) {
			next = idx + 1
		}
	}

	// A fresh timer replaces any prior pending expiry: last write wins.
	r.last = keys[next]
	r.usedAt = now
	return keys[next]
}

func splitPool(pool string) []string {
	parts := strings.Split(pool, ",")
	keys := make([]string, 0, len(parts))
	for _, part := range parts {
		if key := strings.TrimSpace(part); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

func indexOf(keys []string, key string) int {
	for i, k := range keys {
		if k == key {
			return i
		}
	}
	return -1
}
