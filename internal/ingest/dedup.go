package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// DefaultDedupWindow is how long an identical (topic, payload) pair is treated as a redelivery.
const DefaultDedupWindow = 5 * time.Second

const defaultDedupMax = 10000

// Deduper remembers recently seen messages.
type Deduper struct {
	seen   map[string]time.Time
	now    func() time.Time
	window time.Duration
	max    int
	mu     sync.Mutex
}

// NewDeduper creates a Deduper. A non-positive window disables deduplication.
func NewDeduper(window time.Duration, now func() time.Time) *Deduper {
	if now == nil {
		now = time.Now
	}
	return &Deduper{
		seen:   make(map[string]time.Time),
		now:    now,
		window: window,
		max:    defaultDedupMax,
	}
}

// Key fingerprints a message.
func Key(topic string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(topic))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Seen reports whether key was already seen inside the window and records it otherwise.
func (d *Deduper) Seen(key string) bool {
	if d == nil || d.window <= 0 {
		return false
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return true
	}
	d.seen[key] = now.Add(d.window)
	if len(d.seen) > d.max {
		for k, exp := range d.seen {
			if !now.Before(exp) {
				delete(d.seen, k)
			}
		}
	}
	return false
}

// Forget drops key so a redelivery of a failed message is processed again.
func (d *Deduper) Forget(key string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
}

// Len returns the number of remembered keys.
func (d *Deduper) Len() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
