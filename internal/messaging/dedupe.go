package messaging

import (
	"context"
	"sync"
	"time"
)

// Deduper remembers inbound message ids. FirstSeen is true only for the first
// delivery of an id within the retention window.
type Deduper interface {
	FirstSeen(ctx context.Context, messageID string) (bool, error)
}

// MemoryDeduper is the single-process Deduper used when Redis is not
// configured.
type MemoryDeduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[string]time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

func (d *MemoryDeduper) FirstSeen(_ context.Context, messageID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for id, expires := range d.seen {
		if !now.Before(expires) {
			delete(d.seen, id)
		}
	}
	if _, ok := d.seen[messageID]; ok {
		return false, nil
	}
	d.seen[messageID] = now.Add(d.ttl)
	return true, nil
}
