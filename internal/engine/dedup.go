package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"deptnotify/internal/model"
	"deptnotify/internal/storage"
)

// Dedup remembers recently delivered (identity, table, id, updated_at,
// category) tuples so an inclusive window does not surface the same change
// twice. Entries expire after the window; the set is capped at max entries,
// evicting the earliest expiry first. With a store, entries survive restarts.
type Dedup struct {
	window time.Duration
	max    int
	store  storage.Store
	now    func() time.Time

	mu sync.Mutex
	m  map[string]time.Time
}

func NewDedup(window time.Duration, max int, store storage.Store) *Dedup {
	if max <= 0 {
		max = 2000
	}
	return &Dedup{window: window, max: max, store: store, now: time.Now, m: map[string]time.Time{}}
}

func dedupKey(identity string, ev model.ChangeEvent, c model.Category) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%s|%s|%d|%s", identity, ev.Table, ev.ID, ev.Timestamp().UnixNano(), c)
	return fmt.Sprintf("engine:%x", h.Sum64())
}

// Allow reports whether key was not delivered within the window and, if so,
// records it.
func (d *Dedup) Allow(ctx context.Context, key string) bool {
	if d == nil || d.window <= 0 {
		return true
	}
	now := d.now()

	d.mu.Lock()
	if until, ok := d.m[key]; ok && now.Before(until) {
		d.mu.Unlock()
		return false
	}
	d.mu.Unlock()

	if d.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := d.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			d.mu.Lock()
			d.m[key] = until
			d.mu.Unlock()
			return false
		}
	}

	until := now.Add(d.window)
	d.mu.Lock()
	d.m[key] = until
	for k, u := range d.m {
		if !now.Before(u) {
			delete(d.m, k)
		}
	}
	for len(d.m) > d.max {
		var (
			minKey string
			minT   time.Time
		)
		for k, u := range d.m {
			if minKey == "" || u.Before(minT) {
				minKey, minT = k, u
			}
		}
		delete(d.m, minKey)
	}
	d.mu.Unlock()

	if d.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		_ = d.store.PutDedup(cctx, key, until)
		cancel()
	}
	return true
}

func (d *Dedup) Len() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.m)
}
