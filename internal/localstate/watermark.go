// Package localstate keeps the per-device, per-identity state the delivery
// engine carries between cycles.
package localstate

import (
	"context"
	logx "deptnotify/pkg/logx"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"deptnotify/internal/storage"
)

type watermarkDoc struct {
	At time.Time `json:"at"`
}

// WatermarkStore persists one timestamp per identity under watermark:{id}.
// Advance never moves a watermark backwards.
type WatermarkStore struct {
	st  storage.Store
	log logx.Logger
	mu  sync.Mutex
}

func NewWatermarkStore(st storage.Store, log logx.Logger) *WatermarkStore {
	return &WatermarkStore{st: st, log: log.With(logx.String("comp", "watermark"))}
}

// Load returns the stored watermark, or def when none is stored or the
// stored value cannot be decoded.
func (s *WatermarkStore) Load(ctx context.Context, identity string, def time.Time) (time.Time, error) {
	b, ok, err := s.st.Get(ctx, storage.Key(storage.NSWatermark, identity))
	if err != nil {
		return def, fmt.Errorf("load watermark: %w", err)
	}
	if !ok {
		return def, nil
	}
	var doc watermarkDoc
	if err := json.Unmarshal(b, &doc); err != nil || doc.At.IsZero() {
		s.log.Warn("watermark unreadable; using default", logx.String("identity", identity), logx.Err(err))
		return def, nil
	}
	return doc.At, nil
}

// Advance stores at if it is not older than the current watermark and
// returns the watermark in effect afterwards.
func (s *WatermarkStore) Advance(ctx context.Context, identity string, at time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.Load(ctx, identity, time.Time{})
	if err != nil {
		return cur, err
	}
	if !cur.IsZero() && at.Before(cur) {
		return cur, nil
	}
	b, err := json.Marshal(watermarkDoc{At: at.UTC()})
	if err != nil {
		return cur, err
	}
	if err := s.st.Put(ctx, storage.Key(storage.NSWatermark, identity), b); err != nil {
		return cur, fmt.Errorf("store watermark: %w", err)
	}
	return at, nil
}
