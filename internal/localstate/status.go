package localstate

import (
	"context"
	logx "deptnotify/pkg/logx"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"deptnotify/internal/storage"
)

// DefaultStatusEntries bounds how many rows one identity remembers.
const DefaultStatusEntries = 5000

type statusEntry struct {
	Status string    `json:"s"`
	Seen   time.Time `json:"t"`
}

// Statuses is the last status seen per row, keyed by "table:rowID".
// It is not safe for concurrent use; the engine owns one per cycle.
type Statuses struct {
	rows  map[string]statusEntry
	dirty bool
}

// Get returns the last status recorded for key.
func (s *Statuses) Get(key string) (string, bool) {
	e, ok := s.rows[key]
	return e.Status, ok
}

// Set records status for key as seen at.
func (s *Statuses) Set(key, status string, at time.Time) {
	if s.rows == nil {
		s.rows = map[string]statusEntry{}
	}
	if cur, ok := s.rows[key]; ok && cur.Status == status {
		return
	}
	s.rows[key] = statusEntry{Status: status, Seen: at.UTC()}
	s.dirty = true
}

func (s *Statuses) Len() int { return len(s.rows) }

// StatusStore persists Statuses under row_status:{id}. Polled rows carry no
// previous value, so the engine compares against what it saw last.
type StatusStore struct {
	st  storage.Store
	log logx.Logger
	max int
}

func NewStatusStore(st storage.Store, max int, log logx.Logger) *StatusStore {
	if max <= 0 {
		max = DefaultStatusEntries
	}
	return &StatusStore{st: st, max: max, log: log.With(logx.String("comp", "row_status"))}
}

// Load returns the identity's statuses. Missing or unreadable data is empty.
func (s *StatusStore) Load(ctx context.Context, identity string) (*Statuses, error) {
	out := &Statuses{rows: map[string]statusEntry{}}
	b, ok, err := s.st.Get(ctx, storage.Key(storage.NSRowStatus, identity))
	if err != nil {
		return out, fmt.Errorf("load row status: %w", err)
	}
	if !ok {
		return out, nil
	}
	if err := json.Unmarshal(b, &out.rows); err != nil {
		s.log.Warn("row status unreadable; starting empty", logx.String("identity", identity), logx.Err(err))
		out.rows = map[string]statusEntry{}
	}
	return out, nil
}

// Save writes st when it changed, keeping the most recently seen rows.
func (s *StatusStore) Save(ctx context.Context, identity string, st *Statuses) error {
	if st == nil || !st.dirty {
		return nil
	}
	if over := len(st.rows) - s.max; over > 0 {
		keys := make([]string, 0, len(st.rows))
		for k := range st.rows {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return st.rows[keys[i]].Seen.Before(st.rows[keys[j]].Seen) })
		for _, k := range keys[:over] {
			delete(st.rows, k)
		}
	}
	b, err := json.Marshal(st.rows)
	if err != nil {
		return err
	}
	if err := s.st.Put(ctx, storage.Key(storage.NSRowStatus, identity), b); err != nil {
		return fmt.Errorf("store row status: %w", err)
	}
	st.dirty = false
	return nil
}
