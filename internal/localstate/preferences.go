package localstate

import (
	"context"
	logx "deptnotify/pkg/logx"
	"encoding/json"
	"fmt"

	"deptnotify/internal/model"
	"deptnotify/internal/storage"
)

// PreferenceStore persists category toggles under notif_prefs:{id}.
type PreferenceStore struct {
	st  storage.Store
	log logx.Logger
}

func NewPreferenceStore(st storage.Store, log logx.Logger) *PreferenceStore {
	return &PreferenceStore{st: st, log: log.With(logx.String("comp", "preferences"))}
}

// Load returns the identity's preferences with every category present.
// Missing or unreadable data yields the all-enabled default.
func (s *PreferenceStore) Load(ctx context.Context, identity string) (model.Preferences, error) {
	b, ok, err := s.st.Get(ctx, storage.Key(storage.NSPreferences, identity))
	if err != nil {
		return model.DefaultPreferences(), fmt.Errorf("load preferences: %w", err)
	}
	if !ok {
		return model.DefaultPreferences(), nil
	}
	var p model.Preferences
	if err := json.Unmarshal(b, &p); err != nil {
		s.log.Warn("preferences unreadable; using defaults", logx.String("identity", identity), logx.Err(err))
		return model.DefaultPreferences(), nil
	}
	return p.Merge(), nil
}

// Save replaces the stored preferences. Unknown categories are dropped.
func (s *PreferenceStore) Save(ctx context.Context, identity string, p model.Preferences) (model.Preferences, error) {
	merged := p.Merge()
	b, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	if err := s.st.Put(ctx, storage.Key(storage.NSPreferences, identity), b); err != nil {
		return nil, fmt.Errorf("store preferences: %w", err)
	}
	return merged, nil
}
