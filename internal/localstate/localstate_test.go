package localstate

import (
	"context"
	logx "deptnotify/pkg/logx"
	"testing"
	"time"

	"deptnotify/internal/model"
	"deptnotify/internal/storage"
)

func TestWatermarkDefaultsAndMonotonic(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	ws := NewWatermarkStore(st, logx.Nop())

	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	got, err := ws.Load(ctx, "u1", start)
	if err != nil || !got.Equal(start) {
		t.Fatalf("Load = %v %v, want default %v", got, err, start)
	}

	t1 := start.Add(time.Minute)
	if _, err := ws.Advance(ctx, "u1", t1); err != nil {
		t.Fatal(err)
	}
	after, err := ws.Advance(ctx, "u1", start)
	if err != nil {
		t.Fatal(err)
	}
	if !after.Equal(t1) {
		t.Fatalf("expected watermark to stay at %v, got %v", t1, after)
	}
	got, _ = ws.Load(ctx, "u1", start)
	if !got.Equal(t1) {
		t.Fatalf("Load = %v, want %v", got, t1)
	}
}

func TestWatermarkCorruptIsEmpty(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	_ = st.Put(ctx, storage.Key(storage.NSWatermark, "u1"), []byte("garbage"))
	ws := NewWatermarkStore(st, logx.Nop())
	def := time.Unix(1000, 0)
	got, err := ws.Load(ctx, "u1", def)
	if err != nil || !got.Equal(def) {
		t.Fatalf("expected default for corrupt value, got %v %v", got, err)
	}
}

func TestPreferencesRoundTripAndCorruption(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	ps := NewPreferenceStore(st, logx.Nop())

	p, err := ps.Load(ctx, "u1")
	if err != nil || len(p) != len(model.AllCategories) {
		t.Fatalf("expected full default set, got %v %v", p, err)
	}
	if _, err := ps.Save(ctx, "u1", model.Preferences{model.CategoryTaskUpdate: false}); err != nil {
		t.Fatal(err)
	}
	p, _ = ps.Load(ctx, "u1")
	if p.Enabled(model.CategoryTaskUpdate) || !p.Enabled(model.CategoryNewTask) {
		t.Fatalf("unexpected preferences %v", p)
	}

	_ = st.Put(ctx, storage.Key(storage.NSPreferences, "u2"), []byte("{"))
	p, err = ps.Load(ctx, "u2")
	if err != nil || !p.Enabled(model.CategoryTaskUpdate) {
		t.Fatalf("expected defaults for corrupt value, got %v %v", p, err)
	}
}

func TestRowStatusBoundedAndCorruptIsEmpty(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	ss := NewStatusStore(st, 2, logx.Nop())

	seen, err := ss.Load(ctx, "u1")
	if err != nil || seen.Len() != 0 {
		t.Fatalf("Load = %d %v, want empty", seen.Len(), err)
	}
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	seen.Set("tasks:a", "assigned", base)
	seen.Set("tasks:b", "assigned", base.Add(time.Minute))
	seen.Set("tasks:c", "completed", base.Add(2*time.Minute))
	if err := ss.Save(ctx, "u1", seen); err != nil {
		t.Fatal(err)
	}

	again, _ := ss.Load(ctx, "u1")
	if again.Len() != 2 {
		t.Fatalf("expected 2 remembered rows, got %d", again.Len())
	}
	if _, ok := again.Get("tasks:a"); ok {
		t.Fatal("oldest row must be evicted first")
	}
	if s, ok := again.Get("tasks:c"); !ok || s != "completed" {
		t.Fatalf("tasks:c = %q %v", s, ok)
	}

	if err := st.Put(ctx, storage.Key(storage.NSRowStatus, "u1"), []byte("{nope")); err != nil {
		t.Fatal(err)
	}
	broken, err := ss.Load(ctx, "u1")
	if err != nil || broken.Len() != 0 {
		t.Fatalf("corrupt row status must load empty, got %d %v", broken.Len(), err)
	}
}
