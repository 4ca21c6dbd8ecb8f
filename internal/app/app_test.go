package app

import (
	"context"
	logx "deptnotify/pkg/logx"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"deptnotify/internal/config"
	"deptnotify/internal/model"
	"deptnotify/internal/source"
	"deptnotify/internal/storage"
)

// backend answers identify and returns no changes for every table.
func backend(t *testing.T, queries *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/v1/user":
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"msg":"invalid JWT"}`))
				return
			}
			_, _ = w.Write([]byte(`{"id":"u1","email":"head@example.org"}`))
		case "/rest/v1/user_roles":
			_, _ = w.Write([]byte(`[{"role":"unit_head","unit":"preparation"}]`))
		case "/rest/v1/profiles":
			_, _ = w.Write([]byte(`[{"full_name":"Head Person","unit":"preparation"}]`))
		default:
			if strings.HasPrefix(r.URL.Path, "/rest/v1/") {
				queries.Add(1)
				_, _ = w.Write([]byte(`[]`))
				return
			}
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func newApp(t *testing.T, baseURL string) *App {
	t.Helper()
	path := writeConfig(t, `
backend:
  base_url: `+baseURL+`
engine:
  mode: poll
  interval: 50ms
storage:
  driver: memory
logging:
  level: error
http:
  addr: 127.0.0.1:0
housekeeping:
  enabled: false
`)
	filled := false
	a, err := New(path, WithResolver(func(cfg *config.Config) error {
		cfg.Backend.APIKey = "anon-from-ring"
		filled = true
		return nil
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !filled || a.cfgm.Get().Backend.APIKey != "anon-from-ring" {
		t.Fatal("resolver must run on load")
	}
	return a
}

func TestSignInRunsEngineAndSignOutPurges(t *testing.T) {
	var queries atomic.Int64
	srv := backend(t, &queries)
	a := newApp(t, srv.URL)

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(context.Background(), StopAppStop)

	if a.Addr() == "" {
		t.Fatal("http api must be listening")
	}
	if _, err := a.SignIn(ctx, "wrong"); !errors.Is(err, source.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	id, err := a.SignIn(ctx, "tok")
	if err != nil {
		t.Fatal(err)
	}
	if id.ID != "u1" || id.Role != model.RoleUnitHead || id.Unit != model.UnitPreparation {
		t.Fatalf("unexpected identity %+v", id)
	}
	if s, ok := a.Current(); !ok || s.Token() != "tok" {
		t.Fatal("expected a current session")
	}

	deadline := time.Now().Add(5 * time.Second)
	for a.Health().Cycles < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("engine did not cycle, health=%+v", a.Health())
		}
		time.Sleep(20 * time.Millisecond)
	}
	h := a.Health()
	if !h.OK || h.Identity != "u1" || h.Trigger != "timer" || h.LastCycle == nil {
		t.Fatalf("unexpected health %+v", h)
	}
	if queries.Load() == 0 {
		t.Fatal("expected table queries")
	}

	if _, err := a.prefs.Save(ctx, "u1", model.Preferences{model.CategoryTaskUpdate: false}); err != nil {
		t.Fatal(err)
	}
	if err := a.SignOut(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := a.Current(); ok {
		t.Fatal("session must be gone")
	}
	for _, ns := range []string{storage.NSPreferences, storage.NSWatermark} {
		if _, ok, _ := a.store.Get(ctx, storage.Key(ns, "u1")); ok {
			t.Fatalf("%s must be purged on sign-out", ns)
		}
	}
	if h := a.Health(); h.Identity != "" || h.Cycles != 0 {
		t.Fatalf("engine must be stopped, health=%+v", h)
	}

	if err := a.SignOut(ctx); err != nil {
		t.Fatalf("second sign-out must be a no-op: %v", err)
	}
}

func TestEngineSettingsChangeRestartsRun(t *testing.T) {
	var queries atomic.Int64
	srv := backend(t, &queries)
	a := newApp(t, srv.URL)

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(context.Background(), StopAppStop)
	if _, err := a.SignIn(ctx, "tok"); err != nil {
		t.Fatal(err)
	}

	a.mu.Lock()
	before := a.run
	a.mu.Unlock()

	prev := a.cfgm.Get()
	next := *prev
	next.Engine.Interval = "1h"
	a.apply(ctx, prev, &next)

	a.mu.Lock()
	after := a.run
	a.mu.Unlock()
	if after == nil || after == before {
		t.Fatal("expected a fresh engine run")
	}
	select {
	case <-before.done:
	default:
		t.Fatal("previous run must have stopped")
	}
	if s, ok := a.Current(); !ok || after.eng.Session() != s {
		t.Fatal("session must survive an engine restart")
	}
}

func TestSignInBeforeStart(t *testing.T) {
	var queries atomic.Int64
	a := newApp(t, backend(t, &queries).URL)
	defer a.store.Close()
	if _, err := a.SignIn(context.Background(), "tok"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		name    string
		in      *config.StorageConfig
		want    storage.Config
		wantErr bool
	}{
		{name: "default", in: nil, want: storage.Config{Driver: "file", Path: defaultStoragePath}},
		{name: "file", in: &config.StorageConfig{Driver: "FILE", Path: " /tmp/x "}, want: storage.Config{Driver: "file", Path: "/tmp/x"}},
		{name: "memory", in: &config.StorageConfig{Driver: "memory", Path: "ignored"}, want: storage.Config{Driver: "memory"}},
		{name: "sqlite", in: &config.StorageConfig{Driver: "sqlite3", Path: "a.db", BusyTimeout: "2s"}, want: storage.Config{Driver: "sqlite", Path: "a.db", BusyTimeout: 2 * time.Second}},
		{name: "sqlite default busy", in: &config.StorageConfig{Driver: "sqlite", Path: "a.db"}, want: storage.Config{Driver: "sqlite", Path: "a.db", BusyTimeout: time.Second}},
		{name: "sqlite no path", in: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "unknown", in: &config.StorageConfig{Driver: "redis"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestValidateRequiresServiceKeyForAdmin(t *testing.T) {
	cfg := &config.Config{}
	cfg.Backend.BaseURL = "https://db.example.org"
	if err := validate(cfg); err != nil {
		t.Fatalf("minimal config must validate: %v", err)
	}
	cfg.Admin.Enabled = true
	if err := validate(cfg); err == nil {
		t.Fatal("admin without service key must be rejected")
	}
	cfg.Backend.ServiceKey = "svc"
	if err := validate(cfg); err != nil {
		t.Fatal(err)
	}
	cfg.HTTP.IdleTimeout = "soon"
	if err := validate(cfg); err == nil {
		t.Fatal("bad http duration must be rejected")
	}
}

func TestPushChannelsFallBackToLog(t *testing.T) {
	cfg := &config.Config{}
	chs, err := pushChannels(cfg, time.Second, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if len(chs) != 1 || chs[0].Name() != "log" {
		t.Fatalf("expected only the log channel, got %d", len(chs))
	}

	cfg.Push.Telegram.Enabled = true
	if _, err := pushChannels(cfg, time.Second, logx.Nop()); err == nil {
		t.Fatal("telegram without token must fail")
	}
	cfg.Push.Telegram.Token = "tok"
	if _, err := pushChannels(cfg, time.Second, logx.Nop()); err == nil {
		t.Fatal("telegram without chat bindings must fail")
	}
	cfg.Push.Telegram.Chats = map[string]int64{"u1": 42}
	chs, err = pushChannels(cfg, time.Second, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if len(chs) != 1 || chs[0].Name() != "telegram" {
		t.Fatalf("expected only telegram, got %d channels", len(chs))
	}
}
