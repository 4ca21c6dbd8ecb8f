package httpapi

import (
	"bufio"
	"context"
	logx "deptnotify/pkg/logx"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"deptnotify/internal/eventbus"
	"deptnotify/internal/inbox"
	"deptnotify/internal/localstate"
	"deptnotify/internal/model"
	"deptnotify/internal/push"
	"deptnotify/internal/session"
	"deptnotify/internal/source"
	"deptnotify/internal/storage"
)

type fakeSessions struct {
	m   session.Manager
	ids map[string]model.Identity
	out int
}

func (f *fakeSessions) SignIn(_ context.Context, token string) (model.Identity, error) {
	id, ok := f.ids[token]
	if !ok {
		return model.Identity{}, fmt.Errorf("identify: %w", source.ErrUnauthorized)
	}
	f.m.Start(id, token)
	return id, nil
}

func (f *fakeSessions) SignOut(context.Context) error {
	f.m.End()
	f.out++
	return nil
}

func (f *fakeSessions) Current() (*session.Session, bool) { return f.m.Current() }

type okChannel struct{}

func (okChannel) Name() string                                  { return "fake" }
func (okChannel) Durable() bool                                 { return true }
func (okChannel) Confirm(context.Context, model.Identity) error { return nil }
func (okChannel) Send(context.Context, push.Message) error      { return nil }

type rig struct {
	srv   *httptest.Server
	sess  *fakeSessions
	inbox *inbox.Inbox
	bus   eventbus.Bus
}

var alice = model.Identity{ID: "u-alice", Role: model.RoleIndividual, FullName: "Alice"}

func newRig(t *testing.T, health func() Health, origins ...string) *rig {
	t.Helper()
	st := storage.NewMemory()
	bus := eventbus.New()
	log := logx.Nop()
	r := &rig{
		sess:  &fakeSessions{ids: map[string]model.Identity{"tok-alice": alice}},
		inbox: inbox.New(st, bus, 10, log),
		bus:   bus,
	}
	api := New(Deps{
		Sessions: r.sess,
		Inbox:    r.inbox,
		Prefs:    localstate.NewPreferenceStore(st, log),
		Push:     push.New(push.Config{}, st, bus, log, okChannel{}),
		Bus:      bus,
		Health:   health,
		Log:      log,
	})
	r.srv = httptest.NewServer(api.Handler(origins...))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *rig) do(t *testing.T, method, path, token, body string) (int, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, r.srv.URL+path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func (r *rig) signIn(t *testing.T) {
	t.Helper()
	if code, body := r.do(t, http.MethodPost, "/v1/session", "", `{"access_token":"tok-alice"}`); code != http.StatusOK {
		t.Fatalf("sign in: %d %s", code, body)
	}
}

func TestRoutesRequireSession(t *testing.T) {
	r := newRig(t, nil)
	if code, _ := r.do(t, http.MethodGet, "/v1/inbox", "tok-alice", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	if code, _ := r.do(t, http.MethodPost, "/v1/session", "", `{"access_token":"stale"}`); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a rejected token, got %d", code)
	}

	r.signIn(t)
	if code, _ := r.do(t, http.MethodGet, "/v1/inbox", "someone-else", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a foreign bearer, got %d", code)
	}
	if code, body := r.do(t, http.MethodGet, "/v1/session", "tok-alice", ""); code != http.StatusOK || !strings.Contains(body, `"id":"u-alice"`) {
		t.Fatalf("current session: %d %s", code, body)
	}

	if code, _ := r.do(t, http.MethodDelete, "/v1/session", "", ""); code != http.StatusUnauthorized {
		t.Fatalf("sign out without the session token: expected 401, got %d", code)
	}
	if code, _ := r.do(t, http.MethodDelete, "/v1/session", "tok-alice", ""); code != http.StatusNoContent {
		t.Fatalf("sign out: expected 204, got %d", code)
	}
	if code, _ := r.do(t, http.MethodGet, "/v1/inbox", "tok-alice", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after sign-out, got %d", code)
	}
}

// send issues a browser-style request carrying an Origin header.
func (r *rig) send(t *testing.T, method, path, origin string, hdr map[string]string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(method, r.srv.URL+path, nil)
	req.Header.Set("Origin", origin)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp
}

func TestForeignOriginsGetNothing(t *testing.T) {
	r := newRig(t, nil)
	r.signIn(t)
	if _, err := r.inbox.Append(context.Background(), alice.ID, model.Record{Category: model.CategoryLeaveUpdate, Title: "Leave approved"}); err != nil {
		t.Fatal(err)
	}
	const evil = "https://evil.example"

	resp := r.send(t, http.MethodGet, "/v1/inbox", evil, nil)
	if resp.StatusCode != http.StatusUnauthorized || resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("GET inbox from foreign origin: %d ACAO=%q", resp.StatusCode, resp.Header.Get("Access-Control-Allow-Origin"))
	}
	resp = r.send(t, http.MethodOptions, "/v1/session", evil, map[string]string{"Access-Control-Request-Method": http.MethodDelete})
	if resp.Header.Get("Access-Control-Allow-Origin") != "" || resp.Header.Get("Access-Control-Allow-Methods") != "" {
		t.Fatalf("preflight must not be granted: ACAO=%q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
	if resp := r.send(t, http.MethodDelete, "/v1/session", evil, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("DELETE session without token: %d", resp.StatusCode)
	}
	if r.sess.out != 0 {
		t.Fatal("session must survive a foreign sign-out attempt")
	}

	// A text/plain POST needs no preflight, so it is refused outright.
	req, _ := http.NewRequest(http.MethodPost, r.srv.URL+"/v1/session", strings.NewReader(`{"access_token":"tok-alice"}`))
	req.Header.Set("Origin", evil)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("text/plain sign-in: %d", resp.StatusCode)
	}
}

func TestConfiguredOriginIsAllowed(t *testing.T) {
	const view = "http://localhost:5173"
	r := newRig(t, nil, view)
	r.signIn(t)

	resp := r.send(t, http.MethodGet, "/v1/inbox", view, map[string]string{"Authorization": "Bearer tok-alice"})
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != view {
		t.Fatalf("configured view: %d ACAO=%q", resp.StatusCode, resp.Header.Get("Access-Control-Allow-Origin"))
	}
	resp = r.send(t, http.MethodGet, "/v1/inbox", "https://evil.example", map[string]string{"Authorization": "Bearer tok-alice"})
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin got ACAO=%q", got)
	}
}

func TestInboxRoutes(t *testing.T) {
	r := newRig(t, nil)
	r.signIn(t)
	ctx := context.Background()
	first, _ := r.inbox.Append(ctx, alice.ID, model.Record{Category: model.CategoryNewTask, Title: "New task assigned to you"})
	_, _ = r.inbox.Append(ctx, alice.ID, model.Record{Category: model.CategoryNewComment, Title: "New comment on a task"})

	code, body := r.do(t, http.MethodGet, "/v1/inbox", "tok-alice", "")
	var doc inboxDoc
	if err := json.Unmarshal([]byte(body), &doc); err != nil || code != http.StatusOK {
		t.Fatalf("list: %d %s", code, body)
	}
	if len(doc.Records) != 2 || doc.Unread != 2 || doc.Badge != "2" {
		t.Fatalf("unexpected inbox %+v", doc)
	}
	if doc.Records[0].Category != model.CategoryNewComment {
		t.Fatal("expected newest first")
	}

	if code, _ := r.do(t, http.MethodPost, "/v1/inbox/"+first.ID+"/read", "tok-alice", ""); code != http.StatusNoContent {
		t.Fatalf("mark read: %d", code)
	}
	if code, _ := r.do(t, http.MethodPost, "/v1/inbox/nope/read", "tok-alice", ""); code != http.StatusNotFound {
		t.Fatalf("mark unknown: %d", code)
	}
	if code, body := r.do(t, http.MethodPost, "/v1/inbox/read-all", "tok-alice", ""); code != http.StatusOK || !strings.Contains(body, `"marked":1`) {
		t.Fatalf("read all: %d %s", code, body)
	}
	if code, _ := r.do(t, http.MethodDelete, "/v1/inbox", "tok-alice", ""); code != http.StatusNoContent {
		t.Fatalf("clear: %d", code)
	}
	if _, body := r.do(t, http.MethodGet, "/v1/inbox", "tok-alice", ""); !strings.Contains(body, `"records":[]`) {
		t.Fatalf("expected empty inbox, got %s", body)
	}
}

func TestPreferenceRoutes(t *testing.T) {
	r := newRig(t, nil)
	r.signIn(t)

	code, body := r.do(t, http.MethodPut, "/v1/preferences", "tok-alice", `{"new_task":false}`)
	if code != http.StatusOK {
		t.Fatalf("put: %d %s", code, body)
	}
	var p model.Preferences
	_ = json.Unmarshal([]byte(body), &p)
	if p.Enabled(model.CategoryNewTask) || !p.Enabled(model.CategoryLeaveNew) || len(p) != len(model.AllCategories) {
		t.Fatalf("unexpected merged preferences %v", p)
	}
	if code, _ := r.do(t, http.MethodPut, "/v1/preferences", "tok-alice", `{"birthday":true}`); code != http.StatusBadRequest {
		t.Fatalf("unknown category: expected 400, got %d", code)
	}
	if _, body := r.do(t, http.MethodGet, "/v1/preferences", "tok-alice", ""); !strings.Contains(body, `"new_task":false`) {
		t.Fatalf("preferences not persisted: %s", body)
	}
}

func TestPushRoutes(t *testing.T) {
	r := newRig(t, nil)
	r.signIn(t)
	if _, body := r.do(t, http.MethodGet, "/v1/push", "tok-alice", ""); !strings.Contains(body, `"state":"default"`) {
		t.Fatalf("expected default, got %s", body)
	}
	for i := 0; i < 2; i++ {
		if code, body := r.do(t, http.MethodPost, "/v1/push/enable", "tok-alice", ""); code != http.StatusOK || !strings.Contains(body, `"state":"granted"`) {
			t.Fatalf("enable #%d: %d %s", i, code, body)
		}
	}
	if _, body := r.do(t, http.MethodGet, "/v1/push", "tok-alice", ""); !strings.Contains(body, `"channel":"fake"`) {
		t.Fatalf("expected granted via fake, got %s", body)
	}
}

func TestHealth(t *testing.T) {
	r := newRig(t, func() Health { return Health{OK: false, Error: "push.worker: boom"} })
	code, body := r.do(t, http.MethodGet, "/healthz", "", "")
	if code != http.StatusServiceUnavailable || !strings.Contains(body, "boom") {
		t.Fatalf("healthz: %d %s", code, body)
	}
}

func readFrame(t *testing.T, br *bufio.Reader) (string, string) {
	t.Helper()
	var ev, data string
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("stream read: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && ev != "":
			return ev, data
		case strings.HasPrefix(line, "event: "):
			ev = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventStream(t *testing.T) {
	r := newRig(t, nil)
	r.signIn(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, r.srv.URL+"/v1/inbox/events?access_token=tok-alice", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	br := bufio.NewReader(resp.Body)

	if ev, data := readFrame(t, br); ev != eventbus.TypeInboxChanged || !strings.Contains(data, `"reason":"snapshot"`) {
		t.Fatalf("unexpected first frame %s %s", ev, data)
	}

	// Other identities' events are not forwarded.
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeToast, Identity: "u-bob", Data: "bob"})
	if _, err := r.inbox.Append(context.Background(), alice.ID, model.Record{Category: model.CategoryNewTask, Title: "x"}); err != nil {
		t.Fatal(err)
	}
	ev, data := readFrame(t, br)
	if ev != eventbus.TypeInboxChanged || !strings.Contains(data, `"reason":"append"`) || !strings.Contains(data, `"unread":1`) {
		t.Fatalf("unexpected frame %s %s", ev, data)
	}

	_ = r.sess.SignOut(context.Background())
	if ev, _ := readFrame(t, br); ev != eventbus.TypeSessionEnded {
		t.Fatalf("expected session end, got %s", ev)
	}
}

func TestServerRefusesPublicAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:8787": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":8787":          false,
		"0.0.0.0:8787":   false,
		"10.0.0.5:8787":  false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
	s := NewServer(New(Deps{Log: logx.Nop()}), ServerConfig{Addr: "0.0.0.0:0"})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected refusal")
	}
}

func TestServerStartStop(t *testing.T) {
	s := NewServer(New(Deps{Sessions: &fakeSessions{}, Log: logx.Nop()}), ServerConfig{Addr: "127.0.0.1:0", Pprof: true})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	base := "http://" + s.Addr()
	for _, path := range []string{"/healthz", "/debug/pprof/cmdline"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d", path, resp.StatusCode)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatal("expected stopped server")
	}
}
