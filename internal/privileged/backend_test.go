package privileged

import (
	"context"
	logx "deptnotify/pkg/logx"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"deptnotify/internal/source/rest"
)

type call struct {
	Method, Path, Query, Auth, Prefer string
	Body                              map[string]any
}

type fakeService struct {
	mu    sync.Mutex
	calls []call
	// profile PATCHes answer [] this many times before returning a row.
	profileMisses int
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	c := call{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Auth: r.Header.Get("Authorization"), Prefer: r.Header.Get("Prefer")}
	_ = json.Unmarshal(b, &c.Body)
	f.mu.Lock()
	f.calls = append(f.calls, c)
	misses := f.profileMisses
	if r.URL.Path == "/rest/v1/profiles" && misses > 0 {
		f.profileMisses--
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/auth/v1/user":
		if c.Auth != "Bearer caller-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"msg":"invalid JWT"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"a1","email":"admin@example.org"}`))
	case r.URL.Path == "/auth/v1/admin/users" && r.Method == http.MethodPost:
		if c.Body["email"] == "taken@example.org" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"msg":"A user with this email address has already been registered"}`))
			return
		}
		_, _ = w.Write([]byte(`{"user":{"id":"n1"}}`))
	case r.URL.Path == "/rest/v1/profiles":
		if misses > 0 {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[{"user_id":"n1"}]`))
	case r.URL.Path == "/rest/v1/user_roles" && r.Method == http.MethodGet:
		_, _ = w.Write([]byte(`[{"role":"admin"}]`))
	default:
		w.WriteHeader(http.StatusCreated)
	}
}

func (f *fakeService) find(method, path string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func newRestBackend(t *testing.T, f *fakeService) *RestBackend {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := rest.New(rest.Options{BaseURL: srv.URL, APIKey: "service-key"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	b := NewRestBackend(c)
	b.profileBackoff = time.Millisecond
	return b
}

func TestRestBackendCallerUsesCallerToken(t *testing.T) {
	f := &fakeService{}
	b := newRestBackend(t, f)
	c, err := b.Caller(context.Background(), "caller-token")
	if err != nil || c.ID != "a1" || c.Email != "admin@example.org" {
		t.Fatalf("Caller = %+v, %v", c, err)
	}
	if _, err := b.Caller(context.Background(), "stale"); err == nil {
		t.Fatal("expected error for a rejected token")
	}
	admin, err := b.IsAdmin(context.Background(), "a1")
	if err != nil || !admin {
		t.Fatalf("IsAdmin = %v, %v", admin, err)
	}
	if got := f.find(http.MethodGet, "/rest/v1/user_roles"); len(got) != 1 || got[0].Auth != "Bearer service-key" {
		t.Fatalf("role lookup must use the service key: %+v", got)
	}
}

func TestRestBackendCreateAndProvision(t *testing.T) {
	f := &fakeService{profileMisses: 2}
	b := newRestBackend(t, f)
	ctx := context.Background()

	id, err := b.CreateAuthUser(ctx, "new@example.org", "secret1", "New Person")
	if err != nil || id != "n1" {
		t.Fatalf("CreateAuthUser = %q, %v", id, err)
	}
	created := f.find(http.MethodPost, "/auth/v1/admin/users")
	if len(created) != 1 || created[0].Body["email_confirm"] != true {
		t.Fatalf("unexpected create call %+v", created)
	}

	if err := b.UpdateProfile(ctx, id, ProfileUpdate{FullName: "New Person", DutySystem: "daily"}); err != nil {
		t.Fatal(err)
	}
	patches := f.find(http.MethodPatch, "/rest/v1/profiles")
	if len(patches) != 3 || patches[0].Query != "user_id=eq.n1" || patches[0].Prefer != "return=representation" {
		t.Fatalf("expected retries until the profile row exists, got %+v", patches)
	}

	if err := b.InsertRole(ctx, id, "individual", nil); err != nil {
		t.Fatal(err)
	}
	if got := f.find(http.MethodPost, "/rest/v1/user_roles"); len(got) != 1 || got[0].Body["unit"] != nil || got[0].Prefer != "return=minimal" {
		t.Fatalf("unexpected role insert %+v", got)
	}
}

func TestRestBackendPlainErrors(t *testing.T) {
	b := newRestBackend(t, &fakeService{})
	_, err := b.CreateAuthUser(context.Background(), "taken@example.org", "secret1", "X")
	if err == nil || err.Error() != "A user with this email address has already been registered" {
		t.Fatalf("unexpected error %v", err)
	}
}
