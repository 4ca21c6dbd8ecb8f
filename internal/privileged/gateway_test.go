package privileged

import (
	"context"
	logx "deptnotify/pkg/logx"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"deptnotify/internal/storage"
)

type fakeBackend struct {
	mu sync.Mutex

	callers map[string]Caller // token -> caller
	admins  map[string]bool

	failRole bool
	failAuth error

	steps    []string
	profile  ProfileUpdate
	roleUnit *string
	month    string
	deleted  []string
	audits   []AuditRow
	password map[string]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		callers:  map[string]Caller{"admin-tok": {ID: "a1", Email: "admin@example.org"}, "user-tok": {ID: "u1"}},
		admins:   map[string]bool{"a1": true},
		password: map[string]string{},
	}
}

func (f *fakeBackend) step(s string) {
	f.mu.Lock()
	f.steps = append(f.steps, s)
	f.mu.Unlock()
}

func (f *fakeBackend) Caller(_ context.Context, token string) (Caller, error) {
	c, ok := f.callers[token]
	if !ok {
		return Caller{}, errors.New("invalid JWT")
	}
	return c, nil
}

func (f *fakeBackend) IsAdmin(_ context.Context, id string) (bool, error) { return f.admins[id], nil }

func (f *fakeBackend) CreateAuthUser(_ context.Context, email, _, _ string) (string, error) {
	f.step("create")
	if f.failAuth != nil {
		return "", f.failAuth
	}
	return "new-" + email, nil
}

func (f *fakeBackend) DeleteAuthUser(_ context.Context, id string) error {
	f.step("delete")
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeBackend) UpdatePassword(_ context.Context, id, pw string) error {
	f.step("password")
	f.password[id] = pw
	return nil
}

func (f *fakeBackend) UpdateProfile(_ context.Context, _ string, p ProfileUpdate) error {
	f.step("profile")
	f.profile = p
	return nil
}

func (f *fakeBackend) InsertRole(_ context.Context, _ string, _ string, unit *string) error {
	f.step("role")
	if f.failRole {
		return errors.New("duplicate key value violates unique constraint")
	}
	f.roleUnit = unit
	return nil
}

func (f *fakeBackend) InsertLeaveBalance(_ context.Context, _ string, month string) error {
	f.step("balance")
	f.month = month
	return nil
}

func (f *fakeBackend) InsertAudit(_ context.Context, row AuditRow) error {
	f.audits = append(f.audits, row)
	return nil
}

var fixedNow = time.Date(2026, 7, 19, 12, 0, 0, 0, time.UTC)

func newGateway(b Backend, st storage.Store, opts ...Option) *Gateway {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewGateway(b, st, logx.Nop(), opts...)
}

func auditLog(t *testing.T, st storage.Store) []storage.AuditEntry {
	t.Helper()
	es, err := st.ListAudit(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}
	return es
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

var validCreate = CreateUserRequest{
	Email: "new@example.org", Password: "secret1", FullName: "New Person",
	Role: "unit_head", Unit: "curriculum", Phone: "0100",
}

func TestCreateUserProvisionsEverything(t *testing.T) {
	b := newFakeBackend()
	st := storage.NewMemory()
	g := newGateway(b, st)

	res := g.Invoke(context.Background(), "admin-tok", "create-user", mustJSON(validCreate))
	if !res.OK() || res.UserID != "new-new@example.org" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := strings.Join(b.steps, ","); got != "create,profile,role,balance" {
		t.Fatalf("unexpected steps %s", got)
	}
	if b.profile.DutySystem != "daily" || b.profile.Phone == nil || *b.profile.Phone != "0100" {
		t.Fatalf("unexpected profile %+v", b.profile)
	}
	if b.roleUnit == nil || *b.roleUnit != "curriculum" {
		t.Fatal("unit heads keep their unit on the role row")
	}
	if b.month != "2026-07-01" {
		t.Fatalf("leave balance month = %s", b.month)
	}
	if len(b.audits) != 1 || b.audits[0].Action != OpCreateUser || b.audits[0].TargetType != "user" {
		t.Fatalf("unexpected backend audit %+v", b.audits)
	}

	es := auditLog(t, st)
	if len(es) != 1 || es[0].OK != 1 || es[0].ActorID != "a1" || es[0].Target != res.UserID || es[0].Action != OpCreateUser {
		t.Fatalf("unexpected audit %+v", es)
	}
	if strings.Contains(es[0].MetaJSON, "secret1") {
		t.Fatal("audit must not contain the password")
	}
}

func TestBackendAuditCanBeTurnedOff(t *testing.T) {
	b := newFakeBackend()
	st := storage.NewMemory()
	g := newGateway(b, st, WithBackendAudit(false))

	if res := g.Invoke(context.Background(), "admin-tok", OpCreateUser, mustJSON(validCreate)); !res.OK() {
		t.Fatalf("unexpected failure %+v", res)
	}
	if len(b.audits) != 0 {
		t.Fatalf("backend audit written while disabled: %+v", b.audits)
	}
	if es := auditLog(t, st); len(es) != 1 {
		t.Fatalf("local audit must still be kept, got %d entries", len(es))
	}
}

func TestIndividualRoleHasNoUnit(t *testing.T) {
	b := newFakeBackend()
	g := newGateway(b, storage.NewMemory())
	req := validCreate
	req.Role = "individual"
	if res := g.Invoke(context.Background(), "admin-tok", OpCreateUser, mustJSON(req)); !res.OK() {
		t.Fatalf("unexpected failure %+v", res)
	}
	if b.roleUnit != nil {
		t.Fatalf("expected nil unit for individual, got %q", *b.roleUnit)
	}
}

func TestCreateUserCompensatesOnFailure(t *testing.T) {
	b := newFakeBackend()
	b.failRole = true
	st := storage.NewMemory()
	g := newGateway(b, st)

	res := g.Invoke(context.Background(), "admin-tok", "create-user", mustJSON(validCreate))
	if res.OK() || !strings.Contains(res.Error, "duplicate key") || res.UserID != "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(b.deleted) != 1 || b.deleted[0] != "new-new@example.org" {
		t.Fatalf("expected compensating delete, got %v", b.deleted)
	}
	if len(b.audits) != 0 {
		t.Fatal("failed operations are not mirrored to the backend")
	}
	es := auditLog(t, st)
	if len(es) != 1 || es[0].Fail != 1 || !strings.Contains(es[0].MetaJSON, `"compensated":true`) {
		t.Fatalf("unexpected audit %+v", es)
	}
}

func TestCallerChecks(t *testing.T) {
	cases := []struct {
		name, token, op, want string
	}{
		{"no token", "", "create-user", "Unauthorized"},
		{"unknown token", "bogus", "create-user", "Unauthorized"},
		{"not admin create", "user-tok", "create-user", "Only admin can create users"},
		{"not admin reset", "user-tok", "reset-user-password", "Only admin can reset passwords"},
		{"unknown op", "admin-tok", "drop-tables", "unknown operation: drop-tables"},
	}
	for _, tc := range cases {
		b := newFakeBackend()
		st := storage.NewMemory()
		g := newGateway(b, st)
		res := g.Invoke(context.Background(), tc.token, tc.op, mustJSON(validCreate))
		if res.Error != tc.want {
			t.Fatalf("%s: error = %q, want %q", tc.name, res.Error, tc.want)
		}
		if len(b.steps) != 0 {
			t.Fatalf("%s: backend mutated: %v", tc.name, b.steps)
		}
		if es := auditLog(t, st); len(es) != 1 || es[0].Fail != 1 {
			t.Fatalf("%s: expected exactly one failed audit entry, got %+v", tc.name, es)
		}
	}
}

func TestCreateUserValidation(t *testing.T) {
	b := newFakeBackend()
	g := newGateway(b, storage.NewMemory())
	req := validCreate
	req.Password = "123"
	req.Email = "not-an-email"
	res := g.Invoke(context.Background(), "admin-tok", "create-user", mustJSON(req))
	if res.OK() || !strings.Contains(res.Error, "password") || !strings.Contains(res.Error, "email") {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(b.steps) != 0 {
		t.Fatalf("invalid payload reached the backend: %v", b.steps)
	}
}

func TestResetPassword(t *testing.T) {
	b := newFakeBackend()
	st := storage.NewMemory()
	g := newGateway(b, st)
	ctx := context.Background()

	if res := g.Invoke(ctx, "admin-tok", "reset-user-password", mustJSON(ResetPasswordRequest{UserID: "u1"})); res.Error != "user_id and new_password required" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res := g.Invoke(ctx, "admin-tok", "reset-user-password", mustJSON(ResetPasswordRequest{UserID: "u1", NewPassword: "abc"})); res.Error != "Password must be at least 6 characters" {
		t.Fatalf("unexpected result %+v", res)
	}
	res := g.Invoke(ctx, "admin-tok", "reset-user-password", mustJSON(ResetPasswordRequest{UserID: "u1", NewPassword: "abcdef"}))
	if !res.OK() || b.password["u1"] != "abcdef" {
		t.Fatalf("unexpected result %+v", res)
	}
	if es := auditLog(t, st); len(es) != 3 {
		t.Fatalf("expected one audit entry per invocation, got %d", len(es))
	}
}

func TestVerifierRejectsForeignTokens(t *testing.T) {
	v, _ := NewTokenVerifier("s3cret")
	other, _ := NewTokenVerifier("other")

	good, _ := v.Sign("a1", "admin@example.org", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	forged, _ := other.Sign("a1", "", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	expired, _ := v.Sign("a1", "", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))})
	noExp, _ := v.Sign("a1", "", jwt.RegisteredClaims{})

	if sub, err := v.Verify(good); err != nil || sub != "a1" {
		t.Fatalf("Verify(good) = %q, %v", sub, err)
	}
	for name, tok := range map[string]string{"forged": forged, "expired": expired, "no exp": noExp} {
		if _, err := v.Verify(tok); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("%s: expected ErrUnauthorized, got %v", name, err)
		}
	}

	// The gateway consults the verifier before the backend.
	b := newFakeBackend()
	b.callers[forged] = Caller{ID: "a1"}
	b.callers[good] = Caller{ID: "a1"}
	g := newGateway(b, storage.NewMemory(), WithVerifier(v))
	if res := g.Invoke(context.Background(), forged, OpResetPassword, mustJSON(ResetPasswordRequest{UserID: "u1", NewPassword: "abcdef"})); res.Error != "Unauthorized" {
		t.Fatalf("forged token accepted: %+v", res)
	}
	if res := g.Invoke(context.Background(), good, OpResetPassword, mustJSON(ResetPasswordRequest{UserID: "u1", NewPassword: "abcdef"})); !res.OK() {
		t.Fatalf("valid token rejected: %+v", res)
	}
}

func TestHandlerAndClient(t *testing.T) {
	b := newFakeBackend()
	r := mux.NewRouter()
	Routes(r, newGateway(b, storage.NewMemory()))
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()
	id, err := c.CreateUser(ctx, "admin-tok", validCreate)
	if err != nil || id != "new-new@example.org" {
		t.Fatalf("CreateUser = %q, %v", id, err)
	}
	if err := c.ResetPassword(ctx, "user-tok", "u1", "abcdef"); err == nil || err.Error() != "Only admin can reset passwords" {
		t.Fatalf("expected admin error, got %v", err)
	}

	res, err := c.Invoke(ctx, "", "create-user", validCreate)
	if err != nil || res.Error != "Unauthorized" {
		t.Fatalf("Invoke = %+v, %v", res, err)
	}
}
