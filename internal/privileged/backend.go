package privileged

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"deptnotify/internal/source"
	"deptnotify/internal/source/rest"
)

// RestBackend implements Backend over the hosted service's auth admin and
// PostgREST endpoints. The client must be built with the service key as its
// api key; calls without an explicit token then carry the service key.
type RestBackend struct {
	c *rest.Client
	// Profile rows are created by a backend trigger shortly after the auth
	// user; UpdateProfile retries while the row is missing.
	profileRetries int
	profileBackoff time.Duration
}

var _ Backend = (*RestBackend)(nil)

func NewRestBackend(c *rest.Client) *RestBackend {
	return &RestBackend{c: c, profileRetries: 5, profileBackoff: 100 * time.Millisecond}
}

// plain turns backend error bodies into the message the backend gave, which
// is what callers of the intermediary have always seen.
func plain(err error) error {
	var he *source.HTTPError
	if errors.As(err, &he) && he.Body != "" {
		return errors.New(he.Body)
	}
	return err
}

func (b *RestBackend) Caller(ctx context.Context, token string) (Caller, error) {
	body, err := b.c.Do(ctx, rest.Request{Path: "/auth/v1/user", Token: token})
	if err != nil {
		return Caller{}, err
	}
	var u struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &u); err != nil {
		return Caller{}, err
	}
	return Caller{ID: u.ID, Email: u.Email}, nil
}

func (b *RestBackend) IsAdmin(ctx context.Context, userID string) (bool, error) {
	q := url.Values{}
	q.Set("select", "role")
	q.Set("user_id", "eq."+userID)
	q.Set("role", "eq.admin")
	q.Set("limit", "1")
	body, err := b.c.Do(ctx, rest.Request{Path: "/rest/v1/user_roles", Query: q})
	if err != nil {
		return false, plain(err)
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return false, fmt.Errorf("user_roles: decode: %w", err)
	}
	return len(rows) > 0, nil
}

func (b *RestBackend) CreateAuthUser(ctx context.Context, email, password, fullName string) (string, error) {
	body, err := b.c.Do(ctx, rest.Request{
		Method: http.MethodPost,
		Path:   "/auth/v1/admin/users",
		Body: map[string]any{
			"email":         email,
			"password":      password,
			"email_confirm": true,
			"user_metadata": map[string]any{"full_name": fullName},
		},
	})
	if err != nil {
		return "", plain(err)
	}
	var u struct {
		ID   string `json:"id"`
		User *struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(body, &u); err != nil {
		return "", fmt.Errorf("create user: decode: %w", err)
	}
	id := u.ID
	if id == "" && u.User != nil {
		id = u.User.ID
	}
	if id == "" {
		return "", errors.New("create user: backend returned no id")
	}
	return id, nil
}

func (b *RestBackend) DeleteAuthUser(ctx context.Context, userID string) error {
	_, err := b.c.Do(ctx, rest.Request{Method: http.MethodDelete, Path: "/auth/v1/admin/users/" + url.PathEscape(userID)})
	return plain(err)
}

func (b *RestBackend) UpdatePassword(ctx context.Context, userID, password string) error {
	_, err := b.c.Do(ctx, rest.Request{
		Method: http.MethodPut,
		Path:   "/auth/v1/admin/users/" + url.PathEscape(userID),
		Body:   map[string]any{"password": password},
	})
	return plain(err)
}

func (b *RestBackend) UpdateProfile(ctx context.Context, userID string, p ProfileUpdate) error {
	q := url.Values{}
	q.Set("user_id", "eq."+userID)
	for attempt := 0; ; attempt++ {
		body, err := b.c.Do(ctx, rest.Request{
			Method: http.MethodPatch,
			Path:   "/rest/v1/profiles",
			Query:  q,
			Body:   p,
			Prefer: "return=representation",
		})
		if err != nil {
			return plain(err)
		}
		var rows []json.RawMessage
		if json.Unmarshal(body, &rows) == nil && len(rows) > 0 {
			return nil
		}
		if attempt >= b.profileRetries {
			return errors.New("profile row not found")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.profileBackoff):
		}
	}
}

func (b *RestBackend) insert(ctx context.Context, table string, row any) error {
	_, err := b.c.Do(ctx, rest.Request{
		Method: http.MethodPost,
		Path:   "/rest/v1/" + table,
		Body:   row,
		Prefer: "return=minimal",
	})
	return plain(err)
}

func (b *RestBackend) InsertRole(ctx context.Context, userID, role string, unit *string) error {
	return b.insert(ctx, "user_roles", map[string]any{"user_id": userID, "role": role, "unit": unit})
}

func (b *RestBackend) InsertLeaveBalance(ctx context.Context, userID, month string) error {
	return b.insert(ctx, "leave_balances", map[string]any{"user_id": userID, "month": month})
}

func (b *RestBackend) InsertAudit(ctx context.Context, row AuditRow) error {
	return b.insert(ctx, "audit_log", row)
}
