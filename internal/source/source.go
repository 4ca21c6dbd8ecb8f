// Package source defines the change source the delivery engine reads from:
// a request/response query API plus an optional push feed.
package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"deptnotify/internal/model"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	// ErrUnavailable is returned while the circuit to the backend is open.
	ErrUnavailable = errors.New("backend unavailable")
)

// Cond is an equality condition on a column.
type Cond struct {
	Column string
	Value  string
}

// Filter scopes a query. A row matches when any condition in AnyOf holds;
// an empty filter leaves scoping to the backend's row-level security.
type Filter struct {
	AnyOf []Cond
}

// Scope returns the filter a cycle uses for table and the signed-in identity.
func Scope(table model.Table, id model.Identity) Filter {
	switch table {
	case model.TableTasks:
		return Filter{AnyOf: []Cond{{"assigned_to", id.ID}, {"assigned_by", id.ID}}}
	case model.TableLeaveRequests:
		if id.Role.Reviewer() {
			return Filter{}
		}
		return Filter{AnyOf: []Cond{{"user_id", id.ID}}}
	default:
		return Filter{}
	}
}

// Source is the remote data service.
type Source interface {
	// Query returns rows of table changed at or after since, ascending by
	// change timestamp.
	Query(ctx context.Context, token string, table model.Table, filter Filter, since time.Time) ([]model.ChangeEvent, error)
}

// Feed is the optional push side of the data service.
type Feed interface {
	Subscribe(ctx context.Context, token string, tables []model.Table) (Subscription, error)
}

// Subscription delivers change events until Done is closed.
type Subscription interface {
	Events() <-chan model.ChangeEvent
	Done() <-chan struct{}
	// Err reports why the subscription ended; nil while it is open or after Close.
	Err() error
	Close() error
}

// Authenticator resolves a bearer token to the signed-in identity.
type Authenticator interface {
	Identify(ctx context.Context, token string) (model.Identity, error)
}

// HTTPError is a non-2xx response from the backend.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend: http %d", e.Status)
	}
	return fmt.Sprintf("backend: http %d: %s", e.Status, e.Body)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// IsTransient reports whether err is worth retrying on the next cycle.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == http.StatusTooManyRequests || he.Status >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}
