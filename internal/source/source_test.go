package source

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"deptnotify/internal/model"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.DeadlineExceeded, true},
		{fmt.Errorf("query: %w", ErrUnavailable), true},
		{&HTTPError{Status: 503}, true},
		{&HTTPError{Status: 429}, true},
		{&HTTPError{Status: 400}, false},
		{&HTTPError{Status: 401}, false},
	}
	for _, c := range cases {
		if got := IsTransient(c.err); got != c.want {
			t.Fatalf("IsTransient(%v) = %v, want %v", c.err, got, c.want)
		}
	}
	if !errors.Is(&HTTPError{Status: 403}, ErrUnauthorized) {
		t.Fatal("expected 403 to match ErrUnauthorized")
	}
}

func TestScope(t *testing.T) {
	me := model.Identity{ID: "u1", Role: model.RoleIndividual}
	if f := Scope(model.TableTasks, me); len(f.AnyOf) != 2 {
		t.Fatalf("expected tasks scoped to assignee or assigner, got %+v", f)
	}
	if f := Scope(model.TableLeaveRequests, me); len(f.AnyOf) != 1 || f.AnyOf[0].Value != "u1" {
		t.Fatalf("expected own leave requests, got %+v", f)
	}
	head := model.Identity{ID: "h1", Role: model.RoleUnitHead}
	if f := Scope(model.TableLeaveRequests, head); len(f.AnyOf) != 0 {
		t.Fatalf("expected reviewers to see every leave request, got %+v", f)
	}
}
