package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"deptnotify/internal/model"
	"deptnotify/internal/source"
)

type authUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Identify resolves token to an identity: the auth user, then its role and
// unit from user_roles and its display name from profiles. A user without a
// role row is an individual.
func (c *Client) Identify(ctx context.Context, token string) (model.Identity, error) {
	b, err := c.Do(ctx, Request{Path: "/auth/v1/user", Token: token})
	if err != nil {
		return model.Identity{}, fmt.Errorf("identify: %w", err)
	}
	var u authUser
	if err := json.Unmarshal(b, &u); err != nil || u.ID == "" {
		return model.Identity{}, fmt.Errorf("identify: %w", source.ErrUnauthorized)
	}
	id := model.Identity{ID: u.ID, Email: u.Email, Role: model.RoleIndividual}

	var roles []struct {
		Role string  `json:"role"`
		Unit *string `json:"unit"`
	}
	if err := c.getRows(ctx, token, "user_roles", "role,unit", u.ID, &roles); err != nil {
		return model.Identity{}, err
	}
	best := 0
	for _, r := range roles {
		role, ok := model.ParseRole(r.Role)
		if !ok || role.Rank() <= best {
			continue
		}
		best = role.Rank()
		id.Role = role
		id.Unit = ""
		if r.Unit != nil {
			if unit, ok := model.ParseUnit(*r.Unit); ok {
				id.Unit = unit
			}
		}
	}

	var profiles []struct {
		FullName string  `json:"full_name"`
		Unit     *string `json:"unit"`
	}
	if err := c.getRows(ctx, token, "profiles", "full_name,unit", u.ID, &profiles); err == nil && len(profiles) > 0 {
		id.FullName = profiles[0].FullName
		if id.Unit == "" && profiles[0].Unit != nil {
			if unit, ok := model.ParseUnit(*profiles[0].Unit); ok {
				id.Unit = unit
			}
		}
	}
	return id, nil
}

func (c *Client) getRows(ctx context.Context, token, table, columns, userID string, out any) error {
	q := url.Values{}
	q.Set("select", columns)
	q.Set("user_id", "eq."+userID)
	b, err := c.Do(ctx, Request{Path: "/rest/v1/" + table, Query: q, Token: token})
	if err != nil {
		return fmt.Errorf("identify: %s: %w", table, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("identify: %s: decode: %w", table, err)
	}
	return nil
}
