// Package model holds the domain types shared by the delivery engine, the
// sinks and the local stores.
package model

import "strings"

// Role is one of the three authorization tiers. Admin is the highest.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleUnitHead   Role = "unit_head"
	RoleIndividual Role = "individual"
)

func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleUnitHead, RoleIndividual:
		return r, true
	default:
		return "", false
	}
}

// Rank orders roles; higher outranks lower.
func (r Role) Rank() int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleUnitHead:
		return 2
	case RoleIndividual:
		return 1
	default:
		return 0
	}
}

// Reviewer reports whether the role reviews leave requests and completed tasks.
func (r Role) Reviewer() bool { return r == RoleAdmin || r == RoleUnitHead }

type Unit string

const (
	UnitPreparation Unit = "preparation"
	UnitCurriculum  Unit = "curriculum"
)

func ParseUnit(s string) (Unit, bool) {
	switch u := Unit(strings.ToLower(strings.TrimSpace(s))); u {
	case UnitPreparation, UnitCurriculum:
		return u, true
	case "":
		return "", true
	default:
		return "", false
	}
}

// Identity is the signed-in user. It is read-only to the notification subsystem.
type Identity struct {
	ID       string `json:"id"`
	Role     Role   `json:"role"`
	Unit     Unit   `json:"unit,omitempty"`
	Email    string `json:"email,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

func (i Identity) IsZero() bool { return i.ID == "" }
