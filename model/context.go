package model

import (
	"context"
	"errors"
	"fmt"
)

// Actor roles.
const (
	RoleAdmin    = "admin"
	RoleHR       = "hr"
	RoleReviewer = "reviewer"
	RoleSystem   = "system"
)

// Actor identifies who performs a command. It is passed explicitly into every
// mutating engine call and copied into the timeline at write time.
type Actor struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// SystemActor returns the actor used for automated actions.
func SystemActor(name string) Actor {
	if name == "" {
		name = "system"
	}
	return Actor{DisplayName: name, Role: RoleSystem}
}

// IsSystem reports whether the actor is an automated process.
func (a Actor) IsSystem() bool {
	return a.Role == RoleSystem
}

// Validate checks that all mandatory fields are present.
// ID may be empty only for system actors.
func (a Actor) Validate() error {
	var errs []error
	if a.Role == "" {
		errs = append(errs, fmt.Errorf("role is required"))
	} else if !IsKnownRole(a.Role) {
		errs = append(errs, fmt.Errorf("unknown role %q", a.Role))
	}
	if a.ID == "" && !a.IsSystem() {
		errs = append(errs, fmt.Errorf("id is required"))
	}
	if a.DisplayName == "" {
		errs = append(errs, fmt.Errorf("display name is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasAnyRole returns true if roles is empty or contains the actor's role.
func (a Actor) HasAnyRole(roles []string) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if r == a.Role {
			return true
		}
	}
	return false
}

// IsKnownRole reports whether role is one of the recognised actor roles.
func IsKnownRole(role string) bool {
	switch role {
	case RoleAdmin, RoleHR, RoleReviewer, RoleSystem:
		return true
	}
	return false
}

type actorKey struct{}

// WithActor attaches the authenticated actor to the given context.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom extracts the actor from the context.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
