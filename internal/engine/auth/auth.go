package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"cadence/internal/repo"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	ActorID    string
}

func (e ForbiddenError) Error() string {
	if e.ActorID == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("actor %s lacks permission %s", e.ActorID, e.Permission)
}

// Predicate decides whether actorID may use perm inside orgID. It returns nil
// when allowed and a ForbiddenError otherwise.
type Predicate func(ctx context.Context, actorID, orgID, perm string) error

// AllowAll is the predicate used when no authorization is configured.
func AllowAll(context.Context, string, string, string) error { return nil }

// RoleLookup resolves the role an actor holds in an organization.
type RoleLookup interface {
	OrgRole(ctx context.Context, orgID, actorID string) (string, error)
}

// RoleAuthorizer checks permissions against a role table. Actors without an
// explicit org role get DefaultRole.
type RoleAuthorizer struct {
	Lookup      RoleLookup
	Roles       map[string][]string
	DefaultRole string
	SystemActor string
}

func (a RoleAuthorizer) Authorize(ctx context.Context, actorID, orgID, perm string) error {
	if actorID == "" {
		return ForbiddenError{Permission: perm}
	}
	if a.SystemActor != "" && actorID == a.SystemActor {
		return nil
	}
	perms, err := a.ActorPermissions(ctx, orgID, actorID)
	if err != nil {
		return err
	}
	for _, p := range perms {
		if p == perm {
			return nil
		}
	}
	return ForbiddenError{Permission: perm, ActorID: actorID}
}

// Predicate adapts a to the engine's authorization hook.
func (a RoleAuthorizer) Predicate() Predicate {
	return a.Authorize
}

// ActorRole returns the effective role of actorID in orgID.
func (a RoleAuthorizer) ActorRole(ctx context.Context, orgID, actorID string) (string, error) {
	role, err := a.Lookup.OrgRole(ctx, orgID, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return a.DefaultRole, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup role: %w", err)
	}
	return role, nil
}

// ActorPermissions lists the permissions actorID holds in orgID, sorted.
func (a RoleAuthorizer) ActorPermissions(ctx context.Context, orgID, actorID string) ([]string, error) {
	role, err := a.ActorRole(ctx, orgID, actorID)
	if err != nil {
		return nil, err
	}
	perms := append([]string(nil), a.Roles[role]...)
	sort.Strings(perms)
	return perms, nil
}
