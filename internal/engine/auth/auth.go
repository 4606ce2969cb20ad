package auth

import (
	"context"
	"fmt"
	"sort"

	"civicwater/internal/config"
	"civicwater/internal/repo"
)

// Permissions checked by the engine and server.
const (
	PermRecordRead    = "record.read"
	PermRecordAdvance = "record.advance"
	PermRecordStatus  = "record.status"
	PermRecordSweep   = "record.sweep"
	PermAPIKeyManage  = "apikey.manage"
	PermBillingManage = "billing.manage"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Principal is an authenticated officer. Roles come from the token; grants
// stored in actor_roles are merged in by the service.
type Principal struct {
	ActorID string
	Roles   []string
}

// Service resolves officer permissions from configured roles and stored grants.
type Service struct {
	Repo  repo.Repo
	Roles map[string]config.Role
}

func New(r repo.Repo, cfg *config.Config) Service {
	return Service{Repo: r, Roles: cfg.Roles}
}

// ActorRoles merges token roles with stored grants.
func (s Service) ActorRoles(ctx context.Context, p Principal) ([]string, error) {
	seen := map[string]bool{}
	for _, r := range p.Roles {
		seen[r] = true
	}
	if p.ActorID != "" && s.Repo.DB != nil {
		stored, err := s.Repo.ActorRoles(ctx, p.ActorID)
		if err != nil {
			return nil, err
		}
		for _, r := range stored {
			seen[r] = true
		}
	}
	roles := make([]string, 0, len(seen))
	for r := range seen {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles, nil
}

func (s Service) ActorPermissions(ctx context.Context, p Principal) ([]string, error) {
	roles, err := s.ActorRoles(ctx, p)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var perms []string
	for _, r := range roles {
		for _, perm := range s.Roles[r].Permissions {
			if !seen[perm] {
				seen[perm] = true
				perms = append(perms, perm)
			}
		}
	}
	sort.Strings(perms)
	return perms, nil
}

func (s Service) ActorHasPermission(ctx context.Context, p Principal, perm string) (bool, error) {
	perms, err := s.ActorPermissions(ctx, p)
	if err != nil {
		return false, err
	}
	for _, x := range perms {
		if x == perm {
			return true, nil
		}
	}
	return false, nil
}

// Require returns ForbiddenError unless p holds perm.
func (s Service) Require(ctx context.Context, p Principal, perm string) error {
	ok, err := s.ActorHasPermission(ctx, p, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// KnownRole reports whether role is configured.
func (s Service) KnownRole(role string) bool {
	_, ok := s.Roles[role]
	return ok
}
