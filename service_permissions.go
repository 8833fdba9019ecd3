package guardkit

import (
	"context"

	"go.uber.org/zap"
)

// ResolvePermissions unions the permission sets of the roles scoped to
// component, keeping the broadest scope per action. Roles for other
// components are ignored. The result does not depend on role order.
func ResolvePermissions(roles []Role, component string) PermissionSet {
	var resolved PermissionSet
	for _, role := range roles {
		if role.Component != component {
			continue
		}
		resolved = resolved.Union(role.Permissions)
	}
	return resolved
}

// DescendantFunc reports whether candidate reports to ancestor.
type DescendantFunc func(ancestor, candidate int64) (bool, error)

// Decide applies the access decision table for one action:
//
//	scope         create  read/update/delete
//	none          deny    deny
//	own           allow   owner == identity
//	subordinates  allow   owner == identity or owner reports to identity
//	all           allow   allow
//
// A nil owner on a non-create action is a component-level check where only
// all grants access. isDescendant is consulted only for the subordinates scope.
func Decide(scope Scope, action Action, identityID int64, ownerID *int64, isDescendant DescendantFunc) (bool, error) {
	if !scope.Granted() {
		return false, nil
	}
	if action == ActionCreate || scope == ScopeAll {
		return true, nil
	}
	if ownerID == nil {
		return false, nil
	}
	if *ownerID == identityID {
		return true, nil
	}
	if scope == ScopeSubordinates && isDescendant != nil {
		return isDescendant(identityID, *ownerID)
	}
	return false, nil
}

// Resolve returns the effective permissions of an identity on a component.
//
// Example:
//
//	perms, err := service.Resolve(ctx, userID, "tasks")
//	if perms.Read == guardkit.ScopeSubordinates {
//	    // list own and subordinates' tasks
//	}
func (s *Service) Resolve(ctx context.Context, identityID int64, component string) (PermissionSet, error) {
	var resolved PermissionSet
	err := s.transaction(ctx, "Resolve", func(ctx context.Context, tx Tx) error {
		var err error
		resolved, err = s.resolve(ctx, tx, identityID, component)
		return err
	})
	return resolved, err
}

func (s *Service) resolve(ctx context.Context, tx RoleTx, identityID int64, component string) (PermissionSet, error) {
	roles, err := tx.AssignedRoles(ctx, identityID, component)
	if err != nil {
		return PermissionSet{}, err
	}
	return ResolvePermissions(roles, component), nil
}

// Allow decides whether identityID may perform action on a resource of
// component owned by ownerID. Pass a nil owner for component-level checks.
// A deny is reported as false, not as an error.
//
// Example:
//
//	ok, err := service.Allow(ctx, userID, "tasks", guardkit.ActionDelete, &task.UserID)
//	if err != nil {
//	    return err
//	}
//	if !ok {
//	    return guardkit.ErrPermissionDenied
//	}
func (s *Service) Allow(ctx context.Context, identityID int64, component string, action Action, ownerID *int64) (bool, error) {
	if _, err := ParseAction(string(action)); err != nil {
		return false, err
	}

	var allowed bool
	err := s.transaction(ctx, "Allow", func(ctx context.Context, tx Tx) error {
		var err error
		allowed, err = s.allow(ctx, tx, identityID, component, action, ownerID)
		return err
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}

func (s *Service) allow(ctx context.Context, tx Tx, identityID int64, component string, action Action, ownerID *int64) (bool, error) {
	resolved, err := s.resolve(ctx, tx, identityID, component)
	if err != nil {
		return false, err
	}
	allowed, err := Decide(resolved.Scope(action), action, identityID, ownerID, func(ancestor, candidate int64) (bool, error) {
		return s.isDescendant(ctx, tx, ancestor, candidate)
	})
	if err != nil {
		return false, err
	}

	s.countDecision(ctx, component, action, allowed)
	if !allowed {
		s.logger.Debug("access denied",
			zap.Int64("identity_id", identityID),
			zap.String("component", component),
			zap.String("action", string(action)),
			zap.Stringer("scope", resolved.Scope(action)),
		)
	}
	return allowed, nil
}

// Require is Allow for callers that surface a deny as ErrPermissionDenied.
func (s *Service) Require(ctx context.Context, identityID int64, component string, action Action, ownerID *int64) error {
	allowed, err := s.Allow(ctx, identityID, component, action, ownerID)
	if err != nil {
		return err
	}
	if !allowed {
		return deniedError(identityID, component, action)
	}
	return nil
}

func deniedError(identityID int64, component string, action Action) error {
	return NewError(ErrPermissionDenied, string(action)+" on "+component).WithIdentity(identityID)
}
