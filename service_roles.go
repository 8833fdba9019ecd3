package guardkit

import (
	"context"
	"fmt"
	"strings"
)

// RoleInput describes a role to create.
type RoleInput struct {
	Component   string
	Name        string
	Description string
	Permissions PermissionSet
}

// RoleUpdate changes the mutable fields of a role. Nil fields are left alone.
// Component and name cannot change after creation.
type RoleUpdate struct {
	Description *string
	Permissions *PermissionSet
}

func validateRoleInput(in RoleInput) error {
	if strings.TrimSpace(in.Component) == "" || strings.TrimSpace(in.Name) == "" {
		return NewError(ErrValidation, "role component and name are required")
	}
	return in.Permissions.Validate()
}

// CreateRole creates a role. A duplicate (component, name) fails with ErrDuplicateRole.
func (s *Service) CreateRole(ctx context.Context, in RoleInput, actor Actor) (*Role, error) {
	if err := validateRoleInput(in); err != nil {
		return nil, err
	}

	now := s.timestamp()
	role := &Role{
		Component:   strings.TrimSpace(in.Component),
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Permissions: in.Permissions,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.transaction(ctx, "CreateRole", func(ctx context.Context, tx Tx) error {
		if err := tx.InsertRole(ctx, role); err != nil {
			return err
		}
		_, err := s.recordTx(ctx, tx, RecordInput{
			Actor:       actor,
			Action:      AuditCreate,
			TableName:   "roles",
			RecordID:    formatID(role.ID),
			After:       role.snapshot(),
			Description: fmt.Sprintf("Created role %s for component %s", role.Name, role.Component),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// GetRole retrieves a role by id.
func (s *Service) GetRole(ctx context.Context, id int64) (*Role, error) {
	var role *Role
	err := s.transaction(ctx, "GetRole", func(ctx context.Context, tx Tx) error {
		var err error
		role, err = tx.FindRole(ctx, id)
		return err
	})
	return role, err
}

// FindRole retrieves a role by its (component, name) key.
func (s *Service) FindRole(ctx context.Context, component, name string) (*Role, error) {
	var role *Role
	err := s.transaction(ctx, "FindRole", func(ctx context.Context, tx Tx) error {
		var err error
		role, err = tx.FindRoleByName(ctx, component, name)
		return err
	})
	return role, err
}

// ListRoles lists roles ordered by component and name; an empty component lists all.
func (s *Service) ListRoles(ctx context.Context, component string) ([]Role, error) {
	var roles []Role
	err := s.transaction(ctx, "ListRoles", func(ctx context.Context, tx Tx) error {
		var err error
		roles, err = tx.ListRoles(ctx, component)
		return err
	})
	return roles, err
}

// UpdateRole changes a role's description and/or permissions.
func (s *Service) UpdateRole(ctx context.Context, id int64, update RoleUpdate, actor Actor) (*Role, error) {
	if update.Permissions != nil {
		if err := update.Permissions.Validate(); err != nil {
			return nil, err
		}
	}

	var role *Role
	err := s.transaction(ctx, "UpdateRole", func(ctx context.Context, tx Tx) error {
		var err error
		role, err = tx.FindRole(ctx, id)
		if err != nil {
			return err
		}

		before := role.snapshot()
		if update.Description != nil {
			role.Description = *update.Description
		}
		if update.Permissions != nil {
			role.Permissions = *update.Permissions
		}
		role.UpdatedAt = s.timestamp()

		if err := tx.UpdateRole(ctx, role); err != nil {
			return err
		}
		_, err = s.recordTx(ctx, tx, RecordInput{
			Actor:       actor,
			Action:      AuditUpdate,
			TableName:   "roles",
			RecordID:    formatID(role.ID),
			Before:      before,
			After:       role.snapshot(),
			Description: fmt.Sprintf("Updated role %s for component %s", role.Name, role.Component),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// DeleteRole removes a role and, first, every assignment of it.
func (s *Service) DeleteRole(ctx context.Context, id int64, actor Actor) error {
	return s.transaction(ctx, "DeleteRole", func(ctx context.Context, tx Tx) error {
		role, err := tx.FindRole(ctx, id)
		if err != nil {
			return err
		}
		removed, err := tx.DeleteRoleAssignments(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteRole(ctx, id); err != nil {
			return err
		}
		_, err = s.recordTx(ctx, tx, RecordInput{
			Actor:     actor,
			Action:    AuditDelete,
			TableName: "roles",
			RecordID:  formatID(id),
			Before:    role.snapshot(),
			Description: fmt.Sprintf("Deleted role %s for component %s (%d assignments removed)",
				role.Name, role.Component, removed),
		})
		return err
	})
}

// AssignRole grants a role to a live identity. Fails with ErrAlreadyAssigned
// if the identity already holds it.
func (s *Service) AssignRole(ctx context.Context, identityID, roleID int64, actor Actor) error {
	return s.transaction(ctx, "AssignRole", func(ctx context.Context, tx Tx) error {
		identity, err := tx.FindIdentity(ctx, identityID, StateLive, false)
		if err != nil {
			return err
		}
		role, err := tx.FindRole(ctx, roleID)
		if err != nil {
			return err
		}

		assignment := &RoleAssignment{
			IdentityID: identityID,
			RoleID:     roleID,
			CreatedAt:  s.timestamp(),
		}
		if err := tx.InsertAssignment(ctx, assignment); err != nil {
			return err
		}
		_, err = s.recordTx(ctx, tx, RecordInput{
			Actor:     actor,
			Action:    AuditCreate,
			TableName: "role_assignments",
			RecordID:  assignment.recordID(),
			After: map[string]any{
				"identity_id": identityID,
				"role_id":     roleID,
				"component":   role.Component,
				"role":        role.Name,
			},
			Description: fmt.Sprintf("Assigned role %s/%s to %s", role.Component, role.Name, identity.Label()),
		})
		return err
	})
}

// RevokeRole removes a role from an identity. Fails with ErrNotAssigned if the
// identity does not hold it.
func (s *Service) RevokeRole(ctx context.Context, identityID, roleID int64, actor Actor) error {
	return s.transaction(ctx, "RevokeRole", func(ctx context.Context, tx Tx) error {
		role, err := tx.FindRole(ctx, roleID)
		if err != nil {
			return err
		}
		removed, err := tx.DeleteAssignment(ctx, identityID, roleID)
		if err != nil {
			return err
		}
		if !removed {
			return NewError(ErrNotAssigned, fmt.Sprintf("identity %d does not hold role %s/%s",
				identityID, role.Component, role.Name)).
				WithIdentity(identityID).
				WithRole(role.Component, role.Name)
		}

		assignment := RoleAssignment{IdentityID: identityID, RoleID: roleID}
		_, err = s.recordTx(ctx, tx, RecordInput{
			Actor:     actor,
			Action:    AuditDelete,
			TableName: "role_assignments",
			RecordID:  assignment.recordID(),
			Before: map[string]any{
				"identity_id": identityID,
				"role_id":     roleID,
				"component":   role.Component,
				"role":        role.Name,
			},
			Description: fmt.Sprintf("Revoked role %s/%s from identity %d", role.Component, role.Name, identityID),
		})
		return err
	})
}

// IdentityRoles lists the roles held by an identity; an empty component lists all.
func (s *Service) IdentityRoles(ctx context.Context, identityID int64, component string) ([]Role, error) {
	var roles []Role
	err := s.transaction(ctx, "IdentityRoles", func(ctx context.Context, tx Tx) error {
		var err error
		roles, err = tx.AssignedRoles(ctx, identityID, component)
		return err
	})
	return roles, err
}
