package guardkit

import "context"

// Checker answers access questions for one identity within one component.
// It holds no decisions: every call reads the current roles and hierarchy.
type Checker struct {
	identityID int64
	component  string
	service    *Service
}

// Checker returns a Checker for an identity.
//
// Example:
//
//	checker := service.Checker(identityID, guardkit.TasksComponent)
//	if ok, _ := checker.Can(ctx, guardkit.ActionUpdate, &task.UserID); ok {
//	    // update the task
//	}
func (s *Service) Checker(identityID int64, component string) *Checker {
	return &Checker{identityID: identityID, component: component, service: s}
}

// CheckerFromContext returns a Checker for the identity set by the
// authentication middleware, or ErrUnauthenticated.
func (s *Service) CheckerFromContext(ctx context.Context, component string) (*Checker, error) {
	id, ok := IdentityIDFromContext(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}
	return s.Checker(id, component), nil
}

// IdentityID returns the identity this checker is for.
func (c *Checker) IdentityID() int64 {
	return c.identityID
}

// Component returns the component this checker decides for.
func (c *Checker) Component() string {
	return c.component
}

// Can decides one action on a resource owned by ownerID.
func (c *Checker) Can(ctx context.Context, action Action, ownerID *int64) (bool, error) {
	return c.service.Allow(ctx, c.identityID, c.component, action, ownerID)
}

// Require is Can with a deny surfaced as ErrPermissionDenied.
func (c *Checker) Require(ctx context.Context, action Action, ownerID *int64) error {
	return c.service.Require(ctx, c.identityID, c.component, action, ownerID)
}

// CanAny reports whether at least one of the actions is allowed. All actions
// are decided against the same snapshot.
func (c *Checker) CanAny(ctx context.Context, actions []Action, ownerID *int64) (bool, error) {
	decisions, err := c.decide(ctx, actions, ownerID)
	if err != nil {
		return false, err
	}
	for _, allowed := range decisions {
		if allowed {
			return true, nil
		}
	}
	return false, nil
}

// CanAll reports whether every action is allowed.
func (c *Checker) CanAll(ctx context.Context, actions []Action, ownerID *int64) (bool, error) {
	decisions, err := c.decide(ctx, actions, ownerID)
	if err != nil {
		return false, err
	}
	for _, allowed := range decisions {
		if !allowed {
			return false, nil
		}
	}
	return true, nil
}

// Permissions returns the identity's effective permission set.
func (c *Checker) Permissions(ctx context.Context) (PermissionSet, error) {
	return c.service.Resolve(ctx, c.identityID, c.component)
}

// Roles returns the identity's roles in the component.
func (c *Checker) Roles(ctx context.Context) ([]Role, error) {
	return c.service.IdentityRoles(ctx, c.identityID, c.component)
}

// Allowed returns the actions the identity may perform on a resource owned by
// ownerID, in canonical action order.
func (c *Checker) Allowed(ctx context.Context, ownerID *int64) ([]Action, error) {
	decisions, err := c.decide(ctx, Actions, ownerID)
	if err != nil {
		return nil, err
	}
	allowed := make([]Action, 0, len(Actions))
	for i, action := range Actions {
		if decisions[i] {
			allowed = append(allowed, action)
		}
	}
	return allowed, nil
}

func (c *Checker) decide(ctx context.Context, actions []Action, ownerID *int64) ([]bool, error) {
	for _, action := range actions {
		if _, err := ParseAction(string(action)); err != nil {
			return nil, err
		}
	}

	decisions := make([]bool, len(actions))
	err := c.service.transaction(ctx, "Checker", func(ctx context.Context, tx Tx) error {
		for i, action := range actions {
			allowed, err := c.service.allow(ctx, tx, c.identityID, c.component, action, ownerID)
			if err != nil {
				return err
			}
			decisions[i] = allowed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decisions, nil
}
