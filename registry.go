package guardkit

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Catalog is a declarative set of roles, used to seed the role registry at
// startup.
type Catalog struct {
	mu         sync.RWMutex
	components map[string]*ComponentDefinition
}

// ComponentDefinition groups the roles of one component.
type ComponentDefinition struct {
	name    string
	roles   []*RoleDefinition
	catalog *Catalog
}

// RoleDefinition is one role within a component.
type RoleDefinition struct {
	name        string
	description string
	permissions PermissionSet
	component   *ComponentDefinition
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		components: make(map[string]*ComponentDefinition),
	}
}

// DefaultCatalog returns the built-in roles for the "tasks" component.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	c.Component("tasks").
		Role("User", "Regular user with access to own tasks").GrantAll(ScopeOwn).
		Role("Manager", "Manager with access to subordinates' tasks").
		Grant(ActionCreate, ScopeOwn).
		Grant(ActionRead, ScopeSubordinates).
		Grant(ActionUpdate, ScopeSubordinates).
		Role("Admin", "Administrator with full access").GrantAll(ScopeAll)
	return c
}

// Component starts (or continues) defining the roles of a component.
//
// Example:
//
//	catalog.Component("tasks").
//	    Role("Viewer", "Read-only access").Grant(guardkit.ActionRead, guardkit.ScopeAll).
//	    Role("Editor", "Edits own tasks").GrantAll(guardkit.ScopeOwn)
func (c *Catalog) Component(name string) *ComponentDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()

	if def, ok := c.components[name]; ok {
		return def
	}
	def := &ComponentDefinition{name: name, catalog: c}
	c.components[name] = def
	return def
}

// Components returns the defined component names, sorted.
func (c *Catalog) Components() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Roles returns every role in the catalog, by component then definition order.
func (c *Catalog) Roles() []RoleInput {
	var out []RoleInput
	for _, component := range c.Components() {
		c.mu.RLock()
		def := c.components[component]
		for _, r := range def.roles {
			out = append(out, RoleInput{
				Component:   component,
				Name:        r.name,
				Description: r.description,
				Permissions: r.permissions,
			})
		}
		c.mu.RUnlock()
	}
	return out
}

// Name returns the component name.
func (d *ComponentDefinition) Name() string {
	return d.name
}

// Role adds a role to the component. Redefining a name replaces the earlier definition.
func (d *ComponentDefinition) Role(name, description string) *RoleDefinition {
	d.catalog.mu.Lock()
	defer d.catalog.mu.Unlock()

	role := &RoleDefinition{name: name, description: description, component: d}
	for i, existing := range d.roles {
		if existing.name == name {
			d.roles[i] = role
			return role
		}
	}
	d.roles = append(d.roles, role)
	return role
}

// Grant sets the scope for one action.
func (r *RoleDefinition) Grant(action Action, scope Scope) *RoleDefinition {
	r.permissions = r.permissions.With(action, scope)
	return r
}

// GrantAll sets the same scope for every action.
func (r *RoleDefinition) GrantAll(scope Scope) *RoleDefinition {
	for _, action := range Actions {
		r.permissions = r.permissions.With(action, scope)
	}
	return r
}

// Role starts the next role in the same component, for fluent chaining.
func (r *RoleDefinition) Role(name, description string) *RoleDefinition {
	return r.component.Role(name, description)
}

// Component switches to another component, for fluent chaining.
func (r *RoleDefinition) Component(name string) *ComponentDefinition {
	return r.component.catalog.Component(name)
}

// Permissions returns the permission set defined so far.
func (r *RoleDefinition) Permissions() PermissionSet {
	return r.permissions
}

type catalogFile struct {
	Components map[string][]catalogRole `yaml:"components"`
}

type catalogRole struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Permissions PermissionSet `yaml:"permissions"`
}

// LoadCatalog reads a catalog from YAML:
//
//	components:
//	  tasks:
//	    - name: Manager
//	      description: Manager with access to subordinates' tasks
//	      permissions: {create: own, read: subordinates, update: subordinates, delete: ~}
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var file catalogFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		if IsValidation(err) {
			return nil, err
		}
		return nil, NewError(ErrValidation, "role catalog: "+err.Error())
	}

	c := NewCatalog()
	components := make([]string, 0, len(file.Components))
	for name := range file.Components {
		components = append(components, name)
	}
	sort.Strings(components)

	for _, name := range components {
		def := c.Component(name)
		for _, role := range file.Components[name] {
			if role.Name == "" {
				return nil, NewError(ErrValidation, fmt.Sprintf("role catalog: unnamed role in component %s", name))
			}
			def.Role(role.Name, role.Description).permissions = role.Permissions
		}
	}
	return c, nil
}

// SeedResult reports what SeedRoles did, as "component/name" keys.
type SeedResult struct {
	Created  []string `json:"created"`
	Existing []string `json:"existing"`
}

// SeedRoles creates every catalog role that does not exist yet. Existing roles
// are left untouched, so seeding is idempotent.
func (s *Service) SeedRoles(ctx context.Context, catalog *Catalog, actor Actor) (*SeedResult, error) {
	inputs := catalog.Roles()
	for _, in := range inputs {
		if err := validateRoleInput(in); err != nil {
			return nil, err
		}
	}

	result := &SeedResult{Created: []string{}, Existing: []string{}}
	err := s.transaction(ctx, "SeedRoles", func(ctx context.Context, tx Tx) error {
		result.Created = result.Created[:0]
		result.Existing = result.Existing[:0]

		for _, in := range inputs {
			key := in.Component + "/" + in.Name
			_, err := tx.FindRoleByName(ctx, in.Component, in.Name)
			if err == nil {
				result.Existing = append(result.Existing, key)
				continue
			}
			if !IsNotFound(err) {
				return err
			}

			now := s.timestamp()
			role := &Role{
				Component:   in.Component,
				Name:        in.Name,
				Description: in.Description,
				Permissions: in.Permissions,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.InsertRole(ctx, role); err != nil {
				return err
			}
			if _, err := s.recordTx(ctx, tx, RecordInput{
				Actor:       actor,
				Action:      AuditCreate,
				TableName:   "roles",
				RecordID:    formatID(role.ID),
				After:       role.snapshot(),
				Description: fmt.Sprintf("Seeded role %s for component %s", role.Name, role.Component),
			}); err != nil {
				return err
			}
			result.Created = append(result.Created, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
