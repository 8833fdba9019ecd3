package guardkit

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Action is one of the four operations a role can grant.
type Action string

// Actions governed by roles.
const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Actions lists every action in canonical order.
var Actions = []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete:
		return a, nil
	}
	return "", NewError(ErrValidation, fmt.Sprintf("unknown action %q", s))
}

// Scope is the breadth of access granted for an action.
// Scopes are totally ordered: ScopeNone < ScopeOwn < ScopeSubordinates < ScopeAll.
type Scope uint8

const (
	ScopeNone Scope = iota
	ScopeOwn
	ScopeSubordinates
	ScopeAll
)

var scopeNames = [...]string{"none", "own", "subordinates", "all"}

// String returns the scope name.
func (s Scope) String() string {
	if int(s) < len(scopeNames) {
		return scopeNames[s]
	}
	return fmt.Sprintf("scope(%d)", uint8(s))
}

// Valid reports whether s is one of the defined scopes.
func (s Scope) Valid() bool {
	return s <= ScopeAll
}

// Granted reports whether the scope grants any access.
func (s Scope) Granted() bool {
	return s != ScopeNone
}

// ParseScope validates a scope name. The empty string and "none" both mean no access.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ScopeNone, nil
	case "own":
		return ScopeOwn, nil
	case "subordinates":
		return ScopeSubordinates, nil
	case "all":
		return ScopeAll, nil
	}
	return ScopeNone, NewError(ErrValidation, fmt.Sprintf("unknown scope %q", s))
}

// MarshalJSON encodes ScopeNone as null and every other scope as its name.
func (s Scope) MarshalJSON() ([]byte, error) {
	if s == ScopeNone {
		return []byte("null"), nil
	}
	if !s.Valid() {
		return nil, NewError(ErrValidation, s.String())
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts null, "none", "own", "subordinates" and "all".
func (s *Scope) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = ScopeNone
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return NewError(ErrValidation, "scope must be a string or null")
	}
	parsed, err := ParseScope(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// PermissionSet maps each action to a scope.
// Construct it with NewPermissionSet or decode it from JSON/YAML; both reject
// unknown actions and unknown scopes.
type PermissionSet struct {
	Create Scope `json:"create"`
	Read   Scope `json:"read"`
	Update Scope `json:"update"`
	Delete Scope `json:"delete"`
}

// NewPermissionSet builds a PermissionSet from action/scope names.
// Missing actions default to none. Every unknown key and value is reported.
func NewPermissionSet(raw map[string]string) (PermissionSet, error) {
	var (
		set  PermissionSet
		errs *multierror.Error
	)

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		action, err := ParseAction(key)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		scope, err := ParseScope(raw[key])
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		set = set.With(action, scope)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return PermissionSet{}, NewError(ErrValidation, "invalid permission map: "+flattenErrors(errs))
	}
	return set, nil
}

// MustPermissionSet is like NewPermissionSet but panics on error.
// Intended for static role catalogs.
func MustPermissionSet(raw map[string]string) PermissionSet {
	set, err := NewPermissionSet(raw)
	if err != nil {
		panic(err)
	}
	return set
}

func flattenErrors(errs *multierror.Error) string {
	msgs := make([]string, 0, len(errs.Errors))
	for _, e := range errs.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Scope returns the scope granted for an action.
func (p PermissionSet) Scope(action Action) Scope {
	switch action {
	case ActionCreate:
		return p.Create
	case ActionRead:
		return p.Read
	case ActionUpdate:
		return p.Update
	case ActionDelete:
		return p.Delete
	}
	return ScopeNone
}

// With returns a copy of p with the scope for action replaced.
func (p PermissionSet) With(action Action, scope Scope) PermissionSet {
	switch action {
	case ActionCreate:
		p.Create = scope
	case ActionRead:
		p.Read = scope
	case ActionUpdate:
		p.Update = scope
	case ActionDelete:
		p.Delete = scope
	}
	return p
}

// Union keeps the broader scope for every action.
func (p PermissionSet) Union(other PermissionSet) PermissionSet {
	for _, action := range Actions {
		if s := other.Scope(action); s > p.Scope(action) {
			p = p.With(action, s)
		}
	}
	return p
}

// Validate checks that every scope is defined.
func (p PermissionSet) Validate() error {
	var errs *multierror.Error
	for _, action := range Actions {
		if s := p.Scope(action); !s.Valid() {
			errs = multierror.Append(errs, fmt.Errorf("%s: unknown scope %s", action, s))
		}
	}
	if errs.ErrorOrNil() != nil {
		return NewError(ErrValidation, "invalid permission set: "+flattenErrors(errs))
	}
	return nil
}

// Map returns the scope names keyed by action, with "none" for no access.
func (p PermissionSet) Map() map[Action]string {
	out := make(map[Action]string, len(Actions))
	for _, action := range Actions {
		out[action] = p.Scope(action).String()
	}
	return out
}

// String renders the set as "create=own read=all ...".
func (p PermissionSet) String() string {
	parts := make([]string, 0, len(Actions))
	for _, action := range Actions {
		parts = append(parts, fmt.Sprintf("%s=%s", action, p.Scope(action)))
	}
	return strings.Join(parts, " ")
}

// UnmarshalJSON decodes {action: scope|null} and rejects unknown actions.
func (p *PermissionSet) UnmarshalJSON(data []byte) error {
	var raw map[string]*string
	if err := json.Unmarshal(data, &raw); err != nil {
		return NewError(ErrValidation, "permission map must be an object")
	}
	return p.fromRaw(raw)
}

// UnmarshalYAML decodes {action: scope|~} and rejects unknown actions.
func (p *PermissionSet) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]*string
	if err := value.Decode(&raw); err != nil {
		return NewError(ErrValidation, "permission map must be a mapping")
	}
	return p.fromRaw(raw)
}

func (p *PermissionSet) fromRaw(raw map[string]*string) error {
	names := make(map[string]string, len(raw))
	for k, v := range raw {
		if v != nil {
			names[k] = *v
		} else {
			names[k] = ""
		}
	}
	set, err := NewPermissionSet(names)
	if err != nil {
		return err
	}
	*p = set
	return nil
}

// Value stores the set as JSON.
func (p PermissionSet) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan reads the set from a JSON column.
func (p *PermissionSet) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = PermissionSet{}
		return nil
	case []byte:
		return p.UnmarshalJSON(v)
	case string:
		return p.UnmarshalJSON([]byte(v))
	}
	return fmt.Errorf("guardkit: cannot scan %T into PermissionSet", src)
}
