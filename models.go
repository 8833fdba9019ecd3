package guardkit

import (
	"strconv"
	"time"

	"github.com/uptrace/bun"
)

// Identity is a user. Identities form a reporting forest through ManagerID.
type Identity struct {
	bun.BaseModel `bun:"table:identities,alias:i"`

	ID          int64     `bun:"id,pk,autoincrement" json:"id"`
	Email       string    `bun:"email,notnull,unique" json:"email"`
	DisplayName string    `bun:"display_name,notnull" json:"display_name"`
	ManagerID   *int64    `bun:"manager_id" json:"manager_id"`
	IsActive    bool      `bun:"is_active,notnull" json:"is_active"`
	IsAdmin     bool      `bun:"is_admin,notnull" json:"is_admin"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt   time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
	DeletedAt   time.Time `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitzero"`
}

// Label is the human-readable name stored on audit entries.
func (i *Identity) Label() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.Email
}

// Tombstoned reports whether the identity is soft-deleted.
func (i *Identity) Tombstoned() bool {
	return !i.DeletedAt.IsZero()
}

// Actor returns the identity as an audit actor.
func (i *Identity) Actor() Actor {
	return Actor{ID: i.ID, Label: i.Label()}
}

func (i *Identity) snapshot() map[string]any {
	s := map[string]any{
		"id":           i.ID,
		"email":        i.Email,
		"display_name": i.DisplayName,
		"manager_id":   nil,
		"is_active":    i.IsActive,
		"is_admin":     i.IsAdmin,
	}
	if i.ManagerID != nil {
		s["manager_id"] = *i.ManagerID
	}
	if i.Tombstoned() {
		s["deleted_at"] = formatTime(i.DeletedAt)
	}
	return s
}

// TaskStatus is the progress state of a task.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
)

// TaskPriority ranks a task.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

// Task is a resource owned by exactly one identity.
type Task struct {
	bun.BaseModel `bun:"table:tasks,alias:t"`

	ID          int64        `bun:"id,pk,autoincrement" json:"id"`
	Title       string       `bun:"title,notnull" json:"title"`
	Description string       `bun:"description,notnull" json:"description"`
	Status      TaskStatus   `bun:"status,notnull" json:"status"`
	Priority    TaskPriority `bun:"priority,notnull" json:"priority"`
	UserID      int64        `bun:"user_id,notnull" json:"user_id"`
	CreatedAt   time.Time    `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt   time.Time    `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
	DeletedAt   time.Time    `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitzero"`
}

// Tombstoned reports whether the task is soft-deleted.
func (t *Task) Tombstoned() bool {
	return !t.DeletedAt.IsZero()
}

func (t *Task) snapshot() map[string]any {
	s := map[string]any{
		"id":          t.ID,
		"title":       t.Title,
		"description": t.Description,
		"status":      string(t.Status),
		"priority":    string(t.Priority),
		"user_id":     t.UserID,
	}
	if t.Tombstoned() {
		s["deleted_at"] = formatTime(t.DeletedAt)
	}
	return s
}

// Role is a named permission set scoped to a component.
// Component and Name are immutable after creation.
type Role struct {
	bun.BaseModel `bun:"table:roles,alias:r"`

	ID          int64         `bun:"id,pk,autoincrement" json:"id"`
	Component   string        `bun:"component,notnull" json:"component"`
	Name        string        `bun:"name,notnull" json:"name"`
	Description string        `bun:"description,notnull" json:"description"`
	Permissions PermissionSet `bun:"permissions,type:jsonb,notnull" json:"permissions"`
	CreatedAt   time.Time     `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt   time.Time     `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

func (r *Role) snapshot() map[string]any {
	perms := make(map[string]any, len(Actions))
	for _, action := range Actions {
		if s := r.Permissions.Scope(action); s.Granted() {
			perms[string(action)] = s.String()
		} else {
			perms[string(action)] = nil
		}
	}
	return map[string]any{
		"id":          r.ID,
		"component":   r.Component,
		"name":        r.Name,
		"description": r.Description,
		"permissions": perms,
	}
}

// RoleAssignment grants a role to an identity. Unique per pair.
type RoleAssignment struct {
	bun.BaseModel `bun:"table:role_assignments,alias:ra"`

	IdentityID int64     `bun:"identity_id,pk" json:"identity_id"`
	RoleID     int64     `bun:"role_id,pk" json:"role_id"`
	CreatedAt  time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

func (a *RoleAssignment) recordID() string {
	return strconv.FormatInt(a.IdentityID, 10) + ":" + strconv.FormatInt(a.RoleID, 10)
}

// AuditAction is the kind of operation an audit entry records.
type AuditAction string

const (
	AuditCreate         AuditAction = "create"
	AuditRead           AuditAction = "read"
	AuditUpdate         AuditAction = "update"
	AuditDelete         AuditAction = "delete"
	AuditRestore        AuditAction = "restore"
	AuditPurge          AuditAction = "purge"
	AuditLogin          AuditAction = "login"
	AuditLogout         AuditAction = "logout"
	AuditPasswordChange AuditAction = "password_change"
	AuditPasswordReset  AuditAction = "password_reset"
)

// AuditEntry is an immutable record of one state-changing operation.
type AuditEntry struct {
	bun.BaseModel `bun:"table:audit_entries,alias:ae"`

	ID         string `bun:"id,pk" json:"id"`
	ActorID    *int64 `bun:"actor_id" json:"actor_id"`
	ActorLabel string `bun:"actor_label,notnull" json:"actor_label"`

	Action    AuditAction `bun:"action,notnull" json:"action"`
	TableName string      `bun:"table_name,notnull" json:"table_name"`
	RecordID  *string     `bun:"record_id" json:"record_id"`

	Before      map[string]any `bun:"before_state,type:jsonb,nullzero" json:"before,omitempty"`
	After       map[string]any `bun:"after_state,type:jsonb,nullzero" json:"after,omitempty"`
	Description string         `bun:"description,notnull" json:"description"`

	// Request provenance for forensics
	IPAddress string `bun:"ip_address,nullzero" json:"ip_address,omitempty"`
	UserAgent string `bun:"user_agent,nullzero" json:"user_agent,omitempty"`
	Endpoint  string `bun:"endpoint,nullzero" json:"endpoint,omitempty"`
	Method    string `bun:"method,nullzero" json:"method,omitempty"`
	RequestID string `bun:"request_id,nullzero" json:"request_id,omitempty"`

	Signature string    `bun:"signature,nullzero" json:"signature,omitempty"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
}

// Provenance returns the request metadata stored on the entry.
func (e *AuditEntry) Provenance() Provenance {
	return Provenance{
		IPAddress: e.IPAddress,
		UserAgent: e.UserAgent,
		Endpoint:  e.Endpoint,
		Method:    e.Method,
		RequestID: e.RequestID,
	}
}

// Actor performs an operation. The zero ID is the system actor and is stored
// with a null actor id.
type Actor struct {
	ID    int64
	Label string
}

// SystemActor is used for operations not triggered by an identity.
var SystemActor = Actor{Label: "system"}

// IsSystem reports whether the actor is the system.
func (a Actor) IsSystem() bool {
	return a.ID == 0
}

func (a Actor) idPtr() *int64 {
	if a.IsSystem() {
		return nil
	}
	id := a.ID
	return &id
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func int64Ptr(v int64) *int64 {
	return &v
}
