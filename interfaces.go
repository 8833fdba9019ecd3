package guardkit

import (
	"context"
	"time"
)

// RecordState selects live records, tombstoned records, or both.
type RecordState int

const (
	StateLive RecordState = iota
	StateTombstoned
	StateAny
)

// ResourceKind names a record type governed by the lifecycle manager.
// The value is the table name.
type ResourceKind string

const (
	KindIdentity ResourceKind = "identities"
	KindTask     ResourceKind = "tasks"
)

// GovernedKinds lists the kinds that pass through the trash, in purge order.
var GovernedKinds = []ResourceKind{KindTask, KindIdentity}

// Store provides transactional access to persisted state.
type Store interface {
	// Transaction runs fn atomically. Writes made through tx become visible
	// only if fn returns nil.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Pinger is implemented by stores backed by a remote database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Tx is the set of storage operations available inside a transaction.
type Tx interface {
	IdentityTx
	RoleTx
	AuditTx
	TaskTx
	TrashTx
}

// IdentityTx stores identities and the manager graph.
type IdentityTx interface {
	// LockHierarchy serializes manager-graph mutations until the transaction ends.
	LockHierarchy(ctx context.Context) error
	InsertIdentity(ctx context.Context, identity *Identity) error
	FindIdentity(ctx context.Context, id int64, state RecordState, forUpdate bool) (*Identity, error)
	FindIdentityByEmail(ctx context.Context, email string) (*Identity, error)
	ListIdentities(ctx context.Context, filter IdentityFilter) ([]Identity, int, error)
	UpdateIdentity(ctx context.Context, identity *Identity) error
	// DirectReports returns identities in any state whose manager is one of managerIDs.
	DirectReports(ctx context.Context, managerIDs []int64) ([]Identity, error)
	// DetachReports clears manager_id on every identity managed by managerID.
	DetachReports(ctx context.Context, managerID int64) (int, error)
}

// RoleTx stores roles and assignments.
type RoleTx interface {
	InsertRole(ctx context.Context, role *Role) error
	FindRole(ctx context.Context, id int64) (*Role, error)
	FindRoleByName(ctx context.Context, component, name string) (*Role, error)
	ListRoles(ctx context.Context, component string) ([]Role, error)
	UpdateRole(ctx context.Context, role *Role) error
	DeleteRole(ctx context.Context, id int64) error
	InsertAssignment(ctx context.Context, assignment *RoleAssignment) error
	DeleteAssignment(ctx context.Context, identityID, roleID int64) (bool, error)
	DeleteRoleAssignments(ctx context.Context, roleID int64) (int, error)
	DeleteIdentityAssignments(ctx context.Context, identityID int64) (int, error)
	// AssignedRoles returns the roles held by identityID, restricted to component unless empty.
	AssignedRoles(ctx context.Context, identityID int64, component string) ([]Role, error)
}

// AuditTx stores audit entries. Entries are never updated or deleted.
type AuditTx interface {
	InsertAuditEntry(ctx context.Context, entry *AuditEntry) error
	FindAuditEntry(ctx context.Context, id string) (*AuditEntry, error)
	// ListAuditEntries returns one page, newest first, and the total match count.
	ListAuditEntries(ctx context.Context, filter AuditFilter) ([]AuditEntry, int, error)
	AuditFacets(ctx context.Context) (tables []string, actions []string, err error)
}

// TaskTx stores tasks.
type TaskTx interface {
	InsertTask(ctx context.Context, task *Task) error
	FindTask(ctx context.Context, id int64, state RecordState, forUpdate bool) (*Task, error)
	// ListTasks returns live tasks, restricted to filter.OwnerIDs unless nil.
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, int, error)
	UpdateTask(ctx context.Context, task *Task) error
	// CountTasksByOwner counts live and tombstoned tasks owned by ownerID.
	CountTasksByOwner(ctx context.Context, ownerID int64) (int, error)
}

// TrashTx moves governed records between lifecycle states.
type TrashTx interface {
	SetTombstone(ctx context.Context, kind ResourceKind, id int64, at time.Time) (bool, error)
	ClearTombstone(ctx context.Context, kind ResourceKind, id int64) (bool, error)
	// DeleteTombstoned removes a tombstoned record permanently.
	DeleteTombstoned(ctx context.Context, kind ResourceKind, id int64) (bool, error)
	// ListTombstoned returns up to limit tombstoned records, newest tombstone first.
	ListTombstoned(ctx context.Context, kind ResourceKind, limit int) ([]TrashEntry, error)
	CountTombstoned(ctx context.Context, kind ResourceKind) (int, error)
	TombstonedIDs(ctx context.Context, kind ResourceKind) ([]int64, error)
}

// IdentityFilter pages through live identities.
type IdentityFilter struct {
	IncludeInactive bool
	Limit           int
	Offset          int
}

// TaskFilter pages through live tasks.
type TaskFilter struct {
	// OwnerIDs restricts the listing; nil means every owner.
	OwnerIDs []int64
	Status   TaskStatus
	Limit    int
	Offset   int
}
