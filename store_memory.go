package guardkit

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// MemoryStore keeps all state in process. Transactions are serialized and
// run against a copy of the state that replaces the original on success.
type MemoryStore struct {
	mu    sync.Mutex
	state memoryState
}

type assignmentKey struct {
	identityID int64
	roleID     int64
}

type memoryState struct {
	identities  map[int64]Identity
	tasks       map[int64]Task
	roles       map[int64]Role
	assignments map[assignmentKey]RoleAssignment
	audit       []AuditEntry

	nextIdentityID int64
	nextTaskID     int64
	nextRoleID     int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

func newMemoryState() memoryState {
	return memoryState{
		identities:  map[int64]Identity{},
		tasks:       map[int64]Task{},
		roles:       map[int64]Role{},
		assignments: map[assignmentKey]RoleAssignment{},
	}
}

func (st memoryState) clone() memoryState {
	out := st
	out.identities = make(map[int64]Identity, len(st.identities))
	for k, v := range st.identities {
		out.identities[k] = cloneIdentity(v)
	}
	out.tasks = maps.Clone(st.tasks)
	out.roles = maps.Clone(st.roles)
	out.assignments = maps.Clone(st.assignments)
	out.audit = slices.Clone(st.audit)
	return out
}

func cloneAuditEntry(e AuditEntry) AuditEntry {
	if e.ActorID != nil {
		e.ActorID = int64Ptr(*e.ActorID)
	}
	if e.RecordID != nil {
		recordID := *e.RecordID
		e.RecordID = &recordID
	}
	if e.Before != nil {
		e.Before = cloneValue(e.Before).(map[string]any)
	}
	if e.After != nil {
		e.After = cloneValue(e.After).(map[string]any)
	}
	return e
}

// cloneValue deep-copies a decoded JSON value.
func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	}
	return v
}

func cloneIdentity(i Identity) Identity {
	if i.ManagerID != nil {
		i.ManagerID = int64Ptr(*i.ManagerID)
	}
	return i
}

// Transaction runs fn against a private copy of the state.
func (s *MemoryStore) Transaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(ctx, &memoryTx{st: &working}); err != nil {
		return err
	}
	s.state = working
	return nil
}

type memoryTx struct {
	st *memoryState
}

func notFound(kind string, id any) error {
	return NewError(ErrNotFound, fmt.Sprintf("%s %v", kind, id))
}

func stateMatches(deletedAt time.Time, state RecordState) bool {
	switch state {
	case StateLive:
		return deletedAt.IsZero()
	case StateTombstoned:
		return !deletedAt.IsZero()
	}
	return true
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[max(offset, 0):]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// LockHierarchy is a no-op; memory transactions are already serialized.
func (tx *memoryTx) LockHierarchy(context.Context) error { return nil }

func (tx *memoryTx) InsertIdentity(_ context.Context, identity *Identity) error {
	for _, existing := range tx.st.identities {
		if existing.Email == identity.Email {
			return NewError(ErrDuplicateIdentity, identity.Email)
		}
	}
	tx.st.nextIdentityID++
	identity.ID = tx.st.nextIdentityID
	tx.st.identities[identity.ID] = cloneIdentity(*identity)
	return nil
}

func (tx *memoryTx) FindIdentity(_ context.Context, id int64, state RecordState, _ bool) (*Identity, error) {
	identity, ok := tx.st.identities[id]
	if !ok || !stateMatches(identity.DeletedAt, state) {
		return nil, notFound("identity", id)
	}
	out := cloneIdentity(identity)
	return &out, nil
}

func (tx *memoryTx) FindIdentityByEmail(_ context.Context, email string) (*Identity, error) {
	for _, identity := range tx.st.identities {
		if identity.Email == email && identity.DeletedAt.IsZero() {
			out := cloneIdentity(identity)
			return &out, nil
		}
	}
	return nil, notFound("identity", email)
}

func (tx *memoryTx) ListIdentities(_ context.Context, filter IdentityFilter) ([]Identity, int, error) {
	all := lo.Filter(lo.Values(tx.st.identities), func(i Identity, _ int) bool {
		return i.DeletedAt.IsZero() && (filter.IncludeInactive || i.IsActive)
	})
	sort.Slice(all, func(a, b int) bool { return all[a].ID < all[b].ID })
	page := lo.Map(paginate(all, filter.Offset, filter.Limit), func(i Identity, _ int) Identity {
		return cloneIdentity(i)
	})
	return page, len(all), nil
}

func (tx *memoryTx) UpdateIdentity(_ context.Context, identity *Identity) error {
	existing, ok := tx.st.identities[identity.ID]
	if !ok {
		return notFound("identity", identity.ID)
	}
	for _, other := range tx.st.identities {
		if other.ID != identity.ID && other.Email == identity.Email {
			return NewError(ErrDuplicateIdentity, identity.Email)
		}
	}
	updated := cloneIdentity(*identity)
	updated.DeletedAt = existing.DeletedAt
	updated.CreatedAt = existing.CreatedAt
	tx.st.identities[identity.ID] = updated
	return nil
}

func (tx *memoryTx) DirectReports(_ context.Context, managerIDs []int64) ([]Identity, error) {
	var out []Identity
	for _, identity := range tx.st.identities {
		if identity.ManagerID != nil && slices.Contains(managerIDs, *identity.ManagerID) {
			out = append(out, cloneIdentity(identity))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (tx *memoryTx) DetachReports(_ context.Context, managerID int64) (int, error) {
	n := 0
	for id, identity := range tx.st.identities {
		if identity.ManagerID != nil && *identity.ManagerID == managerID {
			identity.ManagerID = nil
			tx.st.identities[id] = identity
			n++
		}
	}
	return n, nil
}

func (tx *memoryTx) InsertRole(_ context.Context, role *Role) error {
	for _, existing := range tx.st.roles {
		if existing.Component == role.Component && existing.Name == role.Name {
			return NewError(ErrDuplicateRole, role.Component+"/"+role.Name).WithRole(role.Component, role.Name)
		}
	}
	tx.st.nextRoleID++
	role.ID = tx.st.nextRoleID
	tx.st.roles[role.ID] = *role
	return nil
}

func (tx *memoryTx) FindRole(_ context.Context, id int64) (*Role, error) {
	role, ok := tx.st.roles[id]
	if !ok {
		return nil, notFound("role", id)
	}
	return &role, nil
}

func (tx *memoryTx) FindRoleByName(_ context.Context, component, name string) (*Role, error) {
	for _, role := range tx.st.roles {
		if role.Component == component && role.Name == name {
			return &role, nil
		}
	}
	return nil, notFound("role", component+"/"+name)
}

func (tx *memoryTx) ListRoles(_ context.Context, component string) ([]Role, error) {
	roles := lo.Filter(lo.Values(tx.st.roles), func(r Role, _ int) bool {
		return component == "" || r.Component == component
	})
	sortRoles(roles)
	return roles, nil
}

func sortRoles(roles []Role) {
	sort.Slice(roles, func(a, b int) bool {
		if roles[a].Component != roles[b].Component {
			return roles[a].Component < roles[b].Component
		}
		return roles[a].Name < roles[b].Name
	})
}

func (tx *memoryTx) UpdateRole(_ context.Context, role *Role) error {
	existing, ok := tx.st.roles[role.ID]
	if !ok {
		return notFound("role", role.ID)
	}
	existing.Description = role.Description
	existing.Permissions = role.Permissions
	existing.UpdatedAt = role.UpdatedAt
	tx.st.roles[role.ID] = existing
	return nil
}

func (tx *memoryTx) DeleteRole(_ context.Context, id int64) error {
	if _, ok := tx.st.roles[id]; !ok {
		return notFound("role", id)
	}
	delete(tx.st.roles, id)
	return nil
}

func (tx *memoryTx) InsertAssignment(_ context.Context, assignment *RoleAssignment) error {
	key := assignmentKey{assignment.IdentityID, assignment.RoleID}
	if _, ok := tx.st.assignments[key]; ok {
		return NewError(ErrAlreadyAssigned, assignment.recordID())
	}
	tx.st.assignments[key] = *assignment
	return nil
}

func (tx *memoryTx) DeleteAssignment(_ context.Context, identityID, roleID int64) (bool, error) {
	key := assignmentKey{identityID, roleID}
	if _, ok := tx.st.assignments[key]; !ok {
		return false, nil
	}
	delete(tx.st.assignments, key)
	return true, nil
}

func (tx *memoryTx) DeleteRoleAssignments(_ context.Context, roleID int64) (int, error) {
	n := 0
	for key := range tx.st.assignments {
		if key.roleID == roleID {
			delete(tx.st.assignments, key)
			n++
		}
	}
	return n, nil
}

func (tx *memoryTx) DeleteIdentityAssignments(_ context.Context, identityID int64) (int, error) {
	n := 0
	for key := range tx.st.assignments {
		if key.identityID == identityID {
			delete(tx.st.assignments, key)
			n++
		}
	}
	return n, nil
}

func (tx *memoryTx) AssignedRoles(_ context.Context, identityID int64, component string) ([]Role, error) {
	var roles []Role
	for key := range tx.st.assignments {
		if key.identityID != identityID {
			continue
		}
		role, ok := tx.st.roles[key.roleID]
		if ok && (component == "" || role.Component == component) {
			roles = append(roles, role)
		}
	}
	sortRoles(roles)
	return roles, nil
}

// Audit entries are stored and handed out as deep copies; the log never
// shares a snapshot map with a caller.
func (tx *memoryTx) InsertAuditEntry(_ context.Context, entry *AuditEntry) error {
	tx.st.audit = append(tx.st.audit, cloneAuditEntry(*entry))
	return nil
}

func (tx *memoryTx) FindAuditEntry(_ context.Context, id string) (*AuditEntry, error) {
	for _, entry := range tx.st.audit {
		if entry.ID == id {
			found := cloneAuditEntry(entry)
			return &found, nil
		}
	}
	return nil, notFound("audit entry", id)
}

func (tx *memoryTx) ListAuditEntries(_ context.Context, filter AuditFilter) ([]AuditEntry, int, error) {
	matched := lo.Filter(tx.st.audit, func(e AuditEntry, _ int) bool {
		return filter.matches(&e)
	})
	sort.SliceStable(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID > matched[b].ID
	})
	page := lo.Map(paginate(matched, filter.Offset, filter.Limit), func(e AuditEntry, _ int) AuditEntry {
		return cloneAuditEntry(e)
	})
	return page, len(matched), nil
}

func (tx *memoryTx) AuditFacets(context.Context) ([]string, []string, error) {
	tables := lo.Uniq(lo.Map(tx.st.audit, func(e AuditEntry, _ int) string { return e.TableName }))
	actions := lo.Uniq(lo.Map(tx.st.audit, func(e AuditEntry, _ int) string { return string(e.Action) }))
	sort.Strings(tables)
	sort.Strings(actions)
	return tables, actions, nil
}

func (tx *memoryTx) InsertTask(_ context.Context, task *Task) error {
	tx.st.nextTaskID++
	task.ID = tx.st.nextTaskID
	tx.st.tasks[task.ID] = *task
	return nil
}

func (tx *memoryTx) FindTask(_ context.Context, id int64, state RecordState, _ bool) (*Task, error) {
	task, ok := tx.st.tasks[id]
	if !ok || !stateMatches(task.DeletedAt, state) {
		return nil, notFound("task", id)
	}
	return &task, nil
}

func (tx *memoryTx) ListTasks(_ context.Context, filter TaskFilter) ([]Task, int, error) {
	all := lo.Filter(lo.Values(tx.st.tasks), func(t Task, _ int) bool {
		if !t.DeletedAt.IsZero() {
			return false
		}
		if filter.OwnerIDs != nil && !slices.Contains(filter.OwnerIDs, t.UserID) {
			return false
		}
		return filter.Status == "" || t.Status == filter.Status
	})
	sort.Slice(all, func(a, b int) bool { return all[a].ID < all[b].ID })
	return paginate(all, filter.Offset, filter.Limit), len(all), nil
}

func (tx *memoryTx) UpdateTask(_ context.Context, task *Task) error {
	existing, ok := tx.st.tasks[task.ID]
	if !ok || existing.Tombstoned() {
		return notFound("task", task.ID)
	}
	updated := *task
	updated.DeletedAt = existing.DeletedAt
	updated.CreatedAt = existing.CreatedAt
	tx.st.tasks[task.ID] = updated
	return nil
}

func (tx *memoryTx) CountTasksByOwner(_ context.Context, ownerID int64) (int, error) {
	return lo.CountBy(lo.Values(tx.st.tasks), func(t Task) bool { return t.UserID == ownerID }), nil
}

func (tx *memoryTx) setDeletedAt(kind ResourceKind, id int64, from RecordState, at time.Time) (bool, error) {
	switch kind {
	case KindIdentity:
		identity, ok := tx.st.identities[id]
		if !ok || !stateMatches(identity.DeletedAt, from) {
			return false, nil
		}
		identity.DeletedAt = at
		tx.st.identities[id] = identity
		return true, nil
	case KindTask:
		task, ok := tx.st.tasks[id]
		if !ok || !stateMatches(task.DeletedAt, from) {
			return false, nil
		}
		task.DeletedAt = at
		tx.st.tasks[id] = task
		return true, nil
	}
	return false, unknownKind(kind)
}

func (tx *memoryTx) SetTombstone(_ context.Context, kind ResourceKind, id int64, at time.Time) (bool, error) {
	return tx.setDeletedAt(kind, id, StateLive, at)
}

func (tx *memoryTx) ClearTombstone(_ context.Context, kind ResourceKind, id int64) (bool, error) {
	return tx.setDeletedAt(kind, id, StateTombstoned, time.Time{})
}

func (tx *memoryTx) DeleteTombstoned(_ context.Context, kind ResourceKind, id int64) (bool, error) {
	switch kind {
	case KindIdentity:
		identity, ok := tx.st.identities[id]
		if !ok || !identity.Tombstoned() {
			return false, nil
		}
		delete(tx.st.identities, id)
		return true, nil
	case KindTask:
		task, ok := tx.st.tasks[id]
		if !ok || !task.Tombstoned() {
			return false, nil
		}
		delete(tx.st.tasks, id)
		return true, nil
	}
	return false, unknownKind(kind)
}

func (tx *memoryTx) tombstoned(kind ResourceKind) ([]TrashEntry, error) {
	var entries []TrashEntry
	switch kind {
	case KindIdentity:
		for _, identity := range tx.st.identities {
			if identity.Tombstoned() {
				entries = append(entries, trashEntryFromIdentity(&identity))
			}
		}
	case KindTask:
		for _, task := range tx.st.tasks {
			if task.Tombstoned() {
				entries = append(entries, trashEntryFromTask(&task))
			}
		}
	default:
		return nil, unknownKind(kind)
	}
	sortTrash(entries)
	return entries, nil
}

func (tx *memoryTx) ListTombstoned(_ context.Context, kind ResourceKind, limit int) ([]TrashEntry, error) {
	entries, err := tx.tombstoned(kind)
	if err != nil {
		return nil, err
	}
	return paginate(entries, 0, limit), nil
}

func (tx *memoryTx) CountTombstoned(_ context.Context, kind ResourceKind) (int, error) {
	entries, err := tx.tombstoned(kind)
	return len(entries), err
}

func (tx *memoryTx) TombstonedIDs(_ context.Context, kind ResourceKind) ([]int64, error) {
	entries, err := tx.tombstoned(kind)
	if err != nil {
		return nil, err
	}
	ids := lo.Map(entries, func(e TrashEntry, _ int) int64 { return e.ID })
	slices.Sort(ids)
	return ids, nil
}
