package guardkit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestIdentitySnapshot tests the audit representation of an identity
func TestIdentitySnapshot(t *testing.T) {
	manager := int64(2)
	identity := &Identity{ID: 5, Email: "dev@example.com", ManagerID: &manager, IsActive: true}

	assert.Equal(t, "dev@example.com", identity.Label())
	assert.False(t, identity.Tombstoned())
	assert.Equal(t, map[string]any{
		"id":           int64(5),
		"email":        "dev@example.com",
		"display_name": "",
		"manager_id":   int64(2),
		"is_active":    true,
		"is_admin":     false,
	}, identity.snapshot())

	identity.ManagerID = nil
	identity.DeletedAt = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	snap := identity.snapshot()
	assert.Nil(t, snap["manager_id"])
	assert.Equal(t, "2024-03-01T09:00:00Z", snap["deleted_at"])
	assert.True(t, identity.Tombstoned())
}

// TestTaskSnapshot tests the audit representation of a task
func TestTaskSnapshot(t *testing.T) {
	task := &Task{ID: 3, Title: "Ship", Status: TaskInProgress, Priority: PriorityHigh, UserID: 9}
	assert.Equal(t, map[string]any{
		"id":          int64(3),
		"title":       "Ship",
		"description": "",
		"status":      "in_progress",
		"priority":    "high",
		"user_id":     int64(9),
	}, task.snapshot())
}

// TestRoleSnapshot tests that ungranted actions are recorded as null
func TestRoleSnapshot(t *testing.T) {
	role := &Role{
		ID:          1,
		Component:   "tasks",
		Name:        "Manager",
		Permissions: MustPermissionSet(map[string]string{"read": "subordinates"}),
	}
	snap := role.snapshot()
	assert.Equal(t, map[string]any{
		"create": nil,
		"read":   "subordinates",
		"update": nil,
		"delete": nil,
	}, snap["permissions"])
}

// TestAssignmentRecordID tests the composite record id
func TestAssignmentRecordID(t *testing.T) {
	a := &RoleAssignment{IdentityID: 4, RoleID: 2}
	assert.Equal(t, "4:2", a.recordID())
}

// TestAuditEntryProvenance tests provenance extraction from an entry
func TestAuditEntryProvenance(t *testing.T) {
	entry := &AuditEntry{IPAddress: "192.0.2.1", Method: "PUT", RequestID: "r"}
	assert.Equal(t, Provenance{IPAddress: "192.0.2.1", Method: "PUT", RequestID: "r"}, entry.Provenance())
}
