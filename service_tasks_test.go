package guardkit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// teamFixture builds lead -> dev and an unrelated outsider, each with a task.
type teamFixture struct {
	*fixture
	lead, dev, outsider             *Identity
	leadTask, devTask, outsiderTask *Task
}

func newTeamFixture(t *testing.T) *teamFixture {
	f := newFixture(t)
	tf := &teamFixture{fixture: f}
	tf.lead = f.identity("lead", nil)
	tf.dev = f.identity("dev", tf.lead)
	tf.outsider = f.identity("outsider", nil)
	tf.leadTask = f.task(tf.lead, "lead task")
	tf.devTask = f.task(tf.dev, "dev task")
	tf.outsiderTask = f.task(tf.outsider, "outsider task")
	return tf
}

func taskIDs(tasks []Task) []int64 {
	out := make([]int64, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}

// TestCreateTask tests defaults, ownership and the audit entry
func TestCreateTask(t *testing.T) {
	f := newFixture(t)
	dev := f.identity("dev", nil)
	f.grant(dev, "User")

	task, err := f.service.CreateTask(f.ctx, TaskInput{Title: "  Fix login  ", Description: "500 on submit"}, dev.Actor())
	require.NoError(t, err)
	assert.Equal(t, "Fix login", task.Title)
	assert.Equal(t, TaskTodo, task.Status)
	assert.Equal(t, PriorityMedium, task.Priority)
	assert.Equal(t, dev.ID, task.UserID)

	entry := f.auditEntries("tasks")[0]
	assert.Equal(t, AuditCreate, entry.Action)
	assert.Equal(t, "Fix login", entry.After["title"])
	assert.Equal(t, float64(dev.ID), entry.After["user_id"])
	assert.Equal(t, "dev", entry.ActorLabel)
}

// TestCreateTaskValidation tests rejected inputs
func TestCreateTaskValidation(t *testing.T) {
	f := newFixture(t)
	dev := f.identity("dev", nil)
	f.grant(dev, "User")

	_, err := f.service.CreateTask(f.ctx, TaskInput{Title: " "}, dev.Actor())
	assert.True(t, IsValidation(err))

	_, err = f.service.CreateTask(f.ctx, TaskInput{Title: "x", Status: "blocked", Priority: "urgent"}, dev.Actor())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
	assert.Contains(t, err.Error(), "urgent")
}

// TestCreateTaskWithoutRole tests that create needs a granted scope
func TestCreateTaskWithoutRole(t *testing.T) {
	f := newFixture(t)
	dev := f.identity("dev", nil)

	_, err := f.service.CreateTask(f.ctx, TaskInput{Title: "x"}, dev.Actor())
	assert.True(t, IsPermissionDenied(err))
	assert.Empty(t, f.auditEntries("tasks"))
}

// TestListTasksVisibility tests that listing follows the read scope
func TestListTasksVisibility(t *testing.T) {
	tests := []struct {
		name     string
		role     string
		actor    func(tf *teamFixture) *Identity
		expected func(tf *teamFixture) []int64
	}{
		{
			name:  "own scope sees own tasks",
			role:  "User",
			actor: func(tf *teamFixture) *Identity { return tf.dev },
			expected: func(tf *teamFixture) []int64 {
				return []int64{tf.devTask.ID}
			},
		},
		{
			name:  "subordinates scope sees the team",
			role:  "Manager",
			actor: func(tf *teamFixture) *Identity { return tf.lead },
			expected: func(tf *teamFixture) []int64 {
				return []int64{tf.leadTask.ID, tf.devTask.ID}
			},
		},
		{
			name:  "subordinates scope without reports sees own tasks",
			role:  "Manager",
			actor: func(tf *teamFixture) *Identity { return tf.dev },
			expected: func(tf *teamFixture) []int64 {
				return []int64{tf.devTask.ID}
			},
		},
		{
			name:  "all scope sees everything",
			role:  "Admin",
			actor: func(tf *teamFixture) *Identity { return tf.outsider },
			expected: func(tf *teamFixture) []int64 {
				return []int64{tf.leadTask.ID, tf.devTask.ID, tf.outsiderTask.ID}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tf := newTeamFixture(t)
			actor := tt.actor(tf)
			tf.grant(actor, tt.role)

			page, err := tf.service.ListTasks(tf.ctx, TaskListFilter{}, actor.Actor())
			require.NoError(t, err)
			assert.Equal(t, tt.expected(tf), taskIDs(page.Tasks))
			assert.Equal(t, len(page.Tasks), page.Total)
		})
	}
}

// TestListTasksWithoutReadScope tests the denial when read is not granted
func TestListTasksWithoutReadScope(t *testing.T) {
	tf := newTeamFixture(t)

	_, err := tf.service.ListTasks(tf.ctx, TaskListFilter{}, tf.dev.Actor())
	assert.True(t, IsPermissionDenied(err))
}

// TestListTasksFilters tests status filtering, paging and trashed tasks
func TestListTasksFilters(t *testing.T) {
	tf := newTeamFixture(t)
	tf.grant(tf.outsider, "Admin")
	admin := tf.outsider.Actor()

	done := TaskDone
	_, err := tf.service.UpdateTask(tf.ctx, tf.devTask.ID, TaskUpdate{Status: &done}, admin)
	require.NoError(t, err)

	page, err := tf.service.ListTasks(tf.ctx, TaskListFilter{Status: TaskDone}, admin)
	require.NoError(t, err)
	assert.Equal(t, []int64{tf.devTask.ID}, taskIDs(page.Tasks))

	page, err = tf.service.ListTasks(tf.ctx, TaskListFilter{Limit: 1, Offset: 1}, admin)
	require.NoError(t, err)
	assert.Equal(t, []int64{tf.devTask.ID}, taskIDs(page.Tasks))
	assert.Equal(t, 3, page.Total)

	require.NoError(t, tf.service.DeleteTask(tf.ctx, tf.leadTask.ID, admin))
	page, err = tf.service.ListTasks(tf.ctx, TaskListFilter{}, admin)
	require.NoError(t, err)
	assert.Equal(t, []int64{tf.devTask.ID, tf.outsiderTask.ID}, taskIDs(page.Tasks))

	_, err = tf.service.ListTasks(tf.ctx, TaskListFilter{Status: "blocked"}, admin)
	assert.True(t, IsValidation(err))
}

// TestGetTask tests read checks on a single task
func TestGetTask(t *testing.T) {
	tf := newTeamFixture(t)
	tf.grant(tf.lead, "Manager")

	task, err := tf.service.GetTask(tf.ctx, tf.devTask.ID, tf.lead.Actor())
	require.NoError(t, err)
	assert.Equal(t, "dev task", task.Title)

	_, err = tf.service.GetTask(tf.ctx, tf.outsiderTask.ID, tf.lead.Actor())
	assert.True(t, IsPermissionDenied(err))

	_, err = tf.service.GetTask(tf.ctx, 999, tf.lead.Actor())
	assert.True(t, IsNotFound(err))
}

// TestUpdateTask tests update checks and the before/after audit
func TestUpdateTask(t *testing.T) {
	tf := newTeamFixture(t)
	tf.grant(tf.lead, "Manager")

	high := PriorityHigh
	task, err := tf.service.UpdateTask(tf.ctx, tf.devTask.ID, TaskUpdate{Priority: &high}, tf.lead.Actor())
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, task.Priority)
	assert.Equal(t, tf.dev.ID, task.UserID)

	entry := tf.auditEntries("tasks")[0]
	assert.Equal(t, AuditUpdate, entry.Action)
	assert.Equal(t, "medium", entry.Before["priority"])
	assert.Equal(t, "high", entry.After["priority"])

	_, err = tf.service.UpdateTask(tf.ctx, tf.outsiderTask.ID, TaskUpdate{Priority: &high}, tf.lead.Actor())
	assert.True(t, IsPermissionDenied(err))

	empty := ""
	_, err = tf.service.UpdateTask(tf.ctx, tf.devTask.ID, TaskUpdate{Title: &empty}, tf.lead.Actor())
	assert.True(t, IsValidation(err))

	// A rejected update leaves the task unchanged
	got, err := tf.service.GetTask(tf.ctx, tf.devTask.ID, tf.lead.Actor())
	require.NoError(t, err)
	assert.Equal(t, "dev task", got.Title)
}

// TestDeleteTask tests that deletion checks permission and goes through the trash
func TestDeleteTask(t *testing.T) {
	tf := newTeamFixture(t)
	tf.grant(tf.lead, "Manager")
	tf.grant(tf.dev, "User")

	// Manager grants no delete
	err := tf.service.DeleteTask(tf.ctx, tf.devTask.ID, tf.lead.Actor())
	assert.True(t, IsPermissionDenied(err))

	require.NoError(t, tf.service.DeleteTask(tf.ctx, tf.devTask.ID, tf.dev.Actor()))

	page, err := tf.service.ListTrash(tf.ctx, NewTrashFilter().WithKind(KindTask))
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, tf.devTask.ID, page.Entries[0].ID)

	err = tf.service.DeleteTask(tf.ctx, tf.devTask.ID, tf.dev.Actor())
	assert.True(t, IsNotFound(err))
}
