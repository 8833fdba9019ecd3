package guardkit

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// TasksComponent is the component name task permissions are resolved against.
const TasksComponent = "tasks"

// TaskInput describes a task to create. Status defaults to todo and priority
// to medium.
type TaskInput struct {
	Title       string
	Description string
	Status      TaskStatus
	Priority    TaskPriority
}

// TaskUpdate changes a task. Nil fields are left alone.
type TaskUpdate struct {
	Title       *string
	Description *string
	Status      *TaskStatus
	Priority    *TaskPriority
}

// TaskListFilter narrows ListTasks.
type TaskListFilter struct {
	Status TaskStatus
	Limit  int
	Offset int
}

// TaskPage is one page of visible tasks.
type TaskPage struct {
	Tasks  []Task `json:"tasks"`
	Total  int    `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// Valid reports whether the status is known.
func (s TaskStatus) Valid() bool {
	return s == TaskTodo || s == TaskInProgress || s == TaskDone
}

// Valid reports whether the priority is known.
func (p TaskPriority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

func validateTask(t *Task) error {
	var problems []string
	if strings.TrimSpace(t.Title) == "" {
		problems = append(problems, "title is required")
	}
	if !t.Status.Valid() {
		problems = append(problems, fmt.Sprintf("invalid status %q", t.Status))
	}
	if !t.Priority.Valid() {
		problems = append(problems, fmt.Sprintf("invalid priority %q", t.Priority))
	}
	if len(problems) > 0 {
		return NewError(ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// CreateTask creates a task owned by the actor.
func (s *Service) CreateTask(ctx context.Context, in TaskInput, actor Actor) (*Task, error) {
	now := s.timestamp()
	task := &Task{
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Status:      lo.CoalesceOrEmpty(in.Status, TaskTodo),
		Priority:    lo.CoalesceOrEmpty(in.Priority, PriorityMedium),
		UserID:      actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := validateTask(task); err != nil {
		return nil, err
	}

	err := s.transaction(ctx, "CreateTask", func(ctx context.Context, tx Tx) error {
		if err := s.require(ctx, tx, actor.ID, ActionCreate, nil); err != nil {
			return err
		}
		if err := tx.InsertTask(ctx, task); err != nil {
			return err
		}
		_, err := s.recordTx(ctx, tx, RecordInput{
			Actor:       actor,
			Action:      AuditCreate,
			TableName:   string(KindTask),
			RecordID:    formatID(task.ID),
			After:       task.snapshot(),
			Description: "Created task " + task.Title,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask retrieves a live task the actor may read.
func (s *Service) GetTask(ctx context.Context, id int64, actor Actor) (*Task, error) {
	var task *Task
	err := s.transaction(ctx, "GetTask", func(ctx context.Context, tx Tx) error {
		var err error
		task, err = tx.FindTask(ctx, id, StateLive, false)
		if err != nil {
			return err
		}
		return s.require(ctx, tx, actor.ID, ActionRead, &task.UserID)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks lists the live tasks visible to the actor. Visibility follows the
// read scope: all tasks, the actor's and their reports' tasks, or only the
// actor's own. Without read access it fails with ErrPermissionDenied.
func (s *Service) ListTasks(ctx context.Context, filter TaskListFilter, actor Actor) (*TaskPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, NewError(ErrValidation, fmt.Sprintf("invalid status %q", filter.Status))
	}
	page := &TaskPage{
		Limit:  clampLimit(filter.Limit, defaultPageSize, maxPageSize),
		Offset: max(filter.Offset, 0),
	}

	err := s.transaction(ctx, "ListTasks", func(ctx context.Context, tx Tx) error {
		resolved, err := s.resolve(ctx, tx, actor.ID, TasksComponent)
		if err != nil {
			return err
		}

		var owners []int64
		switch resolved.Read {
		case ScopeNone:
			s.countDecision(ctx, TasksComponent, ActionRead, false)
			return deniedError(actor.ID, TasksComponent, ActionRead)
		case ScopeOwn:
			owners = []int64{actor.ID}
		case ScopeSubordinates:
			below, err := s.walkDown(ctx, tx, actor.ID)
			if err != nil {
				return err
			}
			owners = append([]int64{actor.ID}, lo.Map(below, func(i Identity, _ int) int64 { return i.ID })...)
		}
		s.countDecision(ctx, TasksComponent, ActionRead, true)

		page.Tasks, page.Total, err = tx.ListTasks(ctx, TaskFilter{
			OwnerIDs: owners,
			Status:   filter.Status,
			Limit:    page.Limit,
			Offset:   page.Offset,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// UpdateTask changes a live task the actor may update. The owner cannot change.
func (s *Service) UpdateTask(ctx context.Context, id int64, update TaskUpdate, actor Actor) (*Task, error) {
	var task *Task
	err := s.transaction(ctx, "UpdateTask", func(ctx context.Context, tx Tx) error {
		var err error
		task, err = tx.FindTask(ctx, id, StateLive, true)
		if err != nil {
			return err
		}
		if err := s.require(ctx, tx, actor.ID, ActionUpdate, &task.UserID); err != nil {
			return err
		}

		before := task.snapshot()
		if update.Title != nil {
			task.Title = strings.TrimSpace(*update.Title)
		}
		if update.Description != nil {
			task.Description = *update.Description
		}
		if update.Status != nil {
			task.Status = *update.Status
		}
		if update.Priority != nil {
			task.Priority = *update.Priority
		}
		if err := validateTask(task); err != nil {
			return err
		}
		task.UpdatedAt = s.timestamp()

		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		_, err = s.recordTx(ctx, tx, RecordInput{
			Actor:       actor,
			Action:      AuditUpdate,
			TableName:   string(KindTask),
			RecordID:    formatID(id),
			Before:      before,
			After:       task.snapshot(),
			Description: "Updated task " + task.Title,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// DeleteTask moves a task the actor may delete to the trash.
func (s *Service) DeleteTask(ctx context.Context, id int64, actor Actor) error {
	err := s.transaction(ctx, "DeleteTask", func(ctx context.Context, tx Tx) error {
		task, err := tx.FindTask(ctx, id, StateLive, true)
		if err != nil {
			return err
		}
		if err := s.require(ctx, tx, actor.ID, ActionDelete, &task.UserID); err != nil {
			return err
		}
		return s.softDelete(ctx, tx, KindTask, id, actor)
	})
	if err != nil {
		return err
	}
	s.metrics.trash(KindTask, "soft_delete", 1)
	return nil
}

// require checks a task permission inside an open transaction.
func (s *Service) require(ctx context.Context, tx Tx, identityID int64, action Action, ownerID *int64) error {
	allowed, err := s.allow(ctx, tx, identityID, TasksComponent, action, ownerID)
	if err != nil {
		return err
	}
	if !allowed {
		return deniedError(identityID, TasksComponent, action)
	}
	return nil
}
