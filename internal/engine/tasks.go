package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"cadence/internal/config"
	"cadence/internal/domain"
	"cadence/internal/history"
	"cadence/internal/overdue"
	"cadence/internal/recurrence"
	"cadence/internal/repo"
)

// CreateTaskOptions are parameters for a one-off task.
type CreateTaskOptions struct {
	OrgID       string
	Title       string
	Description string
	Priority    string
	AssigneeID  string
	ActorID     string
	DueDate     *time.Time
}

func (e Engine) CreateTask(ctx context.Context, opts CreateTaskOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, ValidationError{Field: "title", Reason: "is required"}
	}
	if opts.OrgID == "" {
		return domain.Task{}, ValidationError{Field: "org_id", Reason: "is required"}
	}
	if opts.ActorID == "" {
		return domain.Task{}, ValidationError{Field: "actor_id", Reason: "is required"}
	}
	if err := e.authorize(ctx, opts.ActorID, opts.OrgID, config.PermTasksCreate); err != nil {
		return domain.Task{}, err
	}
	now := e.now()
	t := domain.Task{
		ID:              uuid.NewString(),
		OrgID:           opts.OrgID,
		Title:           opts.Title,
		Description:     opts.Description,
		Status:          domain.TaskPending,
		Priority:        opts.Priority,
		AssigneeID:      stringPtr(opts.AssigneeID),
		CreatedBy:       opts.ActorID,
		DueDate:         opts.DueDate,
		OriginalDueDate: opts.DueDate,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Store.CreateTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) loadTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := e.Store.GetTask(ctx, id)
	if err != nil {
		return t, notFound(err, "task", id)
	}
	return t, nil
}

// GetTask returns one task visible to actorID.
func (e Engine) GetTask(ctx context.Context, id, actorID string) (domain.Task, error) {
	t, err := e.loadTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.authorizeTaskView(ctx, actorID, t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ListTasks returns the tasks of f.OrgID matching f. Actors limited to their
// assigned tasks only see those.
func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilter, actorID string) ([]domain.Task, error) {
	if f.OrgID == "" {
		return nil, ValidationError{Field: "org_id", Reason: "is required"}
	}
	all, err := e.viewScope(ctx, actorID, f.OrgID)
	if err != nil {
		return nil, err
	}
	if !all {
		f.AssigneeID = actorID
	}
	return e.Store.ListTasks(ctx, f)
}

// TaskResult is a task after a terminal transition plus the instance it
// generated, if any.
type TaskResult struct {
	Task domain.Task  `json:"task"`
	Next *domain.Task `json:"next,omitempty"`
}

// CompleteTask marks a task completed and advances its template. A recurring
// instance cannot be completed before its unlock window opens.
func (e Engine) CompleteTask(ctx context.Context, taskID, actorID string) (TaskResult, error) {
	return e.finishTask(ctx, taskID, actorID, domain.TaskCompleted, "complete")
}

// MarkNotApplicable closes a task without completing it and advances its
// template.
func (e Engine) MarkNotApplicable(ctx context.Context, taskID, actorID string) (TaskResult, error) {
	return e.finishTask(ctx, taskID, actorID, domain.TaskNotApplicable, "mark not applicable")
}

func (e Engine) finishTask(ctx context.Context, taskID, actorID, status, op string) (TaskResult, error) {
	if actorID == "" {
		return TaskResult{}, ValidationError{Field: "actor_id", Reason: "is required"}
	}
	current, err := e.loadTask(ctx, taskID)
	if err != nil {
		return TaskResult{}, err
	}
	if err := e.authorize(ctx, actorID, current.OrgID, config.PermTasksComplete); err != nil {
		return TaskResult{}, err
	}
	var res TaskResult
	err = e.Store.Atomic(ctx, func(s repo.Store) error {
		t, err := s.GetTask(ctx, taskID)
		if err != nil {
			return notFound(err, "task", taskID)
		}
		if err := ensureTaskTransition(t, status, op); err != nil {
			return err
		}
		now := e.now()
		var tmpl *domain.RecurringTemplate
		if t.RecurringTemplateID != nil {
			got, err := s.GetTemplate(ctx, *t.RecurringTemplateID)
			if err != nil {
				return notFound(err, kindTemplate, *t.RecurringTemplateID)
			}
			tmpl = &got
			if status == domain.TaskCompleted && !recurrence.CanComplete(got, t, now) {
				return InvalidStateError{Kind: "task", ID: t.ID, State: "locked", Op: op}
			}
		}
		fields := domain.TaskFields{Status: &status, UpdatedAt: now}
		if status == domain.TaskCompleted {
			fields.CompletedAt = &now
			t.CompletedAt = timePtr(now)
		}
		if err := s.UpdateTask(ctx, t.ID, fields); err != nil {
			return notFound(err, "task", t.ID)
		}
		if _, err := s.AppendHistory(ctx, domain.HistoryEntry{
			TaskID:     t.ID,
			ChangeType: domain.ChangeStatus,
			OldValue:   map[string]any{"status": t.Status},
			NewValue:   map[string]any{"status": status},
			ActorID:    actorID,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		t.Status = status
		t.UpdatedAt = now
		res.Task = t
		if tmpl != nil {
			next, err := e.generateNext(ctx, s, *tmpl, t)
			if err != nil {
				return err
			}
			res.Next = next
		}
		return nil
	})
	if err != nil {
		return TaskResult{}, err
	}
	if res.Next != nil {
		e.Metrics.Generated()
	}
	e.logger().Info("task "+status, slog.String("task_id", taskID), slog.String("actor", actorID))
	return res, nil
}

func ensureTaskTransition(t domain.Task, newStatus, op string) error {
	switch t.Status {
	case domain.TaskPending, domain.TaskRescheduling:
		if newStatus == domain.TaskCompleted || newStatus == domain.TaskNotApplicable {
			return nil
		}
	}
	return InvalidStateError{Kind: "task", ID: t.ID, State: t.Status, Op: op}
}

// SetDueDate edits the due date directly. The original due date is seeded
// when the task had none and is never changed afterwards.
func (e Engine) SetDueDate(ctx context.Context, taskID string, due time.Time, actorID string) (domain.Task, error) {
	if actorID == "" {
		return domain.Task{}, ValidationError{Field: "actor_id", Reason: "is required"}
	}
	if due.IsZero() {
		return domain.Task{}, ValidationError{Field: "due_date", Reason: "is required"}
	}
	return e.editTask(ctx, taskID, actorID, config.PermTasksEdit, "set due date", func(t *domain.Task, now time.Time) (domain.TaskFields, domain.HistoryEntry) {
		old := t.DueDate
		fields := domain.TaskFields{DueDate: &due, OriginalDueDate: &due, UpdatedAt: now}
		t.DueDate = timePtr(due)
		if t.OriginalDueDate == nil {
			t.OriginalDueDate = timePtr(due)
		}
		return fields, domain.HistoryEntry{
			ChangeType: domain.ChangeDueDate,
			OldValue:   map[string]any{"due_date": dateValue(old)},
			NewValue:   map[string]any{"due_date": dateValue(&due)},
		}
	})
}

// Reassign changes the assignee. An empty assignee unassigns the task.
func (e Engine) Reassign(ctx context.Context, taskID, assigneeID, actorID string) (domain.Task, error) {
	if actorID == "" {
		return domain.Task{}, ValidationError{Field: "actor_id", Reason: "is required"}
	}
	return e.editTask(ctx, taskID, actorID, config.PermTasksAssign, "reassign", func(t *domain.Task, now time.Time) (domain.TaskFields, domain.HistoryEntry) {
		var old any
		if t.AssigneeID != nil {
			old = *t.AssigneeID
		}
		var next any
		if assigneeID != "" {
			next = assigneeID
		}
		t.AssigneeID = stringPtr(assigneeID)
		return domain.TaskFields{AssigneeID: &assigneeID, UpdatedAt: now}, domain.HistoryEntry{
			ChangeType: domain.ChangeAssignment,
			OldValue:   map[string]any{"assigned_to": old},
			NewValue:   map[string]any{"assigned_to": next},
		}
	})
}

func (e Engine) editTask(ctx context.Context, taskID, actorID, perm, op string, apply func(*domain.Task, time.Time) (domain.TaskFields, domain.HistoryEntry)) (domain.Task, error) {
	current, err := e.loadTask(ctx, taskID)
	if err != nil {
		return current, err
	}
	if err := e.authorize(ctx, actorID, current.OrgID, perm); err != nil {
		return domain.Task{}, err
	}
	var out domain.Task
	err = e.Store.Atomic(ctx, func(s repo.Store) error {
		t, err := s.GetTask(ctx, taskID)
		if err != nil {
			return notFound(err, "task", taskID)
		}
		if t.Terminal() {
			return InvalidStateError{Kind: "task", ID: t.ID, State: t.Status, Op: op}
		}
		now := e.now()
		fields, entry := apply(&t, now)
		if err := s.UpdateTask(ctx, t.ID, fields); err != nil {
			return notFound(err, "task", t.ID)
		}
		entry.TaskID = t.ID
		entry.ActorID = actorID
		entry.CreatedAt = now
		if _, err := s.AppendHistory(ctx, entry); err != nil {
			return err
		}
		t.UpdatedAt = now
		out = t
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return out, nil
}

// HistoryView is a history entry with its actor resolved for display.
type HistoryView struct {
	domain.HistoryEntry
	ActorName   string `json:"actor_name"`
	Description string `json:"description"`
}

// TaskHistory returns the audit trail of a task, newest first.
func (e Engine) TaskHistory(ctx context.Context, taskID, actorID string) ([]HistoryView, error) {
	if _, err := e.GetTask(ctx, taskID, actorID); err != nil {
		return nil, err
	}
	entries, err := e.Store.ListHistory(ctx, taskID)
	if err != nil {
		return nil, err
	}
	names := map[string]string{}
	name := func(id string) string {
		if n, ok := names[id]; ok {
			return n
		}
		n := e.ActorName(ctx, id)
		names[id] = n
		return n
	}
	loc := e.loc()
	out := make([]HistoryView, 0, len(entries))
	for _, entry := range entries {
		out = append(out, HistoryView{
			HistoryEntry: entry,
			ActorName:    name(entry.ActorID),
			Description:  history.Describe(entry, name, loc),
		})
	}
	return out, nil
}

// TaskView is a task enriched with its temporal state at a point in time.
type TaskView struct {
	domain.Task
	OverdueDays      *int       `json:"overdue_days,omitempty"`
	OverdueDisplay   string     `json:"overdue_display,omitempty"`
	CanComplete      bool       `json:"can_complete"`
	CanCompleteAfter *time.Time `json:"can_complete_after,omitempty" format:"date-time"`
	Recurrence       string     `json:"recurrence,omitempty"`
	TemplateStatus   string     `json:"template_status,omitempty"`
}

func (e Engine) TaskView(ctx context.Context, taskID, actorID string) (TaskView, error) {
	t, err := e.GetTask(ctx, taskID, actorID)
	if err != nil {
		return TaskView{}, err
	}
	now := e.now().In(e.loc())
	v := TaskView{Task: t, CanComplete: !t.Terminal()}
	if n, ok := overdue.Days(t, now); ok {
		v.OverdueDays = &n
		v.OverdueDisplay, _ = overdue.Display(t, now)
	}
	if t.RecurringTemplateID != nil {
		tmpl, err := e.Store.GetTemplate(ctx, *t.RecurringTemplateID)
		if err != nil {
			return TaskView{}, notFound(err, kindTemplate, *t.RecurringTemplateID)
		}
		v.Recurrence = recurrence.Describe(tmpl)
		v.TemplateStatus = recurrence.Status(tmpl)
		if after, ok := recurrence.CanCompleteAfter(tmpl, t); ok {
			v.CanCompleteAfter = &after
			v.CanComplete = v.CanComplete && recurrence.CanComplete(tmpl, t, now)
		}
	}
	return v, nil
}

// OverdueTasks lists the open tasks of orgID that are overdue now, most
// overdue first.
func (e Engine) OverdueTasks(ctx context.Context, orgID, actorID string) ([]overdue.Entry, error) {
	now := e.now().In(e.loc())
	tasks, err := e.ListTasks(ctx, repo.TaskFilter{
		OrgID:     orgID,
		Statuses:  []string{domain.TaskPending, domain.TaskRescheduling},
		DueBefore: &now,
	}, actorID)
	if err != nil {
		return nil, err
	}
	return overdue.Summary(tasks, now), nil
}
