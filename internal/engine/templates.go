package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"cadence/internal/config"
	"cadence/internal/domain"
	"cadence/internal/engine/auth"
	"cadence/internal/recurrence"
	"cadence/internal/repo"
)

const kindTemplate = "recurring_template"

// CreateTemplateOptions are parameters for starting a recurring series.
type CreateTemplateOptions struct {
	OrgID               string
	Title               string
	Description         string
	Priority            string
	AssigneeID          string
	ActorID             string
	Kind                string
	Interval            int
	DayOfWeek           *int
	DayOfMonth          *int
	Month               *int
	StartDate           time.Time
	EndDate             *time.Time
	UnlockDaysBeforeDue int
}

// CreateTemplate stores the template and its first instance, due on the start
// date, in one atomic unit.
func (e Engine) CreateTemplate(ctx context.Context, opts CreateTemplateOptions) (domain.RecurringTemplate, domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.RecurringTemplate{}, domain.Task{}, ValidationError{Field: "title", Reason: "is required"}
	}
	if opts.OrgID == "" {
		return domain.RecurringTemplate{}, domain.Task{}, ValidationError{Field: "org_id", Reason: "is required"}
	}
	if opts.ActorID == "" {
		return domain.RecurringTemplate{}, domain.Task{}, ValidationError{Field: "actor_id", Reason: "is required"}
	}
	if opts.StartDate.IsZero() {
		return domain.RecurringTemplate{}, domain.Task{}, ValidationError{Field: "start_date", Reason: "is required"}
	}
	if opts.EndDate != nil && opts.EndDate.Before(opts.StartDate) {
		return domain.RecurringTemplate{}, domain.Task{}, ValidationError{Field: "end_date", Reason: "must not be before start_date"}
	}
	if opts.Interval == 0 {
		opts.Interval = 1
	}
	if err := e.authorize(ctx, opts.ActorID, opts.OrgID, config.PermTemplatesManage); err != nil {
		return domain.RecurringTemplate{}, domain.Task{}, err
	}
	now := e.now()
	tmpl := domain.RecurringTemplate{
		ID:                  uuid.NewString(),
		OrgID:               opts.OrgID,
		Title:               opts.Title,
		Description:         opts.Description,
		Priority:            opts.Priority,
		AssigneeID:          stringPtr(opts.AssigneeID),
		CreatedBy:           opts.ActorID,
		Kind:                opts.Kind,
		Interval:            opts.Interval,
		DayOfWeek:           opts.DayOfWeek,
		DayOfMonth:          opts.DayOfMonth,
		Month:               opts.Month,
		StartDate:           opts.StartDate,
		EndDate:             opts.EndDate,
		UnlockDaysBeforeDue: opts.UnlockDaysBeforeDue,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := recurrence.Validate(recurrence.RuleOf(tmpl)); err != nil {
		return domain.RecurringTemplate{}, domain.Task{}, ruleError(err)
	}
	first := instanceOf(tmpl, opts.StartDate, now)
	tmpl.LastGeneratedTaskID = &first.ID

	err := e.Store.Atomic(ctx, func(s repo.Store) error {
		if err := s.CreateTemplate(ctx, tmpl); err != nil {
			return err
		}
		return s.CreateTask(ctx, first)
	})
	if err != nil {
		return domain.RecurringTemplate{}, domain.Task{}, err
	}
	e.Metrics.Generated()
	e.logger().Info("template created", slog.String("template_id", tmpl.ID), slog.String("kind", tmpl.Kind), slog.String("first_task_id", first.ID))
	return tmpl, first, nil
}

func (e Engine) loadTemplate(ctx context.Context, id string) (domain.RecurringTemplate, error) {
	t, err := e.Store.GetTemplate(ctx, id)
	if err != nil {
		return t, notFound(err, kindTemplate, id)
	}
	return t, nil
}

// GetTemplate returns one template visible to actorID.
func (e Engine) GetTemplate(ctx context.Context, id, actorID string) (domain.RecurringTemplate, error) {
	t, err := e.loadTemplate(ctx, id)
	if err != nil {
		return domain.RecurringTemplate{}, err
	}
	all, err := e.viewScope(ctx, actorID, t.OrgID)
	if err != nil {
		return domain.RecurringTemplate{}, err
	}
	if !all && !assignedTo(t.AssigneeID, actorID) {
		return domain.RecurringTemplate{}, auth.ForbiddenError{Permission: config.PermTasksViewAll, ActorID: actorID}
	}
	return t, nil
}

// ListTemplates returns the templates of orgID visible to actorID, newest
// first.
func (e Engine) ListTemplates(ctx context.Context, orgID, actorID string) ([]domain.RecurringTemplate, error) {
	all, err := e.viewScope(ctx, actorID, orgID)
	if err != nil {
		return nil, err
	}
	items, err := e.Store.ListTemplates(ctx, orgID)
	if err != nil || all {
		return items, err
	}
	var out []domain.RecurringTemplate
	for _, t := range items {
		if assignedTo(t.AssigneeID, actorID) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Pause stops instance generation until Resume. Pausing a paused template is
// a no-op.
func (e Engine) Pause(ctx context.Context, templateID, actorID string) (domain.RecurringTemplate, error) {
	return e.transitionTemplate(ctx, templateID, actorID, "pause", func(t *domain.RecurringTemplate) (domain.TemplateFields, string) {
		if t.IsPaused {
			return domain.TemplateFields{}, ""
		}
		t.IsPaused = true
		return domain.TemplateFields{IsPaused: boolPtr(true)}, "paused"
	})
}

// Resume re-enables instance generation.
func (e Engine) Resume(ctx context.Context, templateID, actorID string) (domain.RecurringTemplate, error) {
	return e.transitionTemplate(ctx, templateID, actorID, "resume", func(t *domain.RecurringTemplate) (domain.TemplateFields, string) {
		if !t.IsPaused {
			return domain.TemplateFields{}, ""
		}
		t.IsPaused = false
		return domain.TemplateFields{IsPaused: boolPtr(false)}, "resumed"
	})
}

// End stops the series for good. Ending is irreversible.
func (e Engine) End(ctx context.Context, templateID, actorID string) (domain.RecurringTemplate, error) {
	return e.transitionTemplate(ctx, templateID, actorID, "end", func(t *domain.RecurringTemplate) (domain.TemplateFields, string) {
		t.IsEnded = true
		return domain.TemplateFields{IsEnded: boolPtr(true)}, "ended"
	})
}

func (e Engine) transitionTemplate(ctx context.Context, templateID, actorID, op string, apply func(*domain.RecurringTemplate) (domain.TemplateFields, string)) (domain.RecurringTemplate, error) {
	if actorID == "" {
		return domain.RecurringTemplate{}, ValidationError{Field: "actor_id", Reason: "is required"}
	}
	current, err := e.loadTemplate(ctx, templateID)
	if err != nil {
		return current, err
	}
	if err := e.authorize(ctx, actorID, current.OrgID, config.PermTemplatesManage); err != nil {
		return domain.RecurringTemplate{}, err
	}
	var (
		out domain.RecurringTemplate
		to  string
	)
	err = e.Store.Atomic(ctx, func(s repo.Store) error {
		t, err := s.GetTemplate(ctx, templateID)
		if err != nil {
			return notFound(err, kindTemplate, templateID)
		}
		if err := ensureTemplateOpen(t, op); err != nil {
			return err
		}
		var fields domain.TemplateFields
		fields, to = apply(&t)
		if to != "" {
			fields.UpdatedAt = e.now()
			if err := s.UpdateTemplate(ctx, t.ID, fields); err != nil {
				return notFound(err, kindTemplate, t.ID)
			}
			t.UpdatedAt = fields.UpdatedAt
		}
		out = t
		return nil
	})
	if err != nil {
		return domain.RecurringTemplate{}, err
	}
	if to != "" {
		e.Metrics.Transition(to)
		e.logger().Info("template "+to, slog.String("template_id", templateID), slog.String("actor", actorID))
	}
	return out, nil
}

func ensureTemplateOpen(t domain.RecurringTemplate, op string) error {
	if t.IsEnded {
		return InvalidStateError{Kind: kindTemplate, ID: t.ID, State: "ended", Op: op}
	}
	return nil
}

// Advance generates the instance following the template's current one.
// It returns nil when the template is paused or the series is exhausted;
// an ended template is an InvalidStateError.
func (e Engine) Advance(ctx context.Context, templateID, actorID string) (*domain.Task, error) {
	if actorID == "" {
		return nil, ValidationError{Field: "actor_id", Reason: "is required"}
	}
	current, err := e.loadTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, actorID, current.OrgID, config.PermTemplatesManage); err != nil {
		return nil, err
	}
	var next *domain.Task
	err = e.Store.Atomic(ctx, func(s repo.Store) error {
		t, err := s.GetTemplate(ctx, templateID)
		if err != nil {
			return notFound(err, kindTemplate, templateID)
		}
		if err := ensureTemplateOpen(t, "advance"); err != nil {
			return err
		}
		source, err := currentInstance(ctx, s, t)
		if err != nil {
			return err
		}
		if source == nil {
			return nil
		}
		next, err = e.generateNext(ctx, s, t, *source)
		return err
	})
	if err != nil {
		return nil, err
	}
	if next != nil {
		e.Metrics.Generated()
	}
	return next, nil
}

// currentInstance is the task the last-generated pointer names, falling back
// to the latest instance by due date.
func currentInstance(ctx context.Context, s repo.Store, t domain.RecurringTemplate) (*domain.Task, error) {
	if t.LastGeneratedTaskID != nil {
		task, err := s.GetTask(ctx, *t.LastGeneratedTaskID)
		if err == nil {
			return &task, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	latest, err := s.ListTasks(ctx, repo.TaskFilter{TemplateID: t.ID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(latest) == 0 {
		return nil, nil
	}
	return &latest[0], nil
}

// generateNext creates the successor of source. It runs inside an atomic unit
// and produces at most one successor per source instance: when the template
// pointer has already moved past source nothing is generated.
func (e Engine) generateNext(ctx context.Context, s repo.Store, t domain.RecurringTemplate, source domain.Task) (*domain.Task, error) {
	if t.IsPaused || t.IsEnded {
		return nil, nil
	}
	if t.LastGeneratedTaskID != nil && *t.LastGeneratedTaskID != source.ID {
		return nil, nil
	}
	base := source.DueDate
	if base == nil {
		base = source.OriginalDueDate
	}
	if base == nil {
		return nil, nil
	}
	loc := e.loc()
	now := e.now()
	nextDate, ok := recurrence.NextDueDate(t, base.In(loc), now.In(loc))
	if !ok {
		e.logger().Debug("series exhausted", slog.String("template_id", t.ID))
		return nil, nil
	}
	next := instanceOf(t, nextDate, now)
	if err := s.CreateTask(ctx, next); err != nil {
		return nil, err
	}
	won, err := s.SwapLastGenerated(ctx, t.ID, t.LastGeneratedTaskID, next.ID, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ConcurrencyConflict{Kind: kindTemplate, ID: t.ID}
	}
	e.logger().Info("instance generated", slog.String("template_id", t.ID), slog.String("task_id", next.ID), slog.Time("due_date", nextDate))
	return &next, nil
}

func instanceOf(t domain.RecurringTemplate, due, now time.Time) domain.Task {
	tmplID := t.ID
	return domain.Task{
		ID:                  uuid.NewString(),
		OrgID:               t.OrgID,
		Title:               t.Title,
		Description:         t.Description,
		Status:              domain.TaskPending,
		Priority:            t.Priority,
		AssigneeID:          t.AssigneeID,
		CreatedBy:           t.CreatedBy,
		DueDate:             timePtr(due),
		OriginalDueDate:     timePtr(due),
		RecurringTemplateID: &tmplID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// TemplateHistory lists the instances of a template, latest due date first.
func (e Engine) TemplateHistory(ctx context.Context, templateID, actorID string) ([]domain.Task, error) {
	t, err := e.GetTemplate(ctx, templateID, actorID)
	if err != nil {
		return nil, err
	}
	return e.Store.ListTasks(ctx, repo.TaskFilter{OrgID: t.OrgID, TemplateID: templateID})
}
