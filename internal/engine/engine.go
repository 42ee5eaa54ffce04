package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"cadence/internal/config"
	"cadence/internal/domain"
	"cadence/internal/engine/auth"
	"cadence/internal/metrics"
	"cadence/internal/repo"
)

// Engine runs the reschedule workflow and the recurring template lifecycle
// against a Store. Every mutation is a single atomic unit.
type Engine struct {
	Store repo.Store
	// Authorize is consulted before each workflow operation. Nil allows all.
	Authorize auth.Predicate
	Config    *config.Config
	Now       func() time.Time
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

func New(store repo.Store, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		Store:     store,
		Authorize: auth.AllowAll,
		Config:    cfg,
		Now:       time.Now,
		Logger:    slog.Default(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

// loc is the calendar location recurrence dates are computed in.
func (e Engine) loc() *time.Location {
	return e.config().Location()
}

// SystemActor is the actor id recorded for automatic transitions.
func (e Engine) SystemActor() string {
	if id := e.config().Engine.SystemActor; id != "" {
		return id
	}
	return "system"
}

func (e Engine) authorize(ctx context.Context, actorID, orgID, perm string) error {
	if e.Authorize == nil {
		return nil
	}
	return e.Authorize(ctx, actorID, orgID, perm)
}

// viewScope reports whether actorID sees everything in orgID (tasks.view_all)
// or only what is assigned to it (tasks.view_assigned). Holding neither is a
// ForbiddenError.
func (e Engine) viewScope(ctx context.Context, actorID, orgID string) (bool, error) {
	denied := e.authorize(ctx, actorID, orgID, config.PermTasksViewAll)
	if denied == nil {
		return true, nil
	}
	var fe auth.ForbiddenError
	if !errors.As(denied, &fe) {
		return false, denied
	}
	if err := e.authorize(ctx, actorID, orgID, config.PermTasksViewAssigned); err != nil {
		if errors.As(err, &fe) {
			return false, denied
		}
		return false, err
	}
	return false, nil
}

func (e Engine) authorizeTaskView(ctx context.Context, actorID string, t domain.Task) error {
	all, err := e.viewScope(ctx, actorID, t.OrgID)
	if err != nil {
		return err
	}
	if all || assignedTo(t.AssigneeID, actorID) {
		return nil
	}
	return auth.ForbiddenError{Permission: config.PermTasksViewAll, ActorID: actorID}
}

func assignedTo(assignee *string, actorID string) bool {
	return assignee != nil && *assignee == actorID
}

// ActorName resolves a display name for history rendering. The system actor
// uses the configured name even when it has no actors row.
func (e Engine) ActorName(ctx context.Context, actorID string) string {
	if actorID == e.SystemActor() {
		if name := e.config().Engine.SystemActorName; name != "" {
			return name
		}
	}
	name, err := e.Store.ActorName(ctx, actorID)
	if err != nil {
		return actorID
	}
	return name
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolPtr(b bool) *bool { return &b }

func timePtr(t time.Time) *time.Time { return &t }

// dateValue renders an optional due date for history payloads.
func dateValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
