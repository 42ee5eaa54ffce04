package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cadence/internal/domain"
	"cadence/internal/history"
)

var ErrNotFound = errors.New("not found")

// DBTX is the query surface shared by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type TaskStore interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
	CreateTask(ctx context.Context, t domain.Task) error
	UpdateTask(ctx context.Context, id string, f domain.TaskFields) error
	ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error)
}

type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (domain.RecurringTemplate, error)
	CreateTemplate(ctx context.Context, t domain.RecurringTemplate) error
	UpdateTemplate(ctx context.Context, id string, f domain.TemplateFields) error
	// SwapLastGenerated moves the last-generated pointer from expected to next
	// and reports whether this call won.
	SwapLastGenerated(ctx context.Context, id string, expected *string, next string, at time.Time) (bool, error)
	ListTemplates(ctx context.Context, orgID string) ([]domain.RecurringTemplate, error)
}

type RequestStore interface {
	CreateRequest(ctx context.Context, r domain.RescheduleRequest) error
	GetRequest(ctx context.Context, id string) (domain.RescheduleRequest, error)
	// ResolveRequest moves a pending request to a terminal status and reports
	// whether it was still pending.
	ResolveRequest(ctx context.Context, id string, res Resolution) (bool, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]domain.RescheduleRequest, error)
	ListExpiredRequests(ctx context.Context, orgID string, now time.Time) ([]domain.RescheduleRequest, error)
	CountPending(ctx context.Context, orgID string) (int, error)
}

type HistoryLog interface {
	AppendHistory(ctx context.Context, e domain.HistoryEntry) (domain.HistoryEntry, error)
	ListHistory(ctx context.Context, taskID string) ([]domain.HistoryEntry, error)
}

type DirectoryStore interface {
	ActorName(ctx context.Context, id string) (string, error)
	OrgRole(ctx context.Context, orgID, actorID string) (string, error)
}

// Store is the unit-of-work boundary the engine works against.
type Store interface {
	TaskStore
	TemplateStore
	RequestStore
	HistoryLog
	DirectoryStore
	// Atomic runs fn against a store whose writes commit together or not at all.
	Atomic(ctx context.Context, fn func(Store) error) error
}

type Repo struct {
	DB      *sql.DB
	History history.Writer

	tx *sql.Tx
}

func New(db *sql.DB) Repo {
	return Repo{DB: db}
}

func (r Repo) conn() DBTX {
	if r.tx != nil {
		return r.tx
	}
	return r.DB
}

// Atomic opens a transaction unless r is already inside one.
func (r Repo) Atomic(ctx context.Context, fn func(Store) error) error {
	if r.tx != nil {
		return fn(r)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if err := fn(Repo{DB: r.DB, History: r.History, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// Tx is Atomic for callers that need the concrete Repo, such as the
// workspace seeding that touches organizations and roles.
func (r Repo) Tx(ctx context.Context, fn func(Repo) error) error {
	return r.Atomic(ctx, func(s Store) error { return fn(s.(Repo)) })
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}
