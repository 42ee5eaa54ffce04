package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cadence/internal/db"
	"cadence/internal/domain"
)

const taskColumns = `id,org_id,title,description,status,priority,assignee_id,created_by,due_date,original_due_date,completed_at,recurring_template_id,created_at,updated_at`

type TaskFilter struct {
	OrgID      string
	TemplateID string
	AssigneeID string
	Statuses   []string
	// DueBefore limits to tasks whose original due date is before this instant.
	DueBefore *time.Time
	Limit     int
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                                domain.Task
		description, priority, assignee  sql.NullString
		due, original, completed, tmplID sql.NullString
		created, updated                 string
	)
	err := row.Scan(&t.ID, &t.OrgID, &t.Title, &description, &t.Status, &priority, &assignee, &t.CreatedBy,
		&due, &original, &completed, &tmplID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = description.String
	t.Priority = priority.String
	t.AssigneeID = stringPtr(assignee)
	t.RecurringTemplateID = stringPtr(tmplID)
	if t.DueDate, err = db.ScanTime(due); err != nil {
		return t, err
	}
	if t.OriginalDueDate, err = db.ScanTime(original); err != nil {
		return t, err
	}
	if t.CompletedAt, err = db.ScanTime(completed); err != nil {
		return t, err
	}
	if t.CreatedAt, err = db.ParseTime(created); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = db.ParseTime(updated); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.conn().QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) CreateTask(ctx context.Context, t domain.Task) error {
	_, err := r.conn().ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OrgID, t.Title, nullable(t.Description), t.Status, nullable(t.Priority), nullableStringPtr(t.AssigneeID), t.CreatedBy,
		db.NullTime(t.DueDate), db.NullTime(t.OriginalDueDate), db.NullTime(t.CompletedAt), nullableStringPtr(t.RecurringTemplateID),
		db.FormatTime(t.CreatedAt), db.FormatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask writes the non-nil fields of f. original_due_date is only ever
// filled, never overwritten.
func (r Repo) UpdateTask(ctx context.Context, id string, f domain.TaskFields) error {
	var (
		fields []string
		args   []any
	)
	if f.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, *f.Status)
	}
	if f.DueDate != nil {
		fields = append(fields, "due_date=?")
		args = append(args, db.FormatTime(*f.DueDate))
	}
	if f.OriginalDueDate != nil {
		fields = append(fields, "original_due_date=COALESCE(original_due_date, ?)")
		args = append(args, db.FormatTime(*f.OriginalDueDate))
	}
	if f.CompletedAt != nil {
		fields = append(fields, "completed_at=?")
		args = append(args, db.FormatTime(*f.CompletedAt))
	}
	if f.AssigneeID != nil {
		fields = append(fields, "assignee_id=?")
		args = append(args, nullable(*f.AssigneeID))
	}
	if f.RecurringTemplateID != nil {
		fields = append(fields, "recurring_template_id=?")
		args = append(args, nullable(*f.RecurringTemplateID))
	}
	if len(fields) == 0 {
		return nil
	}
	if !f.UpdatedAt.IsZero() {
		fields = append(fields, "updated_at=?")
		args = append(args, db.FormatTime(f.UpdatedAt))
	}
	args = append(args, id)
	res, err := r.conn().ExecContext(ctx, fmt.Sprintf(`UPDATE tasks SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.TemplateID != "" {
		clauses = append(clauses, "recurring_template_id=?")
		args = append(args, f.TemplateID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN (?"+strings.Repeat(",?", len(f.Statuses)-1)+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.DueBefore != nil {
		clauses = append(clauses, "original_due_date < ?")
		args = append(args, db.FormatTime(*f.DueBefore))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY due_date DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
