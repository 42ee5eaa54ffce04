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

const templateColumns = `id,org_id,title,description,priority,assignee_id,created_by,recurrence_type,recurrence_interval,recurrence_day_of_week,recurrence_day_of_month,recurrence_month,start_date,end_date,unlock_days_before_due,is_paused,is_ended,last_generated_task_id,created_at,updated_at`

func scanTemplate(row rowScanner) (domain.RecurringTemplate, error) {
	var (
		t                               domain.RecurringTemplate
		description, priority, assignee sql.NullString
		dow, dom, month                 sql.NullInt64
		start, created, updated         string
		end, lastGenerated              sql.NullString
		paused, ended                   int
	)
	err := row.Scan(&t.ID, &t.OrgID, &t.Title, &description, &priority, &assignee, &t.CreatedBy, &t.Kind, &t.Interval,
		&dow, &dom, &month, &start, &end, &t.UnlockDaysBeforeDue, &paused, &ended, &lastGenerated, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = description.String
	t.Priority = priority.String
	t.AssigneeID = stringPtr(assignee)
	t.DayOfWeek = intPtr(dow)
	t.DayOfMonth = intPtr(dom)
	t.Month = intPtr(month)
	t.IsPaused = paused != 0
	t.IsEnded = ended != 0
	t.LastGeneratedTaskID = stringPtr(lastGenerated)
	if t.StartDate, err = db.ParseTime(start); err != nil {
		return t, err
	}
	if t.EndDate, err = db.ScanTime(end); err != nil {
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

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.RecurringTemplate, error) {
	return scanTemplate(r.conn().QueryRowContext(ctx, `SELECT `+templateColumns+` FROM recurring_templates WHERE id=?`, id))
}

func (r Repo) CreateTemplate(ctx context.Context, t domain.RecurringTemplate) error {
	_, err := r.conn().ExecContext(ctx, `INSERT INTO recurring_templates(`+templateColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OrgID, t.Title, nullable(t.Description), nullable(t.Priority), nullableStringPtr(t.AssigneeID), t.CreatedBy,
		t.Kind, t.Interval, nullableIntPtr(t.DayOfWeek), nullableIntPtr(t.DayOfMonth), nullableIntPtr(t.Month),
		db.FormatTime(t.StartDate), db.NullTime(t.EndDate), t.UnlockDaysBeforeDue, boolInt(t.IsPaused), boolInt(t.IsEnded),
		nullableStringPtr(t.LastGeneratedTaskID), db.FormatTime(t.CreatedAt), db.FormatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// UpdateTemplate writes the non-nil fields of f. is_ended can only be set,
// never cleared.
func (r Repo) UpdateTemplate(ctx context.Context, id string, f domain.TemplateFields) error {
	var (
		fields []string
		args   []any
	)
	if f.IsPaused != nil {
		fields = append(fields, "is_paused=?")
		args = append(args, boolInt(*f.IsPaused))
	}
	if f.IsEnded != nil {
		fields = append(fields, "is_ended=MAX(is_ended, ?)")
		args = append(args, boolInt(*f.IsEnded))
	}
	if len(fields) == 0 {
		return nil
	}
	if !f.UpdatedAt.IsZero() {
		fields = append(fields, "updated_at=?")
		args = append(args, db.FormatTime(f.UpdatedAt))
	}
	args = append(args, id)
	res, err := r.conn().ExecContext(ctx, fmt.Sprintf(`UPDATE recurring_templates SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SwapLastGenerated(ctx context.Context, id string, expected *string, next string, at time.Time) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if expected == nil {
		res, err = r.conn().ExecContext(ctx, `UPDATE recurring_templates SET last_generated_task_id=?, updated_at=? WHERE id=? AND last_generated_task_id IS NULL`,
			next, db.FormatTime(at), id)
	} else {
		res, err = r.conn().ExecContext(ctx, `UPDATE recurring_templates SET last_generated_task_id=?, updated_at=? WHERE id=? AND last_generated_task_id=?`,
			next, db.FormatTime(at), id, *expected)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) ListTemplates(ctx context.Context, orgID string) ([]domain.RecurringTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM recurring_templates`
	var args []any
	if orgID != "" {
		query += ` WHERE org_id=?`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RecurringTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
