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

const requestColumns = `r.id,r.task_id,r.requested_by,r.requested_due_date,r.current_due_date,r.status,r.approved_by,r.approved_at,r.rejected_by,r.rejected_at,r.rejection_reason,r.expires_at,r.created_at`

// Resolution is the terminal outcome written onto a pending request.
type Resolution struct {
	Status  string
	ActorID string
	At      time.Time
	Reason  string
}

type RequestFilter struct {
	OrgID       string
	TaskID      string
	Status      string
	RequestedBy string
	Limit       int
}

func scanRequest(row rowScanner) (domain.RescheduleRequest, error) {
	var (
		req                                 domain.RescheduleRequest
		requested, expires, created         string
		current, approvedAt, rejectedAt     sql.NullString
		approvedBy, rejectedBy, rejectedWhy sql.NullString
	)
	err := row.Scan(&req.ID, &req.TaskID, &req.RequestedBy, &requested, &current, &req.Status,
		&approvedBy, &approvedAt, &rejectedBy, &rejectedAt, &rejectedWhy, &expires, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	req.ApprovedBy = stringPtr(approvedBy)
	req.RejectedBy = stringPtr(rejectedBy)
	req.RejectionReason = rejectedWhy.String
	if req.RequestedDueDate, err = db.ParseTime(requested); err != nil {
		return req, err
	}
	if req.CurrentDueDate, err = db.ScanTime(current); err != nil {
		return req, err
	}
	if req.ApprovedAt, err = db.ScanTime(approvedAt); err != nil {
		return req, err
	}
	if req.RejectedAt, err = db.ScanTime(rejectedAt); err != nil {
		return req, err
	}
	if req.ExpiresAt, err = db.ParseTime(expires); err != nil {
		return req, err
	}
	if req.CreatedAt, err = db.ParseTime(created); err != nil {
		return req, err
	}
	return req, nil
}

func (r Repo) CreateRequest(ctx context.Context, req domain.RescheduleRequest) error {
	_, err := r.conn().ExecContext(ctx, `INSERT INTO reschedule_requests(id,task_id,requested_by,requested_due_date,current_due_date,status,expires_at,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		req.ID, req.TaskID, req.RequestedBy, db.FormatTime(req.RequestedDueDate), db.NullTime(req.CurrentDueDate),
		req.Status, db.FormatTime(req.ExpiresAt), db.FormatTime(req.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert reschedule request: %w", err)
	}
	return nil
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.RescheduleRequest, error) {
	return scanRequest(r.conn().QueryRowContext(ctx, `SELECT `+requestColumns+` FROM reschedule_requests r WHERE r.id=?`, id))
}

// ResolveRequest is the write-once guard on request status: the update only
// matches while the row is still pending.
func (r Repo) ResolveRequest(ctx context.Context, id string, res Resolution) (bool, error) {
	var (
		result sql.Result
		err    error
	)
	switch res.Status {
	case domain.RequestApproved:
		result, err = r.conn().ExecContext(ctx, `UPDATE reschedule_requests SET status=?, approved_by=?, approved_at=? WHERE id=? AND status=?`,
			domain.RequestApproved, res.ActorID, db.FormatTime(res.At), id, domain.RequestPending)
	case domain.RequestRejected:
		result, err = r.conn().ExecContext(ctx, `UPDATE reschedule_requests SET status=?, rejected_by=?, rejected_at=?, rejection_reason=? WHERE id=? AND status=?`,
			domain.RequestRejected, res.ActorID, db.FormatTime(res.At), nullable(res.Reason), id, domain.RequestPending)
	default:
		return false, fmt.Errorf("cannot resolve request to %q", res.Status)
	}
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilter) ([]domain.RescheduleRequest, error) {
	var clauses []string
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "t.org_id=?")
		args = append(args, f.OrgID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "r.task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		clauses = append(clauses, "r.status=?")
		args = append(args, f.Status)
	}
	if f.RequestedBy != "" {
		clauses = append(clauses, "r.requested_by=?")
		args = append(args, f.RequestedBy)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requestColumns + ` FROM reschedule_requests r JOIN tasks t ON t.id=r.task_id ` + where + ` ORDER BY r.created_at DESC, r.id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryRequests(ctx, query, args...)
}

// ListExpiredRequests returns pending requests whose window closed at or
// before now, oldest first.
func (r Repo) ListExpiredRequests(ctx context.Context, orgID string, now time.Time) ([]domain.RescheduleRequest, error) {
	if orgID == "" {
		return r.queryRequests(ctx, `SELECT `+requestColumns+` FROM reschedule_requests r WHERE r.status=? AND r.expires_at<=? ORDER BY r.expires_at, r.id`,
			domain.RequestPending, db.FormatTime(now))
	}
	return r.queryRequests(ctx, `SELECT `+requestColumns+` FROM reschedule_requests r JOIN tasks t ON t.id=r.task_id
WHERE r.status=? AND r.expires_at<=? AND t.org_id=? ORDER BY r.expires_at, r.id`,
		domain.RequestPending, db.FormatTime(now), orgID)
}

func (r Repo) CountPending(ctx context.Context, orgID string) (int, error) {
	query := `SELECT COUNT(*) FROM reschedule_requests r JOIN tasks t ON t.id=r.task_id WHERE r.status=?`
	args := []any{domain.RequestPending}
	if orgID != "" {
		query += ` AND t.org_id=?`
		args = append(args, orgID)
	}
	var n int
	if err := r.conn().QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r Repo) queryRequests(ctx context.Context, query string, args ...any) ([]domain.RescheduleRequest, error) {
	rows, err := r.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RescheduleRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}
