package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"cadence/internal/config"
	"cadence/internal/domain"
	"cadence/internal/repo"
)

const kindRequest = "reschedule_request"

// CreateRequestOptions are parameters for asking to move a task's due date.
type CreateRequestOptions struct {
	TaskID           string
	RequestedBy      string
	RequestedDueDate time.Time
	// ExpiresInDays defaults to the configured expiry window when zero.
	ExpiresInDays int
}

// CreateRequest records a pending reschedule request. The task itself is not
// changed until the request is resolved.
func (e Engine) CreateRequest(ctx context.Context, opts CreateRequestOptions) (domain.RescheduleRequest, error) {
	if opts.RequestedBy == "" {
		return domain.RescheduleRequest{}, ValidationError{Field: "requested_by", Reason: "is required"}
	}
	if opts.TaskID == "" {
		return domain.RescheduleRequest{}, ValidationError{Field: "task_id", Reason: "is required"}
	}
	if opts.RequestedDueDate.IsZero() {
		return domain.RescheduleRequest{}, ValidationError{Field: "requested_due_date", Reason: "is required"}
	}
	days := opts.ExpiresInDays
	if days == 0 {
		days = e.config().Engine.RescheduleExpiryDays
	}
	if days <= 0 {
		return domain.RescheduleRequest{}, ValidationError{Field: "expires_in_days", Reason: "must be at least 1"}
	}
	task, err := e.Store.GetTask(ctx, opts.TaskID)
	if err != nil {
		return domain.RescheduleRequest{}, notFound(err, "task", opts.TaskID)
	}
	if err := e.authorize(ctx, opts.RequestedBy, task.OrgID, config.PermRescheduleRequest); err != nil {
		return domain.RescheduleRequest{}, err
	}
	if task.Terminal() {
		return domain.RescheduleRequest{}, InvalidStateError{Kind: "task", ID: task.ID, State: task.Status, Op: "reschedule"}
	}
	now := e.now()
	req := domain.RescheduleRequest{
		ID:               uuid.NewString(),
		TaskID:           task.ID,
		RequestedBy:      opts.RequestedBy,
		RequestedDueDate: opts.RequestedDueDate,
		CurrentDueDate:   task.DueDate,
		Status:           domain.RequestPending,
		ExpiresAt:        now.AddDate(0, 0, days),
		CreatedAt:        now,
	}
	if err := e.Store.CreateRequest(ctx, req); err != nil {
		return domain.RescheduleRequest{}, err
	}
	e.logger().Info("reschedule requested", slog.String("request_id", req.ID), slog.String("task_id", task.ID), slog.String("actor", opts.RequestedBy))
	return req, nil
}

// ApproveRequest applies the requested due date to the task. A request that
// is no longer pending yields InvalidStateError; losing a concurrent
// resolution yields ConcurrencyConflict.
func (e Engine) ApproveRequest(ctx context.Context, requestID, approverID string) (domain.RescheduleRequest, error) {
	if approverID == "" {
		return domain.RescheduleRequest{}, ValidationError{Field: "approver_id", Reason: "is required"}
	}
	if err := e.authorizeResolution(ctx, requestID, approverID); err != nil {
		return domain.RescheduleRequest{}, err
	}
	var out domain.RescheduleRequest
	err := e.Store.Atomic(ctx, func(s repo.Store) error {
		var err error
		out, err = e.approve(ctx, s, requestID, approverID, "approve", map[string]any{"action": "approved"})
		return err
	})
	if err != nil {
		return domain.RescheduleRequest{}, err
	}
	e.Metrics.Resolved("approved")
	e.logger().Info("reschedule approved", slog.String("request_id", requestID), slog.String("actor", approverID))
	return out, nil
}

// RejectRequest closes the request without touching the task due date.
func (e Engine) RejectRequest(ctx context.Context, requestID, rejectorID, reason string) (domain.RescheduleRequest, error) {
	if rejectorID == "" {
		return domain.RescheduleRequest{}, ValidationError{Field: "rejector_id", Reason: "is required"}
	}
	if err := e.authorizeResolution(ctx, requestID, rejectorID); err != nil {
		return domain.RescheduleRequest{}, err
	}
	var out domain.RescheduleRequest
	err := e.Store.Atomic(ctx, func(s repo.Store) error {
		req, err := pendingRequest(ctx, s, requestID, "reject")
		if err != nil {
			return err
		}
		now := e.now()
		won, err := s.ResolveRequest(ctx, req.ID, repo.Resolution{Status: domain.RequestRejected, ActorID: rejectorID, At: now, Reason: reason})
		if err != nil {
			return err
		}
		if !won {
			return ConcurrencyConflict{Kind: kindRequest, ID: req.ID}
		}
		task, err := s.GetTask(ctx, req.TaskID)
		if err != nil {
			return notFound(err, "task", req.TaskID)
		}
		meta := map[string]any{"action": "rejected", "request_id": req.ID}
		if reason != "" {
			meta["rejection_reason"] = reason
		}
		if _, err := s.AppendHistory(ctx, domain.HistoryEntry{
			TaskID:     task.ID,
			ChangeType: domain.ChangeRescheduleRequest,
			OldValue:   map[string]any{"due_date": dateValue(task.DueDate)},
			NewValue:   map[string]any{"due_date": dateValue(&req.RequestedDueDate)},
			Metadata:   meta,
			ActorID:    rejectorID,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		req.Status = domain.RequestRejected
		req.RejectedBy = &rejectorID
		req.RejectedAt = timePtr(now)
		req.RejectionReason = reason
		out = req
		return nil
	})
	if err != nil {
		return domain.RescheduleRequest{}, err
	}
	e.Metrics.Resolved("rejected")
	e.logger().Info("reschedule rejected", slog.String("request_id", requestID), slog.String("actor", rejectorID))
	return out, nil
}

// SweepResult summarizes one SweepExpired run.
type SweepResult struct {
	Candidates int            `json:"candidates"`
	Approved   int            `json:"approved"`
	Skipped    int            `json:"skipped"`
	Failures   []SweepFailure `json:"failures,omitempty"`
}

type SweepFailure struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

// SweepExpired auto-approves every pending request whose expiry has passed.
// Each row is resolved in its own atomic unit; rows already resolved by
// someone else are skipped silently and one row's failure never stops the
// others. Only listing the candidates can fail the whole run.
func (e Engine) SweepExpired(ctx context.Context) (SweepResult, error) {
	return e.sweep(ctx, "")
}

// SweepOrg runs SweepExpired on demand for the requests of one organization.
// actorID needs reschedule.approve there.
func (e Engine) SweepOrg(ctx context.Context, orgID, actorID string) (SweepResult, error) {
	if orgID == "" {
		return SweepResult{}, ValidationError{Field: "org_id", Reason: "is required"}
	}
	if err := e.authorize(ctx, actorID, orgID, config.PermRescheduleApprove); err != nil {
		return SweepResult{}, err
	}
	return e.sweep(ctx, orgID)
}

func (e Engine) sweep(ctx context.Context, orgID string) (SweepResult, error) {
	started := time.Now()
	now := e.now()
	var res SweepResult
	candidates, err := e.Store.ListExpiredRequests(ctx, orgID, now)
	if err != nil {
		return res, err
	}
	res.Candidates = len(candidates)
	actor := e.SystemActor()
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		err := e.Store.Atomic(ctx, func(s repo.Store) error {
			_, err := e.approve(ctx, s, c.ID, actor, "auto-approve", map[string]any{"action": "approved", "auto": true})
			return err
		})
		var (
			invalid  InvalidStateError
			conflict ConcurrencyConflict
		)
		switch {
		case err == nil:
			res.Approved++
			e.Metrics.Resolved("auto_approved")
		case errors.As(err, &invalid), errors.As(err, &conflict):
			res.Skipped++
		default:
			res.Failures = append(res.Failures, SweepFailure{RequestID: c.ID, Error: err.Error()})
			e.logger().Error("sweep row failed", slog.String("request_id", c.ID), slog.Any("err", err))
		}
	}
	e.Metrics.Sweep(time.Since(started), len(res.Failures))
	if res.Candidates > 0 {
		e.logger().Info("sweep finished",
			slog.Int("candidates", res.Candidates),
			slog.Int("approved", res.Approved),
			slog.Int("skipped", res.Skipped),
			slog.Int("failed", len(res.Failures)))
	}
	return res, nil
}

// approve runs inside an atomic unit: guard the status, move the due date and
// record history. Either all of it commits or none.
func (e Engine) approve(ctx context.Context, s repo.Store, requestID, actorID, op string, meta map[string]any) (domain.RescheduleRequest, error) {
	req, err := pendingRequest(ctx, s, requestID, op)
	if err != nil {
		return req, err
	}
	now := e.now()
	won, err := s.ResolveRequest(ctx, req.ID, repo.Resolution{Status: domain.RequestApproved, ActorID: actorID, At: now})
	if err != nil {
		return req, err
	}
	if !won {
		return req, ConcurrencyConflict{Kind: kindRequest, ID: req.ID}
	}
	task, err := s.GetTask(ctx, req.TaskID)
	if err != nil {
		return req, notFound(err, "task", req.TaskID)
	}
	due := req.RequestedDueDate
	fields := domain.TaskFields{DueDate: &due, UpdatedAt: now}
	if task.DueDate != nil {
		fields.OriginalDueDate = task.DueDate
	}
	if task.Status == domain.TaskRescheduling {
		fields.Status = stringPtr(domain.TaskPending)
	}
	if err := s.UpdateTask(ctx, task.ID, fields); err != nil {
		return req, notFound(err, "task", task.ID)
	}
	meta["request_id"] = req.ID
	if _, err := s.AppendHistory(ctx, domain.HistoryEntry{
		TaskID:     task.ID,
		ChangeType: domain.ChangeRescheduleRequest,
		OldValue:   map[string]any{"due_date": dateValue(task.DueDate)},
		NewValue:   map[string]any{"due_date": dateValue(&due)},
		Metadata:   meta,
		ActorID:    actorID,
		CreatedAt:  now,
	}); err != nil {
		return req, err
	}
	req.Status = domain.RequestApproved
	req.ApprovedBy = &actorID
	req.ApprovedAt = timePtr(now)
	return req, nil
}

func pendingRequest(ctx context.Context, s repo.Store, requestID, op string) (domain.RescheduleRequest, error) {
	req, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return req, notFound(err, kindRequest, requestID)
	}
	if req.Status != domain.RequestPending {
		return req, InvalidStateError{Kind: kindRequest, ID: req.ID, State: req.Status, Op: op}
	}
	return req, nil
}

func (e Engine) authorizeResolution(ctx context.Context, requestID, actorID string) error {
	if e.Authorize == nil {
		return nil
	}
	req, err := e.Store.GetRequest(ctx, requestID)
	if err != nil {
		return notFound(err, kindRequest, requestID)
	}
	task, err := e.Store.GetTask(ctx, req.TaskID)
	if err != nil {
		return notFound(err, "task", req.TaskID)
	}
	return e.authorize(ctx, actorID, task.OrgID, config.PermRescheduleApprove)
}

// GetRequest returns one reschedule request. Its requester may always read
// it; others need to see the task it targets.
func (e Engine) GetRequest(ctx context.Context, id, actorID string) (domain.RescheduleRequest, error) {
	req, err := e.Store.GetRequest(ctx, id)
	if err != nil {
		return req, notFound(err, kindRequest, id)
	}
	task, err := e.loadTask(ctx, req.TaskID)
	if err != nil {
		return domain.RescheduleRequest{}, err
	}
	if req.RequestedBy == actorID && e.authorize(ctx, actorID, task.OrgID, config.PermRescheduleRequest) == nil {
		return req, nil
	}
	if err := e.authorizeTaskView(ctx, actorID, task); err != nil {
		return domain.RescheduleRequest{}, err
	}
	return req, nil
}

// ListRequests returns requests matching f, newest first. Actors limited to
// their assigned tasks only see their own requests.
func (e Engine) ListRequests(ctx context.Context, f repo.RequestFilter, actorID string) ([]domain.RescheduleRequest, error) {
	if f.Status != "" && f.Status != domain.RequestPending && f.Status != domain.RequestApproved && f.Status != domain.RequestRejected {
		return nil, ValidationError{Field: "status", Reason: "must be pending, approved or rejected"}
	}
	if f.OrgID == "" {
		return nil, ValidationError{Field: "org_id", Reason: "is required"}
	}
	all, err := e.viewScope(ctx, actorID, f.OrgID)
	if err != nil {
		return nil, err
	}
	if !all {
		f.RequestedBy = actorID
	}
	return e.Store.ListRequests(ctx, f)
}

// PendingCount returns how many requests await a decision in orgID.
func (e Engine) PendingCount(ctx context.Context, orgID, actorID string) (int, error) {
	if err := e.authorize(ctx, actorID, orgID, config.PermTasksViewAll); err != nil {
		return 0, err
	}
	return e.Store.CountPending(ctx, orgID)
}
