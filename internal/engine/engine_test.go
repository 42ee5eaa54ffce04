package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"cadence/internal/config"
	"cadence/internal/db"
	"cadence/internal/domain"
	"cadence/internal/engine"
	"cadence/internal/engine/auth"
	"cadence/internal/metrics"
	"cadence/internal/migrate"
	"cadence/internal/repo"
)

var t0 = time.Date(2024, 11, 11, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	Ctx    context.Context
	clock  *time.Time
}

func (env testEnv) advance(d time.Duration) { *env.clock = env.clock.Add(d) }

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn)
	if err := r.EnsureOrg(ctx, "org-1", "Household", t0); err != nil {
		t.Fatalf("ensure org: %v", err)
	}
	clock := t0
	eng := engine.New(r, config.Default())
	eng.Now = func() time.Time { return clock }
	eng.Metrics = metrics.New(prometheus.NewRegistry())
	return testEnv{Engine: eng, Repo: r, Ctx: ctx, clock: &clock}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (env testEnv) task(t *testing.T, due time.Time) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{
		OrgID: "org-1", Title: "Pay rent", ActorID: "alice", DueDate: &due,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env testEnv) request(t *testing.T, taskID string, to time.Time) domain.RescheduleRequest {
	t.Helper()
	req, err := env.Engine.CreateRequest(env.Ctx, engine.CreateRequestOptions{
		TaskID: taskID, RequestedBy: "bob", RequestedDueDate: to,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req
}

func (env testEnv) daily(t *testing.T, start time.Time, unlock int) (domain.RecurringTemplate, domain.Task) {
	t.Helper()
	tmpl, first, err := env.Engine.CreateTemplate(env.Ctx, engine.CreateTemplateOptions{
		OrgID: "org-1", Title: "Feed the cat", ActorID: "alice",
		Kind: domain.RecurDaily, StartDate: start, UnlockDaysBeforeDue: unlock,
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	return tmpl, first
}

func rescheduleEntries(t *testing.T, env testEnv, taskID string) []domain.HistoryEntry {
	t.Helper()
	all, err := env.Repo.ListHistory(env.Ctx, taskID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var out []domain.HistoryEntry
	for _, e := range all {
		if e.ChangeType == domain.ChangeRescheduleRequest {
			out = append(out, e)
		}
	}
	return out
}

func TestApproveMovesDueDate(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, day(2024, 11, 11))
	req := env.request(t, task.ID, day(2024, 11, 14))
	if req.Status != domain.RequestPending || req.CurrentDueDate == nil || !req.CurrentDueDate.Equal(day(2024, 11, 11)) {
		t.Fatalf("unexpected request %+v", req)
	}
	if got, _ := env.Repo.GetTask(env.Ctx, task.ID); !got.DueDate.Equal(day(2024, 11, 11)) {
		t.Fatalf("creating a request must not move the due date")
	}

	approved, err := env.Engine.ApproveRequest(env.Ctx, req.ID, "alice")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.RequestApproved || approved.ApprovedBy == nil || *approved.ApprovedBy != "alice" {
		t.Fatalf("unexpected approval %+v", approved)
	}
	got, err := env.Engine.GetTask(env.Ctx, task.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !got.DueDate.Equal(day(2024, 11, 14)) {
		t.Fatalf("due date = %v", got.DueDate)
	}
	if !got.OriginalDueDate.Equal(day(2024, 11, 11)) {
		t.Fatalf("original due date moved to %v", got.OriginalDueDate)
	}
	entries := rescheduleEntries(t, env, task.ID)
	if len(entries) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ActorID != "alice" || e.Metadata["action"] != "approved" || e.Metadata["request_id"] != req.ID {
		t.Fatalf("unexpected history %+v", e)
	}
	if e.OldValue["due_date"] != "2024-11-11T00:00:00Z" || e.NewValue["due_date"] != "2024-11-14T00:00:00Z" {
		t.Fatalf("unexpected payload old=%v new=%v", e.OldValue, e.NewValue)
	}
	if _, ok := e.Metadata["auto"]; ok {
		t.Fatalf("human approval must not be marked auto")
	}
}

func TestRejectKeepsDueDate(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, day(2024, 11, 11))
	req := env.request(t, task.ID, day(2024, 11, 14))

	rejected, err := env.Engine.RejectRequest(env.Ctx, req.ID, "alice", "not this week")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.RequestRejected || rejected.RejectionReason != "not this week" {
		t.Fatalf("unexpected rejection %+v", rejected)
	}
	got, _ := env.Engine.GetTask(env.Ctx, task.ID, "alice")
	if !got.DueDate.Equal(day(2024, 11, 11)) {
		t.Fatalf("rejection moved due date to %v", got.DueDate)
	}
	entries := rescheduleEntries(t, env, task.ID)
	if len(entries) != 1 || entries[0].Metadata["action"] != "rejected" || entries[0].Metadata["rejection_reason"] != "not this week" {
		t.Fatalf("unexpected history %+v", entries)
	}
	stored, _ := env.Engine.GetRequest(env.Ctx, req.ID, "alice")
	if stored.RejectedAt == nil || stored.ApprovedAt != nil {
		t.Fatalf("stored request %+v", stored)
	}
}

func TestResolvedRequestIsFinal(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, day(2024, 11, 11))
	req := env.request(t, task.ID, day(2024, 11, 14))
	if _, err := env.Engine.RejectRequest(env.Ctx, req.ID, "alice", ""); err != nil {
		t.Fatal(err)
	}
	var invalid engine.InvalidStateError
	if _, err := env.Engine.ApproveRequest(env.Ctx, req.ID, "alice"); !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if _, err := env.Engine.RejectRequest(env.Ctx, req.ID, "alice", "again"); !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if invalid.State != domain.RequestRejected {
		t.Fatalf("state = %s", invalid.State)
	}
	if n := len(rescheduleEntries(t, env, task.ID)); n != 1 {
		t.Fatalf("expected 1 history entry, got %d", n)
	}
}

func TestCreateRequestRejectsTerminalTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, day(2024, 11, 11))
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CreateRequest(env.Ctx, engine.CreateRequestOptions{TaskID: task.ID, RequestedBy: "bob", RequestedDueDate: day(2024, 11, 20)})
	var invalid engine.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestSweepAutoApprovesExpired(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, day(2024, 11, 11))
	expired := env.request(t, task.ID, day(2024, 11, 14))
	other := env.task(t, day(2024, 11, 12))
	env.advance(24 * time.Hour)
	fresh := env.request(t, other.ID, day(2024, 11, 15))

	env.advance(6 * 24 * time.Hour)
	res, err := env.Engine.SweepExpired(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Candidates != 1 || res.Approved != 1 || len(res.Failures) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	got, _ := env.Engine.GetRequest(env.Ctx, expired.ID, "alice")
	if got.Status != domain.RequestApproved || got.ApprovedBy == nil || *got.ApprovedBy != "system" {
		t.Fatalf("unexpected request %+v", got)
	}
	if still, _ := env.Engine.GetRequest(env.Ctx, fresh.ID, "alice"); still.Status != domain.RequestPending {
		t.Fatalf("request inside its window was resolved")
	}
	entries := rescheduleEntries(t, env, task.ID)
	if len(entries) != 1 || entries[0].ActorID != "system" || entries[0].Metadata["auto"] != true {
		t.Fatalf("unexpected history %+v", entries)
	}

	again, err := env.Engine.SweepExpired(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.Candidates != 0 || again.Approved != 0 {
		t.Fatalf("second sweep acted: %+v", again)
	}
	if n := len(rescheduleEntries(t, env, task.ID)); n != 1 {
		t.Fatalf("second sweep wrote history: %d entries", n)
	}
	if v := testutil.ToFloat64(env.Engine.Metrics.Resolutions.WithLabelValues("auto_approved")); v != 1 {
		t.Fatalf("auto_approved counter = %v", v)
	}
}

func TestConcurrentResolutionHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, day(2024, 11, 11))
	req := env.request(t, task.ID, day(2024, 11, 14))
	env.advance(8 * 24 * time.Hour)

	var (
		wg         sync.WaitGroup
		approveErr error
		rejectErr  error
		sweep      engine.SweepResult
		sweepErr   error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		_, approveErr = env.Engine.ApproveRequest(env.Ctx, req.ID, "alice")
	}()
	go func() {
		defer wg.Done()
		_, rejectErr = env.Engine.RejectRequest(env.Ctx, req.ID, "carol", "no")
	}()
	go func() {
		defer wg.Done()
		sweep, sweepErr = env.Engine.SweepExpired(env.Ctx)
	}()
	wg.Wait()

	if sweepErr != nil || len(sweep.Failures) != 0 {
		t.Fatalf("sweep failed: %v %+v", sweepErr, sweep)
	}
	winners := sweep.Approved
	for _, err := range []error{approveErr, rejectErr} {
		var (
			invalid  engine.InvalidStateError
			conflict engine.ConcurrencyConflict
		)
		switch {
		case err == nil:
			winners++
		case errors.As(err, &invalid), errors.As(err, &conflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if n := len(rescheduleEntries(t, env, task.ID)); n != 1 {
		t.Fatalf("expected 1 history entry, got %d", n)
	}
	got, _ := env.Engine.GetRequest(env.Ctx, req.ID, "alice")
	if got.Status == domain.RequestPending {
		t.Fatalf("request still pending")
	}
	if (got.ApprovedAt != nil) == (got.RejectedAt != nil) {
		t.Fatalf("request must carry exactly one resolution: %+v", got)
	}
}

func TestCompletionGeneratesNextInstanceOnce(t *testing.T) {
	env := newTestEnv(t)
	tmpl, first := env.daily(t, day(2024, 11, 11), 0)
	if tmpl.LastGeneratedTaskID == nil || *tmpl.LastGeneratedTaskID != first.ID {
		t.Fatalf("pointer not set to first instance")
	}

	res, err := env.Engine.CompleteTask(env.Ctx, first.ID, "alice")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Task.Status != domain.TaskCompleted || res.Task.CompletedAt == nil {
		t.Fatalf("unexpected task %+v", res.Task)
	}
	if res.Next == nil || !res.Next.DueDate.Equal(day(2024, 11, 12)) {
		t.Fatalf("unexpected next %+v", res.Next)
	}
	second := *res.Next

	third, err := env.Engine.Advance(env.Ctx, tmpl.ID, "alice")
	if err != nil || third == nil {
		t.Fatalf("advance: %v %v", third, err)
	}
	if !third.DueDate.Equal(day(2024, 11, 13)) {
		t.Fatalf("third due %v", third.DueDate)
	}

	// the pointer already moved past second, so completing it generates nothing
	res, err = env.Engine.CompleteTask(env.Ctx, second.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if res.Next != nil {
		t.Fatalf("generated a duplicate successor %+v", res.Next)
	}
	instances, err := env.Engine.TemplateHistory(env.Ctx, tmpl.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 3 || instances[0].ID != third.ID {
		t.Fatalf("unexpected instances %+v", instances)
	}
}

func TestEndedTemplateIsLocked(t *testing.T) {
	env := newTestEnv(t)
	tmpl, first := env.daily(t, day(2024, 11, 11), 0)
	ended, err := env.Engine.End(env.Ctx, tmpl.ID, "alice")
	if err != nil || !ended.IsEnded {
		t.Fatalf("end: %v", err)
	}
	var invalid engine.InvalidStateError
	for name, op := range map[string]func() error{
		"pause":  func() error { _, err := env.Engine.Pause(env.Ctx, tmpl.ID, "alice"); return err },
		"resume": func() error { _, err := env.Engine.Resume(env.Ctx, tmpl.ID, "alice"); return err },
		"end":    func() error { _, err := env.Engine.End(env.Ctx, tmpl.ID, "alice"); return err },
		"advance": func() error {
			_, err := env.Engine.Advance(env.Ctx, tmpl.ID, "alice")
			return err
		},
	} {
		if err := op(); !errors.As(err, &invalid) {
			t.Fatalf("%s: expected InvalidStateError, got %v", name, err)
		}
	}
	res, err := env.Engine.CompleteTask(env.Ctx, first.ID, "alice")
	if err != nil {
		t.Fatalf("completing an instance of an ended series: %v", err)
	}
	if res.Next != nil {
		t.Fatalf("ended template generated %+v", res.Next)
	}
}

func TestPausedTemplateGeneratesNothing(t *testing.T) {
	env := newTestEnv(t)
	tmpl, first := env.daily(t, day(2024, 11, 11), 0)
	paused, err := env.Engine.Pause(env.Ctx, tmpl.ID, "alice")
	if err != nil || !paused.IsPaused {
		t.Fatalf("pause: %v", err)
	}
	if _, err := env.Engine.Pause(env.Ctx, tmpl.ID, "alice"); err != nil {
		t.Fatalf("pausing twice: %v", err)
	}
	res, err := env.Engine.CompleteTask(env.Ctx, first.ID, "alice")
	if err != nil || res.Next != nil {
		t.Fatalf("paused template generated %+v (%v)", res.Next, err)
	}
	if next, err := env.Engine.Advance(env.Ctx, tmpl.ID, "alice"); err != nil || next != nil {
		t.Fatalf("advance while paused: %+v %v", next, err)
	}
	if _, err := env.Engine.Resume(env.Ctx, tmpl.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	next, err := env.Engine.Advance(env.Ctx, tmpl.ID, "alice")
	if err != nil || next == nil || !next.DueDate.Equal(day(2024, 11, 12)) {
		t.Fatalf("advance after resume: %+v %v", next, err)
	}
}

func TestSeriesStopsAtEndDate(t *testing.T) {
	env := newTestEnv(t)
	end := day(2024, 11, 12)
	tmpl, first, err := env.Engine.CreateTemplate(env.Ctx, engine.CreateTemplateOptions{
		OrgID: "org-1", Title: "Standup", ActorID: "alice",
		Kind: domain.RecurDaily, StartDate: day(2024, 11, 11), EndDate: &end,
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.CompleteTask(env.Ctx, first.ID, "alice")
	if err != nil || res.Next == nil {
		t.Fatalf("expected a final instance: %v", err)
	}
	res, err = env.Engine.CompleteTask(env.Ctx, res.Next.ID, "alice")
	if err != nil || res.Next != nil {
		t.Fatalf("generated past end date: %+v %v", res.Next, err)
	}
	got, _ := env.Engine.GetTemplate(env.Ctx, tmpl.ID, "alice")
	if got.IsEnded {
		t.Fatalf("exhausting a series must not end the template")
	}
}

func TestUnlockWindow(t *testing.T) {
	env := newTestEnv(t)
	_, first := env.daily(t, day(2024, 11, 20), 2)
	view, err := env.Engine.TaskView(env.Ctx, first.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if view.CanComplete || view.CanCompleteAfter == nil || !view.CanCompleteAfter.Equal(day(2024, 11, 18)) {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.Recurrence != "Daily" || view.TemplateStatus != "Active" {
		t.Fatalf("recurrence %q status %q", view.Recurrence, view.TemplateStatus)
	}
	_, err = env.Engine.CompleteTask(env.Ctx, first.ID, "alice")
	var invalid engine.InvalidStateError
	if !errors.As(err, &invalid) || invalid.State != "locked" {
		t.Fatalf("expected locked, got %v", err)
	}
	if _, err := env.Engine.MarkNotApplicable(env.Ctx, first.ID, "alice"); err != nil {
		t.Fatalf("not applicable ignores the window: %v", err)
	}

	_, second := env.daily(t, day(2024, 11, 20), 2)
	*env.clock = day(2024, 11, 18)
	if _, err := env.Engine.CompleteTask(env.Ctx, second.ID, "alice"); err != nil {
		t.Fatalf("complete inside window: %v", err)
	}
}

func TestSetDueDateSeedsOriginalOnce(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{OrgID: "org-1", Title: "Call mom", ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	first, err := env.Engine.SetDueDate(env.Ctx, task.ID, day(2024, 11, 15), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if first.OriginalDueDate == nil || !first.OriginalDueDate.Equal(day(2024, 11, 15)) {
		t.Fatalf("original not seeded: %+v", first)
	}
	env.advance(time.Hour)
	if _, err := env.Engine.SetDueDate(env.Ctx, task.ID, day(2024, 11, 20), "alice"); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Engine.GetTask(env.Ctx, task.ID, "alice")
	if !got.OriginalDueDate.Equal(day(2024, 11, 15)) || !got.DueDate.Equal(day(2024, 11, 20)) {
		t.Fatalf("unexpected task %+v", got)
	}
	views, err := env.Engine.TaskHistory(env.Ctx, task.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 || views[0].Description != "Due date changed to Nov 20, 2024 (was: Nov 15, 2024)" {
		t.Fatalf("unexpected history %+v", views)
	}
}

func TestReassignRecordsHistory(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Repo.EnsureActor(env.Ctx, "bob", "Bob", t0); err != nil {
		t.Fatal(err)
	}
	task := env.task(t, day(2024, 11, 11))
	got, err := env.Engine.Reassign(env.Ctx, task.ID, "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.AssigneeID == nil || *got.AssigneeID != "bob" {
		t.Fatalf("assignee %v", got.AssigneeID)
	}
	views, err := env.Engine.TaskHistory(env.Ctx, task.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0].Description != "Assigned to Bob" || views[0].ActorName != "alice" {
		t.Fatalf("unexpected history %+v", views)
	}
	if got, err = env.Engine.Reassign(env.Ctx, task.ID, "", "alice"); err != nil || got.AssigneeID != nil {
		t.Fatalf("unassign: %+v %v", got.AssigneeID, err)
	}
}

func TestOverdueTasks(t *testing.T) {
	env := newTestEnv(t)
	late := env.task(t, day(2024, 11, 8))
	env.task(t, day(2024, 11, 20))
	done := env.task(t, day(2024, 11, 1))
	if _, err := env.Engine.CompleteTask(env.Ctx, done.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	entries, err := env.Engine.OverdueTasks(env.Ctx, "org-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Task.ID != late.ID || entries[0].Days != 3 || entries[0].Display != "3 days overdue" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestNotFoundErrors(t *testing.T) {
	env := newTestEnv(t)
	var nf engine.NotFoundError
	if _, err := env.Engine.ApproveRequest(env.Ctx, "missing", "alice"); !errors.As(err, &nf) || nf.Kind != "reschedule_request" {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, "missing", "alice"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.Pause(env.Ctx, "missing", "alice"); !errors.As(err, &nf) || nf.Kind != "recurring_template" {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestValidation(t *testing.T) {
	env := newTestEnv(t)
	var verr engine.ValidationError
	_, _, err := env.Engine.CreateTemplate(env.Ctx, engine.CreateTemplateOptions{
		OrgID: "org-1", Title: "Taxes", ActorID: "alice", Kind: "fortnightly", StartDate: day(2024, 11, 11),
	})
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	dom := 31
	month := 2
	_, _, err = env.Engine.CreateTemplate(env.Ctx, engine.CreateTemplateOptions{
		OrgID: "org-1", Title: "Taxes", ActorID: "alice", Kind: domain.RecurYearly,
		DayOfMonth: &dom, Month: &month, StartDate: day(2024, 11, 11),
	})
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for Feb 31, got %v", err)
	}
	if _, err := env.Engine.CreateRequest(env.Ctx, engine.CreateRequestOptions{TaskID: "x", RequestedBy: "bob"}); !errors.As(err, &verr) || verr.Field != "requested_due_date" {
		t.Fatalf("expected requested_due_date error, got %v", err)
	}
	if _, err := env.Engine.ListRequests(env.Ctx, repo.RequestFilter{OrgID: "org-1", Status: "open"}, "alice"); !errors.As(err, &verr) {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestRoleAuthorization(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	for id, role := range map[string]string{"alice": "owner", "dora": "doer"} {
		if err := env.Repo.EnsureActor(env.Ctx, id, "", t0); err != nil {
			t.Fatal(err)
		}
		if err := env.Repo.AssignOrgRole(env.Ctx, "org-1", id, role); err != nil {
			t.Fatal(err)
		}
	}
	env.Engine.Authorize = auth.RoleAuthorizer{
		Lookup:      env.Repo,
		Roles:       cfg.RolePermissions(),
		DefaultRole: cfg.RBAC.DefaultRole,
		SystemActor: cfg.Engine.SystemActor,
	}.Predicate()

	task := env.task(t, day(2024, 11, 11))
	req, err := env.Engine.CreateRequest(env.Ctx, engine.CreateRequestOptions{TaskID: task.ID, RequestedBy: "dora", RequestedDueDate: day(2024, 11, 14)})
	if err != nil {
		t.Fatalf("doer request: %v", err)
	}
	var forbidden auth.ForbiddenError
	if _, err := env.Engine.ApproveRequest(env.Ctx, req.ID, "dora"); !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	if _, err := env.Engine.CreateRequest(env.Ctx, engine.CreateRequestOptions{TaskID: task.ID, RequestedBy: "victor", RequestedDueDate: day(2024, 11, 14)}); !errors.As(err, &forbidden) {
		t.Fatalf("viewer must not request, got %v", err)
	}

	env.advance(8 * 24 * time.Hour)
	res, err := env.Engine.SweepExpired(env.Ctx)
	if err != nil || res.Approved != 1 {
		t.Fatalf("system sweep: %+v %v", res, err)
	}
}

func TestSeriesEndDateInConfiguredTimezone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.Engine.Timezone = "Asia/Tokyo"
	env.Engine.Config = cfg

	start := time.Date(2024, 3, 10, 0, 0, 0, 0, tokyo)
	end := time.Date(2024, 3, 11, 0, 0, 0, 0, tokyo)
	_, first, err := env.Engine.CreateTemplate(env.Ctx, engine.CreateTemplateOptions{
		OrgID: "org-1", Title: "Water plants", ActorID: "alice",
		Kind: domain.RecurDaily, StartDate: start, EndDate: &end,
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.CompleteTask(env.Ctx, first.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if res.Next == nil || !res.Next.DueDate.Equal(end) {
		t.Fatalf("expected an instance due on the end date, got %+v", res.Next)
	}
	res, err = env.Engine.CompleteTask(env.Ctx, res.Next.ID, "alice")
	if err != nil || res.Next != nil {
		t.Fatalf("generated past end date: %+v %v", res.Next, err)
	}
}

func TestConcurrentGenerationHasOneSuccessor(t *testing.T) {
	env := newTestEnv(t)
	tmpl, first := env.daily(t, day(2024, 11, 11), 0)

	const finishers = 4
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		finishErrs []error
		advanceErr error
	)
	for i := 0; i < finishers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := env.Engine.CompleteTask(env.Ctx, first.ID, "alice")
			mu.Lock()
			finishErrs = append(finishErrs, err)
			mu.Unlock()
		}()
		go func() {
			defer wg.Done()
			_, err := env.Engine.MarkNotApplicable(env.Ctx, first.ID, "alice")
			mu.Lock()
			finishErrs = append(finishErrs, err)
			mu.Unlock()
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, advanceErr = env.Engine.Advance(env.Ctx, tmpl.ID, "alice")
	}()
	wg.Wait()

	var conflict engine.ConcurrencyConflict
	if advanceErr != nil && !errors.As(advanceErr, &conflict) {
		t.Fatalf("advance: %v", advanceErr)
	}
	winners := 0
	for _, err := range finishErrs {
		var invalid engine.InvalidStateError
		switch {
		case err == nil:
			winners++
		case errors.As(err, &invalid), errors.As(err, &conflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one finisher, got %d", winners)
	}

	instances, err := env.Engine.TemplateHistory(env.Ctx, tmpl.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	seen := map[time.Time]int{}
	for _, task := range instances {
		seen[task.DueDate.UTC()]++
	}
	for due, n := range seen {
		if n != 1 {
			t.Fatalf("%d instances due %s", n, due)
		}
	}
	if seen[day(2024, 11, 12)] != 1 {
		t.Fatalf("first instance must have exactly one successor, got %+v", instances)
	}
	got, err := env.Engine.GetTemplate(env.Ctx, tmpl.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastGeneratedTaskID == nil || *got.LastGeneratedTaskID != instances[0].ID {
		t.Fatalf("pointer %v does not name the latest instance %s", got.LastGeneratedTaskID, instances[0].ID)
	}
}

func TestReadsFollowViewPermissions(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	if err := env.Repo.EnsureOrg(env.Ctx, "org-2", "Office", t0); err != nil {
		t.Fatal(err)
	}
	for _, m := range []struct{ org, actor, role string }{
		{"org-1", "alice", "owner"},
		{"org-1", "dora", "doer"},
		{"org-1", "vera", "viewer"},
		{"org-2", "mallory", "owner"},
	} {
		if err := env.Repo.EnsureActor(env.Ctx, m.actor, "", t0); err != nil {
			t.Fatal(err)
		}
		if err := env.Repo.AssignOrgRole(env.Ctx, m.org, m.actor, m.role); err != nil {
			t.Fatal(err)
		}
	}
	env.Engine.Authorize = auth.RoleAuthorizer{
		Lookup:      env.Repo,
		Roles:       cfg.RolePermissions(),
		DefaultRole: cfg.RBAC.DefaultRole,
		SystemActor: cfg.Engine.SystemActor,
	}.Predicate()

	due := day(2024, 11, 11)
	mine, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{
		OrgID: "org-1", Title: "Take out bins", ActorID: "alice", AssigneeID: "dora", DueDate: &due,
	})
	if err != nil {
		t.Fatal(err)
	}
	other := env.task(t, due)
	req, err := env.Engine.CreateRequest(env.Ctx, engine.CreateRequestOptions{TaskID: mine.ID, RequestedBy: "dora", RequestedDueDate: day(2024, 11, 14)})
	if err != nil {
		t.Fatal(err)
	}

	var forbidden auth.ForbiddenError
	for name, read := range map[string]func() error{
		"task":     func() error { _, err := env.Engine.GetTask(env.Ctx, mine.ID, "mallory"); return err },
		"view":     func() error { _, err := env.Engine.TaskView(env.Ctx, mine.ID, "mallory"); return err },
		"history":  func() error { _, err := env.Engine.TaskHistory(env.Ctx, mine.ID, "mallory"); return err },
		"request":  func() error { _, err := env.Engine.GetRequest(env.Ctx, req.ID, "mallory"); return err },
		"list":     func() error { _, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilter{OrgID: "org-1"}, "mallory"); return err },
		"requests": func() error { _, err := env.Engine.ListRequests(env.Ctx, repo.RequestFilter{OrgID: "org-1"}, "mallory"); return err },
		"pending":  func() error { _, err := env.Engine.PendingCount(env.Ctx, "org-1", "mallory"); return err },
	} {
		if err := read(); !errors.As(err, &forbidden) {
			t.Fatalf("%s: another organization's owner must not read, got %v", name, err)
		}
	}

	if _, err := env.Engine.GetTask(env.Ctx, mine.ID, "dora"); err != nil {
		t.Fatalf("doer reading an assigned task: %v", err)
	}
	if _, err := env.Engine.GetTask(env.Ctx, other.ID, "dora"); !errors.As(err, &forbidden) {
		t.Fatalf("doer reading an unassigned task: %v", err)
	}
	if _, err := env.Engine.GetRequest(env.Ctx, req.ID, "dora"); err != nil {
		t.Fatalf("requester reading own request: %v", err)
	}
	tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilter{OrgID: "org-1"}, "dora")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != mine.ID {
		t.Fatalf("doer listed %+v", tasks)
	}
	tasks, err = env.Engine.ListTasks(env.Ctx, repo.TaskFilter{OrgID: "org-1"}, "vera")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("viewer listed %d tasks", len(tasks))
	}
	if n, err := env.Engine.PendingCount(env.Ctx, "org-1", "vera"); err != nil || n != 1 {
		t.Fatalf("viewer pending count %d %v", n, err)
	}
}
