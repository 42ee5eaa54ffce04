package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cadence/internal/app"
	cadencesdk "cadence/sdk/go"
)

const testSecret = "test-secret"

var t0 = time.Date(2024, 11, 11, 9, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	ws     *app.Workspace
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) token(t *testing.T, actorID string) string {
	t.Helper()
	tok, err := SignToken(testSecret, actorID, "", "", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (s *testServer) sdk(t *testing.T, actorID string) *cadencesdk.Client {
	return cadencesdk.New(s.URL, s.token(t, actorID))
}

func newTestServer(t *testing.T, legacy bool) (*testServer, func()) {
	t.Helper()
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	ws, err := app.Open(ctx, app.Options{Workspace: t.TempDir(), OrgID: "org-1", ActorID: "alice", Registerer: reg})
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	if err := app.GrantRole(ctx, ws, "alice", "bob", "doer"); err != nil {
		t.Fatalf("grant role: %v", err)
	}
	ws.Engine.Now = func() time.Time { return t0 }
	handler, err := New(Config{
		Engine:   ws.Engine,
		OrgID:    ws.OrgID,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: legacy},
		Gatherer: reg,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		ws:     ws,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			ws.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return env
}

func apiCode(t *testing.T, err error) (int, string) {
	t.Helper()
	var apiErr *cadencesdk.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	return apiErr.StatusCode, apiErr.Code
}

func TestHealthAndAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/templates", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Error.Code != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/templates", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Error.Code != "invalid_credentials" {
		t.Fatalf("expected 401 invalid_credentials, got %d %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/templates", nil, map[string]string{"X-Actor-Id": "alice"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("legacy header must be refused when disabled, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/templates", nil, map[string]string{"Authorization": "Bearer " + srv.token(t, "alice")})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authenticated list status %d", res.StatusCode)
	}
}

func TestLegacyActorHeader(t *testing.T) {
	srv, cleanup := newTestServer(t, true)
	defer cleanup()
	c := cadencesdk.New(srv.URL, "")
	c.ActorID = "alice"
	due := t0
	if _, err := c.CreateTask(context.Background(), "Water plants", &due); err != nil {
		t.Fatalf("create via legacy header: %v", err)
	}
}

func TestRescheduleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	ctx := context.Background()
	alice := srv.sdk(t, "alice")
	bob := srv.sdk(t, "bob")

	due := time.Date(2024, 11, 11, 0, 0, 0, 0, time.UTC)
	task, err := alice.CreateTask(ctx, "Renew passport", &due)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := bob.CreateTask(ctx, "Not allowed", nil); err == nil {
		t.Fatalf("doer must not create tasks")
	} else if status, code := apiCode(t, err); status != http.StatusForbidden || code != "forbidden" {
		t.Fatalf("got %d %s", status, code)
	}

	req, err := bob.RequestReschedule(ctx, task.ID, due.AddDate(0, 0, 3), 0)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Status != "pending" || !req.ExpiresAt.Equal(t0.AddDate(0, 0, 7)) {
		t.Fatalf("unexpected request %+v", req)
	}
	if _, err := bob.Approve(ctx, req.ID); err == nil {
		t.Fatalf("doer must not approve")
	} else if status, _ := apiCode(t, err); status != http.StatusForbidden {
		t.Fatalf("status %d", status)
	}
	approved, err := alice.Approve(ctx, req.ID)
	if err != nil || approved.Status != "approved" {
		t.Fatalf("approve: %+v %v", approved, err)
	}
	_, err = alice.Approve(ctx, req.ID)
	if status, code := apiCode(t, err); status != http.StatusConflict || code != "invalid_state" {
		t.Fatalf("second approve: %d %s", status, code)
	}

	view, err := alice.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !view.DueDate.Equal(due.AddDate(0, 0, 3)) || !view.OriginalDueDate.Equal(due) {
		t.Fatalf("unexpected task %+v", view.Task)
	}
	history, err := alice.TaskHistory(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Description != "Reschedule request approved - due date changed to Nov 14, 2024" {
		t.Fatalf("unexpected history %+v", history)
	}

	pending, err := alice.Requests(ctx, "pending")
	if err != nil || len(pending) != 0 {
		t.Fatalf("pending: %+v %v", pending, err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/reschedule-requests?status=open", nil,
		map[string]string{"Authorization": "Bearer " + srv.token(t, "alice")})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status filter, got %d %s", res.StatusCode, data)
	}
}

func TestTemplateLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	ctx := context.Background()
	alice := srv.sdk(t, "alice")

	tmpl, first, err := alice.CreateTemplate(ctx, cadencesdk.TemplateSpec{
		Title:          "Take out bins",
		RecurrenceType: "weekly",
		StartDate:      time.Date(2024, 11, 11, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	if tmpl.LastGeneratedTaskID == nil || *tmpl.LastGeneratedTaskID != first.ID {
		t.Fatalf("pointer not set: %+v", tmpl)
	}
	res, err := alice.CompleteTask(ctx, first.ID)
	if err != nil || res.Next == nil {
		t.Fatalf("complete: %+v %v", res, err)
	}
	if !res.Next.DueDate.Equal(time.Date(2024, 11, 18, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("next due %v", res.Next.DueDate)
	}

	if _, err := alice.TransitionTemplate(ctx, tmpl.ID, "end"); err != nil {
		t.Fatalf("end: %v", err)
	}
	_, err = alice.TransitionTemplate(ctx, tmpl.ID, "pause")
	if status, code := apiCode(t, err); status != http.StatusConflict || code != "invalid_state" {
		t.Fatalf("pause after end: %d %s", status, code)
	}
	_, err = alice.Advance(ctx, tmpl.ID)
	if status, _ := apiCode(t, err); status != http.StatusConflict {
		t.Fatalf("advance after end: %d", status)
	}
	instances, err := alice.Instances(ctx, tmpl.ID)
	if err != nil || len(instances) != 2 {
		t.Fatalf("instances: %+v %v", instances, err)
	}
	_, err = alice.TransitionTemplate(ctx, "missing", "pause")
	if status, code := apiCode(t, err); status != http.StatusNotFound || code != "not_found" {
		t.Fatalf("missing template: %d %s", status, code)
	}
}

func TestTemplateValidationOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	headers := map[string]string{"Authorization": "Bearer " + srv.token(t, "alice")}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/templates", map[string]any{
		"title": "Taxes", "recurrence_type": "yearly", "recurrence_month": 2, "recurrence_day_of_month": 31,
		"start_date": "2024-11-11T00:00:00Z",
	}, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, data)
	}
	env := decodeError(t, data)
	if env.Error.Code != "bad_request" || env.Error.Details["field"] != "recurrence_day_of_month" {
		t.Fatalf("unexpected envelope %+v", env)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/templates", map[string]any{
		"title": "Taxes", "recurrence_type": "fortnightly", "start_date": "2024-11-11T00:00:00Z",
	}, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for schema violation, got %d %s", res.StatusCode, data)
	}
}

func TestSweepAndMetricsEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	ctx := context.Background()
	alice := srv.sdk(t, "alice")
	due := time.Date(2024, 11, 11, 0, 0, 0, 0, time.UTC)
	task, err := alice.CreateTask(ctx, "Book dentist", &due)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := alice.RequestReschedule(ctx, task.ID, due.AddDate(0, 0, 2), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.sdk(t, "bob").Sweep(ctx); err == nil {
		t.Fatalf("doer must not run the sweep")
	}
	res, err := alice.Sweep(ctx)
	if err != nil || res.Candidates != 0 {
		t.Fatalf("sweep before expiry: %+v %v", res, err)
	}

	resp, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), "cadence_sweep_runs_total") {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
	resp, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), "approve-reschedule-request") {
		t.Fatalf("openapi: %d", resp.StatusCode)
	}
}

func TestReadsAreScopedOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	ctx := context.Background()
	alice := srv.sdk(t, "alice")
	if err := srv.ws.Repo.EnsureOrg(ctx, "org-2", "Office", t0); err != nil {
		t.Fatal(err)
	}
	if err := srv.ws.Repo.EnsureActor(ctx, "mallory", "", t0); err != nil {
		t.Fatal(err)
	}
	if err := srv.ws.Repo.AssignOrgRole(ctx, "org-2", "mallory", "owner"); err != nil {
		t.Fatal(err)
	}
	due := time.Date(2024, 11, 11, 0, 0, 0, 0, time.UTC)
	task, err := alice.CreateTask(ctx, "File taxes", &due)
	if err != nil {
		t.Fatal(err)
	}
	req, err := srv.sdk(t, "bob").RequestReschedule(ctx, task.ID, due.AddDate(0, 0, 2), 0)
	if err != nil {
		t.Fatal(err)
	}

	tok, err := SignToken(testSecret, "mallory", "org-2", "", time.Hour, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	mallory := cadencesdk.New(srv.URL, tok)
	if _, err := mallory.GetTask(ctx, task.ID); err == nil {
		t.Fatalf("another organization's owner read the task")
	} else if status, code := apiCode(t, err); status != http.StatusForbidden || code != "forbidden" {
		t.Fatalf("got %d %s", status, code)
	}
	if _, err := mallory.TaskHistory(ctx, task.ID); err == nil {
		t.Fatalf("another organization's owner read the history")
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/reschedule-requests/"+req.ID, nil,
		map[string]string{"Authorization": "Bearer " + tok})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 reading another organization's request, got %d %s", res.StatusCode, data)
	}
	sweep, err := mallory.Sweep(ctx)
	if err != nil || sweep.Candidates != 0 {
		t.Fatalf("sweep of an empty organization: %+v %v", sweep, err)
	}

	bob := srv.sdk(t, "bob")
	if _, err := bob.GetTask(ctx, task.ID); err == nil {
		t.Fatalf("doer read an unassigned task")
	}
	mine, err := bob.Requests(ctx, "")
	if err != nil || len(mine) != 1 || mine[0].ID != req.ID {
		t.Fatalf("doer requests: %+v %v", mine, err)
	}
}
