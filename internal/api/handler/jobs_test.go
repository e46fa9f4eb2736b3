package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewlens/internal/pipeline"
	"github.com/kiranshivaraju/reviewlens/internal/recovery"
	"github.com/kiranshivaraju/reviewlens/internal/scheduler"
	"github.com/kiranshivaraju/reviewlens/internal/store"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

// --- mock JobService ---

type mockService struct {
	createJob   func(pipeline.CreateJobParams) (*models.Job, error)
	collect     func(uuid.UUID, pipeline.CollectParams) (*pipeline.CollectResult, error)
	createTasks func(uuid.UUID, []models.ReviewItem) (*pipeline.CreateTasksResult, error)
	drive       func(uuid.UUID) (scheduler.DriveResult, error)
	status      func(uuid.UUID) (*pipeline.JobStatus, error)
	listTasks   func(uuid.UUID, pipeline.ListTasksParams) ([]*models.Task, error)
}

func (m *mockService) CreateJob(_ context.Context, p pipeline.CreateJobParams) (*models.Job, error) {
	return m.createJob(p)
}

func (m *mockService) Collect(_ context.Context, id uuid.UUID, p pipeline.CollectParams) (*pipeline.CollectResult, error) {
	return m.collect(id, p)
}

func (m *mockService) CreateTasks(_ context.Context, id uuid.UUID, items []models.ReviewItem) (*pipeline.CreateTasksResult, error) {
	return m.createTasks(id, items)
}

func (m *mockService) Drive(_ context.Context, id uuid.UUID) (scheduler.DriveResult, error) {
	return m.drive(id)
}

func (m *mockService) Status(_ context.Context, id uuid.UUID) (*pipeline.JobStatus, error) {
	return m.status(id)
}

func (m *mockService) ListTasks(_ context.Context, id uuid.UUID, p pipeline.ListTasksParams) ([]*models.Task, error) {
	return m.listTasks(id, p)
}

func (m *mockService) Reconcile(context.Context) recovery.Report {
	return recovery.Report{StuckRequeued: 1, Alerts: []models.Alert{}}
}

// --- helpers ---

func routes(svc JobService) http.Handler {
	r := chi.NewRouter()
	r.Post("/jobs", NewCreateJobHandler(svc))
	r.Get("/jobs/{jobID}", NewGetJobHandler(svc))
	r.Post("/jobs/{jobID}/tasks", NewCreateTasksHandler(svc))
	r.Post("/jobs/{jobID}/collect", NewCollectHandler(svc))
	r.Post("/jobs/{jobID}/drive", NewDriveHandler(svc))
	r.Get("/jobs/{jobID}/tasks", NewListTasksHandler(svc))
	r.Post("/reconcile", NewReconcileHandler(svc))
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func parseData(t *testing.T, rec *httptest.ResponseRecorder, want int) map[string]any {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
	var env struct {
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env.Data
}

type apiError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details json.RawMessage `json:"details"`
}

func (e apiError) fields(t *testing.T) []fieldError {
	t.Helper()
	var out []fieldError
	if err := json.Unmarshal(e.Details, &out); err != nil {
		t.Fatalf("decode details: %v", err)
	}
	return out
}

func parseErr(t *testing.T, rec *httptest.ResponseRecorder) (int, apiError) {
	t.Helper()
	var env struct {
		Error apiError `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, env.Error
}

// --- POST /jobs ---

func TestCreateJob_Success(t *testing.T) {
	var got pipeline.CreateJobParams
	svc := &mockService{createJob: func(p pipeline.CreateJobParams) (*models.Job, error) {
		got = p
		return &models.Job{ID: uuid.New(), AppName: p.AppName, Priority: p.Priority, Status: models.JobCollecting}, nil
	}}

	rec := do(t, routes(svc), http.MethodPost, "/jobs", map[string]any{"app_name": "  acme  ", "priority": 7})
	data := parseData(t, rec, http.StatusCreated)

	if data["status"] != "collecting" {
		t.Errorf("expected collecting, got %v", data["status"])
	}
	if got.AppName != "acme" || got.Priority != 7 {
		t.Errorf("unexpected params: %+v", got)
	}
}

func TestCreateJob_ValidationFailed(t *testing.T) {
	svc := &mockService{}
	rec := do(t, routes(svc), http.MethodPost, "/jobs", map[string]any{"priority": 500})

	code, e := parseErr(t, rec)
	if code != http.StatusBadRequest || e.Code != "VALIDATION_FAILED" {
		t.Fatalf("expected 400 VALIDATION_FAILED, got %d %s", code, e.Code)
	}
	fields := map[string]string{}
	for _, f := range e.fields(t) {
		fields[f.Field] = f.Rule
	}
	if fields["app_name"] != "required" {
		t.Errorf("expected app_name required, got %v", fields)
	}
	if fields["priority"] != "lte" {
		t.Errorf("expected priority lte, got %v", fields)
	}
}

func TestCreateJob_InvalidJSON(t *testing.T) {
	rec := do(t, routes(&mockService{}), http.MethodPost, "/jobs", "{not json")
	code, e := parseErr(t, rec)
	if code != http.StatusBadRequest || e.Code != "INVALID_REQUEST" {
		t.Errorf("expected 400 INVALID_REQUEST, got %d %s", code, e.Code)
	}
}

// --- GET /jobs/{jobID} ---

func TestGetJob_Success(t *testing.T) {
	id := uuid.New()
	svc := &mockService{status: func(got uuid.UUID) (*pipeline.JobStatus, error) {
		return &pipeline.JobStatus{
			Job:    &models.Job{ID: got, Status: models.JobAnalyzing},
			Counts: models.TaskCounts{models.TaskRunning: 2, models.TaskCompleted: 3},
		}, nil
	}}

	data := parseData(t, do(t, routes(svc), http.MethodGet, "/jobs/"+id.String(), nil), http.StatusOK)
	job := data["job"].(map[string]any)
	if job["id"] != id.String() {
		t.Errorf("expected job %s, got %v", id, job["id"])
	}
	counts := data["task_counts"].(map[string]any)
	if counts["running"] != 2.0 || counts["completed"] != 3.0 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestGetJob_InvalidID(t *testing.T) {
	rec := do(t, routes(&mockService{}), http.MethodGet, "/jobs/not-a-uuid", nil)
	code, e := parseErr(t, rec)
	if code != http.StatusBadRequest || e.Code != "INVALID_REQUEST" {
		t.Errorf("expected 400 INVALID_REQUEST, got %d %s", code, e.Code)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	svc := &mockService{status: func(uuid.UUID) (*pipeline.JobStatus, error) {
		return nil, fmt.Errorf("loading job: %w", store.ErrNotFound)
	}}
	code, e := parseErr(t, do(t, routes(svc), http.MethodGet, "/jobs/"+uuid.NewString(), nil))
	if code != http.StatusNotFound || e.Code != "JOB_NOT_FOUND" {
		t.Errorf("expected 404 JOB_NOT_FOUND, got %d %s", code, e.Code)
	}
}

// --- POST /jobs/{jobID}/tasks ---

func TestCreateTasks_Success(t *testing.T) {
	id := uuid.New()
	var gotItems []models.ReviewItem
	svc := &mockService{createTasks: func(got uuid.UUID, items []models.ReviewItem) (*pipeline.CreateTasksResult, error) {
		gotItems = items
		return &pipeline.CreateTasksResult{JobID: got, Status: models.JobReady, TaskIDs: []uuid.UUID{uuid.New()}}, nil
	}}

	body := map[string]any{"items": []map[string]any{
		{"id": "1", "source": "app_store", "text": "crashes on launch every time", "rating": 1},
		{"id": "2", "source": "reddit", "text": "sync is slow", "upvotes": 40},
	}}
	data := parseData(t, do(t, routes(svc), http.MethodPost, "/jobs/"+id.String()+"/tasks", body), http.StatusCreated)

	if data["status"] != "ready" {
		t.Errorf("expected ready, got %v", data["status"])
	}
	if len(gotItems) != 2 || gotItems[0].Rating == nil || *gotItems[0].Rating != 1 || gotItems[1].Upvotes != 40 {
		t.Errorf("items not decoded: %+v", gotItems)
	}
}

func TestCreateTasks_ItemValidation(t *testing.T) {
	body := map[string]any{"items": []map[string]any{{"id": "1", "source": "reddit"}}}
	code, e := parseErr(t, do(t, routes(&mockService{}), http.MethodPost, "/jobs/"+uuid.NewString()+"/tasks", body))
	if code != http.StatusBadRequest || e.Code != "VALIDATION_FAILED" {
		t.Fatalf("expected 400 VALIDATION_FAILED, got %d %s", code, e.Code)
	}
	if fields := e.fields(t); len(fields) != 1 || fields[0].Field != "items[0].text" {
		t.Errorf("unexpected details: %+v", fields)
	}
}

func TestCreateTasks_Conflict(t *testing.T) {
	svc := &mockService{createTasks: func(uuid.UUID, []models.ReviewItem) (*pipeline.CreateTasksResult, error) {
		return nil, fmt.Errorf("%w: job is ready", pipeline.ErrJobNotCollecting)
	}}
	code, e := parseErr(t, do(t, routes(svc), http.MethodPost, "/jobs/"+uuid.NewString()+"/tasks", map[string]any{}))
	if code != http.StatusConflict || e.Code != "JOB_NOT_COLLECTING" {
		t.Errorf("expected 409 JOB_NOT_COLLECTING, got %d %s", code, e.Code)
	}
}

// --- POST /jobs/{jobID}/collect ---

func TestCollect_ParsesSince(t *testing.T) {
	var got pipeline.CollectParams
	svc := &mockService{collect: func(_ uuid.UUID, p pipeline.CollectParams) (*pipeline.CollectResult, error) {
		got = p
		return &pipeline.CollectResult{Items: map[string]int{"reddit": 3}}, nil
	}}

	rec := do(t, routes(svc), http.MethodPost, "/jobs/"+uuid.NewString()+"/collect",
		map[string]any{"since": "2026-09-01T00:00:00Z"})
	parseData(t, rec, http.StatusCreated)

	want := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	if !got.Since.Equal(want) {
		t.Errorf("expected since %v, got %v", want, got.Since)
	}
}

func TestCollect_InvalidSince(t *testing.T) {
	rec := do(t, routes(&mockService{}), http.MethodPost, "/jobs/"+uuid.NewString()+"/collect",
		map[string]any{"since": "yesterday"})
	code, e := parseErr(t, rec)
	if code != http.StatusBadRequest || e.Code != "VALIDATION_FAILED" {
		t.Errorf("expected 400 VALIDATION_FAILED, got %d %s", code, e.Code)
	}
}

func TestCollect_ErrorMapping(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
		wantErr  string
	}{
		{pipeline.ErrNoSources, http.StatusUnprocessableEntity, "NO_SOURCES"},
		{fmt.Errorf("%w: reddit: down", pipeline.ErrAllSourcesFailed), http.StatusBadGateway, "SOURCES_UNAVAILABLE"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.wantErr, func(t *testing.T) {
			svc := &mockService{collect: func(uuid.UUID, pipeline.CollectParams) (*pipeline.CollectResult, error) {
				return nil, tt.err
			}}
			code, e := parseErr(t, do(t, routes(svc), http.MethodPost, "/jobs/"+uuid.NewString()+"/collect", nil))
			if code != tt.wantCode || e.Code != tt.wantErr {
				t.Errorf("expected %d %s, got %d %s", tt.wantCode, tt.wantErr, code, e.Code)
			}
		})
	}
}

// --- POST /jobs/{jobID}/drive ---

func TestDrive_Accepted(t *testing.T) {
	id := uuid.New()
	svc := &mockService{drive: func(got uuid.UUID) (scheduler.DriveResult, error) {
		return scheduler.DriveResult{JobID: got, Budget: 4, Dispatched: []uuid.UUID{uuid.New()}}, nil
	}}
	data := parseData(t, do(t, routes(svc), http.MethodPost, "/jobs/"+id.String()+"/drive", nil), http.StatusAccepted)
	if data["budget"] != 4.0 {
		t.Errorf("expected budget 4, got %v", data["budget"])
	}
}

func TestDrive_ShuttingDown(t *testing.T) {
	svc := &mockService{drive: func(uuid.UUID) (scheduler.DriveResult, error) {
		return scheduler.DriveResult{}, scheduler.ErrDispatcherClosed
	}}
	code, e := parseErr(t, do(t, routes(svc), http.MethodPost, "/jobs/"+uuid.NewString()+"/drive", nil))
	if code != http.StatusServiceUnavailable || e.Code != "SHUTTING_DOWN" {
		t.Errorf("expected 503 SHUTTING_DOWN, got %d %s", code, e.Code)
	}
}

// --- GET /jobs/{jobID}/tasks ---

func TestListTasks_QueryParams(t *testing.T) {
	var got pipeline.ListTasksParams
	svc := &mockService{listTasks: func(_ uuid.UUID, p pipeline.ListTasksParams) ([]*models.Task, error) {
		got = p
		return []*models.Task{{ID: uuid.New(), Status: models.TaskFailed}}, nil
	}}

	rec := do(t, routes(svc), http.MethodGet, "/jobs/"+uuid.NewString()+"/tasks?status=failed,queued&limit=5000", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got.Limit != maxTaskLimit {
		t.Errorf("expected limit clamped to %d, got %d", maxTaskLimit, got.Limit)
	}
	if len(got.Statuses) != 2 || got.Statuses[0] != models.TaskFailed || got.Statuses[1] != models.TaskQueued {
		t.Errorf("unexpected statuses: %v", got.Statuses)
	}
	if !strings.Contains(rec.Body.String(), `"meta"`) {
		t.Errorf("expected collection envelope, got %s", rec.Body.String())
	}
}

func TestListTasks_BadParams(t *testing.T) {
	for _, q := range []string{"?status=done", "?limit=0", "?limit=abc"} {
		rec := do(t, routes(&mockService{}), http.MethodGet, "/jobs/"+uuid.NewString()+"/tasks"+q, nil)
		if code, e := parseErr(t, rec); code != http.StatusBadRequest || e.Code != "INVALID_REQUEST" {
			t.Errorf("%s: expected 400 INVALID_REQUEST, got %d %s", q, code, e.Code)
		}
	}
}

// --- POST /reconcile ---

func TestReconcile(t *testing.T) {
	data := parseData(t, do(t, routes(&mockService{}), http.MethodPost, "/reconcile", nil), http.StatusOK)
	if data["stuck_requeued"] != 1.0 {
		t.Errorf("expected stuck_requeued 1, got %v", data["stuck_requeued"])
	}
}

// --- GET /health ---

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("down") })

	rec := httptest.NewRecorder()
	NewHealthHandler(map[string]Pinger{"database": ok, "cache": ok})(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	NewHealthHandler(map[string]Pinger{"database": ok, "cache": down})(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if code, e := parseErr(t, rec); code != http.StatusServiceUnavailable || e.Code != "DEGRADED" {
		t.Errorf("expected 503 DEGRADED, got %d %s", code, e.Code)
	}
}
