package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewlens/internal/api/response"
	"github.com/kiranshivaraju/reviewlens/internal/pipeline"
	"github.com/kiranshivaraju/reviewlens/internal/recovery"
	"github.com/kiranshivaraju/reviewlens/internal/scheduler"
	"github.com/kiranshivaraju/reviewlens/internal/store"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

const (
	defaultTaskLimit = 100
	maxTaskLimit     = 1000
)

// JobService defines the pipeline operations the handlers depend on.
type JobService interface {
	CreateJob(ctx context.Context, params pipeline.CreateJobParams) (*models.Job, error)
	Collect(ctx context.Context, jobID uuid.UUID, params pipeline.CollectParams) (*pipeline.CollectResult, error)
	CreateTasks(ctx context.Context, jobID uuid.UUID, items []models.ReviewItem) (*pipeline.CreateTasksResult, error)
	Drive(ctx context.Context, jobID uuid.UUID) (scheduler.DriveResult, error)
	Status(ctx context.Context, jobID uuid.UUID) (*pipeline.JobStatus, error)
	ListTasks(ctx context.Context, jobID uuid.UUID, params pipeline.ListTasksParams) ([]*models.Task, error)
	Reconcile(ctx context.Context) recovery.Report
}

type createJobRequest struct {
	AppName  string `json:"app_name" validate:"required,max=200"`
	Priority int    `json:"priority" validate:"gte=0,lte=100"`
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewCreateJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if !decodeRequest(w, r, &req) {
			return
		}

		job, err := svc.CreateJob(r.Context(), pipeline.CreateJobParams{
			AppName:  strings.TrimSpace(req.AppName),
			Priority: req.Priority,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.Created(w, job)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseJobID(w, r)
		if !ok {
			return
		}
		st, err := svc.Status(r.Context(), jobID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, st)
	}
}

type createTasksRequest struct {
	Items []models.ReviewItem `json:"items" validate:"max=50000,dive"`
}

// NewCreateTasksHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/tasks.
func NewCreateTasksHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseJobID(w, r)
		if !ok {
			return
		}
		var req createTasksRequest
		if !decodeRequest(w, r, &req) {
			return
		}

		res, err := svc.CreateTasks(r.Context(), jobID, req.Items)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.Created(w, res)
	}
}

type collectRequest struct {
	Since string `json:"since" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// NewCollectHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/collect.
func NewCollectHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseJobID(w, r)
		if !ok {
			return
		}
		var req collectRequest
		if !decodeRequest(w, r, &req) {
			return
		}

		var params pipeline.CollectParams
		if req.Since != "" {
			// format already checked by the validator
			params.Since, _ = time.Parse(time.RFC3339, req.Since)
		}

		res, err := svc.Collect(r.Context(), jobID, params)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.Created(w, res)
	}
}

// NewDriveHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/drive.
// Driving is idempotent, so repeated calls are safe.
func NewDriveHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseJobID(w, r)
		if !ok {
			return
		}
		res, err := svc.Drive(r.Context(), jobID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.Accepted(w, res)
	}
}

// NewListTasksHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/tasks.
// Query parameters: status (comma-separated) and limit.
func NewListTasksHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseJobID(w, r)
		if !ok {
			return
		}

		params := pipeline.ListTasksParams{Limit: defaultTaskLimit}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "limit must be a positive integer", nil)
				return
			}
			params.Limit = min(n, maxTaskLimit)
		}
		if raw := r.URL.Query().Get("status"); raw != "" {
			for _, part := range strings.Split(raw, ",") {
				st := models.TaskStatus(strings.TrimSpace(part))
				if !validTaskStatus(st) {
					response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest,
						"status must be one of pending, queued, running, completed, failed", nil)
					return
				}
				params.Statuses = append(params.Statuses, st)
			}
		}

		tasks, err := svc.ListTasks(r.Context(), jobID, params)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.Collection(w, tasks, len(tasks), params.Limit)
	}
}

// NewReconcileHandler returns an http.HandlerFunc for POST /api/v1/reconcile.
func NewReconcileHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, svc.Reconcile(r.Context()))
	}
}

func validTaskStatus(st models.TaskStatus) bool {
	switch st {
	case models.TaskPending, models.TaskQueued, models.TaskRunning, models.TaskCompleted, models.TaskFailed:
		return true
	}
	return false
}

func parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "jobID must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

// decodeRequest writes a 400 envelope and returns false when the body is malformed
// or fails validation.
func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	fields, err := decodeAndValidate(w, r, v)
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
		return false
	}
	if len(fields) > 0 {
		response.Error(w, http.StatusBadRequest, response.CodeValidationFailed, "Request validation failed", fields)
		return false
	}
	return true
}

// writeServiceError maps pipeline sentinel errors to response envelopes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, response.CodeJobNotFound, "Job not found", nil)
	case errors.Is(err, pipeline.ErrJobNotCollecting):
		response.Error(w, http.StatusConflict, response.CodeJobNotCollecting,
			"Tasks have already been created for this job", nil)
	case errors.Is(err, pipeline.ErrNoSources):
		response.Error(w, http.StatusUnprocessableEntity, response.CodeNoSources,
			"No review sources are configured", nil)
	case errors.Is(err, pipeline.ErrAllSourcesFailed):
		response.Error(w, http.StatusBadGateway, response.CodeSourcesUnavailable,
			"Every review source failed", nil)
	case errors.Is(err, scheduler.ErrDispatcherClosed):
		response.Error(w, http.StatusServiceUnavailable, response.CodeShuttingDown,
			"The server is shutting down", nil)
	default:
		response.Error(w, http.StatusInternalServerError, response.CodeInternal,
			"An unexpected error occurred", nil)
	}
}
