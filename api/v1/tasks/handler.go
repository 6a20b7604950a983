package tasks

import (
	"context"
	"errors"
	"strconv"

	"go_fleet/internal/dto"
	"go_fleet/internal/httpx"
	"go_fleet/internal/model"
	"go_fleet/internal/scheduler"

	"github.com/gin-gonic/gin"
)

// PollGuard serializes pickups of the same machine. Acquire returns ok=false while
// another pickup for the machine is in flight.
type PollGuard interface {
	Acquire(ctx context.Context, machineID string) (release func(), ok bool, err error)
}

// Handler handles deployment task requests from clients and operators
type Handler struct {
	store *scheduler.Store
	guard PollGuard
}

// NewHandler creates a task handler. guard may be nil.
func NewHandler(store *scheduler.Store, guard PollGuard) *Handler {
	return &Handler{store: store, guard: guard}
}

// Pull handles GET /api/v1/client/tasks/pull?machineId=
func (h *Handler) Pull(c *gin.Context) {
	machineID := c.Query("machineId")
	if machineID == "" {
		httpx.FailErr(c, httpx.ErrParamMissing("machineId is required"))
		return
	}

	if h.guard != nil {
		release, ok, err := h.guard.Acquire(c.Request.Context(), machineID)
		if err != nil {
			httpx.FailErr(c, httpx.ErrExternalError("poll lock unavailable", err))
			return
		}
		if !ok {
			// an earlier pull for this machine is still running
			httpx.OKList(c, []dto.TaskDTO{})
			return
		}
		defer release()
	}

	tasks, err := h.store.Pickup(c.Request.Context(), machineID)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query tasks", err))
		return
	}

	items := make([]dto.TaskDTO, 0, len(tasks))
	for i := range tasks {
		items = append(items, dto.FromTask(&tasks[i]))
	}
	httpx.OKList(c, items)
}

// ReportStatus handles POST /api/v1/client/tasks/:id/status
//
// in_progress with 0% claims the task (or restarts it after a client crash),
// any other percentage is a progress update. completed and failed finish it.
// Reports from a machine other than the task's are refused.
func (h *Handler) ReportStatus(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req dto.TaskStatusReport
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}

	ctx := c.Request.Context()
	var (
		task *model.DeploymentTask
		err  error
	)
	switch model.TaskStatus(req.Status) {
	case model.TaskStatusInProgress:
		if req.ProgressPercentage <= 0 {
			task, err = h.store.Start(ctx, id, req.MachineID)
			if err == nil && req.CurrentStep != "" {
				task, err = h.store.UpdateProgress(ctx, id, req.MachineID, 0, req.CurrentStep)
			}
		} else {
			task, err = h.store.UpdateProgress(ctx, id, req.MachineID, req.ProgressPercentage, req.CurrentStep)
		}
	case model.TaskStatusCompleted, model.TaskStatusFailed:
		success := model.TaskStatus(req.Status) == model.TaskStatusCompleted
		if req.IsSuccess != nil {
			success = *req.IsSuccess
		}
		task, err = h.store.Complete(ctx, id, req.MachineID, scheduler.CompletionReport{
			Success:           success,
			ErrorMessage:      req.ErrorMessage,
			ErrorStack:        req.ErrorStack,
			DownloadSizeBytes: req.DownloadSizeBytes,
			NonRetryable:      req.NonRetryable,
		})
	default:
		httpx.FailErr(c, httpx.ErrParamIllegal("status must be in_progress, completed or failed"))
		return
	}
	if err != nil {
		failStoreErr(c, err)
		return
	}

	httpx.OK(c, dto.FromTask(task))
}

// Enqueue handles POST /api/v1/deployments/enqueue
func (h *Handler) Enqueue(c *gin.Context) {
	var req scheduler.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}

	tasks, err := h.store.Enqueue(c.Request.Context(), req)
	if err != nil {
		failStoreErr(c, err)
		return
	}
	httpx.OKList(c, tasks)
}

// List handles GET /api/v1/tasks
func (h *Handler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "50"))

	f := scheduler.ListFilter{
		MachineID: c.Query("machineId"),
		AppCode:   c.Query("appCode"),
		Status:    model.TaskStatus(c.Query("status")),
		Page:      page,
		PageSize:  pageSize,
	}
	tasks, total, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to list tasks", err))
		return
	}
	if page < 1 {
		page = 1
	}
	httpx.OKItems(c, tasks, total, page, pageSize)
}

// Get handles GET /api/v1/tasks/:id
func (h *Handler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	task, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		failStoreErr(c, err)
		return
	}
	httpx.OK(c, task)
}

// Stats handles GET /api/v1/tasks/stats
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.store.Statistics(c.Request.Context())
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to compute statistics", err))
		return
	}
	httpx.OK(c, stats)
}

// Cancel handles POST /api/v1/tasks/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	task, err := h.store.Cancel(c.Request.Context(), id)
	if err != nil {
		failStoreErr(c, err)
		return
	}
	httpx.OK(c, task)
}

// Retry handles POST /api/v1/tasks/:id/retry
func (h *Handler) Retry(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	task, err := h.store.Retry(c.Request.Context(), id)
	if err != nil {
		failStoreErr(c, err)
		return
	}
	httpx.OK(c, task)
}

// RetryDue handles POST /api/v1/tasks/retry-due
func (h *Handler) RetryDue(c *gin.Context) {
	n, err := h.store.RetryDue(c.Request.Context())
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("retry sweep failed", err))
		return
	}
	httpx.OK(c, gin.H{"retried": n})
}

func parseID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid task id"))
		return 0, false
	}
	return id, true
}

func failStoreErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound):
		httpx.FailErr(c, httpx.ErrNotFound("task not found"))
	case errors.Is(err, scheduler.ErrNotOwner):
		httpx.FailErr(c, httpx.ErrForbidden(err.Error()))
	case errors.Is(err, scheduler.ErrInvalidTransition):
		httpx.FailErr(c, httpx.ErrStateConflict(err.Error()))
	case errors.Is(err, scheduler.ErrRetryNotDue):
		httpx.FailErr(c, httpx.ErrRetryNotDue(err.Error()))
	case errors.Is(err, scheduler.ErrInvalidEnqueue):
		httpx.FailErr(c, httpx.ErrParamIllegal(err.Error()))
	default:
		httpx.FailErr(c, httpx.ErrDatabaseError("task store error", err))
	}
}
