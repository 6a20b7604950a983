package machines

import (
	"errors"

	"go_fleet/internal/dto"
	"go_fleet/internal/httpx"
	"go_fleet/internal/liveness"
	"go_fleet/internal/model"

	"github.com/gin-gonic/gin"
)

// Handler handles machine registration, heartbeats and fleet queries
type Handler struct {
	tracker *liveness.Tracker
}

// NewHandler creates a machine handler
func NewHandler(tracker *liveness.Tracker) *Handler {
	return &Handler{tracker: tracker}
}

// Register handles POST /api/v1/client/machines/register
func (h *Handler) Register(c *gin.Context) {
	var req dto.RegisterMachineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("machineId is required"))
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = c.ClientIP()
	}

	m, err := h.tracker.Register(c.Request.Context(), req)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to register machine", err))
		return
	}
	httpx.OK(c, m)
}

// Heartbeat handles POST /api/v1/client/machines/heartbeat.
// Unknown machines get a not found error so the client registers again.
func (h *Handler) Heartbeat(c *gin.Context) {
	var req dto.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("machineId is required"))
		return
	}

	if err := h.tracker.Heartbeat(c.Request.Context(), req); err != nil {
		if errors.Is(err, liveness.ErrMachineNotFound) {
			httpx.FailErr(c, httpx.ErrNotFound("machine not registered"))
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to record heartbeat", err))
		return
	}
	httpx.OK(c, nil)
}

// List handles GET /api/v1/machines
func (h *Handler) List(c *gin.Context) {
	status := model.MachineStatus(c.Query("status"))
	switch status {
	case "", model.MachineStatusOnline, model.MachineStatusOffline, model.MachineStatusBusy:
	default:
		httpx.FailErr(c, httpx.ErrParamIllegal("status must be online, offline or busy"))
		return
	}

	machines, err := h.tracker.List(c.Request.Context(), status)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to list machines", err))
		return
	}
	httpx.OKList(c, machines)
}

// Get handles GET /api/v1/machines/:machineId
func (h *Handler) Get(c *gin.Context) {
	m, err := h.tracker.Get(c.Request.Context(), c.Param("machineId"))
	if err != nil {
		if errors.Is(err, liveness.ErrMachineNotFound) {
			httpx.FailErr(c, httpx.ErrNotFound("machine not found"))
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query machine", err))
		return
	}
	httpx.OK(c, m)
}

// Stats handles GET /api/v1/machines/stats
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.tracker.Statistics(c.Request.Context())
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to compute statistics", err))
		return
	}
	httpx.OK(c, stats)
}

// MarkOffline handles POST /api/v1/machines/mark-offline
func (h *Handler) MarkOffline(c *gin.Context) {
	n, err := h.tracker.MarkOffline(c.Request.Context())
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to mark machines offline", err))
		return
	}
	httpx.OK(c, gin.H{"marked": n})
}
