package installations

import (
	"go_fleet/internal/dto"
	"go_fleet/internal/httpx"
	"go_fleet/internal/installlog"

	"github.com/gin-gonic/gin"
)

// Handler handles installation outcome notifications
type Handler struct {
	store *installlog.Store
}

// NewHandler creates an installation handler
func NewHandler(store *installlog.Store) *Handler {
	return &Handler{store: store}
}

// Report handles POST /api/v1/client/installations
func (h *Handler) Report(c *gin.Context) {
	var req dto.InstallationReport
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("appCode and action are required"))
		return
	}

	entry, err := h.store.Record(c.Request.Context(), req)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to record installation", err))
		return
	}
	httpx.OK(c, gin.H{"id": entry.ID})
}

// List handles GET /api/v1/installations
func (h *Handler) List(c *gin.Context) {
	var f installlog.Filter
	if err := c.ShouldBindQuery(&f); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid query"))
		return
	}

	logs, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to list installations", err))
		return
	}
	httpx.OKList(c, logs)
}
