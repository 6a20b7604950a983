// Package v1 is the loopback API of the agent, used by operators on the machine to
// inspect installs and to lift a quarantine.
package v1

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	"go_fleet/agent/config"
	"go_fleet/agent/engine"
	"go_fleet/internal/httpx"
)

// Apps is the local install state the API exposes
type Apps interface {
	Status() ([]engine.AppStatus, error)
	Uninstall(ctx context.Context, app string) engine.Result
	ClearQuarantine(app string) error
	IsInstalled(app string) bool
}

// Deps holds the router dependencies
type Deps struct {
	Apps      Apps
	MachineID string
	// Busy reports whether a deployment task is running, may be nil
	Busy func() bool
	// Hold keeps deployment tasks from starting until release is called. ok is
	// false while one is running. May be nil.
	Hold func() (release func(), ok bool)
}

// Handler serves the local API
type Handler struct {
	deps Deps
}

// SetupRouter sets up the agent API v1 routes
func SetupRouter(r *gin.Engine, deps Deps) {
	h := &Handler{deps: deps}

	v1 := r.Group("/agent/v1")
	{
		v1.GET("/ping", h.Ping)

		apps := v1.Group("/apps")
		{
			apps.GET("", h.ListApps)
			apps.POST("/:code/uninstall", h.Uninstall)
			apps.POST("/:code/clear-quarantine", h.ClearQuarantine)
		}
	}
}

// Ping handles GET /agent/v1/ping
func (h *Handler) Ping(c *gin.Context) {
	busy := false
	if h.deps.Busy != nil {
		busy = h.deps.Busy()
	}
	httpx.OK(c, gin.H{
		"machineId": h.deps.MachineID,
		"busy":      busy,
	})
}

// ListApps handles GET /agent/v1/apps
func (h *Handler) ListApps(c *gin.Context) {
	apps, err := h.deps.Apps.Status()
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to read install state", err))
		return
	}
	httpx.OKList(c, apps)
}

// Uninstall handles POST /agent/v1/apps/:code/uninstall
func (h *Handler) Uninstall(c *gin.Context) {
	code, ok := h.appCode(c)
	if !ok {
		return
	}
	if h.deps.Hold != nil {
		release, ok := h.deps.Hold()
		if !ok {
			httpx.FailErr(c, httpx.ErrStateConflict("a deployment task is running"))
			return
		}
		defer release()
	}

	res := h.deps.Apps.Uninstall(c.Request.Context(), code)
	if !res.Success {
		httpx.FailErr(c, httpx.ErrInternalError(res.Message, errors.New(res.ErrorDetails)))
		return
	}
	httpx.OKMsg(c, res.Message, res)
}

// ClearQuarantine handles POST /agent/v1/apps/:code/clear-quarantine
func (h *Handler) ClearQuarantine(c *gin.Context) {
	code, ok := h.appCode(c)
	if !ok {
		return
	}
	if err := h.deps.Apps.ClearQuarantine(code); err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to clear quarantine", err))
		return
	}
	httpx.OKMsg(c, "quarantine cleared", gin.H{"appCode": code})
}

// appCode validates the :code parameter and that the app is installed
func (h *Handler) appCode(c *gin.Context) (string, bool) {
	code := c.Param("code")
	if !config.ValidAppCode(code) {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid application code"))
		return "", false
	}
	if !h.deps.Apps.IsInstalled(code) {
		httpx.FailErr(c, httpx.ErrNotFound("application not installed"))
		return "", false
	}
	return code, true
}
