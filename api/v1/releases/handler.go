package releases

import (
	"errors"

	"go_fleet/internal/httpx"
	"go_fleet/internal/manifest"
	"go_fleet/internal/release"

	"github.com/gin-gonic/gin"
)

// Handler serves manifests and packages to clients and publishes releases
type Handler struct {
	catalog *release.Catalog
}

// NewHandler creates a release handler
func NewHandler(catalog *release.Catalog) *Handler {
	return &Handler{catalog: catalog}
}

// Manifest handles GET /api/v1/client/apps/:code/manifest?version=
func (h *Handler) Manifest(c *gin.Context) {
	m, err := h.catalog.Find(c.Request.Context(), c.Param("code"), c.Query("version"))
	if err != nil {
		if errors.Is(err, release.ErrReleaseNotFound) {
			httpx.FailErr(c, httpx.ErrNotFound("release not found"))
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query release", err))
		return
	}
	httpx.OK(c, m)
}

// Package handles GET /api/v1/client/apps/:code/packages/:file
func (h *Handler) Package(c *gin.Context) {
	path, err := h.catalog.PackagePath(c.Param("code"), c.Param("file"))
	if err != nil {
		httpx.FailErr(c, httpx.ErrNotFound("package not found"))
		return
	}
	c.FileAttachment(path, c.Param("file"))
}

// Publish handles POST /api/v1/releases/publish
func (h *Handler) Publish(c *gin.Context) {
	var m manifest.Manifest
	if err := c.ShouldBindJSON(&m); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid manifest body"))
		return
	}

	rel, err := h.catalog.Publish(c.Request.Context(), &m)
	if err != nil {
		if errors.Is(err, manifest.ErrInvalidManifest) {
			httpx.FailErr(c, httpx.ErrInvalidManifest(err.Error()))
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to publish release", err))
		return
	}
	httpx.OK(c, rel)
}

// List handles GET /api/v1/releases?appCode=
func (h *Handler) List(c *gin.Context) {
	appCode := c.Query("appCode")
	if appCode == "" {
		httpx.FailErr(c, httpx.ErrParamMissing("appCode is required"))
		return
	}

	rels, err := h.catalog.List(c.Request.Context(), appCode)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to list releases", err))
		return
	}
	httpx.OKList(c, rels)
}
