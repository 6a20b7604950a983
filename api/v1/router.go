package v1

import (
	"go_fleet/api/v1/installations"
	"go_fleet/api/v1/machines"
	"go_fleet/api/v1/middleware"
	"go_fleet/api/v1/releases"
	"go_fleet/api/v1/tasks"
	"go_fleet/internal/auth"
	"go_fleet/internal/httpx"
	"go_fleet/internal/installlog"
	"go_fleet/internal/liveness"
	"go_fleet/internal/release"
	"go_fleet/internal/scheduler"

	"github.com/gin-gonic/gin"
)

// Deps carries the services behind the HTTP surface
type Deps struct {
	Verifier      *auth.Verifier
	AgentToken    string
	Tasks         *scheduler.Store
	Machines      *liveness.Tracker
	Releases      *release.Catalog
	Installations *installlog.Store
	// PollGuard is optional; nil disables pickup serialization
	PollGuard tasks.PollGuard
}

// SetupRouter sets up the API v1 routes
func SetupRouter(r *gin.Engine, d Deps) {
	tasksHandler := tasks.NewHandler(d.Tasks, d.PollGuard)
	machinesHandler := machines.NewHandler(d.Machines)
	releasesHandler := releases.NewHandler(d.Releases)
	installationsHandler := installations.NewHandler(d.Installations)

	v1 := r.Group("/api/v1")
	{
		// Public routes (no authentication required)
		v1.GET("/ping", pingHandler)

		// Client machine routes, shared agent token
		client := v1.Group("/client")
		client.Use(middleware.AgentTokenRequired(d.AgentToken))
		{
			client.POST("/machines/register", machinesHandler.Register)
			client.POST("/machines/heartbeat", machinesHandler.Heartbeat)

			client.GET("/tasks/pull", tasksHandler.Pull)
			client.POST("/tasks/:id/status", tasksHandler.ReportStatus)

			client.GET("/apps/:code/manifest", releasesHandler.Manifest)
			client.GET("/apps/:code/packages/:file", releasesHandler.Package)

			client.POST("/installations", installationsHandler.Report)
		}

		// Operator routes (JWT required)
		protected := v1.Group("")
		protected.Use(middleware.AuthRequired(d.Verifier))
		{
			protected.GET("/me", meHandler)

			protected.POST("/deployments/enqueue", tasksHandler.Enqueue)

			tasksGroup := protected.Group("/tasks")
			{
				tasksGroup.GET("", tasksHandler.List)
				tasksGroup.GET("/stats", tasksHandler.Stats)
				tasksGroup.POST("/retry-due", tasksHandler.RetryDue)
				tasksGroup.GET("/:id", tasksHandler.Get)
				tasksGroup.POST("/:id/cancel", tasksHandler.Cancel)
				tasksGroup.POST("/:id/retry", tasksHandler.Retry)
			}

			machinesGroup := protected.Group("/machines")
			{
				machinesGroup.GET("", machinesHandler.List)
				machinesGroup.GET("/stats", machinesHandler.Stats)
				machinesGroup.POST("/mark-offline", machinesHandler.MarkOffline)
				machinesGroup.GET("/:machineId", machinesHandler.Get)
			}

			releasesGroup := protected.Group("/releases")
			{
				releasesGroup.GET("", releasesHandler.List)
				releasesGroup.POST("/publish", releasesHandler.Publish)
			}

			protected.GET("/installations", installationsHandler.List)
		}
	}
}

// pingHandler handles the ping request using unified response
func pingHandler(c *gin.Context) {
	httpx.OK(c, gin.H{
		"pong": true,
	})
}

// meHandler returns the authenticated operator
func meHandler(c *gin.Context) {
	operator, _ := c.Get("operator")
	role, _ := c.Get("role")

	httpx.OK(c, gin.H{
		"operator": operator,
		"role":     role,
	})
}
