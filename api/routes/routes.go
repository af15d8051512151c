package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/feichai0017/table-dispatcher/api/handlers"
	"github.com/feichai0017/table-dispatcher/api/middleware"
	"github.com/feichai0017/table-dispatcher/pkg/metrics"
)

// SetupRoutes registers every route of the dispatcher API.
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, allowOrigins []string) {
	r.Use(middleware.CORS(allowOrigins))

	r.GET("/health", handlers.HealthCheck)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/api/v1")

	dispatch := v1.Group("/dispatch")
	{
		dispatch.GET("/tenants", h.Dispatch.ListTenants)
		dispatch.PUT("/task/:dataSourceId", h.Dispatch.PutTask)
		dispatch.GET("/status/:taskId", h.Dispatch.GetStatus)
		dispatch.DELETE("/task/:taskId", h.Dispatch.CancelTask)
	}
}
