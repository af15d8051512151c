package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/table-dispatcher/pkg/logger"
	"github.com/feichai0017/table-dispatcher/pkg/queue"
)

type Handlers struct {
	Dispatch *DispatchHandler
}

func NewHandlers(tenants TenantDirectory, q queue.Queue, log logger.Logger) *Handlers {
	return &Handlers{
		Dispatch: NewDispatchHandler(tenants, q, log),
	}
}

// HealthCheck reports that the process is serving.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
