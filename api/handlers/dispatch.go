package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/feichai0017/table-dispatcher/internal/models"
	"github.com/feichai0017/table-dispatcher/pkg/logger"
	"github.com/feichai0017/table-dispatcher/pkg/metrics"
	"github.com/feichai0017/table-dispatcher/pkg/queue"
)

// TenantDirectory resolves the tenant of an API request.
type TenantDirectory interface {
	Match(name, url string) (*models.Tenant, error)
	All() []models.Tenant
}

type DispatchHandler struct {
	tenants TenantDirectory
	queue   queue.Queue
	logger  logger.Logger
}

type TaskResponse struct {
	TaskID       string `json:"taskId"`
	Tenant       string `json:"tenant"`
	DataSourceID string `json:"dataSourceId"`
	Mode         string `json:"mode"`
	CreatedAt    string `json:"createdAt"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewDispatchHandler(tenants TenantDirectory, q queue.Queue, log logger.Logger) *DispatchHandler {
	return &DispatchHandler{
		tenants: tenants,
		queue:   q,
		logger:  log,
	}
}

// PutTask queues a rebuild of one data source, typically right after it
// was saved by the authoring application.
func (h *DispatchHandler) PutTask(c *gin.Context) {
	dataSourceID := c.Param("dataSourceId")
	if _, err := uuid.Parse(dataSourceID); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid data source id", err)
		return
	}

	name, url := c.Query("tenant"), c.Query("url")
	if name == "" && url == "" {
		h.handleError(c, http.StatusBadRequest, "Tenant name or url is required", nil)
		return
	}

	h.logger.Info("Put dispatch task",
		logger.String("dataSourceId", dataSourceID),
		logger.String("tenant", name),
		logger.String("url", url),
	)

	tenant, err := h.tenants.Match(name, url)
	if err != nil {
		h.handleError(c, http.StatusNotFound, "Tenant not found", err)
		return
	}

	task := queue.NewRebuildTask(tenant.Name, dataSourceID, string(models.ModeFromAPI), queue.TriggerAPI)
	if err := h.queue.Enqueue(c.Request.Context(), task); err != nil {
		if errors.Is(err, queue.ErrAlreadyPending) {
			h.handleError(c, http.StatusConflict, "Rebuild already pending", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to enqueue task", err)
		return
	}
	metrics.EnqueuedTotal.WithLabelValues(queue.TriggerAPI).Inc()

	c.JSON(http.StatusAccepted, TaskResponse{
		TaskID:       task.ID,
		Tenant:       tenant.Name,
		DataSourceID: dataSourceID,
		Mode:         task.Mode,
		CreatedAt:    task.CreatedAt.Format(time.RFC3339),
	})
}

// ListTenants returns the registered tenants without connection strings.
func (h *DispatchHandler) ListTenants(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tenants": h.tenants.All()})
}

func (h *DispatchHandler) GetStatus(c *gin.Context) {
	taskID := c.Param("taskId")

	status, err := h.queue.GetTaskStatus(c.Request.Context(), taskID)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, queue.ErrTaskNotFound) {
			code = http.StatusNotFound
		}
		h.handleError(c, code, "Failed to get status", err)
		return
	}

	c.JSON(http.StatusOK, status)
}

func (h *DispatchHandler) CancelTask(c *gin.Context) {
	taskID := c.Param("taskId")

	if err := h.queue.CancelTask(c.Request.Context(), taskID); err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to cancel task", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Task cancelled successfully",
		"taskId":  taskID,
	})
}

func (h *DispatchHandler) handleError(c *gin.Context, status int, message string, err error) {
	h.logger.Error(message,
		logger.String("path", c.Request.URL.Path),
		logger.Error(err),
	)

	response := ErrorResponse{Message: message}
	if err != nil {
		response.Error = err.Error()
	}
	c.JSON(status, response)
}
