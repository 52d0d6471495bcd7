package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"lead-nurture-go/internal/lead"
)

// StartScheduler starts the lifecycle scheduler
func (h *Handlers) StartScheduler(c *gin.Context) {
	if err := h.scheduler.Start(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "scheduler_error",
			Message: "Failed to start scheduler",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Scheduler started successfully",
		"status":  "running",
	})
}

// StopScheduler stops the lifecycle scheduler
func (h *Handlers) StopScheduler(c *gin.Context) {
	if err := h.scheduler.Stop(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "scheduler_error",
			Message: "Failed to stop scheduler",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Scheduler stopped successfully",
		"status":  "stopped",
	})
}

// RunOnce runs the lifecycle once and returns its report
func (h *Handlers) RunOnce(c *gin.Context) {
	report, err := h.scheduler.RunOnce(c.Request.Context())
	if err != nil {
		// an aborted run still reports what it did before the store went away
		if errors.Is(err, lead.ErrStoreUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":  "store_unavailable",
				"report": report,
			})
			return
		}
		respondError(c, err, "Failed to run lifecycle")
		return
	}

	c.JSON(http.StatusOK, RunOnceResponse{
		Message: "Lifecycle run completed successfully",
		Report:  report,
	})
}

// GetSchedulerStatus returns the current scheduler status
func (h *Handlers) GetSchedulerStatus(c *gin.Context) {
	status := "stopped"
	if h.scheduler.IsRunning() {
		status = "running"
	}

	resp := gin.H{
		"status":   status,
		"next_run": h.scheduler.GetNextRun(),
		"last_run": h.scheduler.GetLastRun(),
	}
	if report, err := h.scheduler.LastReport(); report != nil {
		resp["last_report"] = report
		if err != nil {
			resp["last_error"] = err.Error()
		}
	}
	c.JSON(http.StatusOK, resp)
}
