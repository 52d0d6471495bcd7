package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// GetRuns returns lifecycle runs with pagination
func (h *Handlers) GetRuns(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 50
	}

	runs, total, err := h.runLog.GetRuns(c.Request.Context(), page, limit)
	if err != nil {
		respondError(c, err, "Failed to fetch runs")
		return
	}

	responses := make([]RunResponse, 0, len(runs))
	for _, r := range runs {
		responses = append(responses, toRunResponse(r))
	}

	c.JSON(http.StatusOK, gin.H{
		"runs": responses,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

// GetRunEvents returns the per-lead events of one run
func (h *Handlers) GetRunEvents(c *gin.Context) {
	run, err := h.runLog.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to fetch run")
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Run not found",
			Code:    http.StatusNotFound,
		})
		return
	}

	events, err := h.runLog.GetRunEvents(c.Request.Context(), run.ID)
	if err != nil {
		respondError(c, err, "Failed to fetch run events")
		return
	}

	responses := make([]LeadEventResponse, 0, len(events))
	for _, e := range events {
		responses = append(responses, toLeadEventResponse(e))
	}

	c.JSON(http.StatusOK, gin.H{
		"run":    toRunResponse(*run),
		"events": responses,
	})
}
