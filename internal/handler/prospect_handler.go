package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SearchProspects runs a prospect search and stores qualifying businesses as New leads
func (h *Handlers) SearchProspects(c *gin.Context) {
	if h.prospector == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{
			Error:   "prospecting_disabled",
			Message: "No Places API key configured",
			Code:    http.StatusNotImplemented,
		})
		return
	}

	var req ProspectSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation_error", "Invalid request body")
		return
	}

	result, err := h.prospector.Run(c.Request.Context(), req.Query, req.Limit)
	if err != nil {
		respondError(c, err, "Failed to search prospects")
		return
	}

	added := make([]LeadResponse, 0, len(result.Added))
	for _, l := range result.Added {
		added = append(added, toLeadResponse(l))
	}
	c.JSON(http.StatusOK, gin.H{
		"found":      result.Found,
		"qualified":  result.Qualified,
		"duplicates": result.Duplicates,
		"added":      added,
	})
}
