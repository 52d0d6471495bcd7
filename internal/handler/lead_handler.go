package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"lead-nurture-go/internal/lead"
	"lead-nurture-go/internal/policy"
)

// GetLeads returns leads, optionally filtered by a comma-separated status list
func (h *Handlers) GetLeads(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit < 1 || limit > 1000 {
		limit = 100
	}

	filter := lead.Filter{Limit: limit}
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, err := lead.ParseStatus(part)
			if err != nil {
				badRequest(c, "invalid_status", err.Error())
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	leads, err := h.store.ListLeads(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err, "Failed to fetch leads")
		return
	}

	responses := make([]LeadResponse, 0, len(leads))
	for _, l := range leads {
		responses = append(responses, toLeadResponse(l))
	}
	c.JSON(http.StatusOK, gin.H{
		"leads": responses,
		"count": len(responses),
	})
}

// GetLead returns a specific lead with its recent events
func (h *Handlers) GetLead(c *gin.Context) {
	l, err := h.store.GetLead(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to fetch lead")
		return
	}

	resp := gin.H{"lead": toLeadResponse(l)}
	if h.runLog != nil {
		events, err := h.runLog.GetLeadEvents(c.Request.Context(), l.ID, 20)
		if err != nil {
			respondError(c, err, "Failed to fetch lead events")
			return
		}
		eventResponses := make([]LeadEventResponse, 0, len(events))
		for _, e := range events {
			eventResponses = append(eventResponses, toLeadEventResponse(e))
		}
		resp["events"] = eventResponses
	}
	c.JSON(http.StatusOK, resp)
}

// CreateLead adds a New lead by hand
func (h *Handlers) CreateLead(c *gin.Context) {
	var req CreateLeadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation_error", "Invalid request body")
		return
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	created, err := h.store.CreateLead(c.Request.Context(), lead.Lead{
		ID:      id,
		Status:  lead.StatusNew,
		Rating:  req.Rating,
		Reviews: req.Reviews,
		Contact: lead.Contact{
			Name:    req.Name,
			Owner:   req.Owner,
			Email:   strings.ToLower(strings.TrimSpace(req.Email)),
			Website: req.Website,
		},
	})
	if err != nil {
		respondError(c, err, "Failed to create lead")
		return
	}

	c.JSON(http.StatusCreated, toLeadResponse(created))
}

// UpdateLead records contact info resolved after prospecting
func (h *Handlers) UpdateLead(c *gin.Context) {
	var req UpdateLeadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation_error", "Invalid request body")
		return
	}

	patch := lead.Patch{
		Owner:           req.Owner,
		Website:         req.Website,
		ExpectedVersion: req.Version,
	}
	if req.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*req.Email))
		patch.Email = &email
	}
	if patch.Empty() {
		badRequest(c, "validation_error", "Nothing to update")
		return
	}

	updated, err := h.store.UpdateLead(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		respondError(c, err, "Failed to update lead")
		return
	}

	c.JSON(http.StatusOK, toLeadResponse(updated))
}

// ConfirmSent moves a DraftCreated lead to Sent once its draft went out
func (h *Handlers) ConfirmSent(c *gin.Context) {
	var req ConfirmSentRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "validation_error", "Invalid request body")
		return
	}

	day := h.now()
	if req.Date != "" {
		d, err := time.Parse(dateLayout, req.Date)
		if err != nil {
			badRequest(c, "invalid_date", "Date must be YYYY-MM-DD")
			return
		}
		// a calendar date is already in the engine's zone
		loc := h.engine.Location
		if loc == nil {
			loc = time.UTC
		}
		day = time.Date(d.Year(), d.Month(), d.Day(), 12, 0, 0, 0, loc)
	}

	l, err := h.store.GetLead(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to fetch lead")
		return
	}

	patch, err := h.engine.ConfirmSent(policy.StateOf(l), day)
	if err != nil {
		respondError(c, err, "Lead has no outstanding draft")
		return
	}
	patch.ExpectedVersion = l.Version

	updated, err := h.store.UpdateLead(c.Request.Context(), l.ID, patch)
	if err != nil {
		respondError(c, err, "Failed to confirm send")
		return
	}

	c.JSON(http.StatusOK, toLeadResponse(updated))
}
