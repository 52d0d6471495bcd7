package handler

import (
	"time"

	"lead-nurture-go/internal/lead"
	"lead-nurture-go/internal/model"
	"lead-nurture-go/internal/orchestrator"
)

const dateLayout = "2006-01-02"

// CreateLeadRequest represents the request structure for adding a prospect by hand
type CreateLeadRequest struct {
	ID      string  `json:"id"`
	Name    string  `json:"name" binding:"required"`
	Owner   string  `json:"owner"`
	Email   string  `json:"email" binding:"omitempty,email"`
	Website string  `json:"website"`
	Rating  float64 `json:"rating" binding:"gte=0,lte=5"`
	Reviews int     `json:"reviews" binding:"gte=0"`
}

// UpdateLeadRequest updates resolved contact info. Lifecycle fields are not writable here.
type UpdateLeadRequest struct {
	Email   *string `json:"email" binding:"omitempty,email"`
	Owner   *string `json:"owner"`
	Website *string `json:"website"`
	Version int64   `json:"version"`
}

// ConfirmSentRequest records that a draft went out. Date defaults to today.
type ConfirmSentRequest struct {
	Date string `json:"date"`
}

// ProspectSearchRequest represents a prospect search
type ProspectSearchRequest struct {
	Query string `json:"query" binding:"required"`
	Limit int    `json:"limit" binding:"gte=0,lte=20"`
}

// LeadResponse represents the response structure for leads
type LeadResponse struct {
	ID              string    `json:"id"`
	Status          string    `json:"status"`
	Step            int       `json:"step"`
	LastContactDate string    `json:"last_contact_date,omitempty"`
	ThreadRef       string    `json:"thread_ref,omitempty"`
	Name            string    `json:"name"`
	Owner           string    `json:"owner,omitempty"`
	Email           string    `json:"email,omitempty"`
	Website         string    `json:"website,omitempty"`
	Rating          float64   `json:"rating,omitempty"`
	Reviews         int       `json:"reviews,omitempty"`
	PlaceID         string    `json:"place_id,omitempty"`
	Version         int64     `json:"version"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toLeadResponse(l lead.Lead) LeadResponse {
	resp := LeadResponse{
		ID:        l.ID,
		Status:    string(l.Status),
		Step:      l.Step,
		ThreadRef: l.ThreadRef,
		Name:      l.Contact.Name,
		Owner:     l.Contact.Owner,
		Email:     l.Contact.Email,
		Website:   l.Contact.Website,
		Rating:    l.Rating,
		Reviews:   l.Reviews,
		PlaceID:   l.PlaceID,
		Version:   l.Version,
		UpdatedAt: l.UpdatedAt,
	}
	if l.LastContactDate != nil {
		resp.LastContactDate = l.LastContactDate.Format(dateLayout)
	}
	return resp
}

// RunResponse represents the response structure for runs
type RunResponse struct {
	ID         string    `json:"id"`
	Date       string    `json:"date"`
	Status     string    `json:"status"`
	Replied    int       `json:"replied"`
	Advanced   int       `json:"advanced"`
	Revoked    int       `json:"revoked"`
	Drafted    int       `json:"drafted"`
	Unchanged  int       `json:"unchanged"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Stalled    int       `json:"stalled"`
	ErrorMsg   string    `json:"error_msg,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func toRunResponse(r model.Run) RunResponse {
	return RunResponse{
		ID:         r.ID,
		Date:       r.RunDate.Format(dateLayout),
		Status:     r.Status,
		Replied:    r.Replied,
		Advanced:   r.Advanced,
		Revoked:    r.Revoked,
		Drafted:    r.Drafted,
		Unchanged:  r.Unchanged,
		Failed:     r.Failed,
		Skipped:    r.Skipped,
		Stalled:    r.Stalled,
		ErrorMsg:   r.ErrorMsg,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

// LeadEventResponse represents the response structure for run log events
type LeadEventResponse struct {
	ID        uint      `json:"id"`
	RunID     string    `json:"run_id"`
	LeadID    string    `json:"lead_id"`
	Phase     string    `json:"phase"`
	Action    string    `json:"action,omitempty"`
	Status    string    `json:"status"`
	FromState string    `json:"from_state,omitempty"`
	ToState   string    `json:"to_state,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	ErrorMsg  string    `json:"error_msg,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toLeadEventResponse(e model.LeadEvent) LeadEventResponse {
	return LeadEventResponse{
		ID:        e.ID,
		RunID:     e.RunID,
		LeadID:    e.LeadID,
		Phase:     e.Phase,
		Action:    e.Action,
		Status:    e.Status,
		FromState: e.FromState,
		ToState:   e.ToState,
		ErrorKind: e.ErrorKind,
		ErrorMsg:  e.ErrorMsg,
		CreatedAt: e.CreatedAt,
	}
}

// RunOnceResponse wraps the report of a manual run
type RunOnceResponse struct {
	Message string              `json:"message"`
	Report  orchestrator.Report `json:"report"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Database  string            `json:"database"`
	Store     string            `json:"store"`
	Metrics   map[string]string `json:"metrics,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
