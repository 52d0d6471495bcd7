package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"lead-nurture-go/internal/lead"
	"lead-nurture-go/internal/model"
	"lead-nurture-go/internal/orchestrator"
	"lead-nurture-go/internal/policy"
	"lead-nurture-go/internal/prospect"
	"lead-nurture-go/internal/runlock"
	"lead-nurture-go/internal/store"
)

// SchedulerControl is the scheduler surface exposed over HTTP
type SchedulerControl interface {
	Start() error
	Stop() error
	IsRunning() bool
	RunOnce(ctx context.Context) (orchestrator.Report, error)
	GetNextRun() time.Time
	GetLastRun() time.Time
	LastReport() (*orchestrator.Report, error)
}

// RunLog reads the persisted run history
type RunLog interface {
	GetRuns(ctx context.Context, page, limit int) ([]model.Run, int64, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	GetRunEvents(ctx context.Context, runID string) ([]model.LeadEvent, error)
	GetLeadEvents(ctx context.Context, leadID string, limit int) ([]model.LeadEvent, error)
}

// ProspectRunner adds prospects from a search
type ProspectRunner interface {
	Run(ctx context.Context, query string, limit int) (prospect.Result, error)
}

// Deps are the collaborators of the HTTP handlers. Prospector may be nil
// when no Places API key is configured.
type Deps struct {
	DB         *gorm.DB
	Store      store.Store
	RunLog     RunLog
	Scheduler  SchedulerControl
	Prospector ProspectRunner
	Engine     policy.Engine
	Gatherer   prometheus.Gatherer
}

// Handlers contains all HTTP handlers
type Handlers struct {
	db         *gorm.DB
	store      store.Store
	runLog     RunLog
	scheduler  SchedulerControl
	prospector ProspectRunner
	engine     policy.Engine
	gatherer   prometheus.Gatherer
	now        func() time.Time
}

// NewHandlers creates new HTTP handlers
func NewHandlers(deps Deps) *Handlers {
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handlers{
		db:         deps.DB,
		store:      deps.Store,
		runLog:     deps.RunLog,
		scheduler:  deps.Scheduler,
		prospector: deps.Prospector,
		engine:     deps.Engine,
		gatherer:   gatherer,
		now:        time.Now,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	{
		api.GET("/leads", h.GetLeads)
		api.POST("/leads", h.CreateLead)
		api.GET("/leads/:id", h.GetLead)
		api.PATCH("/leads/:id", h.UpdateLead)
		api.POST("/leads/:id/sent", h.ConfirmSent)

		api.GET("/runs", h.GetRuns)
		api.GET("/runs/:id/events", h.GetRunEvents)

		api.POST("/prospects/search", h.SearchProspects)

		api.POST("/scheduler/start", h.StartScheduler)
		api.POST("/scheduler/stop", h.StopScheduler)
		api.POST("/scheduler/run-once", h.RunOnce)
		api.GET("/scheduler/status", h.GetSchedulerStatus)
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: h.now(),
		Database:  "ok",
		Store:     "ok",
		Metrics:   make(map[string]string),
	}

	if h.db != nil {
		if err := h.db.WithContext(c.Request.Context()).Exec("SELECT 1").Error; err != nil {
			response.Status = "error"
			response.Database = "error"
			logrus.Errorf("Database health check failed: %v", err)
		}
	}

	if err := h.store.Ping(c.Request.Context()); err != nil {
		response.Status = "error"
		response.Store = "error"
		logrus.Errorf("Lead store health check failed: %v", err)
	}

	if h.scheduler.IsRunning() {
		response.Metrics["scheduler"] = "running"
		response.Metrics["next_run"] = h.scheduler.GetNextRun().Format(time.RFC3339)
		response.Metrics["last_run"] = h.scheduler.GetLastRun().Format(time.RFC3339)
	} else {
		response.Metrics["scheduler"] = "stopped"
	}
	if report, _ := h.scheduler.LastReport(); report != nil {
		response.Metrics["last_run_id"] = report.RunID
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

// respondError maps err onto the error taxonomy and writes the envelope
func respondError(c *gin.Context, err error, message string) {
	code, kind := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, lead.ErrNotFound):
		code, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, lead.ErrConflict):
		code, kind = http.StatusConflict, "conflict"
	case errors.Is(err, lead.ErrInvalidTransition):
		code, kind = http.StatusConflict, "invalid_transition"
	case errors.Is(err, runlock.ErrLocked):
		code, kind = http.StatusConflict, "run_in_progress"
	case errors.Is(err, lead.ErrInvariantViolation):
		code, kind = http.StatusUnprocessableEntity, "invariant_violation"
	case errors.Is(err, lead.ErrStoreUnavailable):
		code, kind = http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, lead.ErrCollaboratorTimeout):
		code, kind = http.StatusGatewayTimeout, "collaborator_timeout"
	}

	if code >= http.StatusInternalServerError {
		logrus.Errorf("%s: %v", message, err)
	}
	c.JSON(code, ErrorResponse{
		Error:   kind,
		Message: message,
		Code:    code,
	})
}

func badRequest(c *gin.Context, kind, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   kind,
		Message: message,
		Code:    http.StatusBadRequest,
	})
}
