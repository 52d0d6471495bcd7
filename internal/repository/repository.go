package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"lead-nurture-go/internal/model"
)

// Repository persists the run log
type Repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// SaveRun inserts or updates a run summary
func (r *Repository) SaveRun(ctx context.Context, run *model.Run) error {
	result := r.db.WithContext(ctx).Save(run)
	if result.Error != nil {
		return fmt.Errorf("failed to save run: %w", result.Error)
	}
	return nil
}

// LogLeadEvent records one per-lead outcome
func (r *Repository) LogLeadEvent(ctx context.Context, event *model.LeadEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	result := r.db.WithContext(ctx).Create(event)
	if result.Error != nil {
		return fmt.Errorf("failed to log lead event: %w", result.Error)
	}
	return nil
}

// GetRuns returns one page of runs, newest first, and the total count
func (r *Repository) GetRuns(ctx context.Context, page, limit int) ([]model.Run, int64, error) {
	var runs []model.Run
	var total int64

	if err := r.db.WithContext(ctx).Model(&model.Run{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	offset := (page - 1) * limit
	result := r.db.WithContext(ctx).Order("started_at DESC").Offset(offset).Limit(limit).Find(&runs)
	if result.Error != nil {
		return nil, 0, fmt.Errorf("failed to get runs: %w", result.Error)
	}
	return runs, total, nil
}

// GetRun returns a run by id, or nil when it does not exist
func (r *Repository) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var run model.Run
	result := r.db.WithContext(ctx).Where("id = ?", id).First(&run)
	if result.Error == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return &run, nil
}

// GetRunEvents returns the events of one run in insertion order
func (r *Repository) GetRunEvents(ctx context.Context, runID string) ([]model.LeadEvent, error) {
	var events []model.LeadEvent
	result := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("id").Find(&events)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get run events: %w", result.Error)
	}
	return events, nil
}

// GetLeadEvents returns the most recent events of one lead
func (r *Repository) GetLeadEvents(ctx context.Context, leadID string, limit int) ([]model.LeadEvent, error) {
	var events []model.LeadEvent
	result := r.db.WithContext(ctx).Where("lead_id = ?", leadID).Order("id DESC").Limit(limit).Find(&events)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get lead events: %w", result.Error)
	}
	return events, nil
}
