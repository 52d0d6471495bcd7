package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"lead-nurture-go/internal/lead"
	"lead-nurture-go/internal/model"
)

// GormStore keeps leads in a SQL database
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store on an initialized database handle
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// ListLeads returns leads matching filter ordered by id
func (s *GormStore) ListLeads(ctx context.Context, filter lead.Filter) ([]lead.Lead, error) {
	q := s.db.WithContext(ctx).Order("id")
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		q = q.Where("status IN ?", statuses)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []model.Lead
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrapError(ctx, "list leads", err)
	}

	leads := make([]lead.Lead, 0, len(rows))
	for _, row := range rows {
		leads = append(leads, fromModel(row))
	}
	return leads, nil
}

// GetLead returns one lead by id
func (s *GormStore) GetLead(ctx context.Context, id string) (lead.Lead, error) {
	row, err := s.find(s.db.WithContext(ctx), id)
	if err != nil {
		return lead.Lead{}, wrapError(ctx, "get lead", err)
	}
	return fromModel(row), nil
}

// UpdateLead applies patch under a version-conditional UPDATE
func (s *GormStore) UpdateLead(ctx context.Context, id string, patch lead.Patch) (lead.Lead, error) {
	var updated lead.Lead
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.find(tx, id)
		if err != nil {
			return err
		}
		current := fromModel(row)
		if patch.ExpectedVersion != 0 && patch.ExpectedVersion != current.Version {
			return fmt.Errorf("%w: lead %s is at version %d, expected %d", lead.ErrConflict, id, current.Version, patch.ExpectedVersion)
		}

		next, err := patch.Apply(current)
		if err != nil {
			return err
		}
		next.Version = current.Version + 1
		next.UpdatedAt = time.Now().UTC()

		result := tx.Model(&model.Lead{}).
			Where("id = ? AND version = ?", id, current.Version).
			Updates(map[string]interface{}{
				"status":            string(next.Status),
				"step":              next.Step,
				"last_contact_date": next.LastContactDate,
				"thread_ref":        next.ThreadRef,
				"email":             next.Contact.Email,
				"owner":             next.Contact.Owner,
				"website":           next.Contact.Website,
				"version":           next.Version,
				"updated_at":        next.UpdatedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: lead %s changed during update", lead.ErrConflict, id)
		}
		updated = next
		return nil
	})
	if err != nil {
		return lead.Lead{}, wrapError(ctx, "update lead", err)
	}
	return updated, nil
}

// CreateLead inserts a new lead at version 1
func (s *GormStore) CreateLead(ctx context.Context, l lead.Lead) (lead.Lead, error) {
	if err := l.Validate(); err != nil {
		return lead.Lead{}, err
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Lead{}).Where("id = ?", l.ID).Count(&count).Error; err != nil {
		return lead.Lead{}, wrapError(ctx, "create lead", err)
	}
	if count > 0 {
		return lead.Lead{}, fmt.Errorf("%w: lead %s already exists", lead.ErrConflict, l.ID)
	}

	l.Version = 1
	row := toModel(l)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return lead.Lead{}, wrapError(ctx, "create lead", err)
	}
	return fromModel(row), nil
}

// Ping checks the database connection
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrapError(ctx, "ping", err)
	}
	return wrapError(ctx, "ping", sqlDB.PingContext(ctx))
}

func (s *GormStore) find(tx *gorm.DB, id string) (model.Lead, error) {
	var row model.Lead
	err := tx.Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, fmt.Errorf("%w: %s", lead.ErrNotFound, id)
	}
	return row, err
}

func fromModel(row model.Lead) lead.Lead {
	status, err := lead.ParseStatus(row.Status)
	if err != nil {
		// keep the raw value so Validate reports it
		status = lead.Status(row.Status)
	}
	l := lead.Lead{
		ID:        row.ID,
		Status:    status,
		Step:      row.Step,
		ThreadRef: row.ThreadRef,
		Contact: lead.Contact{
			Name:    row.Name,
			Owner:   row.Owner,
			Email:   row.Email,
			Website: row.Website,
		},
		Rating:    row.Rating,
		Reviews:   row.Reviews,
		PlaceID:   row.PlaceID,
		Version:   row.Version,
		UpdatedAt: row.UpdatedAt,
	}
	if row.LastContactDate != nil {
		d := lead.DateOf(*row.LastContactDate)
		l.LastContactDate = &d
	}
	return l
}

func toModel(l lead.Lead) model.Lead {
	row := model.Lead{
		ID:        l.ID,
		Name:      l.Contact.Name,
		Owner:     l.Contact.Owner,
		Email:     l.Contact.Email,
		Website:   l.Contact.Website,
		Rating:    l.Rating,
		Reviews:   l.Reviews,
		PlaceID:   l.PlaceID,
		Status:    string(l.Status),
		Step:      l.Step,
		ThreadRef: l.ThreadRef,
		Version:   l.Version,
	}
	if l.LastContactDate != nil {
		d := lead.DateOf(*l.LastContactDate)
		row.LastContactDate = &d
	}
	return row
}
