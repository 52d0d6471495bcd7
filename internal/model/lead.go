package model

import (
	"time"

	"gorm.io/gorm"
)

// Lead represents a tracked prospect in the database
type Lead struct {
	ID              string         `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Name            string         `json:"name" gorm:"type:varchar(255);not null"`
	Owner           string         `json:"owner" gorm:"type:varchar(255)"`
	Email           string         `json:"email" gorm:"type:varchar(255);index"`
	Website         string         `json:"website" gorm:"type:varchar(512)"`
	Rating          float64        `json:"rating"`
	Reviews         int            `json:"reviews"`
	PlaceID         string         `json:"place_id" gorm:"type:varchar(255);index"`
	Status          string         `json:"status" gorm:"type:varchar(32);not null;index"`
	Step            int            `json:"step" gorm:"not null;default:0"`
	LastContactDate *time.Time     `json:"last_contact_date" gorm:"type:date"`
	ThreadRef       string         `json:"thread_ref" gorm:"type:varchar(255)"`
	Version         int64          `json:"version" gorm:"not null;default:1"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for Lead
func (Lead) TableName() string {
	return "leads"
}
