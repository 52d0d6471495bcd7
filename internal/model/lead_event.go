package model

import (
	"time"

	"gorm.io/gorm"
)

// LeadEvent is one per-lead outcome recorded during a run
type LeadEvent struct {
	ID        uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	RunID     string         `json:"run_id" gorm:"type:varchar(64);not null;index"`
	LeadID    string         `json:"lead_id" gorm:"type:varchar(64);not null;index"`
	Phase     string         `json:"phase" gorm:"type:varchar(32);not null"`
	Action    string         `json:"action" gorm:"type:varchar(32)"`
	Status    string         `json:"status" gorm:"type:varchar(32);not null"` // success, failure, skipped
	FromState string         `json:"from_state" gorm:"type:varchar(64)"`
	ToState   string         `json:"to_state" gorm:"type:varchar(64)"`
	ErrorKind string         `json:"error_kind" gorm:"type:varchar(64)"`
	ErrorMsg  string         `json:"error_msg" gorm:"type:text"`
	CreatedAt time.Time      `json:"created_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`

	Run *Run `json:"run,omitempty" gorm:"foreignKey:RunID"`
}

// TableName specifies the table name for LeadEvent
func (LeadEvent) TableName() string {
	return "lead_events"
}
