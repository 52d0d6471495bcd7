package model

import (
	"time"

	"gorm.io/gorm"
)

// Run represents one lifecycle run and its aggregated outcome
type Run struct {
	ID         string         `json:"id" gorm:"primaryKey;type:varchar(64)"`
	RunDate    time.Time      `json:"run_date" gorm:"type:date;index"`
	Trigger    string         `json:"trigger" gorm:"type:varchar(32)"`
	Replied    int            `json:"replied"`
	Advanced   int            `json:"advanced"`
	Revoked    int            `json:"revoked"`
	Drafted    int            `json:"drafted"`
	Unchanged  int            `json:"unchanged"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	Stalled    int            `json:"stalled"`
	Status     string         `json:"status" gorm:"type:varchar(32);not null"` // completed, aborted
	ErrorMsg   string         `json:"error_msg" gorm:"type:text"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	DeletedAt  gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for Run
func (Run) TableName() string {
	return "runs"
}
