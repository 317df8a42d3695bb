package postgres

import (
	"time"

	"github.com/google/uuid"
)

// ActionModel maps to the "actions" table.
// Actions are hard-deleted; their execution log rows survive.
type ActionModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ServiceID      uuid.UUID `gorm:"type:uuid;not null;index:idx_actions_service_trigger;uniqueIndex:idx_actions_service_name"`
	Name           string    `gorm:"not null;uniqueIndex:idx_actions_service_name"`
	Description    string
	TriggerID      string `gorm:"not null;index:idx_actions_service_trigger"`
	Script         string `gorm:"type:text;not null"`
	Enabled        bool   `gorm:"not null;default:true"`
	StrictMode     bool   `gorm:"not null;default:false"`
	ExecutionOrder int    `gorm:"not null;default:0"`
	TimeoutMS      int    `gorm:"not null;default:3000"`
	LastExecutedAt *time.Time
	ExecutionCount int64  `gorm:"not null;default:0"`
	ErrorCount     int64  `gorm:"not null;default:0"`
	LastError      string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (ActionModel) TableName() string { return "actions" }

// ActionExecutionModel maps to the "action_executions" table.
// Append-only: rows are never updated, and carry no FK to actions so the
// log survives action deletion.
type ActionExecutionModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	ActionID     uuid.UUID `gorm:"type:uuid;not null;index"`
	ServiceID    uuid.UUID `gorm:"type:uuid;not null;index:idx_action_executions_service_time"`
	TriggerID    string    `gorm:"not null"`
	UserID       *uuid.UUID `gorm:"type:uuid;index"`
	Success      bool      `gorm:"not null"`
	DurationMS   int64     `gorm:"not null;default:0"`
	ErrorMessage string    `gorm:"type:text"`
	ExecutedAt   time.Time `gorm:"not null;index:idx_action_executions_service_time"`
}

func (ActionExecutionModel) TableName() string { return "action_executions" }
