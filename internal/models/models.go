package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// EventDefinition describes an event type the engine accepts. Definitions are
// managed by tenant admins and read-only to the engine at runtime.
type EventDefinition struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
	Type        string         `gorm:"not null;uniqueIndex" json:"type"`
	EntityType  string         `gorm:"not null" json:"entity_type"`
	Description string         `json:"description"`
	Schema      EventSchema    `gorm:"type:jsonb" json:"schema"`
	IsActive    bool           `gorm:"not null;default:true" json:"is_active"`
}

// EventLog is the write-once audit record for every accepted event.
type EventLog struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"-"`
	EventID          uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex" json:"event_id"`
	Type             string     `gorm:"not null;index" json:"type"`
	EntityType       string     `gorm:"not null;index" json:"entity_type"`
	EntityID         string     `gorm:"not null;index" json:"entity_id"`
	TenantID         uuid.UUID  `gorm:"type:uuid;not null;index" json:"tenant_id"`
	UserID           *uuid.UUID `gorm:"type:uuid" json:"user_id"`
	Depth            int        `gorm:"not null;default:0" json:"depth"`
	Data             JSONMap    `gorm:"type:jsonb" json:"data"`
	Timestamp        time.Time  `gorm:"not null;index" json:"timestamp"`
	Processed        bool       `gorm:"not null;default:false" json:"processed"`
	ProcessingTimeMs *int64     `json:"processing_time_ms"`
	Error            *string    `json:"error"`
}

// BusinessRule is a tenant-defined automation rule. The engine only ever
// mutates Metadata; everything else belongs to the CRUD surface.
type BusinessRule struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt    `gorm:"index" json:"-"`
	Name        string            `gorm:"not null" json:"name"`
	Description string            `json:"description"`
	TenantID    uuid.UUID         `gorm:"type:uuid;not null;index" json:"tenant_id"`
	CreatedBy   *uuid.UUID        `gorm:"type:uuid" json:"created_by"`
	Trigger     TriggerDefinition `gorm:"type:jsonb;not null" json:"trigger"`
	Conditions  ConditionGroup    `gorm:"type:jsonb" json:"conditions"`
	Actions     ActionList        `gorm:"type:jsonb;not null" json:"actions"`
	Priority    int               `gorm:"not null;default:1" json:"priority"`
	IsActive    bool              `gorm:"not null;default:true" json:"is_active"`
	Metadata    RuleMetadata      `gorm:"type:jsonb" json:"metadata"`
}

// ActionExecution records one executed action per (rule, event, action)
// triple. The unique idempotency key is what makes at-least-once event
// delivery safe for side effects.
type ActionExecution struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	RuleID         uuid.UUID `gorm:"type:uuid;not null;index" json:"rule_id"`
	EventID        uuid.UUID `gorm:"type:uuid;not null;index" json:"event_id"`
	ActionID       string    `gorm:"not null" json:"action_id"`
	ActionType     string    `gorm:"not null" json:"action_type"`
	TenantID       uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`
	IdempotencyKey string    `gorm:"not null;uniqueIndex" json:"idempotency_key"`
	Detail         string    `json:"detail"`
}

// Pipeline holds a sales pipeline's qualification rule sets.
type Pipeline struct {
	ID                 uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt          time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt          gorm.DeletedAt     `gorm:"index" json:"-"`
	TenantID           uuid.UUID          `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Name               string             `gorm:"not null" json:"name"`
	QualificationRules QualificationRules `gorm:"type:jsonb" json:"qualification_rules"`
}

// PipelineLead is a lead's position in a pipeline, including its lifecycle
// stage and any sticky manual qualification override.
type PipelineLead struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
	PipelineID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"pipeline_id"`
	TenantID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	LifecycleStage string         `gorm:"not null;default:lead" json:"lifecycle_stage"`
	ManualOverride bool           `gorm:"not null;default:false" json:"manual_override"`
	OverrideReason *string        `json:"override_reason"`
	CustomData     JSONMap        `gorm:"type:jsonb" json:"custom_data"`
	Pipeline       Pipeline       `gorm:"foreignKey:PipelineID" json:"-"`
}

// Notification is a pending notification row picked up by the delivery
// subsystem. The engine only inserts.
type Notification struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	TenantID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"tenant_id"`
	UserID     *uuid.UUID `gorm:"type:uuid" json:"user_id"`
	Title      string     `json:"title"`
	Message    string     `gorm:"not null" json:"message"`
	Channel    string     `gorm:"not null;default:system" json:"channel"`
	EntityType string     `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Status     string     `gorm:"not null;default:pending" json:"status"`
	Metadata   JSONMap    `gorm:"type:jsonb" json:"metadata"`
}

// Task is a CRM task created by a task action.
type Task struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	TenantID    uuid.UUID  `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Title       string     `gorm:"not null" json:"title"`
	Description string     `json:"description"`
	AssigneeID  *uuid.UUID `gorm:"type:uuid" json:"assignee_id"`
	DueDate     *time.Time `json:"due_date"`
	Priority    string     `gorm:"not null;default:medium" json:"priority"`
	EntityType  string     `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	Status      string     `gorm:"not null;default:pending" json:"status"`
	CreatedBy   string     `gorm:"not null;default:system" json:"created_by"`
}

// StageChange is the audit row written whenever a change_stage action moves an
// entity between stages.
type StageChange struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	TenantID   uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`
	EntityType string    `gorm:"not null" json:"entity_type"`
	EntityID   string    `gorm:"not null;index" json:"entity_id"`
	FromStage  string    `json:"from_stage"`
	ToStage    string    `gorm:"not null" json:"to_stage"`
	Reason     string    `json:"reason"`
	ChangedBy  string    `gorm:"not null;default:system" json:"changed_by"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	// Apply all migrations
	err := db.AutoMigrate(
		&EventDefinition{},
		&EventLog{},
		&BusinessRule{},
		&ActionExecution{},
		&Pipeline{},
		&PipelineLead{},
		&Notification{},
		&Task{},
		&StageChange{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
