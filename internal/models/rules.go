package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Trigger types
const (
	TriggerEvent     = "event"
	TriggerSchedule  = "schedule"
	TriggerCondition = "condition"
)

// Condition operators
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotEmpty    = "not_empty"
	OpEmpty       = "empty"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
)

// ActionType identifies one of the supported side-effecting action kinds.
type ActionType string

// Action types
const (
	ActionNotification ActionType = "notification"
	ActionTask         ActionType = "task"
	ActionEmail        ActionType = "email"
	ActionWebhook      ActionType = "webhook"
	ActionUpdateField  ActionType = "update_field"
	ActionChangeStage  ActionType = "change_stage"
)

// Lifecycle stages for pipeline leads
const (
	StageLead = "lead"
	StageMQL  = "mql"
	StageSQL  = "sql"
)

// Event is a validated domain event flowing through the queue. Immutable once
// enqueued.
type Event struct {
	ID         uuid.UUID              `json:"id"`
	Type       string                 `json:"type"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Data       map[string]interface{} `json:"data"`
	Timestamp  time.Time              `json:"timestamp"`
	UserID     *uuid.UUID             `json:"user_id,omitempty"`
	TenantID   uuid.UUID              `json:"tenant_id"`
	Depth      int                    `json:"depth"`
}

// TriggerDefinition describes what makes a rule eligible for evaluation.
type TriggerDefinition struct {
	Type       string `json:"type"`
	Event      string `json:"event,omitempty"`
	Schedule   string `json:"schedule,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
}

// Condition is a single field/operator/value predicate.
type Condition struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
}

// ConditionGroup combines conditions with AND/OR semantics.
type ConditionGroup struct {
	Operator   string      `json:"operator"`
	Conditions []Condition `json:"conditions"`
}

// ActionDefinition describes one action in a rule's ordered action list.
type ActionDefinition struct {
	ID         string                 `json:"id"`
	Type       ActionType             `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
}

// ActionList is the jsonb-stored ordered list of a rule's actions.
type ActionList []ActionDefinition

// RuleMetadata tracks execution statistics for a rule. Only the engine writes
// it; executionCount always equals successCount + failureCount.
type RuleMetadata struct {
	ExecutionCount       int64      `json:"execution_count"`
	SuccessCount         int64      `json:"success_count"`
	FailureCount         int64      `json:"failure_count"`
	LastExecuted         *time.Time `json:"last_executed,omitempty"`
	AverageExecutionTime float64    `json:"average_execution_time"`
	Tags                 []string   `json:"tags,omitempty"`
}

// FieldSpec is one field entry in an event schema.
type FieldSpec struct {
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
}

// EventSchema maps field names to their expected types.
type EventSchema map[string]FieldSpec

// QualificationRule is a lifecycle-stage rule. Conditions are implicitly
// AND-combined.
type QualificationRule struct {
	ID          string      `json:"id,omitempty"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Conditions  []Condition `json:"conditions"`
	IsActive    bool        `json:"is_active"`
}

// QualificationRules holds a pipeline's two rule buckets.
type QualificationRules struct {
	MQL []QualificationRule `json:"mql"`
	SQL []QualificationRule `json:"sql"`
}

// JSONMap is an opaque jsonb object column.
type JSONMap map[string]interface{}

func jsonValue(v interface{}) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal jsonb column")
	}
	return data, nil
}

func jsonScan(dst interface{}, src interface{}) error {
	switch s := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(s, dst)
	case string:
		return json.Unmarshal([]byte(s), dst)
	default:
		return errors.Errorf("unsupported jsonb source type %T", src)
	}
}

// Value implements driver.Valuer
func (t TriggerDefinition) Value() (driver.Value, error) { return jsonValue(t) }

// Scan implements sql.Scanner
func (t *TriggerDefinition) Scan(src interface{}) error { return jsonScan(t, src) }

// Value implements driver.Valuer
func (g ConditionGroup) Value() (driver.Value, error) { return jsonValue(g) }

// Scan implements sql.Scanner
func (g *ConditionGroup) Scan(src interface{}) error { return jsonScan(g, src) }

// Value implements driver.Valuer
func (a ActionList) Value() (driver.Value, error) { return jsonValue(a) }

// Scan implements sql.Scanner
func (a *ActionList) Scan(src interface{}) error { return jsonScan(a, src) }

// Value implements driver.Valuer
func (m RuleMetadata) Value() (driver.Value, error) { return jsonValue(m) }

// Scan implements sql.Scanner
func (m *RuleMetadata) Scan(src interface{}) error { return jsonScan(m, src) }

// Value implements driver.Valuer
func (s EventSchema) Value() (driver.Value, error) { return jsonValue(s) }

// Scan implements sql.Scanner
func (s *EventSchema) Scan(src interface{}) error { return jsonScan(s, src) }

// Value implements driver.Valuer
func (q QualificationRules) Value() (driver.Value, error) { return jsonValue(q) }

// Scan implements sql.Scanner
func (q *QualificationRules) Scan(src interface{}) error { return jsonScan(q, src) }

// Value implements driver.Valuer
func (m JSONMap) Value() (driver.Value, error) { return jsonValue(m) }

// Scan implements sql.Scanner
func (m *JSONMap) Scan(src interface{}) error { return jsonScan(m, src) }

// DefaultEventDefinitions returns the definitions seeded when a deployment has
// none configured yet.
func DefaultEventDefinitions() []EventDefinition {
	defs := []struct {
		eventType   string
		entityType  string
		description string
		schema      EventSchema
	}{
		{"lead.created", "lead", "New lead created", EventSchema{
			"id": {Type: "string", Required: true}, "name": {Type: "string"},
			"email": {Type: "string"}, "phone": {Type: "string"},
			"source": {Type: "string"}, "temperature": {Type: "string"},
			"score": {Type: "number"},
		}},
		{"lead.updated", "lead", "Lead information updated", EventSchema{
			"id": {Type: "string", Required: true}, "changes": {Type: "object"},
		}},
		{"lead.stage_changed", "lead", "Lead moved to different stage", EventSchema{
			"id": {Type: "string", Required: true},
			"from_stage": {Type: "string"}, "to_stage": {Type: "string"},
		}},
		{"deal.created", "deal", "New deal created", EventSchema{
			"id": {Type: "string", Required: true}, "title": {Type: "string"},
			"value": {Type: "number"}, "stage_id": {Type: "string"},
		}},
		{"deal.stage_changed", "deal", "Deal moved to different stage", EventSchema{
			"id": {Type: "string", Required: true},
			"from_stage": {Type: "string"}, "to_stage": {Type: "string"},
		}},
		{"deal.won", "deal", "Deal marked as won", EventSchema{
			"id": {Type: "string", Required: true}, "value": {Type: "number"},
			"won_date": {Type: "string"},
		}},
		{"deal.lost", "deal", "Deal marked as lost", EventSchema{
			"id": {Type: "string", Required: true}, "reason": {Type: "string"},
			"lost_date": {Type: "string"},
		}},
		{"contact.created", "contact", "New contact created", EventSchema{
			"id": {Type: "string", Required: true}, "name": {Type: "string"},
			"email": {Type: "string"}, "company": {Type: "string"},
		}},
		{"task.created", "task", "New task created", EventSchema{
			"id": {Type: "string", Required: true}, "title": {Type: "string"},
			"assignee_id": {Type: "string"}, "due_date": {Type: "string"},
		}},
		{"task.completed", "task", "Task marked as completed", EventSchema{
			"id": {Type: "string", Required: true},
			"completed_date": {Type: "string"}, "completed_by": {Type: "string"},
		}},
		{"task.overdue", "task", "Task is overdue", EventSchema{
			"id": {Type: "string", Required: true}, "due_date": {Type: "string"},
			"days_overdue": {Type: "number"},
		}},
	}

	out := make([]EventDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, EventDefinition{
			ID:          uuid.New(),
			Type:        d.eventType,
			EntityType:  d.entityType,
			Description: d.description,
			Schema:      d.schema,
			IsActive:    true,
		})
	}
	return out
}
