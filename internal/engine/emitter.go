package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/crmstack/services/automation/internal/metrics"
	"example.com/crmstack/services/automation/internal/models"
)

// DefinitionSource looks up event definitions by type key.
type DefinitionSource interface {
	GetByType(ctx context.Context, eventType string) (*models.EventDefinition, error)
}

// LogWriter appends entries to the event audit log and finalizes ones that
// never reach a worker.
type LogWriter interface {
	Create(ctx context.Context, entry *models.EventLog) error
	MarkProcessed(ctx context.Context, eventID uuid.UUID, processingTime time.Duration, procErr *string) error
}

// EmitParams carries everything needed to emit one domain event.
type EmitParams struct {
	Type       string
	EntityType string
	EntityID   string
	Data       map[string]interface{}
	UserID     *uuid.UUID
	TenantID   uuid.UUID
	Depth      int
}

// Emitter validates incoming events against their definitions and enqueues
// them. Emit never blocks on processing; validation and recursion failures are
// the only errors a caller sees synchronously.
type Emitter struct {
	definitions DefinitionSource
	logs        LogWriter
	queue       *Queue
	maxDepth    int
	metrics     *metrics.Metrics
}

// NewEmitter creates a new emitter
func NewEmitter(definitions DefinitionSource, logs LogWriter, queue *Queue, maxDepth int, collector *metrics.Metrics) *Emitter {
	return &Emitter{
		definitions: definitions,
		logs:        logs,
		queue:       queue,
		maxDepth:    maxDepth,
		metrics:     collector,
	}
}

// Emit validates and enqueues an event, returning its generated id.
func (e *Emitter) Emit(ctx context.Context, params EmitParams) (uuid.UUID, error) {
	if params.TenantID == uuid.Nil {
		return uuid.Nil, &ValidationError{Reason: "tenant id is required"}
	}
	if params.EntityID == "" {
		return uuid.Nil, &ValidationError{Reason: "entity id is required"}
	}

	def, err := e.definitions.GetByType(ctx, params.Type)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, &ValidationError{Reason: fmt.Sprintf("unknown event type %q", params.Type)}
		}
		return uuid.Nil, errors.Wrap(err, "failed to look up event definition")
	}
	if !def.IsActive {
		return uuid.Nil, &ValidationError{Reason: fmt.Sprintf("event type %q is inactive", params.Type)}
	}
	if def.EntityType != "" && params.EntityType != def.EntityType {
		return uuid.Nil, &ValidationError{
			Reason: fmt.Sprintf("entity type %q does not match definition %q", params.EntityType, def.EntityType),
		}
	}
	if reason := validateSchema(def.Schema, params.Data); reason != "" {
		return uuid.Nil, &ValidationError{Reason: reason}
	}

	// Cycle breaker for rule chains that re-trigger themselves: past the
	// configured depth the event is dropped, never enqueued.
	if params.Depth > e.maxDepth {
		log.Warn().
			Str("type", params.Type).
			Str("entity_id", params.EntityID).
			Int("depth", params.Depth).
			Int("max_depth", e.maxDepth).
			Msg("Recursion limit reached, dropping chained event")
		e.metrics.IncrementCounter("events_dropped_recursion")
		return uuid.Nil, &RecursionLimitError{Depth: params.Depth, MaxDepth: e.maxDepth}
	}

	event := &models.Event{
		ID:         uuid.New(),
		Type:       params.Type,
		EntityType: params.EntityType,
		EntityID:   params.EntityID,
		Data:       params.Data,
		Timestamp:  time.Now(),
		UserID:     params.UserID,
		TenantID:   params.TenantID,
		Depth:      params.Depth,
	}

	entry := &models.EventLog{
		ID:         uuid.New(),
		EventID:    event.ID,
		Type:       event.Type,
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		TenantID:   event.TenantID,
		UserID:     event.UserID,
		Depth:      event.Depth,
		Data:       event.Data,
		Timestamp:  event.Timestamp,
		Processed:  false,
	}
	if err := e.logs.Create(ctx, entry); err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to write event log entry")
	}

	if err := e.queue.Enqueue(event); err != nil {
		e.metrics.IncrementCounter("events_rejected_overflow")
		// The log row was already written; close it out so it does not
		// linger as an unprocessed entry no worker will pick up.
		reason := err.Error()
		if markErr := e.logs.MarkProcessed(ctx, event.ID, 0, &reason); markErr != nil {
			log.Error().
				Str("event_id", event.ID.String()).
				Err(markErr).
				Msg("Failed to finalize rejected event log entry")
		}
		return uuid.Nil, err
	}

	e.metrics.IncrementCounter("events_emitted")
	e.metrics.SetGauge("queue_depth", int64(e.queue.Depth()))

	log.Debug().
		Str("event_id", event.ID.String()).
		Str("type", event.Type).
		Str("entity_id", event.EntityID).
		Int("depth", event.Depth).
		Msg("Event emitted")

	return event.ID, nil
}

// validateSchema checks required fields. Unknown fields are allowed; the
// schema only constrains what must be present.
func validateSchema(schema models.EventSchema, data map[string]interface{}) string {
	for field, spec := range schema {
		if !spec.Required {
			continue
		}
		value, ok := data[field]
		if !ok || value == nil {
			return fmt.Sprintf("required field %q is missing", field)
		}
	}
	return ""
}

// Purge discards a tenant's pending events, e.g. on suspension.
func (e *Emitter) Purge(tenantID uuid.UUID) int {
	dropped := e.queue.Purge(tenantID)
	e.metrics.SetGauge("queue_depth", int64(e.queue.Depth()))
	return dropped
}
