package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/crmstack/services/automation/internal/models"
)

// RuleExecutionStatus summarizes the outcome of running a rule's action list.
type RuleExecutionStatus string

const (
	StatusSucceeded RuleExecutionStatus = "succeeded"
	StatusPartial   RuleExecutionStatus = "partial"
	StatusFailed    RuleExecutionStatus = "failed"
)

// ActionResult is the outcome of one action within a rule execution.
type ActionResult struct {
	ActionID string `json:"action_id"`
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	Skipped  bool   `json:"skipped"`
	Detail   string `json:"detail,omitempty"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`
}

// RuleResult is the outcome of running one rule against one event.
type RuleResult struct {
	RuleID   uuid.UUID           `json:"rule_id"`
	Status   RuleExecutionStatus `json:"status"`
	Actions  []ActionResult      `json:"actions"`
	Duration time.Duration       `json:"duration"`
}

// Handler executes one category of action. Execute returns a human-readable
// detail string on success. Transient failures must be wrapped in
// ActionTransientError so the executor knows to retry.
type Handler interface {
	Execute(ctx context.Context, action models.ActionDefinition, event *models.Event) (string, error)
	Simulate(action models.ActionDefinition, event *models.Event) string
}

// ExecutionStore records completed actions for idempotent redelivery.
type ExecutionStore interface {
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
	Record(ctx context.Context, execution *models.ActionExecution) error
}

// EmitFunc re-enters the emitter for events chained off action side effects.
type EmitFunc func(ctx context.Context, params EmitParams) (uuid.UUID, error)

// Executor runs a rule's actions in order with per-action retry and
// idempotency. One action failing never stops the rest of the list.
type Executor struct {
	handlers   map[models.ActionType]Handler
	executions ExecutionStore
	emit       EmitFunc

	retries       int
	retryBackoff  time.Duration
	actionTimeout time.Duration
}

// ExecutorOptions bundles the executor's tuning knobs.
type ExecutorOptions struct {
	Retries       int
	RetryBackoff  time.Duration
	ActionTimeout time.Duration
}

// NewExecutor creates a new executor
func NewExecutor(handlers map[models.ActionType]Handler, executions ExecutionStore, emit EmitFunc, opts ExecutorOptions) *Executor {
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 30 * time.Second
	}
	return &Executor{
		handlers:      handlers,
		executions:    executions,
		emit:          emit,
		retries:       opts.Retries,
		retryBackoff:  opts.RetryBackoff,
		actionTimeout: opts.ActionTimeout,
	}
}

// IdempotencyKey derives the stable key for one action of one rule against
// one event.
func IdempotencyKey(ruleID uuid.UUID, eventID uuid.UUID, actionID string) string {
	sum := sha256.Sum256([]byte(ruleID.String() + "|" + eventID.String() + "|" + actionID))
	return hex.EncodeToString(sum[:])
}

// ExecuteRule runs every action of the rule against the event and returns the
// composite result. It never returns an error for action failures; those are
// folded into the result status.
func (x *Executor) ExecuteRule(ctx context.Context, rule *models.BusinessRule, event *models.Event) *RuleResult {
	started := time.Now()
	result := &RuleResult{
		RuleID:  rule.ID,
		Actions: make([]ActionResult, 0, len(rule.Actions)),
	}

	succeeded, failed := 0, 0
	for _, action := range rule.Actions {
		ar := x.executeAction(ctx, rule, event, action)
		result.Actions = append(result.Actions, ar)
		if ar.Success || ar.Skipped {
			succeeded++
		} else {
			failed++
		}
	}

	switch {
	case failed == 0:
		result.Status = StatusSucceeded
	case succeeded == 0:
		result.Status = StatusFailed
	default:
		result.Status = StatusPartial
	}
	result.Duration = time.Since(started)

	log.Info().
		Str("rule_id", rule.ID.String()).
		Str("event_id", event.ID.String()).
		Str("status", string(result.Status)).
		Int("actions", len(result.Actions)).
		Dur("duration", result.Duration).
		Msg("Rule executed")

	return result
}

func (x *Executor) executeAction(ctx context.Context, rule *models.BusinessRule, event *models.Event, action models.ActionDefinition) ActionResult {
	result := ActionResult{ActionID: action.ID, Type: string(action.Type)}

	key := IdempotencyKey(rule.ID, event.ID, action.ID)
	done, err := x.executions.Exists(ctx, key)
	if err != nil {
		result.Error = errors.Wrap(err, "idempotency lookup failed").Error()
		return result
	}
	if done {
		result.Skipped = true
		result.Detail = "already executed"
		return result
	}

	handler, ok := x.handlers[action.Type]
	if !ok {
		result.Error = fmt.Sprintf("no handler registered for action type %q", action.Type)
		return result
	}

	detail, attempts, err := x.runWithRetry(ctx, handler, action, event)
	result.Attempts = attempts
	if err != nil {
		result.Error = err.Error()
		log.Warn().
			Str("rule_id", rule.ID.String()).
			Str("action_id", action.ID).
			Str("type", string(action.Type)).
			Int("attempts", attempts).
			Err(err).
			Msg("Action failed")
		return result
	}

	result.Success = true
	result.Detail = detail

	if err := x.executions.Record(ctx, &models.ActionExecution{
		ID:             uuid.New(),
		IdempotencyKey: key,
		RuleID:         rule.ID,
		EventID:        event.ID,
		ActionID:       action.ID,
		ActionType:     string(action.Type),
		TenantID:       event.TenantID,
		Detail:         detail,
	}); err != nil {
		// The action already happened; a redelivery may run it again.
		log.Error().Str("idempotency_key", key).Err(err).Msg("Failed to record action execution")
	}

	x.chainEvent(ctx, action, event, detail)
	return result
}

// runWithRetry retries only transient failures, with exponential backoff
// starting at the configured base.
func (x *Executor) runWithRetry(ctx context.Context, handler Handler, action models.ActionDefinition, event *models.Event) (string, int, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt < x.retries; attempt++ {
		attempts++
		actionCtx, cancel := context.WithTimeout(ctx, x.actionTimeout)
		detail, err := handler.Execute(actionCtx, action, event)
		cancel()
		if err == nil {
			return detail, attempts, nil
		}
		lastErr = err

		var transient *ActionTransientError
		if !errors.As(err, &transient) {
			return "", attempts, err
		}
		if attempt == x.retries-1 {
			break
		}

		backoff := x.retryBackoff * (1 << attempt)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", attempts, ctx.Err()
		}
	}
	return "", attempts, lastErr
}

// chainEvent emits the follow-up event from a field update or stage change.
// Emission failures are logged and swallowed; the action itself succeeded.
func (x *Executor) chainEvent(ctx context.Context, action models.ActionDefinition, event *models.Event, detail string) {
	if x.emit == nil {
		return
	}

	var chainedType string
	switch action.Type {
	case models.ActionUpdateField:
		chainedType = event.EntityType + ".updated"
	case models.ActionChangeStage:
		chainedType = event.EntityType + ".stage_changed"
	default:
		return
	}

	data := make(map[string]interface{}, len(event.Data)+2)
	for k, v := range event.Data {
		data[k] = v
	}
	// Provenance markers win over inbound data keys of the same name.
	data["source"] = "automation"
	data["detail"] = detail

	if _, err := x.emit(ctx, EmitParams{
		Type:       chainedType,
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		Data:       data,
		UserID:     event.UserID,
		TenantID:   event.TenantID,
		Depth:      event.Depth + 1,
	}); err != nil {
		log.Warn().
			Str("type", chainedType).
			Str("entity_id", event.EntityID).
			Int("depth", event.Depth+1).
			Err(err).
			Msg("Chained event not emitted")
	}
}
