package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"example.com/crmstack/services/automation/internal/models"
)

// ErrRuleNotFound is returned when a rule does not exist for the tenant.
var ErrRuleNotFound = errors.New("rule not found")

// RuleGetter loads a single rule for simulation.
type RuleGetter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.BusinessRule, error)
}

// SimulatedAction describes what one action would have done.
type SimulatedAction struct {
	ActionID     string `json:"action_id"`
	Type         string `json:"type"`
	WouldExecute bool   `json:"would_execute"`
	Description  string `json:"description"`
}

// SimulationTimings breaks the dry run down by phase, in milliseconds.
type SimulationTimings struct {
	ConditionEvaluationMs float64 `json:"condition_evaluation_ms"`
	ActionSimulationMs    float64 `json:"action_simulation_ms"`
	TotalMs               float64 `json:"total_ms"`
}

// DebugEntry is one line of the dry run's debug log.
type DebugEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// SimulationResult is the full outcome of a dry run against test data.
type SimulationResult struct {
	RuleID          uuid.UUID         `json:"rule_id"`
	RuleName        string            `json:"rule_name"`
	Matched         bool              `json:"matched"`
	ConditionTraces []ConditionTrace  `json:"condition_traces"`
	Actions         []SimulatedAction `json:"actions"`
	Timings         SimulationTimings `json:"timings"`
	DebugLog        []DebugEntry      `json:"debug_log"`
	Recommendations []string          `json:"recommendations"`
}

func (r *SimulationResult) logf(level, format string, args ...interface{}) {
	r.DebugLog = append(r.DebugLog, DebugEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
	})
}

// Simulator dry-runs rules against caller-supplied data. It never touches
// collaborators or emits events; handlers are only asked to describe
// themselves.
type Simulator struct {
	rules       RuleGetter
	definitions DefinitionSource
	handlers    map[models.ActionType]Handler
}

// NewSimulator creates a new simulator. definitions may be nil, which
// disables schema-based recommendations.
func NewSimulator(rules RuleGetter, definitions DefinitionSource, handlers map[models.ActionType]Handler) *Simulator {
	return &Simulator{rules: rules, definitions: definitions, handlers: handlers}
}

// TestRule evaluates the rule's conditions against testData and describes
// every action without executing anything.
func (s *Simulator) TestRule(ctx context.Context, tenantID, ruleID uuid.UUID, eventType string, testData map[string]interface{}) (*SimulationResult, error) {
	rule, err := s.rules.GetByID(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.TenantID != tenantID {
		return nil, ErrRuleNotFound
	}

	started := time.Now()
	result := &SimulationResult{
		RuleID:   rule.ID,
		RuleName: rule.Name,
	}
	result.logf("info", "loaded rule %q with %d conditions and %d actions",
		rule.Name, len(rule.Conditions.Conditions), len(rule.Actions))

	condStart := time.Now()
	matched, traces := TraceConditions(rule.Conditions, testData)
	if len(rule.Conditions.Conditions) == 0 {
		matched = true
		result.logf("info", "rule has no conditions, matches unconditionally")
	}
	result.Matched = matched
	result.ConditionTraces = traces
	result.Timings.ConditionEvaluationMs = millisSince(condStart)

	for _, trace := range traces {
		if trace.Passed {
			result.logf("info", "condition %s %s %v: passed (actual: %v)",
				trace.Field, trace.Operator, trace.Expected, trace.Actual)
		} else {
			result.logf("warning", "condition %s %s %v: failed (actual: %v)",
				trace.Field, trace.Operator, trace.Expected, trace.Actual)
		}
	}

	event := &models.Event{
		ID:         uuid.New(),
		Type:       eventType,
		EntityType: rule.Trigger.EntityType,
		EntityID:   "simulated",
		Data:       testData,
		Timestamp:  time.Now(),
		TenantID:   tenantID,
	}

	actionStart := time.Now()
	for _, action := range rule.Actions {
		sim := SimulatedAction{
			ActionID:     action.ID,
			Type:         string(action.Type),
			WouldExecute: matched,
		}
		if handler, ok := s.handlers[action.Type]; ok {
			sim.Description = handler.Simulate(action, event)
		} else {
			sim.WouldExecute = false
			sim.Description = fmt.Sprintf("no handler registered for action type %q", action.Type)
			result.logf("error", "action %s cannot be simulated: no handler registered for type %q",
				action.ID, action.Type)
		}
		result.Actions = append(result.Actions, sim)
	}
	result.Timings.ActionSimulationMs = millisSince(actionStart)
	result.Timings.TotalMs = millisSince(started)

	result.Recommendations = s.recommend(ctx, rule, eventType, testData)
	for _, rec := range result.Recommendations {
		result.logf("warning", "%s", rec)
	}
	result.logf("info", "simulation finished in %.3fms", result.Timings.TotalMs)

	return result, nil
}

// recommend flags common rule authoring mistakes. Advisory only.
func (s *Simulator) recommend(ctx context.Context, rule *models.BusinessRule, eventType string, testData map[string]interface{}) []string {
	var recs []string

	var schema models.EventSchema
	if s.definitions != nil && eventType != "" {
		if def, err := s.definitions.GetByType(ctx, eventType); err == nil {
			schema = def.Schema
		}
	}

	for _, cond := range rule.Conditions.Conditions {
		if schema != nil {
			if _, ok := schema[cond.Field]; !ok {
				recs = append(recs, fmt.Sprintf("condition field %q is not declared in the %q event schema", cond.Field, eventType))
			}
		}
		switch cond.Operator {
		case models.OpEquals, models.OpNotEquals, models.OpContains, models.OpGreaterThan, models.OpLessThan:
			if cond.Value == nil || cond.Value == "" {
				recs = append(recs, fmt.Sprintf("condition on %q uses operator %q but has no comparison value", cond.Field, cond.Operator))
			}
		}
		if _, ok := testData[cond.Field]; !ok {
			recs = append(recs, fmt.Sprintf("test data has no value for condition field %q", cond.Field))
		}
	}

	for _, action := range rule.Actions {
		switch action.Type {
		case models.ActionWebhook:
			if paramString(action.Parameters, "url") == "" {
				recs = append(recs, fmt.Sprintf("webhook action %s has no url parameter", action.ID))
			}
		case models.ActionNotification:
			if paramString(action.Parameters, "message") == "" {
				recs = append(recs, fmt.Sprintf("notification action %s has no message parameter", action.ID))
			}
		case models.ActionEmail:
			if paramString(action.Parameters, "to") == "" {
				recs = append(recs, fmt.Sprintf("email action %s has no to parameter", action.ID))
			}
		case models.ActionTask:
			if paramString(action.Parameters, "title") == "" {
				recs = append(recs, fmt.Sprintf("task action %s has no title parameter", action.ID))
			}
		case models.ActionUpdateField:
			if paramString(action.Parameters, "field") == "" {
				recs = append(recs, fmt.Sprintf("update_field action %s has no field parameter", action.ID))
			}
		case models.ActionChangeStage:
			if paramString(action.Parameters, "stage") == "" {
				recs = append(recs, fmt.Sprintf("change_stage action %s has no stage parameter", action.ID))
			}
		}
	}

	return recs
}

func millisSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}
