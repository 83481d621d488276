package qualification

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/crmstack/services/automation/internal/engine"
	"example.com/crmstack/services/automation/internal/metrics"
	"example.com/crmstack/services/automation/internal/models"
)

// LeadStore is the persistence surface the service needs for leads.
type LeadStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.PipelineLead, error)
	UpdateStage(ctx context.Context, id uuid.UUID, stage string) error
	SetManualOverride(ctx context.Context, id uuid.UUID, stage, reason string) error
	ClearManualOverride(ctx context.Context, id uuid.UUID) error
	StageCounts(ctx context.Context, tenantID uuid.UUID, pipelineID *uuid.UUID) (map[string]int64, error)
}

// PipelineStore loads and saves pipeline qualification rule sets.
type PipelineStore interface {
	GetByID(ctx context.Context, tenantID, pipelineID uuid.UUID) (*models.Pipeline, error)
	SaveQualificationRules(ctx context.Context, tenantID, pipelineID uuid.UUID, rules models.QualificationRules) error
}

// Notifier announces stage transitions; may be nil.
type Notifier interface {
	Notify(ctx context.Context, tenantID uuid.UUID, userID *uuid.UUID, title, message string) error
}

// EvaluationResult describes what one qualification pass decided.
type EvaluationResult struct {
	LeadID        uuid.UUID `json:"lead_id"`
	PreviousStage string    `json:"previous_stage"`
	NewStage      string    `json:"new_stage"`
	ShouldUpdate  bool      `json:"should_update"`
	MatchedRule   string    `json:"matched_rule,omitempty"`
	Skipped       bool      `json:"skipped"`
	SkipReason    string    `json:"skip_reason,omitempty"`
}

// Stats summarizes a tenant's lead qualification funnel.
type Stats struct {
	TotalLeads        int64   `json:"total_leads"`
	LeadCount         int64   `json:"lead_count"`
	MQLCount          int64   `json:"mql_count"`
	SQLCount          int64   `json:"sql_count"`
	LeadToMQLRate     float64 `json:"lead_to_mql_rate"`
	MQLToSQLRate      float64 `json:"mql_to_sql_rate"`
	OverallConversion float64 `json:"overall_conversion"`
}

// Service evaluates leads against their pipeline's qualification rule sets.
// Progression is strictly lead to mql to sql; a manual override freezes the
// lead's stage until it is explicitly cleared.
type Service struct {
	leads     LeadStore
	pipelines PipelineStore
	notifier  Notifier
	metrics   *metrics.Metrics
}

// NewService creates a new qualification service
func NewService(leads LeadStore, pipelines PipelineStore, notifier Notifier, collector *metrics.Metrics) *Service {
	return &Service{leads: leads, pipelines: pipelines, notifier: notifier, metrics: collector}
}

// Evaluate runs the lead through its pipeline's qualification rules, merging
// extraData over the lead's stored custom data, and persists any stage change.
func (s *Service) Evaluate(ctx context.Context, tenantID, leadID uuid.UUID, extraData map[string]interface{}) (*EvaluationResult, error) {
	lead, err := s.leads.GetByID(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if lead.TenantID != tenantID {
		return nil, ErrLeadNotFound
	}

	result := &EvaluationResult{
		LeadID:        lead.ID,
		PreviousStage: lead.LifecycleStage,
		NewStage:      lead.LifecycleStage,
	}

	if lead.ManualOverride {
		result.Skipped = true
		result.SkipReason = "manual override in effect"
		return result, nil
	}

	data := make(map[string]interface{}, len(lead.CustomData)+len(extraData))
	for k, v := range lead.CustomData {
		data[k] = v
	}
	for k, v := range extraData {
		data[k] = v
	}

	stage, matchedRule := decideStage(lead.LifecycleStage, lead.Pipeline.QualificationRules, data)
	result.MatchedRule = matchedRule
	if stage == lead.LifecycleStage {
		return result, nil
	}

	if err := s.leads.UpdateStage(ctx, lead.ID, stage); err != nil {
		return nil, errors.Wrap(err, "failed to update lead stage")
	}
	result.NewStage = stage
	result.ShouldUpdate = true
	s.metrics.IncrementCounter("qualification_transitions")

	log.Info().
		Str("lead_id", lead.ID.String()).
		Str("from", result.PreviousStage).
		Str("to", stage).
		Str("rule", matchedRule).
		Msg("Lead qualified")

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, tenantID, nil, "Lead qualified",
			"Lead moved from "+result.PreviousStage+" to "+stage); err != nil {
			log.Warn().Str("lead_id", lead.ID.String()).Err(err).Msg("Qualification notification failed")
		}
	}

	return result, nil
}

// decideStage walks the funnel in order. A lead can only reach sql after mql;
// both hops may happen in one pass when the data satisfies both rule sets.
func decideStage(current string, rules models.QualificationRules, data map[string]interface{}) (string, string) {
	stage := current
	var matched string

	if stage == models.StageLead {
		if name, ok := anyRuleMatches(rules.MQL, data); ok {
			stage = models.StageMQL
			matched = name
		}
	}
	if stage == models.StageMQL {
		if name, ok := anyRuleMatches(rules.SQL, data); ok {
			stage = models.StageSQL
			matched = name
		}
	}
	return stage, matched
}

func anyRuleMatches(rules []models.QualificationRule, data map[string]interface{}) (string, bool) {
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		if len(rule.Conditions) == 0 {
			continue
		}
		group := models.ConditionGroup{Operator: "and", Conditions: rule.Conditions}
		if engine.EvaluateConditions(group, data) {
			return rule.Name, true
		}
	}
	return "", false
}

// ErrInvalidStage is returned when a manual override names an unknown
// lifecycle stage.
var ErrInvalidStage = errors.New("invalid lifecycle stage")

// ErrLeadNotFound is returned when a lead does not exist for the tenant.
var ErrLeadNotFound = errors.New("lead not found")

// ManualQualify forces a lead to the given stage and pins it there.
func (s *Service) ManualQualify(ctx context.Context, tenantID, leadID uuid.UUID, stage, reason string) (*models.PipelineLead, error) {
	if stage != models.StageLead && stage != models.StageMQL && stage != models.StageSQL {
		return nil, errors.Wrapf(ErrInvalidStage, "stage %q", stage)
	}

	lead, err := s.leads.GetByID(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if lead.TenantID != tenantID {
		return nil, ErrLeadNotFound
	}

	if err := s.leads.SetManualOverride(ctx, leadID, stage, reason); err != nil {
		return nil, errors.Wrap(err, "failed to set manual override")
	}
	s.metrics.IncrementCounter("qualification_manual_overrides")

	log.Info().
		Str("lead_id", leadID.String()).
		Str("stage", stage).
		Str("reason", reason).
		Msg("Lead manually qualified")

	return s.leads.GetByID(ctx, leadID)
}

// ClearOverride removes a lead's manual override so rule evaluation applies
// again. The stage itself is left as is until the next evaluation.
func (s *Service) ClearOverride(ctx context.Context, tenantID, leadID uuid.UUID) (*models.PipelineLead, error) {
	lead, err := s.leads.GetByID(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if lead.TenantID != tenantID {
		return nil, ErrLeadNotFound
	}

	if err := s.leads.ClearManualOverride(ctx, leadID); err != nil {
		return nil, errors.Wrap(err, "failed to clear manual override")
	}

	log.Info().Str("lead_id", leadID.String()).Msg("Manual override cleared")
	return s.leads.GetByID(ctx, leadID)
}

// UpdateRules replaces a pipeline's qualification rule sets.
func (s *Service) UpdateRules(ctx context.Context, tenantID, pipelineID uuid.UUID, rules models.QualificationRules) error {
	if _, err := s.pipelines.GetByID(ctx, tenantID, pipelineID); err != nil {
		return err
	}
	return s.pipelines.SaveQualificationRules(ctx, tenantID, pipelineID, rules)
}

// GetRules returns a pipeline's qualification rule sets.
func (s *Service) GetRules(ctx context.Context, tenantID, pipelineID uuid.UUID) (models.QualificationRules, error) {
	pipeline, err := s.pipelines.GetByID(ctx, tenantID, pipelineID)
	if err != nil {
		return models.QualificationRules{}, err
	}
	return pipeline.QualificationRules, nil
}

// GetStats aggregates the tenant's qualification funnel, optionally scoped to
// one pipeline.
func (s *Service) GetStats(ctx context.Context, tenantID uuid.UUID, pipelineID *uuid.UUID) (*Stats, error) {
	counts, err := s.leads.StageCounts(ctx, tenantID, pipelineID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		LeadCount: counts[models.StageLead],
		MQLCount:  counts[models.StageMQL],
		SQLCount:  counts[models.StageSQL],
	}
	stats.TotalLeads = stats.LeadCount + stats.MQLCount + stats.SQLCount

	if stats.TotalLeads > 0 {
		qualified := stats.MQLCount + stats.SQLCount
		stats.LeadToMQLRate = float64(qualified) / float64(stats.TotalLeads)
		stats.OverallConversion = float64(stats.SQLCount) / float64(stats.TotalLeads)
	}
	if stats.MQLCount+stats.SQLCount > 0 {
		stats.MQLToSQLRate = float64(stats.SQLCount) / float64(stats.MQLCount+stats.SQLCount)
	}

	return stats, nil
}
