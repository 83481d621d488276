package engine

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/crmstack/services/automation/internal/metrics"
	"example.com/crmstack/services/automation/internal/models"
)

// SweepRuleSource lists active rules by trigger type across all tenants.
type SweepRuleSource interface {
	ListActiveByTriggerType(ctx context.Context, triggerType string) ([]models.BusinessRule, error)
}

// EntitySnapshot is one entity's current field values, used when evaluating
// condition-triggered rules outside of any event.
type EntitySnapshot struct {
	EntityID string
	Data     map[string]interface{}
}

// SnapshotSource loads current entity snapshots for condition sweeps.
type SnapshotSource interface {
	Snapshots(ctx context.Context, tenantID uuid.UUID, entityType string) ([]EntitySnapshot, error)
}

// Sweeper periodically runs schedule-triggered rules that are due and
// condition-triggered rules whose predicate currently holds.
type Sweeper struct {
	rules     SweepRuleSource
	snapshots SnapshotSource
	executor  *Executor
	recorder  ExecutionRecorder
	metrics   *metrics.Metrics
	interval  time.Duration
}

// NewSweeper creates a new sweeper. snapshots may be nil, which disables
// condition-triggered sweeps.
func NewSweeper(rules SweepRuleSource, snapshots SnapshotSource, executor *Executor, recorder ExecutionRecorder, collector *metrics.Metrics, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		rules:     rules,
		snapshots: snapshots,
		executor:  executor,
		recorder:  recorder,
		metrics:   collector,
		interval:  interval,
	}
}

// Run schedules the sweep and blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "failed to create scheduler")
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			s.Sweep(ctx)
		}),
	)
	if err != nil {
		return errors.Wrap(err, "failed to schedule sweep job")
	}

	scheduler.Start()
	log.Info().Dur("interval", s.interval).Msg("Rule sweeper started")

	<-ctx.Done()
	if err := scheduler.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("Scheduler shutdown error")
	}
	return nil
}

// Sweep runs one pass over schedule and condition rules.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweepScheduled(ctx)
	s.sweepConditions(ctx)
	s.metrics.IncrementCounter("sweeps_completed")
}

func (s *Sweeper) sweepScheduled(ctx context.Context) {
	rules, err := s.rules.ListActiveByTriggerType(ctx, models.TriggerSchedule)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list scheduled rules")
		return
	}

	now := time.Now()
	for i := range rules {
		rule := &rules[i]
		if !scheduleDue(rule, now) {
			continue
		}
		s.runSynthetic(ctx, rule, rule.Trigger.EntityType, "", map[string]interface{}{
			"triggered_at": now.Format(time.RFC3339),
		})
	}
}

func (s *Sweeper) sweepConditions(ctx context.Context) {
	if s.snapshots == nil {
		return
	}
	rules, err := s.rules.ListActiveByTriggerType(ctx, models.TriggerCondition)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list condition rules")
		return
	}

	for i := range rules {
		rule := &rules[i]
		entityType := rule.Trigger.EntityType
		if entityType == "" {
			continue
		}
		snapshots, err := s.snapshots.Snapshots(ctx, rule.TenantID, entityType)
		if err != nil {
			log.Error().
				Str("rule_id", rule.ID.String()).
				Str("entity_type", entityType).
				Err(err).
				Msg("Failed to load entity snapshots")
			continue
		}
		for _, snapshot := range snapshots {
			if !EvaluateConditions(rule.Conditions, snapshot.Data) {
				continue
			}
			s.runSynthetic(ctx, rule, entityType, snapshot.EntityID, snapshot.Data)
		}
	}
}

// scheduleDue reports whether the rule's interval has elapsed since its last
// execution. A rule that has never run is always due.
func scheduleDue(rule *models.BusinessRule, now time.Time) bool {
	interval, err := time.ParseDuration(rule.Trigger.Schedule)
	if err != nil || interval <= 0 {
		log.Warn().
			Str("rule_id", rule.ID.String()).
			Str("schedule", rule.Trigger.Schedule).
			Msg("Invalid rule schedule, skipping")
		return false
	}
	if rule.Metadata.LastExecuted == nil {
		return true
	}
	return now.Sub(*rule.Metadata.LastExecuted) >= interval
}

func (s *Sweeper) runSynthetic(ctx context.Context, rule *models.BusinessRule, entityType, entityID string, data map[string]interface{}) {
	event := &models.Event{
		ID:         uuid.New(),
		Type:       string(rule.Trigger.Type) + ".sweep",
		EntityType: entityType,
		EntityID:   entityID,
		Data:       data,
		Timestamp:  time.Now(),
		TenantID:   rule.TenantID,
	}

	result := s.executor.ExecuteRule(ctx, rule, event)
	success := result.Status == StatusSucceeded
	s.metrics.RecordRuleExecution(rule.ID.String(), success, result.Duration)
	if err := s.recorder.RecordExecution(ctx, rule.ID, success, result.Duration); err != nil {
		log.Error().
			Str("rule_id", rule.ID.String()).
			Err(err).
			Msg("Failed to record sweep execution")
	}
}
