package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/crmstack/services/automation/internal/models"
)

// RuleRepository provides access to business rules
type RuleRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *gorm.DB, readOnlyDB *gorm.DB) *RuleRepository {
	return &RuleRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create creates a new business rule
func (r *RuleRepository) Create(ctx context.Context, rule *models.BusinessRule) error {
	// Use write DB for writes
	return r.db.WithContext(ctx).Create(rule).Error
}

// Update updates an existing business rule
func (r *RuleRepository) Update(ctx context.Context, rule *models.BusinessRule) error {
	result := r.db.WithContext(ctx).
		Model(&models.BusinessRule{}).
		Where("id = ? AND tenant_id = ?", rule.ID, rule.TenantID).
		Updates(map[string]interface{}{
			"name":        rule.Name,
			"description": rule.Description,
			"trigger":     rule.Trigger,
			"conditions":  rule.Conditions,
			"actions":     rule.Actions,
			"priority":    rule.Priority,
			"is_active":   rule.IsActive,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update rule")
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Delete soft-deletes a business rule
func (r *RuleRepository) Delete(ctx context.Context, tenantID, ruleID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", ruleID, tenantID).
		Delete(&models.BusinessRule{})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to delete rule")
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// GetByID gets a business rule by ID
func (r *RuleRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.BusinessRule, error) {
	var rule models.BusinessRule
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).First(&rule, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rule by ID")
	}
	return &rule, nil
}

// ListByTenant lists all rules for a tenant
func (r *RuleRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.BusinessRule, error) {
	var rules []models.BusinessRule
	err := r.readOnlyDB.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("priority asc, created_at asc").
		Find(&rules).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list rules by tenant")
	}
	return rules, nil
}

// ListActiveEventRules lists a tenant's active rules triggered by the given
// event type
func (r *RuleRepository) ListActiveEventRules(ctx context.Context, tenantID uuid.UUID, eventType string) ([]models.BusinessRule, error) {
	var rules []models.BusinessRule
	err := r.readOnlyDB.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ? AND trigger ->> 'type' = ? AND trigger ->> 'event' = ?",
			tenantID, true, models.TriggerEvent, eventType).
		Order("priority asc, created_at asc").
		Find(&rules).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active event rules")
	}
	return rules, nil
}

// ListActiveByTriggerType lists active rules with the given trigger type
// across all tenants (used by the periodic sweep)
func (r *RuleRepository) ListActiveByTriggerType(ctx context.Context, triggerType string) ([]models.BusinessRule, error) {
	var rules []models.BusinessRule
	err := r.readOnlyDB.WithContext(ctx).
		Where("is_active = ? AND trigger ->> 'type' = ?", true, triggerType).
		Order("priority asc, created_at asc").
		Find(&rules).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list rules by trigger type")
	}
	return rules, nil
}

// RecordExecution folds one completed execution into a rule's metadata. The
// running mean is updated incrementally so metadata never needs the history.
func (r *RuleRepository) RecordExecution(ctx context.Context, ruleID uuid.UUID, success bool, duration time.Duration) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rule models.BusinessRule
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rule, "id = ?", ruleID).Error; err != nil {
			return errors.Wrap(err, "failed to load rule for metadata update")
		}

		meta := rule.Metadata
		meta.ExecutionCount++
		if success {
			meta.SuccessCount++
		} else {
			meta.FailureCount++
		}
		now := time.Now()
		meta.LastExecuted = &now
		ms := float64(duration.Milliseconds())
		meta.AverageExecutionTime += (ms - meta.AverageExecutionTime) / float64(meta.ExecutionCount)

		return tx.Model(&models.BusinessRule{}).
			Where("id = ?", ruleID).
			Update("metadata", meta).Error
	})
}

// EventDefinitionRepository provides access to event definitions
type EventDefinitionRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewEventDefinitionRepository creates a new repository
func NewEventDefinitionRepository(db *gorm.DB, readOnlyDB *gorm.DB) *EventDefinitionRepository {
	return &EventDefinitionRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByType gets an event definition by its type key
func (r *EventDefinitionRepository) GetByType(ctx context.Context, eventType string) (*models.EventDefinition, error) {
	var def models.EventDefinition
	err := r.readOnlyDB.WithContext(ctx).Where("type = ?", eventType).First(&def).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get event definition by type")
	}
	return &def, nil
}

// ListActive lists all active event definitions
func (r *EventDefinitionRepository) ListActive(ctx context.Context) ([]models.EventDefinition, error) {
	var defs []models.EventDefinition
	err := r.readOnlyDB.WithContext(ctx).Where("is_active = ?", true).Order("type asc").Find(&defs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active event definitions")
	}
	return defs, nil
}

// SeedDefaults inserts the built-in definitions when the table is empty
func (r *EventDefinitionRepository) SeedDefaults(ctx context.Context) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.EventDefinition{}).Count(&count).Error; err != nil {
		return errors.Wrap(err, "failed to count event definitions")
	}
	if count > 0 {
		return nil
	}
	defs := models.DefaultEventDefinitions()
	if err := r.db.WithContext(ctx).Create(&defs).Error; err != nil {
		return errors.Wrap(err, "failed to seed default event definitions")
	}
	return nil
}

// EventLogRepository provides access to the event audit log
type EventLogRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewEventLogRepository creates a new repository
func NewEventLogRepository(db *gorm.DB, readOnlyDB *gorm.DB) *EventLogRepository {
	return &EventLogRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create inserts a new event log entry
func (r *EventLogRepository) Create(ctx context.Context, entry *models.EventLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// MarkProcessed finalizes an event log entry after processing. Write-once: an
// already-processed entry is left untouched.
func (r *EventLogRepository) MarkProcessed(ctx context.Context, eventID uuid.UUID, processingTime time.Duration, procErr *string) error {
	ms := processingTime.Milliseconds()
	result := r.db.WithContext(ctx).
		Model(&models.EventLog{}).
		Where("event_id = ? AND processed = ?", eventID, false).
		Updates(map[string]interface{}{
			"processed":          true,
			"processing_time_ms": ms,
			"error":              procErr,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark event log processed")
	}
	if result.RowsAffected == 0 {
		return errors.New("no event log entry updated")
	}
	return nil
}

// EventLogFilter narrows event log queries
type EventLogFilter struct {
	TenantID   *uuid.UUID
	EventType  string
	EntityType string
	EntityID   string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// List returns filtered event log entries, newest first, with the total count
func (r *EventLogRepository) List(ctx context.Context, filter EventLogFilter) ([]models.EventLog, int64, error) {
	query := r.readOnlyDB.WithContext(ctx).Model(&models.EventLog{})

	if filter.TenantID != nil {
		query = query.Where("tenant_id = ?", *filter.TenantID)
	}
	if filter.EventType != "" {
		query = query.Where("type = ?", filter.EventType)
	}
	if filter.EntityType != "" {
		query = query.Where("entity_type = ?", filter.EntityType)
	}
	if filter.EntityID != "" {
		query = query.Where("entity_id = ?", filter.EntityID)
	}
	if filter.Since != nil {
		query = query.Where("timestamp >= ?", *filter.Since)
	}
	if filter.Until != nil {
		query = query.Where("timestamp <= ?", *filter.Until)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "failed to count event log entries")
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var entries []models.EventLog
	err := query.Order("timestamp desc").Limit(limit).Offset(filter.Offset).Find(&entries).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list event log entries")
	}
	return entries, total, nil
}

// ActionExecutionRepository records executed actions for idempotency tracking
type ActionExecutionRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewActionExecutionRepository creates a new repository
func NewActionExecutionRepository(db *gorm.DB, readOnlyDB *gorm.DB) *ActionExecutionRepository {
	return &ActionExecutionRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Exists reports whether an idempotency key has already been recorded
func (r *ActionExecutionRepository) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int64
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.ActionExecution{}).
		Where("idempotency_key = ?", idempotencyKey).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "failed to check action execution")
	}
	return count > 0, nil
}

// Record inserts an executed action record
func (r *ActionExecutionRepository) Record(ctx context.Context, execution *models.ActionExecution) error {
	return r.db.WithContext(ctx).Create(execution).Error
}

// PipelineRepository provides access to pipelines and their qualification rules
type PipelineRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewPipelineRepository creates a new repository
func NewPipelineRepository(db *gorm.DB, readOnlyDB *gorm.DB) *PipelineRepository {
	return &PipelineRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets a pipeline scoped to a tenant
func (r *PipelineRepository) GetByID(ctx context.Context, tenantID, pipelineID uuid.UUID) (*models.Pipeline, error) {
	var pipeline models.Pipeline
	err := r.readOnlyDB.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", pipelineID, tenantID).
		First(&pipeline).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get pipeline by ID")
	}
	return &pipeline, nil
}

// SaveQualificationRules replaces a pipeline's qualification rule sets
func (r *PipelineRepository) SaveQualificationRules(ctx context.Context, tenantID, pipelineID uuid.UUID, rules models.QualificationRules) error {
	result := r.db.WithContext(ctx).
		Model(&models.Pipeline{}).
		Where("id = ? AND tenant_id = ?", pipelineID, tenantID).
		Update("qualification_rules", rules)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to save qualification rules")
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// PipelineLeadRepository provides access to pipeline leads
type PipelineLeadRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewPipelineLeadRepository creates a new repository
func NewPipelineLeadRepository(db *gorm.DB, readOnlyDB *gorm.DB) *PipelineLeadRepository {
	return &PipelineLeadRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets a pipeline lead with its pipeline preloaded
func (r *PipelineLeadRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.PipelineLead, error) {
	var lead models.PipelineLead
	err := r.readOnlyDB.WithContext(ctx).
		Preload("Pipeline").
		First(&lead, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get pipeline lead by ID")
	}
	return &lead, nil
}

// UpdateStage sets a lead's lifecycle stage
func (r *PipelineLeadRepository) UpdateStage(ctx context.Context, id uuid.UUID, stage string) error {
	result := r.db.WithContext(ctx).
		Model(&models.PipelineLead{}).
		Where("id = ?", id).
		Update("lifecycle_stage", stage)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update lifecycle stage")
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetManualOverride pins a lead to a stage with an audit reason
func (r *PipelineLeadRepository) SetManualOverride(ctx context.Context, id uuid.UUID, stage, reason string) error {
	result := r.db.WithContext(ctx).
		Model(&models.PipelineLead{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"lifecycle_stage": stage,
			"manual_override": true,
			"override_reason": reason,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to set manual override")
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ClearManualOverride unpins a lead so automatic evaluation applies again
func (r *PipelineLeadRepository) ClearManualOverride(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.PipelineLead{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"manual_override": false,
			"override_reason": nil,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to clear manual override")
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// StageCounts returns lead counts per lifecycle stage for a tenant, optionally
// narrowed to one pipeline
func (r *PipelineLeadRepository) StageCounts(ctx context.Context, tenantID uuid.UUID, pipelineID *uuid.UUID) (map[string]int64, error) {
	type row struct {
		LifecycleStage string
		Count          int64
	}
	query := r.readOnlyDB.WithContext(ctx).
		Model(&models.PipelineLead{}).
		Select("lifecycle_stage, count(*) as count").
		Where("tenant_id = ?", tenantID).
		Group("lifecycle_stage")
	if pipelineID != nil {
		query = query.Where("pipeline_id = ?", *pipelineID)
	}

	var rows []row
	if err := query.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to count leads by stage")
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.LifecycleStage] = r.Count
	}
	return counts, nil
}
