package crm

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/crmstack/services/automation/internal/engine"
	"example.com/crmstack/services/automation/internal/models"
)

// entityTables maps action entity types onto their backing tables. Actions
// against any other entity type fail terminally.
var entityTables = map[string]string{
	"lead":    "leads",
	"contact": "contacts",
	"deal":    "deals",
	"company": "companies",
	"task":    "tasks",
}

// Store applies automation side effects directly to the CRM's tables.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new store
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Notify inserts a pending notification row.
func (s *Store) Notify(ctx context.Context, tenantID uuid.UUID, userID *uuid.UUID, title, message string) error {
	notification := &models.Notification{
		ID:       uuid.New(),
		TenantID: tenantID,
		UserID:   userID,
		Title:    title,
		Message:  message,
		Channel:  "system",
		Status:   "pending",
	}
	if err := s.db.WithContext(ctx).Create(notification).Error; err != nil {
		return errors.Wrap(err, "failed to create notification")
	}
	return nil
}

// CreateTask inserts a CRM task.
func (s *Store) CreateTask(ctx context.Context, tenantID uuid.UUID, assigneeID *uuid.UUID, title, description, entityType, entityID string) error {
	task := &models.Task{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Title:       title,
		Description: description,
		AssigneeID:  assigneeID,
		Priority:    "medium",
		EntityType:  entityType,
		EntityID:    entityID,
		Status:      "pending",
		CreatedBy:   "automation",
	}
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return errors.Wrap(err, "failed to create task")
	}
	return nil
}

// UpdateField sets one column on the target entity. Unknown entity types,
// missing rows, and bad columns are terminal; the retry loop cannot fix them.
func (s *Store) UpdateField(ctx context.Context, tenantID uuid.UUID, entityType, entityID, field string, value interface{}) error {
	table, ok := entityTables[entityType]
	if !ok {
		return &engine.ActionTerminalError{Cause: errors.Errorf("unsupported entity type %q", entityType)}
	}

	result := s.db.WithContext(ctx).
		Table(table).
		Where("id = ? AND tenant_id = ?", entityID, tenantID).
		Update(field, value)
	if result.Error != nil {
		return &engine.ActionTerminalError{Cause: errors.Wrapf(result.Error, "failed to update %s.%s", table, field)}
	}
	if result.RowsAffected == 0 {
		return &engine.ActionTerminalError{Cause: errors.Errorf("%s %s not found", entityType, entityID)}
	}
	return nil
}

// ChangeStage moves the entity to toStage and writes a stage change audit
// row. Returns the previous stage.
func (s *Store) ChangeStage(ctx context.Context, tenantID uuid.UUID, entityType, entityID, toStage string, userID *uuid.UUID) (string, error) {
	table, ok := entityTables[entityType]
	if !ok {
		return "", &engine.ActionTerminalError{Cause: errors.Errorf("unsupported entity type %q", entityType)}
	}

	var fromStage string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := struct{ Stage string }{}
		if err := tx.Table(table).
			Select("stage").
			Where("id = ? AND tenant_id = ?", entityID, tenantID).
			Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &engine.ActionTerminalError{Cause: errors.Errorf("%s %s not found", entityType, entityID)}
			}
			return errors.Wrap(err, "failed to read current stage")
		}
		fromStage = row.Stage

		if err := tx.Table(table).
			Where("id = ? AND tenant_id = ?", entityID, tenantID).
			Update("stage", toStage).Error; err != nil {
			return errors.Wrap(err, "failed to update stage")
		}

		changedBy := "automation"
		if userID != nil {
			changedBy = userID.String()
		}
		change := &models.StageChange{
			ID:         uuid.New(),
			TenantID:   tenantID,
			EntityType: entityType,
			EntityID:   entityID,
			FromStage:  fromStage,
			ToStage:    toStage,
			ChangedBy:  changedBy,
		}
		return errors.Wrap(tx.Create(change).Error, "failed to record stage change")
	})
	if err != nil {
		// Stage moves are never retried; a conflicting concurrent write
		// should not be repeated blindly.
		return "", err
	}
	return fromStage, nil
}

// Snapshots loads current field values for every entity of the given type,
// used by the condition rule sweep.
func (s *Store) Snapshots(ctx context.Context, tenantID uuid.UUID, entityType string) ([]engine.EntitySnapshot, error) {
	table, ok := entityTables[entityType]
	if !ok {
		return nil, errors.Errorf("unsupported entity type %q", entityType)
	}

	var rows []map[string]interface{}
	if err := s.db.WithContext(ctx).
		Table(table).
		Where("tenant_id = ?", tenantID).
		Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to load %s snapshots", table)
	}

	snapshots := make([]engine.EntitySnapshot, 0, len(rows))
	for _, row := range rows {
		id := ""
		if v, ok := row["id"]; ok {
			id = fmt.Sprintf("%v", v)
		}
		snapshots = append(snapshots, engine.EntitySnapshot{EntityID: id, Data: row})
	}
	return snapshots, nil
}
