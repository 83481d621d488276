package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"example.com/crmstack/services/automation/internal/models"
)

// Notifier delivers in-app notifications.
type Notifier interface {
	Notify(ctx context.Context, tenantID uuid.UUID, userID *uuid.UUID, title, message string) error
}

// TaskCreator creates follow-up tasks.
type TaskCreator interface {
	CreateTask(ctx context.Context, tenantID uuid.UUID, assigneeID *uuid.UUID, title, description, entityType, entityID string) error
}

// EntityStore mutates CRM entities on behalf of actions.
type EntityStore interface {
	UpdateField(ctx context.Context, tenantID uuid.UUID, entityType, entityID, field string, value interface{}) error
	ChangeStage(ctx context.Context, tenantID uuid.UUID, entityType, entityID, toStage string, userID *uuid.UUID) (fromStage string, err error)
}

// WebhookSender posts event payloads to external URLs.
type WebhookSender interface {
	Send(ctx context.Context, url string, payload map[string]interface{}) error
}

// Mailer sends templated email.
type Mailer interface {
	SendMail(ctx context.Context, tenantID uuid.UUID, to, subject, body string) error
}

// NewHandlers wires the standard handler set. Any nil collaborator simply
// leaves its action type unregistered.
func NewHandlers(notifier Notifier, tasks TaskCreator, entities EntityStore, webhooks WebhookSender, mailer Mailer) map[models.ActionType]Handler {
	handlers := make(map[models.ActionType]Handler)
	if notifier != nil {
		handlers[models.ActionNotification] = &notificationHandler{notifier: notifier}
	}
	if tasks != nil {
		handlers[models.ActionTask] = &taskHandler{tasks: tasks}
	}
	if entities != nil {
		handlers[models.ActionUpdateField] = &updateFieldHandler{entities: entities}
		handlers[models.ActionChangeStage] = &changeStageHandler{entities: entities}
	}
	if webhooks != nil {
		handlers[models.ActionWebhook] = &webhookHandler{webhooks: webhooks}
	}
	if mailer != nil {
		handlers[models.ActionEmail] = &emailHandler{mailer: mailer}
	}
	return handlers
}

func paramString(params map[string]interface{}, key string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func paramUUID(params map[string]interface{}, key string) *uuid.UUID {
	s := paramString(params, key)
	if s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}

// neverRetry strips transient classification from best-effort and
// mutation-style actions. Only email and webhook deliveries are retried.
func neverRetry(err error) error {
	var transient *ActionTransientError
	if errors.As(err, &transient) {
		return &ActionTerminalError{Cause: transient.Cause}
	}
	return err
}

// interpolate substitutes {{field}} placeholders with event data values.
func interpolate(template string, event *models.Event) string {
	out := template
	for key, value := range event.Data {
		out = strings.ReplaceAll(out, "{{"+key+"}}", fmt.Sprintf("%v", value))
	}
	return out
}

type notificationHandler struct {
	notifier Notifier
}

func (h *notificationHandler) Execute(ctx context.Context, action models.ActionDefinition, event *models.Event) (string, error) {
	message := interpolate(paramString(action.Parameters, "message"), event)
	if message == "" {
		return "", &ActionTerminalError{Cause: errors.New("notification action requires a message parameter")}
	}
	title := interpolate(paramString(action.Parameters, "title"), event)
	userID := paramUUID(action.Parameters, "user_id")
	if userID == nil {
		userID = event.UserID
	}
	if err := h.notifier.Notify(ctx, event.TenantID, userID, title, message); err != nil {
		return "", neverRetry(err)
	}
	return fmt.Sprintf("notification sent: %s", message), nil
}

func (h *notificationHandler) Simulate(action models.ActionDefinition, event *models.Event) string {
	return fmt.Sprintf("would send notification: %s", interpolate(paramString(action.Parameters, "message"), event))
}

type taskHandler struct {
	tasks TaskCreator
}

func (h *taskHandler) Execute(ctx context.Context, action models.ActionDefinition, event *models.Event) (string, error) {
	title := interpolate(paramString(action.Parameters, "title"), event)
	if title == "" {
		return "", &ActionTerminalError{Cause: errors.New("task action requires a title parameter")}
	}
	description := interpolate(paramString(action.Parameters, "description"), event)
	assignee := paramUUID(action.Parameters, "assignee_id")
	if assignee == nil {
		assignee = event.UserID
	}
	if err := h.tasks.CreateTask(ctx, event.TenantID, assignee, title, description, event.EntityType, event.EntityID); err != nil {
		return "", neverRetry(err)
	}
	return fmt.Sprintf("task created: %s", title), nil
}

func (h *taskHandler) Simulate(action models.ActionDefinition, event *models.Event) string {
	return fmt.Sprintf("would create task: %s", interpolate(paramString(action.Parameters, "title"), event))
}

type updateFieldHandler struct {
	entities EntityStore
}

func (h *updateFieldHandler) Execute(ctx context.Context, action models.ActionDefinition, event *models.Event) (string, error) {
	field := paramString(action.Parameters, "field")
	if field == "" {
		return "", &ActionTerminalError{Cause: errors.New("update_field action requires a field parameter")}
	}
	value := action.Parameters["value"]
	if err := h.entities.UpdateField(ctx, event.TenantID, event.EntityType, event.EntityID, field, value); err != nil {
		return "", neverRetry(err)
	}
	return fmt.Sprintf("field %s set to %v", field, value), nil
}

func (h *updateFieldHandler) Simulate(action models.ActionDefinition, event *models.Event) string {
	return fmt.Sprintf("would set %s %s field %s to %v",
		event.EntityType, event.EntityID, paramString(action.Parameters, "field"), action.Parameters["value"])
}

type changeStageHandler struct {
	entities EntityStore
}

func (h *changeStageHandler) Execute(ctx context.Context, action models.ActionDefinition, event *models.Event) (string, error) {
	toStage := paramString(action.Parameters, "stage")
	if toStage == "" {
		return "", &ActionTerminalError{Cause: errors.New("change_stage action requires a stage parameter")}
	}
	fromStage, err := h.entities.ChangeStage(ctx, event.TenantID, event.EntityType, event.EntityID, toStage, event.UserID)
	if err != nil {
		return "", neverRetry(err)
	}
	return fmt.Sprintf("stage changed from %s to %s", fromStage, toStage), nil
}

func (h *changeStageHandler) Simulate(action models.ActionDefinition, event *models.Event) string {
	return fmt.Sprintf("would move %s %s to stage %s",
		event.EntityType, event.EntityID, paramString(action.Parameters, "stage"))
}

type webhookHandler struct {
	webhooks WebhookSender
}

func (h *webhookHandler) Execute(ctx context.Context, action models.ActionDefinition, event *models.Event) (string, error) {
	url := paramString(action.Parameters, "url")
	if url == "" {
		return "", &ActionTerminalError{Cause: errors.New("webhook action requires a url parameter")}
	}
	payload := map[string]interface{}{
		"event_id":    event.ID.String(),
		"event_type":  event.Type,
		"entity_type": event.EntityType,
		"entity_id":   event.EntityID,
		"tenant_id":   event.TenantID.String(),
		"timestamp":   event.Timestamp,
		"data":        event.Data,
	}
	if err := h.webhooks.Send(ctx, url, payload); err != nil {
		return "", err
	}
	return fmt.Sprintf("webhook delivered to %s", url), nil
}

func (h *webhookHandler) Simulate(action models.ActionDefinition, event *models.Event) string {
	return fmt.Sprintf("would POST event payload to %s", paramString(action.Parameters, "url"))
}

type emailHandler struct {
	mailer Mailer
}

func (h *emailHandler) Execute(ctx context.Context, action models.ActionDefinition, event *models.Event) (string, error) {
	to := interpolate(paramString(action.Parameters, "to"), event)
	if to == "" {
		return "", &ActionTerminalError{Cause: errors.New("email action requires a to parameter")}
	}
	subject := interpolate(paramString(action.Parameters, "subject"), event)
	body := interpolate(paramString(action.Parameters, "body"), event)
	if err := h.mailer.SendMail(ctx, event.TenantID, to, subject, body); err != nil {
		return "", err
	}
	return fmt.Sprintf("email sent to %s", to), nil
}

func (h *emailHandler) Simulate(action models.ActionDefinition, event *models.Event) string {
	return fmt.Sprintf("would email %s: %s",
		interpolate(paramString(action.Parameters, "to"), event),
		interpolate(paramString(action.Parameters, "subject"), event))
}
