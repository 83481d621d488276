package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/crmstack/services/automation/internal/models"
)

// Mock handler for testing
type MockHandler struct {
	mock.Mock
}

func (m *MockHandler) Execute(ctx context.Context, action models.ActionDefinition, event *models.Event) (string, error) {
	args := m.Called(ctx, action, event)
	return args.String(0), args.Error(1)
}

func (m *MockHandler) Simulate(action models.ActionDefinition, event *models.Event) string {
	args := m.Called(action, event)
	return args.String(0)
}

// Mock execution store for testing
type MockExecutionStore struct {
	mock.Mock
}

func (m *MockExecutionStore) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	args := m.Called(ctx, idempotencyKey)
	return args.Bool(0), args.Error(1)
}

func (m *MockExecutionStore) Record(ctx context.Context, execution *models.ActionExecution) error {
	args := m.Called(ctx, execution)
	return args.Error(0)
}

func executorFixture(handler Handler, store ExecutionStore, emit EmitFunc) *Executor {
	handlers := map[models.ActionType]Handler{
		models.ActionNotification: handler,
		models.ActionWebhook:      handler,
		models.ActionUpdateField:  handler,
	}
	return NewExecutor(handlers, store, emit, ExecutorOptions{
		Retries:       3,
		RetryBackoff:  time.Millisecond,
		ActionTimeout: time.Second,
	})
}

func fixtureRule(actions ...models.ActionDefinition) *models.BusinessRule {
	return &models.BusinessRule{
		ID:      uuid.New(),
		Name:    "fixture",
		Actions: actions,
	}
}

func fixtureEvent() *models.Event {
	return &models.Event{
		ID:         uuid.New(),
		Type:       "lead.created",
		EntityType: "lead",
		EntityID:   "lead-1",
		TenantID:   uuid.New(),
		Data:       map[string]interface{}{"score": 80},
	}
}

func TestExecuteRuleAllActionsSucceed(t *testing.T) {
	handler := new(MockHandler)
	store := new(MockExecutionStore)

	store.On("Exists", mock.Anything, mock.AnythingOfType("string")).Return(false, nil)
	store.On("Record", mock.Anything, mock.AnythingOfType("*models.ActionExecution")).Return(nil)
	handler.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return("done", nil)

	executor := executorFixture(handler, store, nil)
	rule := fixtureRule(
		models.ActionDefinition{ID: "a1", Type: models.ActionNotification},
		models.ActionDefinition{ID: "a2", Type: models.ActionWebhook},
	)

	result := executor.ExecuteRule(context.Background(), rule, fixtureEvent())

	require.Equal(t, StatusSucceeded, result.Status)
	require.Len(t, result.Actions, 2)
	for _, ar := range result.Actions {
		require.True(t, ar.Success)
		require.Equal(t, 1, ar.Attempts)
	}
	store.AssertNumberOfCalls(t, "Record", 2)
}

func TestExecuteRulePartialFailure(t *testing.T) {
	handler := new(MockHandler)
	store := new(MockExecutionStore)

	store.On("Exists", mock.Anything, mock.AnythingOfType("string")).Return(false, nil)
	store.On("Record", mock.Anything, mock.AnythingOfType("*models.ActionExecution")).Return(nil)

	ok := models.ActionDefinition{ID: "ok", Type: models.ActionNotification}
	bad := models.ActionDefinition{ID: "bad", Type: models.ActionWebhook}
	handler.On("Execute", mock.Anything, ok, mock.Anything).Return("done", nil)
	handler.On("Execute", mock.Anything, bad, mock.Anything).
		Return("", &ActionTerminalError{Cause: errors.New("url rejected")})

	executor := executorFixture(handler, store, nil)
	result := executor.ExecuteRule(context.Background(), fixtureRule(ok, bad), fixtureEvent())

	require.Equal(t, StatusPartial, result.Status)
	require.True(t, result.Actions[0].Success)
	require.False(t, result.Actions[1].Success)
	// The failing action still did not stop the list, and only the
	// successful one was recorded
	store.AssertNumberOfCalls(t, "Record", 1)
}

func TestExecuteRuleAllActionsFail(t *testing.T) {
	handler := new(MockHandler)
	store := new(MockExecutionStore)

	store.On("Exists", mock.Anything, mock.AnythingOfType("string")).Return(false, nil)
	handler.On("Execute", mock.Anything, mock.Anything, mock.Anything).
		Return("", &ActionTerminalError{Cause: errors.New("boom")})

	executor := executorFixture(handler, store, nil)
	rule := fixtureRule(models.ActionDefinition{ID: "a1", Type: models.ActionNotification})

	result := executor.ExecuteRule(context.Background(), rule, fixtureEvent())

	require.Equal(t, StatusFailed, result.Status)
	store.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
}

func TestExecuteRuleRetriesTransientFailures(t *testing.T) {
	handler := new(MockHandler)
	store := new(MockExecutionStore)

	store.On("Exists", mock.Anything, mock.AnythingOfType("string")).Return(false, nil)
	store.On("Record", mock.Anything, mock.AnythingOfType("*models.ActionExecution")).Return(nil)

	transient := &ActionTransientError{Cause: errors.New("503")}
	handler.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return("", transient).Twice()
	handler.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return("delivered", nil).Once()

	executor := executorFixture(handler, store, nil)
	rule := fixtureRule(models.ActionDefinition{ID: "a1", Type: models.ActionWebhook})

	result := executor.ExecuteRule(context.Background(), rule, fixtureEvent())

	require.Equal(t, StatusSucceeded, result.Status)
	require.Equal(t, 3, result.Actions[0].Attempts)
	handler.AssertNumberOfCalls(t, "Execute", 3)
}

func TestExecuteRuleTransientFailureExhaustsRetries(t *testing.T) {
	handler := new(MockHandler)
	store := new(MockExecutionStore)

	store.On("Exists", mock.Anything, mock.AnythingOfType("string")).Return(false, nil)
	handler.On("Execute", mock.Anything, mock.Anything, mock.Anything).
		Return("", &ActionTransientError{Cause: errors.New("timeout")})

	executor := executorFixture(handler, store, nil)
	rule := fixtureRule(models.ActionDefinition{ID: "a1", Type: models.ActionWebhook})

	result := executor.ExecuteRule(context.Background(), rule, fixtureEvent())

	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, 3, result.Actions[0].Attempts)
	handler.AssertNumberOfCalls(t, "Execute", 3)
}

func TestExecuteRuleTerminalFailureDoesNotRetry(t *testing.T) {
	handler := new(MockHandler)
	store := new(MockExecutionStore)

	store.On("Exists", mock.Anything, mock.AnythingOfType("string")).Return(false, nil)
	handler.On("Execute", mock.Anything, mock.Anything, mock.Anything).
		Return("", &ActionTerminalError{Cause: errors.New("400 bad request")})

	executor := executorFixture(handler, store, nil)
	rule := fixtureRule(models.ActionDefinition{ID: "a1", Type: models.ActionWebhook})

	result := executor.ExecuteRule(context.Background(), rule, fixtureEvent())

	require.Equal(t, StatusFailed, result.Status)
	handler.AssertNumberOfCalls(t, "Execute", 1)
}

func TestExecuteRuleSkipsAlreadyExecutedActions(t *testing.T) {
	handler := new(MockHandler)
	store := new(MockExecutionStore)

	store.On("Exists", mock.Anything, mock.AnythingOfType("string")).Return(true, nil)

	executor := executorFixture(handler, store, nil)
	rule := fixtureRule(models.ActionDefinition{ID: "a1", Type: models.ActionNotification})

	result := executor.ExecuteRule(context.Background(), rule, fixtureEvent())

	require.Equal(t, StatusSucceeded, result.Status)
	require.True(t, result.Actions[0].Skipped)
	handler.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecuteRuleChainsFollowUpEvent(t *testing.T) {
	handler := new(MockHandler)
	store := new(MockExecutionStore)

	store.On("Exists", mock.Anything, mock.AnythingOfType("string")).Return(false, nil)
	store.On("Record", mock.Anything, mock.AnythingOfType("*models.ActionExecution")).Return(nil)
	handler.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return("field status set to hot", nil)

	var emitted []EmitParams
	emit := func(ctx context.Context, params EmitParams) (uuid.UUID, error) {
		emitted = append(emitted, params)
		return uuid.New(), nil
	}

	executor := executorFixture(handler, store, emit)
	event := fixtureEvent()
	event.Depth = 2
	rule := fixtureRule(models.ActionDefinition{
		ID:         "a1",
		Type:       models.ActionUpdateField,
		Parameters: map[string]interface{}{"field": "status", "value": "hot"},
	})

	result := executor.ExecuteRule(context.Background(), rule, event)

	require.Equal(t, StatusSucceeded, result.Status)
	require.Len(t, emitted, 1)
	require.Equal(t, "lead.updated", emitted[0].Type)
	require.Equal(t, event.EntityID, emitted[0].EntityID)
	require.Equal(t, 3, emitted[0].Depth)
}

func TestChainedEventKeepsProvenanceMarkers(t *testing.T) {
	handler := new(MockHandler)
	store := new(MockExecutionStore)

	store.On("Exists", mock.Anything, mock.AnythingOfType("string")).Return(false, nil)
	store.On("Record", mock.Anything, mock.AnythingOfType("*models.ActionExecution")).Return(nil)
	handler.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return("field status set to hot", nil)

	var emitted []EmitParams
	emit := func(ctx context.Context, params EmitParams) (uuid.UUID, error) {
		emitted = append(emitted, params)
		return uuid.New(), nil
	}

	executor := executorFixture(handler, store, emit)
	event := fixtureEvent()
	event.Data["source"] = "csv-import"
	event.Data["detail"] = "imported row 42"
	rule := fixtureRule(models.ActionDefinition{
		ID:         "a1",
		Type:       models.ActionUpdateField,
		Parameters: map[string]interface{}{"field": "status", "value": "hot"},
	})

	executor.ExecuteRule(context.Background(), rule, event)

	require.Len(t, emitted, 1)
	require.Equal(t, "automation", emitted[0].Data["source"])
	require.Equal(t, "field status set to hot", emitted[0].Data["detail"])
	require.Equal(t, 80, emitted[0].Data["score"])
}

func TestIdempotencyKeyIsStable(t *testing.T) {
	ruleID := uuid.New()
	eventID := uuid.New()

	key1 := IdempotencyKey(ruleID, eventID, "a1")
	key2 := IdempotencyKey(ruleID, eventID, "a1")
	require.Equal(t, key1, key2)

	require.NotEqual(t, key1, IdempotencyKey(ruleID, eventID, "a2"))
	require.NotEqual(t, key1, IdempotencyKey(ruleID, uuid.New(), "a1"))
	require.NotEqual(t, key1, IdempotencyKey(uuid.New(), eventID, "a1"))
}

func TestExecuteRuleUnknownActionType(t *testing.T) {
	store := new(MockExecutionStore)
	store.On("Exists", mock.Anything, mock.AnythingOfType("string")).Return(false, nil)

	executor := NewExecutor(map[models.ActionType]Handler{}, store, nil, ExecutorOptions{})
	rule := fixtureRule(models.ActionDefinition{ID: "a1", Type: "teleport"})

	result := executor.ExecuteRule(context.Background(), rule, fixtureEvent())

	require.Equal(t, StatusFailed, result.Status)
	require.Contains(t, result.Actions[0].Error, "no handler registered")
}
