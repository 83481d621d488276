package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"example.com/crmstack/services/automation/internal/metrics"
	"example.com/crmstack/services/automation/internal/models"
)

// Mock event log writer for testing
type MockLogWriter struct {
	mock.Mock
}

func (m *MockLogWriter) Create(ctx context.Context, entry *models.EventLog) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockLogWriter) MarkProcessed(ctx context.Context, eventID uuid.UUID, processingTime time.Duration, procErr *string) error {
	args := m.Called(ctx, eventID, processingTime, procErr)
	return args.Error(0)
}

func leadCreatedDefinition() *models.EventDefinition {
	return &models.EventDefinition{
		ID:         uuid.New(),
		Type:       "lead.created",
		EntityType: "lead",
		IsActive:   true,
		Schema: models.EventSchema{
			"email": models.FieldSpec{Type: "string", Required: true},
			"score": models.FieldSpec{Type: "number"},
		},
	}
}

func emitterFixture(t *testing.T, capacity int) (*Emitter, *MockDefinitionSource, *MockLogWriter, *Queue) {
	t.Helper()
	definitions := new(MockDefinitionSource)
	logs := new(MockLogWriter)
	queue := NewQueue(capacity)
	return NewEmitter(definitions, logs, queue, 5, metrics.NewMetrics()), definitions, logs, queue
}

func validParams(tenantID uuid.UUID) EmitParams {
	return EmitParams{
		Type:       "lead.created",
		EntityType: "lead",
		EntityID:   "lead-1",
		Data:       map[string]interface{}{"email": "a@b.co", "score": 40},
		TenantID:   tenantID,
	}
}

func TestEmitAcceptsValidEvent(t *testing.T) {
	emitter, definitions, logs, queue := emitterFixture(t, 10)
	tenant := uuid.New()

	definitions.On("GetByType", mock.Anything, "lead.created").Return(leadCreatedDefinition(), nil)
	logs.On("Create", mock.Anything, mock.Anything).Return(nil)

	id, err := emitter.Emit(context.Background(), validParams(tenant))

	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)
	require.Equal(t, 1, queue.Depth())
	logs.AssertExpectations(t)
}

func TestEmitRequiresTenantAndEntity(t *testing.T) {
	emitter, _, _, _ := emitterFixture(t, 10)

	params := validParams(uuid.Nil)
	_, err := emitter.Emit(context.Background(), params)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	params = validParams(uuid.New())
	params.EntityID = ""
	_, err = emitter.Emit(context.Background(), params)
	require.ErrorAs(t, err, &verr)
}

func TestEmitRejectsUnknownEventType(t *testing.T) {
	emitter, definitions, _, queue := emitterFixture(t, 10)

	definitions.On("GetByType", mock.Anything, "lead.created").Return(nil, gorm.ErrRecordNotFound)

	_, err := emitter.Emit(context.Background(), validParams(uuid.New()))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Zero(t, queue.Depth())
}

func TestEmitRejectsInactiveDefinition(t *testing.T) {
	emitter, definitions, _, _ := emitterFixture(t, 10)

	def := leadCreatedDefinition()
	def.IsActive = false
	definitions.On("GetByType", mock.Anything, "lead.created").Return(def, nil)

	_, err := emitter.Emit(context.Background(), validParams(uuid.New()))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestEmitRejectsEntityTypeMismatch(t *testing.T) {
	emitter, definitions, _, _ := emitterFixture(t, 10)

	definitions.On("GetByType", mock.Anything, "lead.created").Return(leadCreatedDefinition(), nil)

	params := validParams(uuid.New())
	params.EntityType = "deal"
	_, err := emitter.Emit(context.Background(), params)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestEmitRejectsMissingRequiredField(t *testing.T) {
	emitter, definitions, _, _ := emitterFixture(t, 10)

	definitions.On("GetByType", mock.Anything, "lead.created").Return(leadCreatedDefinition(), nil)

	params := validParams(uuid.New())
	params.Data = map[string]interface{}{"score": 40}
	_, err := emitter.Emit(context.Background(), params)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Reason, "email")
}

func TestEmitEnforcesRecursionLimit(t *testing.T) {
	emitter, definitions, _, queue := emitterFixture(t, 10)

	definitions.On("GetByType", mock.Anything, "lead.created").Return(leadCreatedDefinition(), nil)

	params := validParams(uuid.New())
	params.Depth = 6
	_, err := emitter.Emit(context.Background(), params)

	var rerr *RecursionLimitError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, 6, rerr.Depth)
	require.Zero(t, queue.Depth())
}

func TestEmitAtMaxDepthStillAccepted(t *testing.T) {
	emitter, definitions, logs, queue := emitterFixture(t, 10)

	definitions.On("GetByType", mock.Anything, "lead.created").Return(leadCreatedDefinition(), nil)
	logs.On("Create", mock.Anything, mock.Anything).Return(nil)

	params := validParams(uuid.New())
	params.Depth = 5
	_, err := emitter.Emit(context.Background(), params)

	require.NoError(t, err)
	require.Equal(t, 1, queue.Depth())
}

func TestEmitSurfacesQueueOverflow(t *testing.T) {
	emitter, definitions, logs, _ := emitterFixture(t, 1)
	tenant := uuid.New()

	definitions.On("GetByType", mock.Anything, "lead.created").Return(leadCreatedDefinition(), nil)
	logs.On("Create", mock.Anything, mock.Anything).Return(nil)
	logs.On("MarkProcessed", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	_, err := emitter.Emit(context.Background(), validParams(tenant))
	require.NoError(t, err)

	_, err = emitter.Emit(context.Background(), validParams(tenant))
	var oerr *QueueOverflowError
	require.ErrorAs(t, err, &oerr)

	// The rejected event's log entry must not be left open
	logs.AssertCalled(t, "MarkProcessed", mock.Anything, mock.Anything, mock.Anything,
		mock.MatchedBy(func(reason *string) bool {
			return reason != nil && *reason == err.Error()
		}))
}

func TestPurgeDropsTenantBacklog(t *testing.T) {
	emitter, definitions, logs, queue := emitterFixture(t, 10)
	tenant := uuid.New()

	definitions.On("GetByType", mock.Anything, "lead.created").Return(leadCreatedDefinition(), nil)
	logs.On("Create", mock.Anything, mock.Anything).Return(nil)

	for i := 0; i < 3; i++ {
		_, err := emitter.Emit(context.Background(), validParams(tenant))
		require.NoError(t, err)
	}

	require.Equal(t, 3, emitter.Purge(tenant))
	require.Zero(t, queue.Depth())
}
