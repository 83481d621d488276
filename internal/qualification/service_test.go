package qualification

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/crmstack/services/automation/internal/metrics"
	"example.com/crmstack/services/automation/internal/models"
)

// Mock lead store for testing
type MockLeadStore struct {
	mock.Mock
}

func (m *MockLeadStore) GetByID(ctx context.Context, id uuid.UUID) (*models.PipelineLead, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PipelineLead), args.Error(1)
}

func (m *MockLeadStore) UpdateStage(ctx context.Context, id uuid.UUID, stage string) error {
	args := m.Called(ctx, id, stage)
	return args.Error(0)
}

func (m *MockLeadStore) SetManualOverride(ctx context.Context, id uuid.UUID, stage, reason string) error {
	args := m.Called(ctx, id, stage, reason)
	return args.Error(0)
}

func (m *MockLeadStore) ClearManualOverride(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockLeadStore) StageCounts(ctx context.Context, tenantID uuid.UUID, pipelineID *uuid.UUID) (map[string]int64, error) {
	args := m.Called(ctx, tenantID, pipelineID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int64), args.Error(1)
}

// Mock pipeline store for testing
type MockPipelineStore struct {
	mock.Mock
}

func (m *MockPipelineStore) GetByID(ctx context.Context, tenantID, pipelineID uuid.UUID) (*models.Pipeline, error) {
	args := m.Called(ctx, tenantID, pipelineID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Pipeline), args.Error(1)
}

func (m *MockPipelineStore) SaveQualificationRules(ctx context.Context, tenantID, pipelineID uuid.UUID, rules models.QualificationRules) error {
	args := m.Called(ctx, tenantID, pipelineID, rules)
	return args.Error(0)
}

func funnelRules() models.QualificationRules {
	return models.QualificationRules{
		MQL: []models.QualificationRule{
			{
				ID:   "mql-score",
				Name: "score threshold",
				Conditions: []models.Condition{
					{Field: "score", Operator: models.OpGreaterThan, Value: 50},
				},
				IsActive: true,
			},
		},
		SQL: []models.QualificationRule{
			{
				ID:   "sql-budget",
				Name: "budget confirmed",
				Conditions: []models.Condition{
					{Field: "budget_confirmed", Operator: models.OpEquals, Value: true},
				},
				IsActive: true,
			},
		},
	}
}

func funnelLead(tenantID uuid.UUID, stage string, data models.JSONMap) *models.PipelineLead {
	return &models.PipelineLead{
		ID:             uuid.New(),
		TenantID:       tenantID,
		LifecycleStage: stage,
		CustomData:     data,
		Pipeline:       models.Pipeline{QualificationRules: funnelRules()},
	}
}

func TestEvaluatePromotesLeadToMQL(t *testing.T) {
	tenant := uuid.New()
	leads := new(MockLeadStore)
	lead := funnelLead(tenant, models.StageLead, models.JSONMap{"score": 72})

	leads.On("GetByID", mock.Anything, lead.ID).Return(lead, nil)
	leads.On("UpdateStage", mock.Anything, lead.ID, models.StageMQL).Return(nil)

	svc := NewService(leads, nil, nil, metrics.NewMetrics())
	result, err := svc.Evaluate(context.Background(), tenant, lead.ID, nil)

	require.NoError(t, err)
	require.True(t, result.ShouldUpdate)
	require.Equal(t, models.StageLead, result.PreviousStage)
	require.Equal(t, models.StageMQL, result.NewStage)
	require.Equal(t, "score threshold", result.MatchedRule)
	leads.AssertExpectations(t)
}

func TestEvaluateDoubleHopToSQL(t *testing.T) {
	tenant := uuid.New()
	leads := new(MockLeadStore)
	lead := funnelLead(tenant, models.StageLead, models.JSONMap{"score": 90})

	leads.On("GetByID", mock.Anything, lead.ID).Return(lead, nil)
	leads.On("UpdateStage", mock.Anything, lead.ID, models.StageSQL).Return(nil)

	svc := NewService(leads, nil, nil, metrics.NewMetrics())
	result, err := svc.Evaluate(context.Background(), tenant, lead.ID,
		map[string]interface{}{"budget_confirmed": true})

	require.NoError(t, err)
	require.True(t, result.ShouldUpdate)
	require.Equal(t, models.StageSQL, result.NewStage)
	require.Equal(t, "budget confirmed", result.MatchedRule)
}

func TestEvaluateNoChange(t *testing.T) {
	tenant := uuid.New()
	leads := new(MockLeadStore)
	lead := funnelLead(tenant, models.StageLead, models.JSONMap{"score": 10})

	leads.On("GetByID", mock.Anything, lead.ID).Return(lead, nil)

	svc := NewService(leads, nil, nil, metrics.NewMetrics())
	result, err := svc.Evaluate(context.Background(), tenant, lead.ID, nil)

	require.NoError(t, err)
	require.False(t, result.ShouldUpdate)
	require.Equal(t, models.StageLead, result.NewStage)
	leads.AssertNotCalled(t, "UpdateStage", mock.Anything, mock.Anything, mock.Anything)
}

func TestEvaluateSQLRequiresMQLFirst(t *testing.T) {
	tenant := uuid.New()
	leads := new(MockLeadStore)
	// Budget is confirmed but the score never clears the mql bar, so the
	// lead must stay where it is.
	lead := funnelLead(tenant, models.StageLead, models.JSONMap{"score": 10, "budget_confirmed": true})

	leads.On("GetByID", mock.Anything, lead.ID).Return(lead, nil)

	svc := NewService(leads, nil, nil, metrics.NewMetrics())
	result, err := svc.Evaluate(context.Background(), tenant, lead.ID, nil)

	require.NoError(t, err)
	require.False(t, result.ShouldUpdate)
	require.Equal(t, models.StageLead, result.NewStage)
}

func TestEvaluateSkipsManualOverride(t *testing.T) {
	tenant := uuid.New()
	leads := new(MockLeadStore)
	lead := funnelLead(tenant, models.StageMQL, models.JSONMap{"score": 90, "budget_confirmed": true})
	lead.ManualOverride = true

	leads.On("GetByID", mock.Anything, lead.ID).Return(lead, nil)

	svc := NewService(leads, nil, nil, metrics.NewMetrics())
	result, err := svc.Evaluate(context.Background(), tenant, lead.ID, nil)

	require.NoError(t, err)
	require.True(t, result.Skipped)
	require.Equal(t, "manual override in effect", result.SkipReason)
	require.False(t, result.ShouldUpdate)
	leads.AssertNotCalled(t, "UpdateStage", mock.Anything, mock.Anything, mock.Anything)
}

func TestEvaluateIgnoresInactiveAndEmptyRules(t *testing.T) {
	tenant := uuid.New()
	leads := new(MockLeadStore)
	lead := funnelLead(tenant, models.StageLead, models.JSONMap{"score": 90})
	lead.Pipeline.QualificationRules = models.QualificationRules{
		MQL: []models.QualificationRule{
			{
				ID:   "disabled",
				Name: "disabled rule",
				Conditions: []models.Condition{
					{Field: "score", Operator: models.OpGreaterThan, Value: 50},
				},
				IsActive: false,
			},
			{ID: "empty", Name: "no conditions", IsActive: true},
		},
	}

	leads.On("GetByID", mock.Anything, lead.ID).Return(lead, nil)

	svc := NewService(leads, nil, nil, metrics.NewMetrics())
	result, err := svc.Evaluate(context.Background(), tenant, lead.ID, nil)

	require.NoError(t, err)
	require.False(t, result.ShouldUpdate)
}

func TestEvaluateTenantScoping(t *testing.T) {
	leads := new(MockLeadStore)
	lead := funnelLead(uuid.New(), models.StageLead, nil)

	leads.On("GetByID", mock.Anything, lead.ID).Return(lead, nil)

	svc := NewService(leads, nil, nil, metrics.NewMetrics())
	_, err := svc.Evaluate(context.Background(), uuid.New(), lead.ID, nil)
	require.ErrorIs(t, err, ErrLeadNotFound)
}

func TestManualQualifyRejectsUnknownStage(t *testing.T) {
	svc := NewService(new(MockLeadStore), nil, nil, metrics.NewMetrics())

	_, err := svc.ManualQualify(context.Background(), uuid.New(), uuid.New(), "customer", "closed won")
	require.ErrorIs(t, err, ErrInvalidStage)
}

func TestManualQualifyPinsStage(t *testing.T) {
	tenant := uuid.New()
	leads := new(MockLeadStore)
	lead := funnelLead(tenant, models.StageLead, nil)

	leads.On("GetByID", mock.Anything, lead.ID).Return(lead, nil)
	leads.On("SetManualOverride", mock.Anything, lead.ID, models.StageSQL, "talked to buyer").Return(nil)

	svc := NewService(leads, nil, nil, metrics.NewMetrics())
	_, err := svc.ManualQualify(context.Background(), tenant, lead.ID, models.StageSQL, "talked to buyer")

	require.NoError(t, err)
	leads.AssertExpectations(t)
}

func TestClearOverride(t *testing.T) {
	tenant := uuid.New()
	leads := new(MockLeadStore)
	lead := funnelLead(tenant, models.StageSQL, nil)
	lead.ManualOverride = true

	leads.On("GetByID", mock.Anything, lead.ID).Return(lead, nil)
	leads.On("ClearManualOverride", mock.Anything, lead.ID).Return(nil)

	svc := NewService(leads, nil, nil, metrics.NewMetrics())
	_, err := svc.ClearOverride(context.Background(), tenant, lead.ID)

	require.NoError(t, err)
	leads.AssertExpectations(t)
}

func TestGetStatsRates(t *testing.T) {
	tenant := uuid.New()
	leads := new(MockLeadStore)
	leads.On("StageCounts", mock.Anything, tenant, (*uuid.UUID)(nil)).Return(map[string]int64{
		models.StageLead: 5,
		models.StageMQL:  3,
		models.StageSQL:  2,
	}, nil)

	svc := NewService(leads, nil, nil, metrics.NewMetrics())
	stats, err := svc.GetStats(context.Background(), tenant, nil)

	require.NoError(t, err)
	require.Equal(t, int64(10), stats.TotalLeads)
	require.InDelta(t, 0.5, stats.LeadToMQLRate, 0.0001)
	require.InDelta(t, 0.4, stats.MQLToSQLRate, 0.0001)
	require.InDelta(t, 0.2, stats.OverallConversion, 0.0001)
}

func TestGetStatsEmptyFunnel(t *testing.T) {
	tenant := uuid.New()
	leads := new(MockLeadStore)
	leads.On("StageCounts", mock.Anything, tenant, (*uuid.UUID)(nil)).Return(map[string]int64{}, nil)

	svc := NewService(leads, nil, nil, metrics.NewMetrics())
	stats, err := svc.GetStats(context.Background(), tenant, nil)

	require.NoError(t, err)
	require.Zero(t, stats.TotalLeads)
	require.Zero(t, stats.LeadToMQLRate)
	require.Zero(t, stats.OverallConversion)
}

func TestUpdateRulesValidatesPipeline(t *testing.T) {
	tenant := uuid.New()
	pipelineID := uuid.New()
	pipelines := new(MockPipelineStore)
	rules := funnelRules()

	pipelines.On("GetByID", mock.Anything, tenant, pipelineID).
		Return(&models.Pipeline{ID: pipelineID, TenantID: tenant}, nil)
	pipelines.On("SaveQualificationRules", mock.Anything, tenant, pipelineID, rules).Return(nil)

	svc := NewService(new(MockLeadStore), pipelines, nil, metrics.NewMetrics())
	require.NoError(t, svc.UpdateRules(context.Background(), tenant, pipelineID, rules))
	pipelines.AssertExpectations(t)
}
