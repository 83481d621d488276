package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/crmstack/services/automation/internal/metrics"
	"example.com/crmstack/services/automation/internal/models"
	"example.com/crmstack/services/automation/internal/tracing"
)

// Mock execution recorder for testing
type MockExecutionRecorder struct {
	mock.Mock
}

func (m *MockExecutionRecorder) RecordExecution(ctx context.Context, ruleID uuid.UUID, success bool, duration time.Duration) error {
	args := m.Called(ctx, ruleID, success, duration)
	return args.Error(0)
}

// Mock log finisher for testing
type MockLogFinisher struct {
	mock.Mock
}

func (m *MockLogFinisher) MarkProcessed(ctx context.Context, eventID uuid.UUID, processingTime time.Duration, procErr *string) error {
	args := m.Called(ctx, eventID, processingTime, procErr)
	return args.Error(0)
}

type workerFixture struct {
	queue     *Queue
	worker    *Worker
	source    *MockRuleSource
	handler   *MockHandler
	recorder  *MockExecutionRecorder
	logs      *MockLogFinisher
	collector *metrics.Metrics
	processed chan uuid.UUID
}

func newWorkerFixture(t *testing.T, poolSize int) *workerFixture {
	t.Helper()

	f := &workerFixture{
		queue:     NewQueue(100),
		source:    new(MockRuleSource),
		handler:   new(MockHandler),
		recorder:  new(MockExecutionRecorder),
		logs:      new(MockLogFinisher),
		collector: metrics.NewMetrics(),
		processed: make(chan uuid.UUID, 100),
	}

	store := new(MockExecutionStore)
	store.On("Exists", mock.Anything, mock.AnythingOfType("string")).Return(false, nil)
	store.On("Record", mock.Anything, mock.AnythingOfType("*models.ActionExecution")).Return(nil)

	executor := NewExecutor(map[models.ActionType]Handler{
		models.ActionNotification: f.handler,
		models.ActionWebhook:      f.handler,
	}, store, nil, ExecutorOptions{Retries: 1, RetryBackoff: time.Millisecond, ActionTimeout: time.Second})

	f.logs.On("MarkProcessed", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			f.processed <- args.Get(1).(uuid.UUID)
		}).
		Return(nil)

	f.worker = NewWorker(f.queue, NewMatcher(f.source, nil), executor, f.recorder, f.logs, nil,
		f.collector, &tracing.NewRelicTracer{}, poolSize)
	return f
}

// run starts the worker pool and returns a stop func that blocks until every
// goroutine has exited.
func (f *workerFixture) run(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.worker.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("worker pool did not stop")
		}
	}
}

func (f *workerFixture) waitProcessed(t *testing.T, eventID uuid.UUID) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case id := <-f.processed:
			if id == eventID {
				return
			}
		case <-deadline:
			t.Fatalf("event %s was not processed", eventID)
		}
	}
}

func workerEvent(tenantID uuid.UUID) *models.Event {
	return &models.Event{
		ID:         uuid.New(),
		Type:       "lead.created",
		EntityType: "lead",
		EntityID:   "lead-1",
		TenantID:   tenantID,
		Data:       map[string]interface{}{"score": 80},
		Timestamp:  time.Now(),
	}
}

func TestWorkerProcessesEnqueuedEvent(t *testing.T) {
	tenant := uuid.New()
	f := newWorkerFixture(t, 2)

	rule := matcherRule("notify on new lead", 1, time.Now())
	rule.Actions = models.ActionList{{ID: "a1", Type: models.ActionNotification}}
	f.source.On("ListActiveEventRules", mock.Anything, tenant, "lead.created").
		Return([]models.BusinessRule{rule}, nil)
	f.handler.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return("done", nil)
	f.recorder.On("RecordExecution", mock.Anything, rule.ID, true, mock.Anything).Return(nil)

	event := workerEvent(tenant)
	require.NoError(t, f.queue.Enqueue(event))

	stop := f.run(t)
	f.waitProcessed(t, event.ID)
	stop()

	f.handler.AssertNumberOfCalls(t, "Execute", 1)
	f.recorder.AssertExpectations(t)
	f.logs.AssertCalled(t, "MarkProcessed", mock.Anything, event.ID, mock.Anything, (*string)(nil))
}

func TestWorkerRecordsPartialAsFailure(t *testing.T) {
	tenant := uuid.New()
	f := newWorkerFixture(t, 1)

	rule := matcherRule("notify and post", 1, time.Now())
	rule.Actions = models.ActionList{
		{ID: "ok", Type: models.ActionNotification},
		{ID: "bad", Type: models.ActionWebhook},
	}
	f.source.On("ListActiveEventRules", mock.Anything, tenant, "lead.created").
		Return([]models.BusinessRule{rule}, nil)
	f.handler.On("Execute", mock.Anything, rule.Actions[0], mock.Anything).Return("done", nil)
	f.handler.On("Execute", mock.Anything, rule.Actions[1], mock.Anything).
		Return("", &ActionTerminalError{Cause: errors.New("url rejected")})
	f.recorder.On("RecordExecution", mock.Anything, rule.ID, false, mock.Anything).Return(nil)

	event := workerEvent(tenant)
	require.NoError(t, f.queue.Enqueue(event))

	stop := f.run(t)
	f.waitProcessed(t, event.ID)
	stop()

	f.recorder.AssertExpectations(t)

	stats := f.collector.GetRuleStats()[rule.ID.String()]
	require.Equal(t, int64(1), stats.ExecutionCount)
	require.Equal(t, int64(1), stats.FailureCount)
}

func TestWorkerKeepsPerTenantOrder(t *testing.T) {
	tenant := uuid.New()
	f := newWorkerFixture(t, 4)

	f.source.On("ListActiveEventRules", mock.Anything, tenant, "lead.created").
		Return([]models.BusinessRule{}, nil)

	events := make([]*models.Event, 5)
	for i := range events {
		events[i] = workerEvent(tenant)
		require.NoError(t, f.queue.Enqueue(events[i]))
	}

	stop := f.run(t)

	// One tenant means one partition, so the pool must deliver the events
	// in enqueue order regardless of its size
	for _, event := range events {
		select {
		case id := <-f.processed:
			require.Equal(t, event.ID, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("event %s was not processed", event.ID)
		}
	}
	stop()
}

func TestWorkerPublishesQueueGauges(t *testing.T) {
	tenant := uuid.New()
	f := newWorkerFixture(t, 2)

	f.source.On("ListActiveEventRules", mock.Anything, tenant, "lead.created").
		Return([]models.BusinessRule{}, nil)

	event := workerEvent(tenant)
	require.NoError(t, f.queue.Enqueue(event))

	stop := f.run(t)
	f.waitProcessed(t, event.ID)
	stop()

	gauges := f.collector.GetGauges()
	require.Contains(t, gauges, "queue_depth")
	require.Contains(t, gauges, "queue_draining")
	require.Equal(t, int64(0), gauges["queue_depth"])
	require.Equal(t, int64(0), gauges["queue_draining"])
}

func TestWorkerRecordsMatchErrorOnLog(t *testing.T) {
	tenant := uuid.New()
	f := newWorkerFixture(t, 1)

	f.source.On("ListActiveEventRules", mock.Anything, tenant, "lead.created").
		Return([]models.BusinessRule{}, errors.New("read replica down"))

	event := workerEvent(tenant)
	require.NoError(t, f.queue.Enqueue(event))

	stop := f.run(t)
	f.waitProcessed(t, event.ID)
	stop()

	f.logs.AssertCalled(t, "MarkProcessed", mock.Anything, event.ID, mock.Anything,
		mock.MatchedBy(func(procErr *string) bool {
			return procErr != nil && *procErr != ""
		}))
}
