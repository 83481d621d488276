package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/crmstack/services/automation/internal/metrics"
	"example.com/crmstack/services/automation/internal/models"
	"example.com/crmstack/services/automation/internal/tracing"
)

// ExecutionRecorder folds completed rule executions into rule metadata.
type ExecutionRecorder interface {
	RecordExecution(ctx context.Context, ruleID uuid.UUID, success bool, duration time.Duration) error
}

// LogFinisher marks event log entries processed.
type LogFinisher interface {
	MarkProcessed(ctx context.Context, eventID uuid.UUID, processingTime time.Duration, procErr *string) error
}

// EventIndexer mirrors processed events into the search backend. Indexing is
// best effort and never blocks processing.
type EventIndexer interface {
	IndexEvent(ctx context.Context, entry *models.Event, processed bool) error
}

// Worker drains queue partitions with a fixed goroutine pool. Events within a
// partition run strictly in order; partitions run in parallel.
type Worker struct {
	queue    *Queue
	matcher  *Matcher
	executor *Executor
	recorder ExecutionRecorder
	logs     LogFinisher
	indexer  EventIndexer
	metrics  *metrics.Metrics
	tracer   tracing.Tracer
	poolSize int

	wg sync.WaitGroup
}

// NewWorker creates a new worker pool. indexer may be nil.
func NewWorker(queue *Queue, matcher *Matcher, executor *Executor, recorder ExecutionRecorder, logs LogFinisher, indexer EventIndexer, collector *metrics.Metrics, tracer tracing.Tracer, poolSize int) *Worker {
	if poolSize <= 0 {
		poolSize = 8
	}
	return &Worker{
		queue:    queue,
		matcher:  matcher,
		executor: executor,
		recorder: recorder,
		logs:     logs,
		indexer:  indexer,
		metrics:  collector,
		tracer:   tracer,
		poolSize: poolSize,
	}
}

// Run blocks until ctx is cancelled and all in-flight partitions finish.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().Int("pool_size", w.poolSize).Msg("Starting automation workers")

	// Close wakes workers blocked in Acquire once the context ends.
	go func() {
		<-ctx.Done()
		w.queue.Close()
	}()

	for i := 0; i < w.poolSize; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(ctx)
		}()
	}

	w.wg.Wait()
	log.Info().Msg("Automation workers stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	for {
		tenantID, ok := w.queue.Acquire()
		if !ok {
			return
		}
		w.metrics.SetGauge("queue_draining", int64(w.queue.DrainingCount()))
		w.drainPartition(ctx, tenantID)
		w.queue.Release(tenantID)
		w.metrics.SetGauge("queue_draining", int64(w.queue.DrainingCount()))
	}
}

// drainPartition processes the tenant's pending events one at a time. The
// partition stays assigned to this worker until it is empty, which is what
// keeps per-tenant ordering strict.
func (w *Worker) drainPartition(ctx context.Context, tenantID uuid.UUID) {
	for {
		event, ok := w.queue.Dequeue(tenantID)
		if !ok {
			return
		}
		w.metrics.SetGauge("queue_depth", int64(w.queue.Depth()))
		w.processEvent(ctx, event)

		if ctx.Err() != nil {
			return
		}
	}
}

func (w *Worker) processEvent(ctx context.Context, event *models.Event) {
	txn := w.tracer.StartTransaction("automation.process_event")
	defer w.tracer.EndTransaction(txn)
	w.tracer.AddAttribute(txn, "event.type", event.Type)
	w.tracer.AddAttribute(txn, "event.tenant_id", event.TenantID.String())

	started := time.Now()
	w.metrics.ExecutionStarted()
	defer w.metrics.ExecutionFinished()

	var procErrText *string

	rules, err := w.matcher.Match(ctx, event)
	if err != nil {
		w.tracer.RecordError(txn, err)
		msg := err.Error()
		procErrText = &msg
		log.Error().
			Str("event_id", event.ID.String()).
			Str("event_type", event.Type).
			Err(err).
			Msg("Rule matching failed")
	}

	for i := range rules {
		rule := &rules[i]
		span := w.tracer.StartSpan("automation.execute_rule", txn)
		result := w.executor.ExecuteRule(ctx, rule, event)
		span.End()

		success := result.Status == StatusSucceeded
		w.metrics.RecordRuleExecution(rule.ID.String(), success, result.Duration)
		if err := w.recorder.RecordExecution(ctx, rule.ID, success, result.Duration); err != nil {
			log.Error().
				Str("rule_id", rule.ID.String()).
				Err(err).
				Msg("Failed to record rule execution")
		}
	}

	elapsed := time.Since(started)
	if err := w.logs.MarkProcessed(ctx, event.ID, elapsed, procErrText); err != nil {
		log.Error().
			Str("event_id", event.ID.String()).
			Err(err).
			Msg("Failed to mark event processed")
	}

	if w.indexer != nil {
		if err := w.indexer.IndexEvent(ctx, event, procErrText == nil); err != nil {
			log.Warn().
				Str("event_id", event.ID.String()).
				Err(err).
				Msg("Failed to index event")
		}
	}

	w.metrics.RecordTimer("event_processing", elapsed.Milliseconds())
	log.Debug().
		Str("event_id", event.ID.String()).
		Int("matched_rules", len(rules)).
		Dur("duration", elapsed).
		Msg("Event processed")
}
