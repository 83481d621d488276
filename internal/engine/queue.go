package engine

import (
	"sync"

	"github.com/google/uuid"

	"example.com/crmstack/services/automation/internal/models"
)

// Queue is the tenant-partitioned FIFO buffer between event emission and the
// worker pool. Each partition is drained by at most one worker at a time, so
// events for a tenant are always processed in emission order. Partitions of
// different tenants drain independently.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	closed   bool

	partitions map[uuid.UUID][]*models.Event
	pending    []uuid.UUID
	pendingSet map[uuid.UUID]bool
	draining   map[uuid.UUID]bool
}

// NewQueue creates a queue whose partitions hold at most capacity events each.
func NewQueue(capacity int) *Queue {
	q := &Queue{
		capacity:   capacity,
		partitions: make(map[uuid.UUID][]*models.Event),
		pendingSet: make(map[uuid.UUID]bool),
		draining:   make(map[uuid.UUID]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends an event to its tenant's partition. Returns a
// QueueOverflowError when the partition is at capacity.
func (q *Queue) Enqueue(event *models.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return &QueueOverflowError{TenantID: event.TenantID.String(), Capacity: q.capacity}
	}

	partition := q.partitions[event.TenantID]
	if q.capacity > 0 && len(partition) >= q.capacity {
		return &QueueOverflowError{TenantID: event.TenantID.String(), Capacity: q.capacity}
	}

	q.partitions[event.TenantID] = append(partition, event)
	q.markPendingLocked(event.TenantID)
	return nil
}

// markPendingLocked schedules a partition for draining unless a worker already
// owns it. Callers must hold q.mu.
func (q *Queue) markPendingLocked(tenantID uuid.UUID) {
	if q.draining[tenantID] || q.pendingSet[tenantID] {
		return
	}
	if len(q.partitions[tenantID]) == 0 {
		return
	}
	q.pending = append(q.pending, tenantID)
	q.pendingSet[tenantID] = true
	q.cond.Signal()
}

// Acquire blocks until a partition needs draining and hands it to the caller.
// Returns false when the queue is closed.
func (q *Queue) Acquire() (uuid.UUID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.pending) == 0 {
		return uuid.Nil, false
	}

	tenantID := q.pending[0]
	q.pending = q.pending[1:]
	delete(q.pendingSet, tenantID)
	q.draining[tenantID] = true
	return tenantID, true
}

// Dequeue pops the head of a partition. Only the worker that acquired the
// partition may call this.
func (q *Queue) Dequeue(tenantID uuid.UUID) (*models.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	partition := q.partitions[tenantID]
	if len(partition) == 0 {
		return nil, false
	}
	event := partition[0]
	q.partitions[tenantID] = partition[1:]
	if len(q.partitions[tenantID]) == 0 {
		delete(q.partitions, tenantID)
	}
	return event, true
}

// Release returns a partition after draining. If events arrived while the
// worker was finishing, the partition is rescheduled immediately.
func (q *Queue) Release(tenantID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.draining, tenantID)
	q.markPendingLocked(tenantID)
}

// Purge discards a tenant's pending (not yet dequeued) events, e.g. on tenant
// suspension. In-flight processing is unaffected. Returns the number dropped.
func (q *Queue) Purge(tenantID uuid.UUID) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := len(q.partitions[tenantID])
	delete(q.partitions, tenantID)
	if q.pendingSet[tenantID] {
		delete(q.pendingSet, tenantID)
		for i, id := range q.pending {
			if id == tenantID {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
	}
	return dropped
}

// Depth returns the total number of buffered events across all partitions.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, partition := range q.partitions {
		total += len(partition)
	}
	return total
}

// DrainingCount returns how many partitions are currently owned by workers.
func (q *Queue) DrainingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.draining)
}

// Close wakes all blocked workers. Pending events are left in place; new
// enqueues are rejected.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
