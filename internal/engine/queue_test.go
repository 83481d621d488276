package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/crmstack/services/automation/internal/models"
)

func testEvent(tenantID uuid.UUID, eventType string) *models.Event {
	return &models.Event{
		ID:       uuid.New(),
		Type:     eventType,
		TenantID: tenantID,
	}
}

func TestQueuePreservesPartitionOrder(t *testing.T) {
	q := NewQueue(10)
	tenant := uuid.New()

	for _, name := range []string{"first", "second", "third"} {
		require.NoError(t, q.Enqueue(testEvent(tenant, name)))
	}

	acquired, ok := q.Acquire()
	require.True(t, ok)
	require.Equal(t, tenant, acquired)

	for _, name := range []string{"first", "second", "third"} {
		event, ok := q.Dequeue(tenant)
		require.True(t, ok)
		require.Equal(t, name, event.Type)
	}

	_, ok = q.Dequeue(tenant)
	require.False(t, ok)
}

func TestQueueOverflow(t *testing.T) {
	q := NewQueue(2)
	tenant := uuid.New()

	require.NoError(t, q.Enqueue(testEvent(tenant, "a")))
	require.NoError(t, q.Enqueue(testEvent(tenant, "b")))

	err := q.Enqueue(testEvent(tenant, "c"))
	require.Error(t, err)
	var overflow *QueueOverflowError
	require.ErrorAs(t, err, &overflow)
	require.Equal(t, 2, overflow.Capacity)

	// Another tenant's partition is unaffected
	require.NoError(t, q.Enqueue(testEvent(uuid.New(), "d")))
}

func TestQueueAcquireGrantsExclusiveOwnership(t *testing.T) {
	q := NewQueue(10)
	tenant := uuid.New()

	require.NoError(t, q.Enqueue(testEvent(tenant, "a")))

	acquired, ok := q.Acquire()
	require.True(t, ok)
	require.Equal(t, tenant, acquired)
	require.Equal(t, 1, q.DrainingCount())

	// New events for an owned partition must not reschedule it
	require.NoError(t, q.Enqueue(testEvent(tenant, "b")))

	done := make(chan struct{})
	go func() {
		q.Acquire()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Acquire returned a partition that is already owned")
	case <-time.After(50 * time.Millisecond):
	}

	// Releasing with events left reschedules the partition
	_, ok = q.Dequeue(tenant)
	require.True(t, ok)
	q.Release(tenant)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("released partition was never rescheduled")
	}
}

func TestQueueCloseUnblocksWaiters(t *testing.T) {
	q := NewQueue(10)

	var wg sync.WaitGroup
	results := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := q.Acquire()
			results <- ok
		}()
	}

	q.Close()
	wg.Wait()
	close(results)

	for ok := range results {
		require.False(t, ok)
	}

	require.Error(t, q.Enqueue(testEvent(uuid.New(), "late")))
}

func TestQueuePurge(t *testing.T) {
	q := NewQueue(10)
	tenant := uuid.New()
	other := uuid.New()

	require.NoError(t, q.Enqueue(testEvent(tenant, "a")))
	require.NoError(t, q.Enqueue(testEvent(tenant, "b")))
	require.NoError(t, q.Enqueue(testEvent(other, "c")))

	dropped := q.Purge(tenant)
	require.Equal(t, 2, dropped)
	require.Equal(t, 1, q.Depth())

	// The purged tenant must not be handed to a worker
	acquired, ok := q.Acquire()
	require.True(t, ok)
	require.Equal(t, other, acquired)
}

func TestQueueParallelPartitions(t *testing.T) {
	q := NewQueue(10)
	tenantA := uuid.New()
	tenantB := uuid.New()

	require.NoError(t, q.Enqueue(testEvent(tenantA, "a")))
	require.NoError(t, q.Enqueue(testEvent(tenantB, "b")))

	first, ok := q.Acquire()
	require.True(t, ok)
	second, ok := q.Acquire()
	require.True(t, ok)

	require.NotEqual(t, first, second)
	require.Equal(t, 2, q.DrainingCount())
}
