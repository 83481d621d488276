package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := NewMetrics()

	m.IncrementCounter("events_received")
	m.IncrementCounter("events_received")
	m.IncrementCounterBy("events_received", 3)

	require.Equal(t, int64(5), m.GetCounters()["events_received"])
}

func TestGaugesKeepLastValue(t *testing.T) {
	m := NewMetrics()

	m.SetGauge("queue_depth", 10)
	m.SetGauge("queue_depth", 4)

	require.Equal(t, int64(4), m.GetGauges()["queue_depth"])
}

func TestTimersTrackMinMaxAverage(t *testing.T) {
	m := NewMetrics()

	m.RecordTimer("event_processing", 10)
	m.RecordTimer("event_processing", 30)
	m.RecordTimer("event_processing", 20)

	timer := m.GetTimers()["event_processing"]
	require.Equal(t, int64(3), timer.Count)
	require.Equal(t, int64(60), timer.TotalTimeMs)
	require.Equal(t, int64(10), timer.MinTimeMs)
	require.Equal(t, int64(30), timer.MaxTimeMs)
	require.InDelta(t, 20.0, timer.AverageTimeMs, 0.0001)
}

func TestRuleStatsBalance(t *testing.T) {
	m := NewMetrics()

	m.RecordRuleExecution("rule-a", true, 10*time.Millisecond)
	m.RecordRuleExecution("rule-a", true, 30*time.Millisecond)
	m.RecordRuleExecution("rule-a", false, 20*time.Millisecond)
	m.RecordRuleExecution("rule-b", false, 5*time.Millisecond)

	stats := m.GetRuleStats()

	a := stats["rule-a"]
	require.Equal(t, int64(3), a.ExecutionCount)
	require.Equal(t, int64(2), a.SuccessCount)
	require.Equal(t, int64(1), a.FailureCount)
	require.Equal(t, a.ExecutionCount, a.SuccessCount+a.FailureCount)
	require.InDelta(t, 20.0, a.AverageExecutionTime, 0.0001)

	b := stats["rule-b"]
	require.Equal(t, b.ExecutionCount, b.SuccessCount+b.FailureCount)

	counters := m.GetCounters()
	require.Equal(t, int64(4), counters["rule_executions_total"])
	require.Equal(t, int64(2), counters["rule_executions_succeeded"])
	require.Equal(t, int64(2), counters["rule_executions_failed"])
}

func TestGlobalStatsAggregateAllRules(t *testing.T) {
	m := NewMetrics()

	m.RecordRuleExecution("rule-a", true, 10*time.Millisecond)
	m.RecordRuleExecution("rule-b", false, 30*time.Millisecond)

	global := m.GetGlobalStats()
	require.Equal(t, int64(2), global.ExecutionCount)
	require.Equal(t, int64(1), global.SuccessCount)
	require.Equal(t, int64(1), global.FailureCount)
	require.Equal(t, global.ExecutionCount, global.SuccessCount+global.FailureCount)
	require.InDelta(t, 20.0, global.AverageExecutionTime, 0.0001)
}

func TestInFlightTracking(t *testing.T) {
	m := NewMetrics()

	m.ExecutionStarted()
	m.ExecutionStarted()
	require.Equal(t, int64(2), m.InFlight())

	m.ExecutionFinished()
	require.Equal(t, int64(1), m.InFlight())

	m.ExecutionFinished()
	require.Zero(t, m.InFlight())
}

func TestHealthChecks(t *testing.T) {
	m := NewMetrics()

	m.SetHealth("database", true)
	m.SetHealth("redis", false)

	checks := m.GetHealthChecks()
	require.True(t, checks["database"])
	require.False(t, checks["redis"])
}

func TestConcurrentUpdatesDoNotLoseCounts(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.IncrementCounter("shared")
				m.RecordRuleExecution("rule", j%2 == 0, time.Millisecond)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(8000), m.GetCounters()["shared"])
	stats := m.GetRuleStats()["rule"]
	require.Equal(t, int64(8000), stats.ExecutionCount)
	require.Equal(t, stats.ExecutionCount, stats.SuccessCount+stats.FailureCount)
}

func TestGetAllMetricsShape(t *testing.T) {
	m := NewMetrics()
	m.IncrementCounter("events_received")
	m.RecordRuleExecution("rule-a", true, time.Millisecond)

	all := m.GetAllMetrics()
	for _, key := range []string{"uptime_seconds", "counters", "gauges", "timers", "rules", "global", "in_flight_executions", "health_checks"} {
		require.Contains(t, all, key)
	}
}
