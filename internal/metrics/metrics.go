package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricType defines types of metrics we track
type MetricType string

// Different metric types
const (
	TypeCounter     MetricType = "counter" // Always increasing count
	TypeGauge       MetricType = "gauge"   // Point-in-time value
	TypeTimer       MetricType = "timer"   // Duration measurement
	TypeHealthCheck MetricType = "health"  // Health status (0/1)
)

// TimerMetric captures timing information
type TimerMetric struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

// RuleStats captures execution statistics for one rule. ExecutionCount always
// equals SuccessCount + FailureCount.
type RuleStats struct {
	ExecutionCount       int64   `json:"execution_count"`
	SuccessCount         int64   `json:"success_count"`
	FailureCount         int64   `json:"failure_count"`
	AverageExecutionTime float64 `json:"average_execution_time_ms"`
}

type ruleCounters struct {
	executions  int64
	successes   int64
	failures    int64
	totalTimeMs int64
}

type timerCounters struct {
	count       int64
	totalTimeMs int64
	minTimeMs   int64
	maxTimeMs   int64
}

// Metrics is the main metrics collector. All update paths use atomic
// increments so concurrent tenant partitions never lose updates.
type Metrics struct {
	mu           sync.RWMutex
	counters     map[string]*int64
	gauges       map[string]*int64
	timers       map[string]*timerCounters
	ruleStats    map[string]*ruleCounters
	healthChecks map[string]*int64
	inFlight     int64
	startTime    time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:     make(map[string]*int64),
		gauges:       make(map[string]*int64),
		timers:       make(map[string]*timerCounters),
		ruleStats:    make(map[string]*ruleCounters),
		healthChecks: make(map[string]*int64),
		startTime:    time.Now(),
	}
}

// IncrementCounter increments a counter by 1
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the specified value
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		// Check again to avoid race conditions
		if counter, exists = m.counters[name]; !exists {
			var c int64
			counter = &c
			m.counters[name] = counter
		}
		m.mu.Unlock()
	}

	atomic.AddInt64(counter, value)
}

// SetGauge sets a gauge to a specific value
func (m *Metrics) SetGauge(name string, value int64) {
	m.mu.RLock()
	gauge, exists := m.gauges[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if gauge, exists = m.gauges[name]; !exists {
			var g int64
			gauge = &g
			m.gauges[name] = gauge
		}
		m.mu.Unlock()
	}

	atomic.StoreInt64(gauge, value)
}

// RecordTimer records a timing measurement
func (m *Metrics) RecordTimer(name string, durationMs int64) {
	m.mu.RLock()
	timer, exists := m.timers[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if timer, exists = m.timers[name]; !exists {
			timer = &timerCounters{
				minTimeMs: 9223372036854775807, // Max int64
			}
			m.timers[name] = timer
		}
		m.mu.Unlock()
	}

	atomic.AddInt64(&timer.count, 1)
	atomic.AddInt64(&timer.totalTimeMs, durationMs)

	// Update min if smaller
	for {
		currentMin := atomic.LoadInt64(&timer.minTimeMs)
		if durationMs >= currentMin {
			break
		}
		if atomic.CompareAndSwapInt64(&timer.minTimeMs, currentMin, durationMs) {
			break
		}
	}

	// Update max if larger
	for {
		currentMax := atomic.LoadInt64(&timer.maxTimeMs)
		if durationMs <= currentMax {
			break
		}
		if atomic.CompareAndSwapInt64(&timer.maxTimeMs, currentMax, durationMs) {
			break
		}
	}
}

// RecordRuleExecution folds one completed rule execution into the per-rule and
// global statistics. Exactly one of success/failure is counted per call.
func (m *Metrics) RecordRuleExecution(ruleID string, success bool, duration time.Duration) {
	m.mu.RLock()
	stats, exists := m.ruleStats[ruleID]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if stats, exists = m.ruleStats[ruleID]; !exists {
			stats = &ruleCounters{}
			m.ruleStats[ruleID] = stats
		}
		m.mu.Unlock()
	}

	atomic.AddInt64(&stats.executions, 1)
	atomic.AddInt64(&stats.totalTimeMs, duration.Milliseconds())
	if success {
		atomic.AddInt64(&stats.successes, 1)
	} else {
		atomic.AddInt64(&stats.failures, 1)
	}

	m.IncrementCounter("rule_executions_total")
	if success {
		m.IncrementCounter("rule_executions_succeeded")
	} else {
		m.IncrementCounter("rule_executions_failed")
	}
	m.RecordTimer("rule_execution", duration.Milliseconds())
}

// ExecutionStarted marks a rule execution in flight
func (m *Metrics) ExecutionStarted() {
	atomic.AddInt64(&m.inFlight, 1)
}

// ExecutionFinished marks a rule execution complete
func (m *Metrics) ExecutionFinished() {
	atomic.AddInt64(&m.inFlight, -1)
}

// InFlight returns the number of executions currently running
func (m *Metrics) InFlight() int64 {
	return atomic.LoadInt64(&m.inFlight)
}

// SetHealth sets the health status of a component (0 = unhealthy, 1 = healthy)
func (m *Metrics) SetHealth(component string, isHealthy bool) {
	var value int64
	if isHealthy {
		value = 1
	}

	m.mu.RLock()
	health, exists := m.healthChecks[component]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if health, exists = m.healthChecks[component]; !exists {
			var h int64
			health = &h
			m.healthChecks[component] = health
		}
		m.mu.Unlock()
	}

	atomic.StoreInt64(health, value)
}

// GetCounters returns all counters
func (m *Metrics) GetCounters() map[string]int64 {
	counters := make(map[string]int64)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, counter := range m.counters {
		counters[name] = atomic.LoadInt64(counter)
	}

	return counters
}

// GetGauges returns all gauges
func (m *Metrics) GetGauges() map[string]int64 {
	gauges := make(map[string]int64)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, gauge := range m.gauges {
		gauges[name] = atomic.LoadInt64(gauge)
	}

	return gauges
}

// GetTimers returns all timers
func (m *Metrics) GetTimers() map[string]TimerMetric {
	timers := make(map[string]TimerMetric)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, timer := range m.timers {
		count := atomic.LoadInt64(&timer.count)
		totalTime := atomic.LoadInt64(&timer.totalTimeMs)

		var average float64
		if count > 0 {
			average = float64(totalTime) / float64(count)
		}

		timers[name] = TimerMetric{
			Count:         count,
			TotalTimeMs:   totalTime,
			AverageTimeMs: average,
			MinTimeMs:     atomic.LoadInt64(&timer.minTimeMs),
			MaxTimeMs:     atomic.LoadInt64(&timer.maxTimeMs),
		}
	}

	return timers
}

// GetRuleStats returns per-rule execution statistics
func (m *Metrics) GetRuleStats() map[string]RuleStats {
	stats := make(map[string]RuleStats)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for ruleID, rc := range m.ruleStats {
		executions := atomic.LoadInt64(&rc.executions)
		totalTime := atomic.LoadInt64(&rc.totalTimeMs)

		var average float64
		if executions > 0 {
			average = float64(totalTime) / float64(executions)
		}

		stats[ruleID] = RuleStats{
			ExecutionCount:       executions,
			SuccessCount:         atomic.LoadInt64(&rc.successes),
			FailureCount:         atomic.LoadInt64(&rc.failures),
			AverageExecutionTime: average,
		}
	}

	return stats
}

// GetGlobalStats aggregates rule statistics across all rules
func (m *Metrics) GetGlobalStats() RuleStats {
	var global RuleStats
	var totalTime int64

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rc := range m.ruleStats {
		global.ExecutionCount += atomic.LoadInt64(&rc.executions)
		global.SuccessCount += atomic.LoadInt64(&rc.successes)
		global.FailureCount += atomic.LoadInt64(&rc.failures)
		totalTime += atomic.LoadInt64(&rc.totalTimeMs)
	}
	if global.ExecutionCount > 0 {
		global.AverageExecutionTime = float64(totalTime) / float64(global.ExecutionCount)
	}

	return global
}

// GetHealthChecks returns all health checks
func (m *Metrics) GetHealthChecks() map[string]bool {
	checks := make(map[string]bool)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, health := range m.healthChecks {
		checks[name] = atomic.LoadInt64(health) > 0
	}

	return checks
}

// GetUptimeSeconds returns the service uptime in seconds
func (m *Metrics) GetUptimeSeconds() int64 {
	return int64(time.Since(m.startTime).Seconds())
}

// GetAllMetrics returns all metrics in a structured format
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds":       m.GetUptimeSeconds(),
		"counters":             m.GetCounters(),
		"gauges":               m.GetGauges(),
		"timers":               m.GetTimers(),
		"rules":                m.GetRuleStats(),
		"global":               m.GetGlobalStats(),
		"in_flight_executions": m.InFlight(),
		"health_checks":        m.GetHealthChecks(),
	}
}
