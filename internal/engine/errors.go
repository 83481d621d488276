package engine

import "fmt"

// ValidationError rejects a malformed or unknown event before it is enqueued.
// Surfaced synchronously to the emitter's caller.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event validation failed: %s", e.Reason)
}

// RecursionLimitError drops an event whose automation chain exceeded the
// configured depth. Surfaced synchronously to the emitter's caller.
type RecursionLimitError struct {
	Depth    int
	MaxDepth int
}

func (e *RecursionLimitError) Error() string {
	return fmt.Sprintf("event depth %d exceeds maximum %d", e.Depth, e.MaxDepth)
}

// QueueOverflowError rejects an event because the tenant's partition is full.
type QueueOverflowError struct {
	TenantID string
	Capacity int
}

func (e *QueueOverflowError) Error() string {
	return fmt.Sprintf("event queue for tenant %s is at capacity %d", e.TenantID, e.Capacity)
}

// RuleEvaluationError marks an unexpected fault while evaluating one rule.
// The rule is skipped; sibling rules still run.
type RuleEvaluationError struct {
	RuleID string
	Cause  error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %s evaluation failed: %v", e.RuleID, e.Cause)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Cause }

// ActionTransientError wraps a retryable action failure (timeout, 5xx).
type ActionTransientError struct {
	Cause error
}

func (e *ActionTransientError) Error() string {
	return fmt.Sprintf("transient action failure: %v", e.Cause)
}

func (e *ActionTransientError) Unwrap() error { return e.Cause }

// ActionTerminalError wraps a non-retryable action failure (4xx, validation,
// write conflict).
type ActionTerminalError struct {
	Cause error
}

func (e *ActionTerminalError) Error() string {
	return fmt.Sprintf("terminal action failure: %v", e.Cause)
}

func (e *ActionTerminalError) Unwrap() error { return e.Cause }
