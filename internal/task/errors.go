package task

import "fmt"

// PlanningReason classifies planning failures.
type PlanningReason string

const (
	PlanUnsupportedCapability PlanningReason = "unsupported_capability"
	PlanMalformedRequest      PlanningReason = "malformed_request"
	PlanReasoningUnavailable  PlanningReason = "reasoning_unavailable"
	PlanEmpty                 PlanningReason = "empty_plan"
)

// PlanningError means no viable plan could be produced. Terminal; surfaced
// verbatim to the caller.
type PlanningError struct {
	Reason PlanningReason
	Detail string
}

func (e *PlanningError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("planning failed (%s): %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("planning failed (%s)", e.Reason)
}

// DispatchError means a step could not be handed to any provider.
type DispatchError struct {
	Domain string
	Cause  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch failed for domain %s: %v", e.Domain, e.Cause)
}

func (e *DispatchError) Unwrap() error { return e.Cause }

// RecoveryExhausted means both the retry and replanning budgets were
// consumed. Terminal; carries the last diagnosis verbatim.
type RecoveryExhausted struct {
	StepIndex int
	Retries   int
	Replans   int
	Diagnosis *Diagnosis
}

func (e *RecoveryExhausted) Error() string {
	msg := fmt.Sprintf("recovery exhausted at step %d after %d retries and %d replans",
		e.StepIndex, e.Retries, e.Replans)
	if e.Diagnosis != nil && e.Diagnosis.RootCause != "" {
		msg += ": " + e.Diagnosis.RootCause
	}
	return msg
}
