package model

import (
	"fmt"
	"strings"
)

// ClarificationNeeded is returned when an intent cannot be resolved with
// enough confidence.
type ClarificationNeeded struct {
	Question   string
	Confidence float64
}

func (e *ClarificationNeeded) Error() string {
	return fmt.Sprintf("clarification needed (confidence %.2f): %s", e.Confidence, e.Question)
}

type ScopeViolation struct {
	Decision ScopeDecision
}

func (e *ScopeViolation) Error() string {
	return "scope violation: " + e.Decision.Reason
}

type RoutingError struct {
	Reason string
}

func (e *RoutingError) Error() string {
	return "routing error: " + e.Reason
}

type QueryExecutionError struct {
	Attempts int
	Err      error
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("query failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *QueryExecutionError) Unwrap() error { return e.Err }

type ValidationBlocked struct {
	Report ValidationReport
}

func (e *ValidationBlocked) Error() string {
	var names []string
	for _, c := range e.Report.Checks {
		if c.Severity == SeverityCritical {
			names = append(names, c.Name)
		}
	}
	return "validation blocked: " + strings.Join(names, ", ")
}

type InsightGenerationError struct {
	Reason string
	Err    error
}

func (e *InsightGenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("insight generation failed (%s): %v", e.Reason, e.Err)
	}
	return "insight generation failed: " + e.Reason
}

func (e *InsightGenerationError) Unwrap() error { return e.Err }
