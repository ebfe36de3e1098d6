package evaluation

import (
	"errors"
	"fmt"
)

// Input error codes beyond the selection codes of package scoring.
const (
	CodeSubjectMismatch     = "subject_mismatch"
	CodeRubricNotFound      = "rubric_not_found"
	CodeRubricPhaseMismatch = "rubric_phase_mismatch"
	CodeEvaluatorNotAllowed = "evaluator_not_allowed"
)

// Block and retry refusal reasons.
const (
	ReasonGroupIncomplete  = "group_phase_incomplete"
	ReasonAlreadyFinalized = "already_finalized"
	ReasonNoFinal          = "no_final"
	ReasonFinalPassed      = "final_passed"
)

var (
	// ErrNotFound is wrapped by lookups of unknown projects, teams, students and records.
	ErrNotFound = errors.New("not found")
	// ErrNotReady means a final evaluation cannot be computed yet.
	ErrNotReady = errors.New("final evaluation not ready")
	// ErrConcurrentUpdate is returned when a write lost a race twice.
	ErrConcurrentUpdate = errors.New("concurrent update, retry the request")
)

// InputError rejects evaluator input. Nothing is persisted.
type InputError struct {
	Code    string
	Message string
	Err     error
}

func (e *InputError) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *InputError) Unwrap() error { return e.Err }

func inputErr(code, format string, args ...any) *InputError {
	return &InputError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// RetryError explains why a retry cannot be authorized.
type RetryError struct {
	Reason string
}

func (e *RetryError) Error() string {
	return "retry not allowed: " + e.Reason
}

// AwardError is a failed award transaction. The final evaluation it belongs
// to stays valid and the award can be retried.
type AwardError struct {
	FinalID int64
	Err     error
}

func (e *AwardError) Error() string {
	return fmt.Sprintf("award for final evaluation %d: %v", e.FinalID, e.Err)
}

func (e *AwardError) Unwrap() error { return e.Err }

// Blocked is the PhaseGate refusal of an individual attempt. It is a normal
// negative result, not an error.
type Blocked struct {
	Reason string `json:"reason"`
	State  State  `json:"state"`
}

type blockedError struct{ Blocked }

func (e *blockedError) Error() string { return "blocked: " + e.Reason }

func notFound(kind string, id int64) error {
	return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
}
