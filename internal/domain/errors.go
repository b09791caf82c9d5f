// Package domain defines the core entities, ports, and domain-specific
// errors of the job orchestration substrate.
package domain

import "errors"

// Error taxonomy (sentinels). Wrap with fmt.Errorf("%w: ...", Err...) at the
// point an operation fails; handlers map these back to HTTP status/codes.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrQueueFull       = errors.New("queue full")
	ErrInternal        = errors.New("internal error")
)

// Admission and lifecycle error codes surfaced on JobError.Code.
const (
	CodeQueueFull        = "QUEUE_FULL"
	CodeRateLimited      = "RATE_LIMITED"
	CodeJobCancelled     = "JOB_CANCELLED"
	CodeEvaluationError  = "EVALUATION_ERROR"
	CodeRemediationError = "REMEDIATION_ERROR"
)

// AdmissionError is returned synchronously from SubmitJob/SubmitBatch when a
// request is rejected before a job record is ever created. It wraps one of
// the sentinels above so callers can use errors.Is, and carries the code
// string HTTP handlers surface verbatim.
type AdmissionError struct {
	err  error
	code string
}

// NewAdmissionError wraps err with the given taxonomy code.
func NewAdmissionError(err error, code string) *AdmissionError {
	return &AdmissionError{err: err, code: code}
}

func (e *AdmissionError) Error() string { return e.err.Error() }
func (e *AdmissionError) Unwrap() error { return e.err }
func (e *AdmissionError) Code() string  { return e.code }
