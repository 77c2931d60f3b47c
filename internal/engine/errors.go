package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a step failure for retry/escalation decisions.
type ErrorKind string

const (
	ErrKindTransient     ErrorKind = "transient"
	ErrKindPermanent     ErrorKind = "permanent"
	ErrKindDepthExceeded ErrorKind = "depth_exceeded"
	ErrKindCancelled     ErrorKind = "cancelled"
)

// ErrRateLimited marks a transient failure caused by upstream rate
// limiting. An execution that fails solely because of sustained rate
// limiting ends up in the rate_limited status.
var ErrRateLimited = errors.New("rate limited")

// StepError is a classified step failure.
type StepError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *StepError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable step failure.
func Transient(msg string, err error) *StepError {
	return &StepError{Kind: ErrKindTransient, Message: msg, Err: err}
}

// Permanent wraps err as a non-retryable step failure.
func Permanent(msg string, err error) *StepError {
	return &StepError{Kind: ErrKindPermanent, Message: msg, Err: err}
}

// Classify maps an arbitrary invocation error onto the engine taxonomy.
// Unknown errors are permanent; retrying blind is worse than surfacing.
func Classify(err error) ErrorKind {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrKindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrKindTransient
	case errors.Is(err, ErrRateLimited):
		return ErrKindTransient
	}
	return ErrKindPermanent
}
