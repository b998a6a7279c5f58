package pipeline

import (
	"errors"
	"fmt"
)

// StepError tags a provisioning failure with the step that produced it and
// whether it is permanent. Permanent failures (bad input, unknown request)
// are acknowledged so they stop being redelivered; everything else is left
// on the queue for another attempt.
type StepError struct {
	Step      string
	Permanent bool
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("pipeline: step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func permanentErr(step string, err error) error {
	return &StepError{Step: step, Permanent: true, Err: err}
}

func transientErr(step string, err error) error {
	return &StepError{Step: step, Permanent: false, Err: err}
}

// IsPermanent reports whether err carries a permanent classification.
// Unclassified errors are treated as transient so they stay retryable.
func IsPermanent(err error) bool {
	var stepErr *StepError
	return errors.As(err, &stepErr) && stepErr.Permanent
}

// StepOf returns the failing step name, or "" for unclassified errors.
func StepOf(err error) string {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Step
	}
	return ""
}
