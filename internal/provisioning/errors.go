package provisioning

import (
	"fmt"
	"strings"
)

// Step names one phase of the activation workflow. Errors carry the step so
// callers can tell the user exactly where a re-runnable attempt stopped.
type Step string

const (
	StepValidate    Step = "validate"
	StepStoreSecret Step = "store-secret"
	StepPersist     Step = "persist-config"
	StepClient      Step = "resolve-client"
	StepFetchNumber Step = "fetch-number"
	StepApplication Step = "application"
	StepBindNumber  Step = "bind-number"
)

// StepError is a workflow failure tagged with the step that produced it.
// Earlier steps' persisted effects are intentionally left in place; the
// workflow is safe to re-run.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("provisioning: %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func stepErr(step Step, err error) error {
	return &StepError{Step: step, Err: err}
}

// ValidationError lists the request fields that were missing.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return "missing required fields: " + strings.Join(e.Missing, ", ")
}
