package engine

import (
	"fmt"
)

// RemoteEvaluationError is returned when the compute backend could not
// produce a result, after any retries were spent.
type RemoteEvaluationError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *RemoteEvaluationError) Error() string {
	return fmt.Sprintf("engine: %s failed after %d attempt(s): %v", e.Operation, e.Attempts, e.Err)
}

func (e *RemoteEvaluationError) Unwrap() error { return e.Err }

// APIError is a non-2xx response from the compute backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("engine: HTTP %d: %s", e.StatusCode, e.Message)
}
