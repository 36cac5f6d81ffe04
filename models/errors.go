package models

import "fmt"

// DetectorError is a failure inside a detection backend. Request handlers
// report it in the response body instead of failing the request.
type DetectorError struct {
	Backend string
	Message string
	Cause   error
}

func (e *DetectorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Backend, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Backend, e.Message)
}

func (e *DetectorError) Unwrap() error {
	return e.Cause
}
