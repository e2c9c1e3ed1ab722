package fhir

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNotFound means the resource does not exist (404) or was deleted (410).
	ErrNotFound = errors.New("resource not found")

	// ErrUnauthorized means the store rejected the credentials (401, 403)
	// or the token endpoint refused the client.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConflict means a conditional write lost: a version conflict, a failed
	// precondition, or a JSON Patch "test" operation that did not match.
	ErrConflict = errors.New("conflict")

	// ErrInvalidOptions means NewClient was given incomplete or malformed settings.
	ErrInvalidOptions = errors.New("invalid client options")
)

// RemoteError is a failed store call.
type RemoteError struct {
	Method       string
	ResourceType string
	StatusCode   int // 0 for transport failures
	Diagnostics  string
	Err          error
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Method, e.ResourceType)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Diagnostics != "" {
		fmt.Fprintf(&b, ": %s", e.Diagnostics)
	}
	if e.Err != nil && e.StatusCode == 0 {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// statusError maps a non-2xx response onto the error taxonomy.
func statusError(method, resourceType string, status int, outcome *OperationOutcome) error {
	diag := outcome.Message()
	re := &RemoteError{
		Method:       method,
		ResourceType: resourceType,
		StatusCode:   status,
		Diagnostics:  diag,
	}

	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		re.Err = ErrNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		re.Err = ErrUnauthorized
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		re.Err = ErrConflict
	case status == http.StatusBadRequest && isPatchTestFailure(diag):
		re.Err = ErrConflict
	}
	return re
}

// Medplum reports a failed JSON Patch "test" op as 400 with "Test failed" diagnostics.
func isPatchTestFailure(diag string) bool {
	return strings.Contains(strings.ToLower(diag), "test failed")
}
