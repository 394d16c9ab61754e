package registry

import "fmt"

// ValidationError reports a malformed request; the caller must fix the
// request and retry (HTTP 400).
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"error_code,omitempty"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NotFoundError reports a reference to an agent or resource that does not
// exist (HTTP 404, or HEAD 410 for an evicted agent).
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// ConflictError reports a request that collides with existing state, such
// as a duplicate function_name within one agent's own capability set
// (HTTP 400 error_code duplicate_function_name).
type ConflictError struct {
	Code    string
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// TransientStoreError wraps a store failure the caller should retry
// (lock timeout, connection reset). Mapped to HTTP 503.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error during %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// PermanentStoreError wraps a store failure that will not succeed on
// retry (integrity violation). Mapped to HTTP 500 and logged with the
// failing key; never retried.
type PermanentStoreError struct {
	Op  string
	Key string
	Err error
}

func (e *PermanentStoreError) Error() string {
	return fmt.Sprintf("permanent store error during %s (key=%s): %v", e.Op, e.Key, e.Err)
}

func (e *PermanentStoreError) Unwrap() error { return e.Err }
