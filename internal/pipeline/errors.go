package pipeline

import "fmt"

// ErrorKind names the failure classes a turn can end with. Degraded
// table selection is deliberately absent: it is non-fatal and surfaces
// as a flag on the response instead of an error.
type ErrorKind string

const (
	// KindSchemaUnavailable: introspection failed, nothing to work with.
	KindSchemaUnavailable ErrorKind = "schema_unavailable"
	// KindGenerationFailed: the model produced no usable SQL.
	KindGenerationFailed ErrorKind = "generation_failed"
	// KindUnsafeQuery: the validator rejected the generated SQL.
	KindUnsafeQuery ErrorKind = "unsafe_query"
	// KindExecutionError: the database rejected or failed the statement.
	KindExecutionError ErrorKind = "execution_error"
)

// Error carries the failing stage alongside the taxonomy kind so the
// caller can render a precise explanation.
type Error struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s at stage %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request might succeed unchanged.
// Schema introspection and execution hit external systems that can
// recover; a rejected statement will be rejected again.
func (e *Error) Retryable() bool {
	return e.Kind == KindSchemaUnavailable || e.Kind == KindExecutionError
}
