// internal/common/errors/errors.go

// Package errors provides standardized error handling for the analysis pipeline.
package errors

import (
	"fmt"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Intent extraction errors. Both degrade silently to the heuristic
	// parser and must never surface as a user-visible failure.
	ErrCodeParseFailed     ErrorCode = "PARSE_ERROR"
	ErrCodeUpstreamFailed  ErrorCode = "UPSTREAM_ERROR"
	ErrCodeAmbiguousIntent ErrorCode = "AMBIGUOUS_INTENT"

	// Code generation errors.
	ErrCodeCodeGenFailed      ErrorCode = "CODEGEN_ERROR"
	ErrCodeUnsupportedQuery   ErrorCode = "UNSUPPORTED_QUERY"
	ErrCodeUnresolvableField  ErrorCode = "UNRESOLVABLE_FIELD"

	// Sandbox execution errors.
	ErrCodeBlockedImport    ErrorCode = "BLOCKED_IMPORT"
	ErrCodeSandboxTimeout   ErrorCode = "SANDBOX_TIMEOUT"
	ErrCodeRuntimeExecution ErrorCode = "RUNTIME_EXECUTION_ERROR"

	// Data access errors.
	ErrCodeRetrievalFailed ErrorCode = "RETRIEVAL_FAILED"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// Is supports errors.Is matching on the error code.
func (e *StandardError) Is(target error) bool {
	se, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return e.Code == se.Code
}

// ==========================
// 2. Error Constructors
// ==========================

// NewParseError marks a malformed upstream extraction payload. Retryable:
// the caller retries via the heuristic fallback, not the upstream service.
func NewParseError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeParseFailed,
		Message:   "Semantic extraction payload could not be parsed",
		Details:   details,
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewUpstreamError marks an unreachable or timed-out extraction service.
func NewUpstreamError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeUpstreamFailed,
		Message:   "Semantic extraction service unavailable",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewAmbiguousIntentError marks an intent that needs clarification before
// code generation can proceed. Non-fatal.
func NewAmbiguousIntentError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeAmbiguousIntent,
		Message:   "Query intent is ambiguous",
		Details:   details,
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewCodeGenError marks an (analysis type, intent shape) combination with no
// matching template.
func NewCodeGenError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeCodeGenFailed,
		Message:   "No code template matches the query intent",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewUnsupportedQueryError marks an analysis type with no generator.
func NewUnsupportedQueryError(analysisType string) *StandardError {
	return &StandardError{
		Code:      ErrCodeUnsupportedQuery,
		Message:   "Analysis type is not supported",
		Details:   fmt.Sprintf("analysis type: %s", analysisType),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewUnresolvableFieldError marks a field that does not resolve through the
// schema registry. Analysis fails closed rather than guessing a column.
func NewUnresolvableFieldError(term string) *StandardError {
	return &StandardError{
		Code:      ErrCodeUnresolvableField,
		Message:   "Field does not resolve to a known column",
		Details:   fmt.Sprintf("term: %s", term),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewBlockedImportError marks a snippet importing a module outside the
// sandbox whitelist. Raised before any snippet code executes.
func NewBlockedImportError(module string) *StandardError {
	return &StandardError{
		Code:      ErrCodeBlockedImport,
		Message:   "Snippet imports a module outside the sandbox whitelist",
		Details:   fmt.Sprintf("module: %s", module),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewSandboxTimeoutError marks a snippet that exceeded the wall-clock budget.
func NewSandboxTimeoutError(budget time.Duration) *StandardError {
	return &StandardError{
		Code:      ErrCodeSandboxTimeout,
		Message:   "Snippet exceeded the execution time budget",
		Details:   fmt.Sprintf("budget: %s", budget),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewRuntimeExecutionError wraps a runtime exception raised inside the
// snippet. The underlying message is preserved, the trace is not.
func NewRuntimeExecutionError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeRuntimeExecution,
		Message:   "Snippet raised a runtime error",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewRetrievalError wraps a data-retrieval failure reported by the database.
func NewRetrievalError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeRetrievalFailed,
		Message:   "Data retrieval failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}
