// Package errors provides the structured error taxonomy for the metadata
// cache core: every public operation returns either a value or a *CacheError
// tagged with one of the nine error kinds below, with context and metadata
// attached for logging and user-facing surfacing.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Kind is the error taxonomy. These are the only kinds any component in this
// module produces; callers switch on Kind, never on Code.
type Kind string

const (
	// Transient covers connect timeouts, 5xx responses, and PreconditionFailed
	// during manifest CAS. Retried with exponential backoff inside the worker.
	KindTransient Kind = "transient"
	// KindAuthDenied covers 401/403 and bad credentials. Never retried;
	// surfaces to the user. The cache does not switch to a read-only mode.
	KindAuthDenied Kind = "auth_denied"
	// KindNotFound covers a key absent from the object store. Expected in
	// many paths; not an error at the boundary unless presence was demanded.
	KindNotFound Kind = "not_found"
	// KindIntegrity covers checksum mismatches, corrupt files, and a missing
	// codec sentinel. The entry is quarantined and recovery is attempted.
	KindIntegrity Kind = "integrity"
	// KindDecryptionFailed covers a wrong passphrase or a ZIP that fails to
	// parse after the XOR step. Always surfaced; never silently dropped.
	KindDecryptionFailed Kind = "decryption_failed"
	// KindSchemaMismatch covers a JSON document missing required fields.
	// Upgraded with defaults where the format documents a safe default,
	// otherwise surfaced.
	KindSchemaMismatch Kind = "schema_mismatch"
	// KindCancelled covers a caller-cancelled operation. Propagated; any
	// partial writes are rolled back.
	KindCancelled Kind = "cancelled"
	// KindNotConfigured covers a missing bucket or credentials. The cache
	// degrades to local-only mode; every remote op reports this kind.
	KindNotConfigured Kind = "not_configured"
	// KindFatal covers disk-full or permission-denied on the cache root.
	// The operation halts and surfaces an actionable message.
	KindFatal Kind = "fatal"
)

// CacheError is a structured error carrying the failing Kind plus enough
// context to log, retry-classify, and present to a user.
type CacheError struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`
	Filename  string `json:"filename,omitempty"`

	Retryable  bool `json:"retryable"`
	UserFacing bool `json:"user_facing"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Kind, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause error for errors.Is/As compatibility.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error's Kind (for errors.Is).
func (e *CacheError) Is(target error) bool {
	if cacheErr, ok := target.(*CacheError); ok {
		return e.Kind == cacheErr.Kind
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *CacheError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Kind=%s", e.Kind))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Filename != "" {
		parts = append(parts, fmt.Sprintf("Filename=%s", e.Filename))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("CacheError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *CacheError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// New creates a new CacheError of the given kind with default policy hints.
func New(kind Kind, message string) *CacheError {
	return &CacheError{
		Kind:       kind,
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(kind),
		UserFacing: IsUserFacingByDefault(kind),
	}
}

// IsRetryableByDefault implements the policy column of the error kind table:
// only Transient errors are retried automatically.
func IsRetryableByDefault(kind Kind) bool {
	return kind == KindTransient
}

// IsUserFacingByDefault implements which kinds produce a user-visible
// notification versus ones handled silently (NotFound in particular is
// routinely expected and not surfaced on its own).
func IsUserFacingByDefault(kind Kind) bool {
	switch kind {
	case KindAuthDenied, KindIntegrity, KindDecryptionFailed, KindSchemaMismatch, KindFatal, KindNotConfigured:
		return true
	default:
		return false
	}
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:]) // +2 to skip this function and the caller
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error.
func (e *CacheError) WithContext(key, value string) *CacheError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error.
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component that produced the error.
func (e *CacheError) WithComponent(component string) *CacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation that was being performed.
func (e *CacheError) WithOperation(operation string) *CacheError {
	e.Operation = operation
	return e
}

// WithFilename sets the session filename the error pertains to, if any.
func (e *CacheError) WithFilename(filename string) *CacheError {
	e.Filename = filename
	return e
}

// WithCause sets the underlying cause.
func (e *CacheError) WithCause(cause error) *CacheError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace.
func (e *CacheError) WithStack() *CacheError {
	e.Stack = CaptureStack(2)
	return e
}

// GetRecommendation returns a user-friendly recommendation for fixing the error.
func (e *CacheError) GetRecommendation() string {
	switch e.Kind {
	case KindTransient:
		return "Check network connectivity to the object store; the operation will retry automatically."
	case KindAuthDenied:
		return "Verify object_store credentials and bucket permissions. The cache will continue serving reads from local state."
	case KindIntegrity:
		return "A cached file failed checksum validation. Run recover_from_corruption to restore it from the remote."
	case KindDecryptionFailed:
		return "The configured encryption passphrase does not match the one used to create this artifact."
	case KindSchemaMismatch:
		return "The metadata index is missing required fields and could not be safely upgraded."
	case KindNotConfigured:
		return "Configure object_store.endpoint, object_store.bucket, and credentials to enable remote sync."
	case KindFatal:
		return "Check available disk space and permissions on the cache root directory."
	default:
		return "Please check the error message for details."
	}
}

// UserFacingMessage returns a simplified message suitable for end users.
func (e *CacheError) UserFacingMessage() string {
	if !e.UserFacing {
		return "An internal error occurred."
	}

	switch e.Kind {
	case KindAuthDenied:
		return "Access to the remote storage was denied"
	case KindIntegrity:
		return "A cached file is corrupted"
	case KindDecryptionFailed:
		return "The session could not be decrypted"
	case KindSchemaMismatch:
		return "The session metadata is in an unrecognized format"
	case KindNotConfigured:
		return "Remote storage is not configured"
	case KindFatal:
		return "A fatal local storage error occurred"
	default:
		return e.Message
	}
}

// DetailedDiagnostic returns a comprehensive diagnostic message for status(id).
func (e *CacheError) DetailedDiagnostic() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Error: %s", e.UserFacingMessage()))
	parts = append(parts, fmt.Sprintf("Kind: %s", e.Kind))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component: %s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation: %s", e.Operation))
	}
	if e.Filename != "" {
		parts = append(parts, fmt.Sprintf("Filename: %s", e.Filename))
	}

	if len(e.Context) > 0 {
		parts = append(parts, "\nContext:")
		for k, v := range e.Context {
			parts = append(parts, fmt.Sprintf("  %s: %s", k, v))
		}
	}
	if len(e.Details) > 0 {
		parts = append(parts, "\nDetails:")
		for k, v := range e.Details {
			parts = append(parts, fmt.Sprintf("  %s: %v", k, v))
		}
	}

	parts = append(parts, "\nRecommendation:")
	parts = append(parts, "  "+e.GetRecommendation())

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("\nUnderlying cause: %s", e.Cause.Error()))
	}

	return strings.Join(parts, "\n")
}
