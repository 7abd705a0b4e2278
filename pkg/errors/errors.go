// Package errors provides the structured error taxonomy shared by the cache,
// the block store client, the manifest manager and the sync coordinator.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for blockvfs operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration Errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig    ErrorCode = "MISSING_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Transient Errors
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"
	ErrCodeThrottled         ErrorCode = "NETWORK_THROTTLED"

	// Not-found Errors
	ErrCodeObjectNotFound    ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeContainerNotFound ErrorCode = "CONTAINER_NOT_FOUND"
	ErrCodeDatabaseNotFound  ErrorCode = "DATABASE_NOT_FOUND"
	ErrCodeBlockNotFound     ErrorCode = "BLOCK_NOT_FOUND"

	// Conflict Errors
	ErrCodeManifestConflict ErrorCode = "CONFLICT_MANIFEST"
	ErrCodeContainerExists  ErrorCode = "CONFLICT_CONTAINER_EXISTS"
	ErrCodeObjectExists     ErrorCode = "CONFLICT_OBJECT_EXISTS"

	// Lock Errors
	ErrCodeLockHeld ErrorCode = "LOCK_HELD"

	// Integrity Errors
	ErrCodeChecksumMismatch ErrorCode = "CORRUPTION_CHECKSUM"
	ErrCodeCorruptManifest  ErrorCode = "CORRUPTION_MANIFEST"
	ErrCodeCorruptIndex     ErrorCode = "CORRUPTION_INDEX"

	// Storage Errors
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"
	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"
	ErrCodeAccessDenied ErrorCode = "ACCESS_DENIED"
	ErrCodePathInvalid  ErrorCode = "PATH_INVALID"

	// Operation Errors
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeOperationFailed   ErrorCode = "OPERATION_FAILED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidState      ErrorCode = "INVALID_STATE"

	// Authentication Errors
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeTokenExpired         ErrorCode = "TOKEN_EXPIRED"
	ErrCodeCredentialsMissing   ErrorCode = "CREDENTIALS_MISSING"

	// Internal System Errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnknownError  ErrorCode = "UNKNOWN_ERROR"
)

// ErrorCategory is the error kind callers branch on.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryTransient     ErrorCategory = "transient"
	CategoryNotFound      ErrorCategory = "not_found"
	CategoryConflict      ErrorCategory = "conflict"
	CategoryLock          ErrorCategory = "lock_contention"
	CategoryCorruption    ErrorCategory = "corruption"
	CategoryStorage       ErrorCategory = "storage"
	CategoryOperation     ErrorCategory = "operation"
	CategoryAuth          ErrorCategory = "auth"
	CategoryInternal      ErrorCategory = "internal"
)

// BlockVFSError represents a structured error with context and metadata.
type BlockVFSError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	UserFacing bool `json:"user_facing"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *BlockVFSError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *BlockVFSError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *BlockVFSError) Is(target error) bool {
	if other, ok := target.(*BlockVFSError); ok {
		return e.Code == other.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *BlockVFSError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
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

	return fmt.Sprintf("BlockVFSError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *BlockVFSError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new error with default values for its code.
func NewError(code ErrorCode, message string) *BlockVFSError {
	return &BlockVFSError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		UserFacing: IsUserFacingByDefault(code),
	}
}

// Newf is NewError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *BlockVFSError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error with the given code around cause.
func Wrap(cause error, code ErrorCode, message string) *BlockVFSError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "MISSING_CONFIG") ||
		strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "CONNECTION_") || strings.HasPrefix(codeStr, "NETWORK_") ||
		codeStr == string(ErrCodeRetryExhausted):
		return CategoryTransient
	case strings.HasSuffix(codeStr, "_NOT_FOUND"):
		return CategoryNotFound
	case strings.HasPrefix(codeStr, "CONFLICT_"):
		return CategoryConflict
	case strings.HasPrefix(codeStr, "LOCK_"):
		return CategoryLock
	case strings.HasPrefix(codeStr, "CORRUPTION_"):
		return CategoryCorruption
	case strings.HasPrefix(codeStr, "STORAGE_") || strings.HasPrefix(codeStr, "ACCESS_") ||
		strings.HasPrefix(codeStr, "PATH_"):
		return CategoryStorage
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "VALIDATION_") ||
		strings.HasPrefix(codeStr, "INVALID_STATE"):
		return CategoryOperation
	case strings.HasPrefix(codeStr, "AUTHENTICATION_") || strings.HasPrefix(codeStr, "TOKEN_") ||
		strings.HasPrefix(codeStr, "CREDENTIALS_"):
		return CategoryAuth
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether errors with code are transient.
// Corruption, conflict and lock contention are never retried.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeConnectionTimeout: true,
		ErrCodeConnectionFailed:  true,
		ErrCodeNetworkError:      true,
		ErrCodeThrottled:         true,
		ErrCodeOperationTimeout:  true,
	}
	return retryableCodes[code]
}

// IsUserFacingByDefault determines if an error should be shown to users.
func IsUserFacingByDefault(code ErrorCode) bool {
	switch GetCategory(code) {
	case CategoryConfiguration, CategoryNotFound, CategoryConflict, CategoryLock, CategoryAuth:
		return true
	}
	return code == ErrCodeOperationTimeout || code == ErrCodeValidationFailed
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
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

// WithContext adds contextual information to an error
func (e *BlockVFSError) WithContext(key, value string) *BlockVFSError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *BlockVFSError) WithDetail(key string, value interface{}) *BlockVFSError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *BlockVFSError) WithComponent(component string) *BlockVFSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *BlockVFSError) WithOperation(operation string) *BlockVFSError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *BlockVFSError) WithCause(cause error) *BlockVFSError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *BlockVFSError) WithStack() *BlockVFSError {
	e.Stack = CaptureStack(2)
	return e
}

// GetRecommendation returns a user-friendly recommendation for fixing the error
func (e *BlockVFSError) GetRecommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeConnectionTimeout: "Check network connectivity to the object store endpoint. " +
			"Consider raising network.timeouts in the configuration.",
		ErrCodeNetworkError: "Network connectivity issue detected. " +
			"Verify your internet connection and firewall settings.",
		ErrCodeContainerNotFound: "The container does not exist. Create it with 'blockcachevfsd create'.",
		ErrCodeContainerExists:   "A container already exists at this bucket path. Destroy it first or pick another path.",
		ErrCodeManifestConflict: "Another writer published a newer manifest. " +
			"Reload the database and apply the changes again.",
		ErrCodeLockHeld: "The container is locked by another identity. " +
			"Wait for the lease to expire or ask the holder to release it.",
		ErrCodeChecksumMismatch: "A stored block does not match its manifest checksum. " +
			"Restore the block from a previous manifest version or re-upload the database.",
		ErrCodeAuthenticationFailed: "Authentication failed. Verify --user and --auth or the default credential chain.",
		ErrCodeTokenExpired:         "The access token expired. Refresh credentials and retry.",
		ErrCodeCredentialsMissing:   "No credentials found. Set CS_KEY and CS_ACCOUNT or configure application default credentials.",
		ErrCodeInvalidConfig:        "Configuration validation failed. Check the configuration file and SQ_* environment variables.",
	}

	if rec, exists := recommendations[e.Code]; exists {
		return rec
	}

	return "Please check the error message for details."
}

// DetailedDiagnostic returns a comprehensive diagnostic message
func (e *BlockVFSError) DetailedDiagnostic() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Error: %s", e.Message))
	parts = append(parts, fmt.Sprintf("Code: %s", e.Code))
	parts = append(parts, fmt.Sprintf("Category: %s", e.Category))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component: %s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation: %s", e.Operation))
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

// As extracts the first BlockVFSError in err's chain.
func As(err error) (*BlockVFSError, bool) {
	var bvErr *BlockVFSError
	if stderrors.As(err, &bvErr) {
		return bvErr, true
	}
	return nil, false
}

// HasCode reports whether err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	return stderrors.Is(err, &BlockVFSError{Code: code})
}

// CategoryOf returns the category of the first structured error in err's
// chain, or CategoryInternal for plain errors.
func CategoryOf(err error) ErrorCategory {
	if bvErr, ok := As(err); ok {
		return bvErr.Category
	}
	return CategoryInternal
}

// IsKind reports whether err belongs to category.
func IsKind(err error, category ErrorCategory) bool {
	return err != nil && CategoryOf(err) == category
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	if bvErr, ok := As(err); ok {
		return bvErr.Retryable
	}
	return false
}

// ExitCode maps an error to the daemon's process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch CategoryOf(err) {
	case CategoryConfiguration:
		return 2
	case CategoryNotFound:
		return 3
	case CategoryConflict:
		return 4
	case CategoryLock:
		return 5
	case CategoryAuth:
		return 6
	case CategoryCorruption:
		return 7
	case CategoryTransient:
		return 8
	default:
		return 1
	}
}
