package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input
	ErrCatBuild      ErrorCategory = "build"      // User code failed to compile
	ErrCatExecution  ErrorCategory = "execution"  // Runtime failure inside user code or a connector
	ErrCatTimeout    ErrorCategory = "timeout"    // Operation timed out
	ErrCatAborted    ErrorCategory = "aborted"    // Cancelled by a runtime restart
	ErrCatRuntime    ErrorCategory = "runtime"    // Runtime process missing or crashed
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Name      string
	Message   string
	// Retryable marks errors caused by the runtime being briefly unavailable;
	// the same call may succeed once a process is up again.
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error codes.
const (
	CodeBuildFailed       = "BUILD_FAILED"
	CodeRuntimeCrash      = "RUNTIME_CRASH"
	CodeTimeout           = "TIMEOUT"
	CodeAborted           = "ABORTED"
	CodeNotRunning        = "NOT_RUNNING"
	CodeUnknownDataSource = "UNKNOWN_DATA_SOURCE"
	CodeUnknownFunction   = "UNKNOWN_FUNCTION"
	CodeNoPrivateHandler  = "NO_PRIVATE_HANDLER"
	CodeInvalidQuery      = "INVALID_QUERY"
	CodeInvalidConfig     = "INVALID_CONFIG"
	CodeTransformFailed   = "TRANSFORM_FAILED"
	CodeQueryFailed       = "QUERY_FAILED"
	CodeProtocol          = "PROTOCOL_ERROR"
)

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Name:      "ValidationError",
		Message:   message,
		Retryable: false,
	}
}

// ErrExecution creates an execution error.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      code,
		Name:      "ExecutionError",
		Message:   message,
		Retryable: false,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      CodeTimeout,
		Name:      "TimeoutError",
		Message:   message,
		Retryable: false,
	}
}

// ErrAborted creates the error used to reject requests cancelled by a restart.
func ErrAborted(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatAborted,
		Code:      CodeAborted,
		Name:      "AbortedError",
		Message:   message,
		Retryable: true,
	}
}

// ErrNotRunning creates an error for requests made while no runtime process is alive.
func ErrNotRunning() *DomainError {
	return &DomainError{
		Category:  ErrCatRuntime,
		Code:      CodeNotRunning,
		Name:      "NotRunningError",
		Message:   "function runtime is not running",
		Retryable: true,
	}
}

// ErrRuntimeCrash creates an error for an abnormal exit of the runtime process.
func ErrRuntimeCrash(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatRuntime,
		Code:      CodeRuntimeCrash,
		Name:      "RuntimeCrash",
		Message:   message,
		Retryable: false,
	}
}

// ErrUnknownDataSource creates an error for a data source id that is not registered.
func ErrUnknownDataSource(id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      CodeUnknownDataSource,
		Name:      "UnknownDataSourceError",
		Message:   fmt.Sprintf("unknown data source %q", id),
		Retryable: false,
	}
}

// ErrUnknownFunction creates an error for a function name the runtime does not export.
func ErrUnknownFunction(name string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      CodeUnknownFunction,
		Name:      "UnknownFunctionError",
		Message:   fmt.Sprintf("unknown function %q", name),
		Retryable: false,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      "NOT_FOUND",
		Name:      "NotFoundError",
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return ErrCatExecution
	}
	var buildErr *BuildError
	if errors.As(err, &buildErr) {
		return ErrCatBuild
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// BuildError is a compilation failure in user-authored function code.
type BuildError struct {
	Message   string `json:"message"`
	File      string `json:"file,omitempty"`
	Line      int    `json:"line,omitempty"`
	Column    int    `json:"column,omitempty"`
	CodeFrame string `json:"codeFrame,omitempty"`
}

func (e *BuildError) Error() string {
	if e.File == "" {
		return e.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}

// SerializedError is the plain error shape that crosses process and network boundaries.
type SerializedError struct {
	Message string `json:"message"`
	Name    string `json:"name"`
	Stack   string `json:"stack,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (e *SerializedError) Error() string {
	if e.Name == "" || e.Name == "Error" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// RemoteError is an error raised inside the runtime process, usually thrown by user code.
type RemoteError struct {
	SerializedError
}

func (e *RemoteError) Error() string {
	return e.SerializedError.Error()
}

// NewRemoteError converts a wire error into a RemoteError. Errors the runtime reports
// for missing functions become UnknownFunction domain errors.
func NewRemoteError(se *SerializedError) error {
	if se == nil {
		return nil
	}
	if se.Code == CodeUnknownFunction {
		return &DomainError{
			Category: ErrCatNotFound,
			Code:     CodeUnknownFunction,
			Name:     "UnknownFunctionError",
			Message:  se.Message,
		}
	}
	return &RemoteError{SerializedError: *se}
}

// Serialize flattens any error into a SerializedError.
func Serialize(err error) *SerializedError {
	if err == nil {
		return nil
	}

	var remote *RemoteError
	if errors.As(err, &remote) {
		out := remote.SerializedError
		return &out
	}

	var buildErr *BuildError
	if errors.As(err, &buildErr) {
		msg := buildErr.Error()
		if buildErr.CodeFrame != "" {
			msg = msg + "\n" + buildErr.CodeFrame
		}
		return &SerializedError{Name: "BuildError", Message: msg, Code: CodeBuildFailed}
	}

	var domErr *DomainError
	if errors.As(err, &domErr) {
		name := domErr.Name
		if name == "" {
			name = "Error"
		}
		msg := domErr.Message
		if domErr.Cause != nil {
			msg = fmt.Sprintf("%s: %v", msg, domErr.Cause)
		}
		return &SerializedError{Name: name, Message: msg, Code: domErr.Code}
	}

	var se *SerializedError
	if errors.As(err, &se) {
		out := *se
		return &out
	}

	return &SerializedError{Name: "Error", Message: strings.TrimSpace(err.Error())}
}
