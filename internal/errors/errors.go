// Package errors provides structured error handling for freeip operations.
// It defines error codes and error types for probe launch and runtime
// failures, persistence failures, and configuration problems.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeCanceled      ErrorCode = "CANCELED"

	// Probe errors.
	CodeLaunch       ErrorCode = "LAUNCH_FAILED"
	CodeProbeRuntime ErrorCode = "PROBE_RUNTIME"

	// Store errors.
	CodePersistence       ErrorCode = "PERSISTENCE_FAILED"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeStoreConnection   ErrorCode = "STORE_CONNECTION"
	CodeDatabaseMigration ErrorCode = "DATABASE_MIGRATION"
)

// ProbeError represents an error starting or running the external probe.
type ProbeError struct {
	Code    ErrorCode
	Message string
	Path    string
	Cause   error
}

// Error implements the error interface.
func (e *ProbeError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Path != "" {
		msg += fmt.Sprintf(" (probe: %s)", e.Path)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ProbeError) Unwrap() error {
	return e.Cause
}

// NewProbeError creates a new probe error for the given executable.
func NewProbeError(code ErrorCode, message, path string) *ProbeError {
	return &ProbeError{
		Code:    code,
		Message: message,
		Path:    path,
	}
}

// WrapProbeError wraps an existing error as a probe error.
func WrapProbeError(code ErrorCode, message, path string, err error) *ProbeError {
	return &ProbeError{
		Code:    code,
		Message: message,
		Path:    path,
		Cause:   err,
	}
}

// StoreError represents a failure reading or writing the persistent store.
type StoreError struct {
	Code      ErrorCode
	Message   string
	Key       string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Key != "" {
		msg += fmt.Sprintf(" (key: %s)", e.Key)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// NewStoreError creates a new store error.
func NewStoreError(code ErrorCode, message, key string) *StoreError {
	return &StoreError{
		Code:    code,
		Message: message,
		Key:     key,
	}
}

// WrapStoreError wraps an existing error as a store error.
func WrapStoreError(code ErrorCode, operation, key string, err error) *StoreError {
	return &StoreError{
		Code:      code,
		Message:   fmt.Sprintf("Store operation failed: %s", operation),
		Key:       key,
		Operation: operation,
		Cause:     err,
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new configuration error.
func NewConfigError(code ErrorCode, message string) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
	}
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Utility functions for common error operations

// GetCode extracts the error code from the first coded error in the chain.
func GetCode(err error) ErrorCode {
	var probeErr *ProbeError
	if stderrors.As(err, &probeErr) {
		return probeErr.Code
	}
	var storeErr *StoreError
	if stderrors.As(err, &storeErr) {
		return storeErr.Code
	}
	var configErr *ConfigError
	if stderrors.As(err, &configErr) {
		return configErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return GetCode(err) == code
}

// IsFatal determines if an error indicates a fatal condition that should stop execution.
// Probe and persistence failures never are; they degrade the scan instead.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeConfiguration, CodeDatabaseMigration:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrProbeNotExecutable creates a launch error for a missing or non-executable probe.
func ErrProbeNotExecutable(path string, err error) *ProbeError {
	return WrapProbeError(CodeLaunch, "Probe is not an executable file", path, err)
}

// ErrProbeExit creates a runtime error for an abnormal probe exit.
func ErrProbeExit(path string, err error) *ProbeError {
	return WrapProbeError(CodeProbeRuntime, "Probe exited abnormally", path, err)
}

// ErrKeyNotFound creates an error for a key missing from the store.
func ErrKeyNotFound(key string) *StoreError {
	return NewStoreError(CodeNotFound, "Key not found", key)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Required configuration field missing", field, nil)
}
