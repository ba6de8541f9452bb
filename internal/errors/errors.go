// Package errors provides centralized error definitions and error handling
// utilities for tinypg. It defines the lifecycle error taxonomy (binary
// resolution, port allocation, workspace I/O, process supervision), structured
// error types with context, and helpers for aggregating best-effort teardown
// failures.
//
// Creating errors:
//
//	err := errors.NewWorkspaceError("create", dir, baseErr)
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrNoPortAvailable) { ... }
//
//	var wsErr *errors.WorkspaceError
//	if errors.As(err, &wsErr) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Binary resolution sentinel errors
var (
	// ErrBinaryUnavailable indicates that no server binary could be resolved
	// from the override path, the local cache, or a fetcher.
	ErrBinaryUnavailable = New("server binary unavailable")
	// ErrInvalidBinary indicates that a resolved binary path is missing,
	// not executable, or does not match the expected version.
	ErrInvalidBinary = New("invalid server binary")
)

// Port allocation sentinel errors
var (
	// ErrNoPortAvailable indicates that no free port was found within the
	// bounded number of probe attempts.
	ErrNoPortAvailable = New("no port available")
	// ErrPortNotLeased indicates an operation on a port that is not leased.
	ErrPortNotLeased = New("port not leased")
)

// Process supervision sentinel errors
var (
	// ErrStartTimeout indicates the server did not become ready in time.
	ErrStartTimeout = New("server did not become ready before timeout")
	// ErrProcessCrashed indicates the server process exited unexpectedly.
	ErrProcessCrashed = New("server process exited unexpectedly")
	// ErrStopTimeout indicates the server process did not exit even after a
	// forced kill. This is fatal: the OS still holds the port and data
	// directory, so neither can be considered released.
	ErrStopTimeout = New("server process did not exit after forced kill")
	// ErrNotRunning indicates an operation on a process that has exited.
	ErrNotRunning = New("process not running")
)

// Instance lifecycle sentinel errors
var (
	// ErrAlreadyStarted indicates Start was called on an instance that has
	// already left the created state.
	ErrAlreadyStarted = New("instance already started")
	// ErrInstanceNotFound indicates that a registered instance could not be found.
	ErrInstanceNotFound = New("instance not found")
)

// WorkspaceError represents a workspace creation or destruction I/O failure.
type WorkspaceError struct {
	Op   string // "create", "init", "destroy"
	Path string
	Err  error
}

// NewWorkspaceError creates a WorkspaceError wrapping the underlying cause.
func NewWorkspaceError(op, path string, err error) *WorkspaceError {
	return &WorkspaceError{Op: op, Path: path, Err: err}
}

// Error returns the error message.
func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("workspace %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *WorkspaceError) Unwrap() error {
	return e.Err
}

// ConfigError represents an invalid or unrecognized configuration option.
type ConfigError struct {
	Option  string
	Message string
}

// NewConfigError creates a ConfigError for the given option.
func NewConfigError(option, message string) *ConfigError {
	return &ConfigError{Option: option, Message: message}
}

// Error returns the error message.
func (e *ConfigError) Error() string {
	if e.Option == "" {
		return fmt.Sprintf("configuration error: %s", e.Message)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Option, e.Message)
}

// Aggregate combines best-effort teardown failures into a single error.
// Nil entries are dropped. Returns nil when no failure occurred, the sole
// wrapped error when there is exactly one, and a joined error otherwise so
// that errors.Is still matches every member.
func Aggregate(context string, errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}

	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%s: %w", context, nonNil[0])
	}

	var msgs []string
	for _, err := range nonNil {
		msgs = append(msgs, err.Error())
	}
	return fmt.Errorf("%s: %d failures (%s): %w",
		context, len(nonNil), strings.Join(msgs, "; "), Join(nonNil...))
}
