// Package types provides shared types, interfaces, and errors for the worker.
package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Port registry errors
	ErrNoPortsAvailable   = errors.New("no free debug ports available in configured range")
	ErrPortNotReserved    = errors.New("port is not in reserved state")
	ErrPortHolderMismatch = errors.New("port is held by a different worker")

	// Admission errors
	ErrNoSlotsAvailable = errors.New("maximum number of browser sessions reached")

	// Launch errors
	ErrLaunchFailed   = errors.New("browser launch failed")
	ErrLaunchTimeout  = errors.New("browser devtools endpoint not ready within deadline")
	ErrChromeNotFound = errors.New("chrome executable not found")
	ErrPIDNotFound    = errors.New("could not determine chrome process id")

	// Session errors
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyExists = errors.New("session already exists")
	ErrSessionTerminating   = errors.New("session is already terminating")

	// Request errors
	ErrInvalidRequest = errors.New("invalid session request")

	// Callback errors
	ErrCallbackFailed = errors.New("callback delivery failed")

	// Queue errors
	ErrQueueClosed = errors.New("queue client is closed")

	// Lifecycle errors
	ErrShuttingDown = errors.New("worker is shutting down")
)

// LaunchError provides detailed information about launch failures.
// It implements the error interface and supports error unwrapping.
type LaunchError struct {
	Port    int    // Debug port the launch was bound to
	Stage   string // Stage that failed: "spawn", "pid_capture", "devtools_wait"
	Message string // Human-readable error message
	Err     error  // Underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *LaunchError) Unwrap() error {
	return e.Err
}

// NewSpawnError creates an error for process spawn failures.
func NewSpawnError(port int, err error) *LaunchError {
	return &LaunchError{
		Port:    port,
		Stage:   "spawn",
		Message: "failed to spawn chrome process: " + err.Error(),
		Err:     ErrLaunchFailed,
	}
}

// NewPIDCaptureError creates an error for PID capture failures in
// custom-launcher mode.
func NewPIDCaptureError(port int) *LaunchError {
	return &LaunchError{
		Port:    port,
		Stage:   "pid_capture",
		Message: "could not find chrome process listening on the debug port",
		Err:     ErrPIDNotFound,
	}
}

// NewDevToolsTimeoutError creates an error for readiness probe timeouts.
func NewDevToolsTimeoutError(port int) *LaunchError {
	return &LaunchError{
		Port:    port,
		Stage:   "devtools_wait",
		Message: "chrome devtools endpoint did not become ready before the deadline",
		Err:     ErrLaunchTimeout,
	}
}
