package project

import (
	"errors"
)

// Sentinel errors for project operations
var (
	// ErrInvalidPath indicates the project root is missing or not a directory
	ErrInvalidPath = errors.New("invalid project path")

	// ErrContextClosed indicates the project context has been closed
	ErrContextClosed = errors.New("project context is closed")

	// ErrAlreadyRunning indicates Run was called twice
	ErrAlreadyRunning = errors.New("project is already running")

	// errRuntimeStopped ends the run group when the supervisor is closed
	errRuntimeStopped = errors.New("runtime stopped")
)
