package events

// Event type constants for build, environment and runtime process events.
const (
	TypeBuildCompleted    = "build_completed"
	TypeBuildFailed       = "build_failed"
	TypeEnvChanged        = "env_changed"
	TypeProcessStarted    = "process_started"
	TypeProcessRestarting = "process_restarting"
	TypeProcessExited     = "process_exited"
	TypeProcessCrashed    = "process_crashed"
)

// BuildCompletedEvent is emitted after a build pass with no errors.
type BuildCompletedEvent struct {
	BaseEvent
	Generation int64    `json:"generation"`
	OutputFile string   `json:"output_file"`
	Functions  []string `json:"functions"`
}

// NewBuildCompletedEvent creates a new build_completed event.
func NewBuildCompletedEvent(projectID string, generation int64, outputFile string, functions []string) BuildCompletedEvent {
	return BuildCompletedEvent{
		BaseEvent:  NewBaseEvent(TypeBuildCompleted, projectID),
		Generation: generation,
		OutputFile: outputFile,
		Functions:  functions,
	}
}

// BuildFailedEvent is emitted after a build pass that produced errors.
type BuildFailedEvent struct {
	BaseEvent
	Generation int64    `json:"generation"`
	Errors     []string `json:"errors"`
}

// NewBuildFailedEvent creates a new build_failed event.
func NewBuildFailedEvent(projectID string, generation int64, errs []string) BuildFailedEvent {
	return BuildFailedEvent{
		BaseEvent:  NewBaseEvent(TypeBuildFailed, projectID),
		Generation: generation,
		Errors:     errs,
	}
}

// EnvChangedEvent is emitted when the environment file content changes.
type EnvChangedEvent struct {
	BaseEvent
	Path string   `json:"path"`
	Keys []string `json:"keys"`
}

// NewEnvChangedEvent creates a new env_changed event. Only key names are carried.
func NewEnvChangedEvent(projectID, path string, keys []string) EnvChangedEvent {
	return EnvChangedEvent{
		BaseEvent: NewBaseEvent(TypeEnvChanged, projectID),
		Path:      path,
		Keys:      keys,
	}
}

// ProcessEvent describes a runtime process lifecycle transition.
type ProcessEvent struct {
	BaseEvent
	HandleID string `json:"handle_id,omitempty"`
	PID      int    `json:"pid,omitempty"`
	Reason   string `json:"reason,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Aborted  int    `json:"aborted,omitempty"`
}

// NewProcessStartedEvent creates a new process_started event.
func NewProcessStartedEvent(projectID, handleID string, pid int) ProcessEvent {
	return ProcessEvent{
		BaseEvent: NewBaseEvent(TypeProcessStarted, projectID),
		HandleID:  handleID,
		PID:       pid,
	}
}

// NewProcessRestartingEvent creates a new process_restarting event.
func NewProcessRestartingEvent(projectID, handleID, reason string, aborted int) ProcessEvent {
	return ProcessEvent{
		BaseEvent: NewBaseEvent(TypeProcessRestarting, projectID),
		HandleID:  handleID,
		Reason:    reason,
		Aborted:   aborted,
	}
}

// NewProcessExitedEvent creates a new process_exited or process_crashed event.
func NewProcessExitedEvent(projectID, handleID string, exitCode int, crashed bool, reason string) ProcessEvent {
	eventType := TypeProcessExited
	if crashed {
		eventType = TypeProcessCrashed
	}
	return ProcessEvent{
		BaseEvent: NewBaseEvent(eventType, projectID),
		HandleID:  handleID,
		ExitCode:  exitCode,
		Reason:    reason,
	}
}
