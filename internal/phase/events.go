package phase

import (
	"time"
)

// EventType captures the lifecycle notifications emitted while a phase runs.
type EventType string

const (
	EventTypeStarting   EventType = "starting"
	EventTypeLog        EventType = "log"
	EventTypeCancelling EventType = "cancelling"
	EventTypeEscalating EventType = "escalating"
	EventTypeTimeout    EventType = "timeout"
	EventTypeExited     EventType = "exited"
	EventTypeFailed     EventType = "failed"
)

// Event represents a single lifecycle or log notification.
type Event struct {
	Timestamp  time.Time
	Phase      string
	Type       EventType
	Message    string
	Level      string
	Source     string
	Err        error
	Returncode int
	Reason     string
}

const (
	// LogSourceOutput marks lines read from the phase command.
	LogSourceOutput = "output"
	// LogSourceSystem marks notifications produced by the runner itself.
	LogSourceSystem = "phaserun"
)

const (
	ReasonStart         = "start"
	ReasonOutput        = "output"
	ReasonSpawnFailure  = "spawn_failure"
	ReasonTimeout       = "timeout"
	ReasonContextCancel = "context_cancel"
	ReasonGraceExpired  = "grace_expired"
	ReasonExit          = "exit"
	ReasonSignal        = "signal"
	ReasonCancelFailure = "cancel_failure"
)

func levelFor(t EventType) string {
	switch t {
	case EventTypeFailed:
		return "error"
	case EventTypeCancelling, EventTypeEscalating, EventTypeTimeout:
		return "warn"
	default:
		return "info"
	}
}
