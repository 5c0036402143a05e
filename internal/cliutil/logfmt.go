package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/Paintersrp/phaserun/internal/phase"
)

// LogRecord represents a structured log event ready for JSON encoding.
type LogRecord struct {
	Timestamp  time.Time `json:"ts"`
	Phase      string    `json:"phase"`
	Type       string    `json:"type"`
	Level      string    `json:"level"`
	Message    string    `json:"msg"`
	Source     string    `json:"source"`
	Reason     string    `json:"reason,omitempty"`
	Returncode *int      `json:"returncode,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// NewLogRecord converts a phase event into a structured log record. Command
// output has its level inferred from the text and secrets masked.
func NewLogRecord(event phase.Event) LogRecord {
	level := event.Level
	if level == "" || event.Source == phase.LogSourceOutput {
		if inferred := inferLogLevel(event.Message); inferred != "" {
			level = inferred
		} else if level == "" {
			level = "info"
		}
	}
	source := event.Source
	if source == "" {
		source = phase.LogSourceSystem
	}
	record := LogRecord{
		Timestamp: event.Timestamp,
		Phase:     event.Phase,
		Type:      string(event.Type),
		Level:     level,
		Message:   RedactSecrets(event.Message),
		Source:    source,
		Reason:    event.Reason,
	}
	if event.Type == phase.EventTypeExited || event.Type == phase.EventTypeFailed {
		rc := event.Returncode
		record.Returncode = &rc
	}
	if event.Err != nil {
		record.Error = RedactSecrets(event.Err.Error())
	}
	return record
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|warning|info)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	switch strings.ToLower(matches[1]) {
	case "error":
		return "error"
	case "warn", "warning":
		return "warn"
	case "info":
		return "info"
	default:
		return ""
	}
}

// EncodeLogEvent encodes a phase event to JSON, reporting errors to stderr if
// needed.
func EncodeLogEvent(enc *json.Encoder, stderr io.Writer, event phase.Event) {
	if enc == nil {
		return
	}
	record := NewLogRecord(event)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode log: %v\n", err)
	}
}
