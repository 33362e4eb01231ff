// Package logging provides leveled logging and event tracing for popln.
// It offers two complementary outputs:
//   - A leveled slog.Logger for stderr (progress and diagnostics)
//   - An EventLog for structured JSONL simulation events (<results_dir>/events.jsonl)
package logging

import (
	"encoding/json"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LevelTrace is a custom slog level below Debug. At this level the
// simulator logs per-cycle aggregates.
const LevelTrace = slog.LevelDebug - 4

// EventsFile is the name of the event log inside the results directory.
const EventsFile = "events.jsonl"

// ParseLevel maps a string level name to a slog.Level.
// Supported values: "info", "debug", "trace" (case-insensitive).
// Unknown values default to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "trace":
		return LevelTrace
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a leveled slog.Logger writing to w.
func NewLogger(level string, w io.Writer) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard returns a logger that drops everything. Library code falls back
// to it when the caller passes no logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Event kinds written to the event log.
const (
	EventTreatmentIntroduced   = "treatment_introduced"
	EventTreatmentReintroduced = "treatment_reintroduced"
	EventResistanceGenerated   = "resistance_generated"
	EventClonesPruned          = "clones_pruned"
	EventRunFinished           = "run_finished"
)

// EventLog appends simulation events to a JSONL file, one object per line.
// It is safe for concurrent use. A nil EventLog is safe to use; all
// methods are no-ops on a nil receiver.
type EventLog struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// NewEventLog creates an event log writing to dir/events.jsonl.
// At "info" level (the default) it returns nil and no file is created.
// It also returns nil if the file cannot be opened.
func NewEventLog(dir string, level string) *EventLog {
	if ParseLevel(level) == slog.LevelInfo {
		return nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil
	}

	path := filepath.Join(dir, EventsFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil
	}

	return &EventLog{w: f}
}

// NewEventLogWriter creates an event log over an arbitrary writer.
func NewEventLogWriter(w io.WriteCloser) *EventLog {
	return &EventLog{w: w}
}

// Record writes one event. The kind and cycle are stored under "event" and
// "cycle", and a wall-clock "time" is added. The caller's map is not
// mutated.
func (el *EventLog) Record(kind string, cycle int, fields map[string]any) {
	if el == nil || el.w == nil {
		return
	}

	entry := make(map[string]any, len(fields)+3)
	maps.Copy(entry, fields)
	entry["event"] = kind
	entry["cycle"] = cycle
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	el.mu.Lock()
	defer el.mu.Unlock()
	_, _ = el.w.Write(data)
}

// Close closes the underlying file. Safe to call on nil receiver.
func (el *EventLog) Close() {
	if el == nil {
		return
	}

	el.mu.Lock()
	defer el.mu.Unlock()

	if el.w != nil {
		el.w.Close()
		el.w = nil
	}
}
