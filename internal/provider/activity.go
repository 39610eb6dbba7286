package provider

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Activity event kinds written to the NDJSON invocation log.
const (
	EventStart    = "start"
	EventActivity = "activity"
	EventComplete = "complete"
)

// activityNoteLimit caps a single streamed line in the log.
const activityNoteLimit = 500

// ActivityLog appends invocation lifecycle events to a newline-delimited
// JSON file at <dir>/<invocation-id>.log. Safe for concurrent writers; the
// stdout and stderr streams of one invocation share a log.
type ActivityLog struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

type activityEvent struct {
	Event    string `json:"event"`
	Time     string `json:"time"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Role     string `json:"role,omitempty"`
	Note     string `json:"note,omitempty"`
	Status   string `json:"status,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Duration int64  `json:"duration_ms,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// OpenActivityLog opens (appending) the activity log for an invocation,
// creating the directory as needed.
func OpenActivityLog(dir, invocationID string) (*ActivityLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create invocations dir: %w", err)
	}
	path := filepath.Join(dir, invocationID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open activity log: %w", err)
	}
	return &ActivityLog{f: f, enc: json.NewEncoder(f)}, nil
}

// Start records the start event.
func (l *ActivityLog) Start(providerName, model, role string) {
	l.write(activityEvent{
		Event:    EventStart,
		Provider: providerName,
		Model:    model,
		Role:     role,
	})
}

// Activity records one streamed output line, truncated to a sane length.
func (l *ActivityLog) Activity(note string) {
	if len(note) > activityNoteLimit {
		note = note[:activityNoteLimit]
	}
	l.write(activityEvent{Event: EventActivity, Note: note})
}

// Complete records the terminal event.
func (l *ActivityLog) Complete(status string, exitCode int, duration time.Duration, timedOut bool) {
	l.write(activityEvent{
		Event:    EventComplete,
		Status:   status,
		ExitCode: &exitCode,
		Duration: duration.Milliseconds(),
		TimedOut: timedOut,
	})
}

// Close flushes and closes the log file.
func (l *ActivityLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

func (l *ActivityLog) write(ev activityEvent) {
	ev.Time = time.Now().UTC().Format(time.RFC3339)
	l.mu.Lock()
	defer l.mu.Unlock()
	// Encode appends the newline NDJSON needs. Write failures are
	// swallowed; the log is an audit aid, not a correctness dependency.
	_ = l.enc.Encode(ev)
}
