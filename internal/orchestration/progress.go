package orchestration

import "time"

// ProgressListener receives progress updates
type ProgressListener func(event ProgressEvent)

// EventType represents the type of progress event
type EventType string

// EventType constants
const (
	EventTaskStart    EventType = "task_start"
	EventTaskComplete EventType = "task_complete"
)

// ProgressEvent represents a progress update
type ProgressEvent struct {
	EventType  EventType
	SessionID  string
	TaskID     string
	TaskName   string
	TaskNum    int
	TotalTasks int
	// State is the final loop state, set on completion.
	State    string
	Turns    int
	Duration time.Duration
	Details  map[string]any
}

// OnProgress registers a progress listener
func (o *Orchestrator) OnProgress(listener ProgressListener) {
	o.progressMu.Lock()
	defer o.progressMu.Unlock()
	o.listeners = append(o.listeners, listener)
}

func (o *Orchestrator) notifyProgress(event ProgressEvent) {
	o.progressMu.Lock()
	listeners := make([]ProgressListener, len(o.listeners))
	copy(listeners, o.listeners)
	o.progressMu.Unlock()

	for _, listener := range listeners {
		listener(event)
	}
}
