package session

import "time"

// EventType identifies the kind of session event.
type EventType string

const (
	EventSessionOpened   EventType = "session_opened"
	EventSessionStart    EventType = "session_start"
	EventCategorized     EventType = "categorized"
	EventGraphBuilt      EventType = "graph_built"
	EventTaskStart       EventType = "task_start"
	EventTaskComplete    EventType = "task_complete"
	EventToolCall        EventType = "tool_call"
	EventVerification    EventType = "verification"
	EventSessionComplete EventType = "session_complete"
	EventError           EventType = "error"
)

// Event is a single timestamped entry in a session log.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Session   string         `json:"session"`
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with the current timestamp.
func NewEvent(sessionID string, t EventType, data map[string]any) Event {
	return Event{
		Timestamp: time.Now().UTC(),
		Session:   sessionID,
		Type:      t,
		Data:      data,
	}
}

// OpenedData returns event data for a session entering the store.
func OpenedData(userID string, messages int, replaced bool) map[string]any {
	return map[string]any{
		"user_id":  userID,
		"messages": messages,
		"replaced": replaced,
	}
}

// TaskStartData returns event data for a task start.
func TaskStartData(taskID, taskName string, taskNum, totalTasks int) map[string]any {
	return map[string]any{
		"task_id":     taskID,
		"task_name":   taskName,
		"task_num":    taskNum,
		"total_tasks": totalTasks,
	}
}

// TaskCompleteData returns event data for a task completion.
func TaskCompleteData(taskID, state string, turns int, durationMs int64) map[string]any {
	return map[string]any{
		"task_id":     taskID,
		"state":       state,
		"turns":       turns,
		"duration_ms": durationMs,
	}
}

// ToolCallData returns event data for one executed tool call.
func ToolCallData(kind, detail string, ok bool) map[string]any {
	return map[string]any{
		"kind":   kind,
		"detail": detail,
		"ok":     ok,
	}
}

// ErrorData returns event data for an error.
func ErrorData(msg string) map[string]any {
	return map[string]any{
		"error": msg,
	}
}
