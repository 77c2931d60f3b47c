package engine

import "time"

// EventType names a progress event emitted during an execution.
type EventType string

const (
	EventConnected       EventType = "connected"
	EventExecutionUpdate EventType = "execution-update"
	EventAgentStarted    EventType = "agent-started"
	EventAgentCompleted  EventType = "agent-completed"
	EventTaskProgress    EventType = "task-progress"
	EventDone            EventType = "done"
	EventError           EventType = "error"
)

// Event is a progress notification for one execution.
type Event struct {
	Type        EventType        `json:"type"`
	ExecutionID string           `json:"execution_id"`
	Execution   *Execution       `json:"execution,omitempty"`
	Result      *AgentStepResult `json:"result,omitempty"`
	AgentID     string           `json:"agent_id,omitempty"`
	AgentName   string           `json:"agent_name,omitempty"`
	Message     string           `json:"message,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Publisher fans out progress events to live subscribers. Delivery is
// best-effort; a slow subscriber must never delay the engine.
type Publisher interface {
	Publish(executionID string, ev Event)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(string, Event) {}
