package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of event.
type EventType string

const (
	EventWorkflowStart    EventType = "workflow:start"
	EventTaskStart        EventType = "task:start"
	EventAgentInvoke      EventType = "agent:invoke"
	EventTaskComplete     EventType = "task:complete"
	EventTaskError        EventType = "task:error"
	EventTaskSkipped      EventType = "task:skipped"
	EventContextPruned    EventType = "context:pruned"
	EventMessageDelivered EventType = "message:delivered"
	EventWorkflowComplete EventType = "workflow:complete"
	EventWorkflowResults  EventType = "workflow:results"
)

// Event represents a single event in a workflow's event stream.
type Event struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	WorkflowID string          `json:"workflow_id"`
	Type       EventType       `json:"type"`
	TaskID     string          `json:"task_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// DecodeData unmarshals the event payload into v.
func (e *Event) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// ToSSE formats the event for Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}

// WorkflowStartEvent is the payload of workflow:start.
type WorkflowStartEvent struct {
	TaskCount int           `json:"task_count"`
	Config    ExecuteConfig `json:"config"`
}

// TaskStartEvent is the payload of task:start.
type TaskStartEvent struct {
	Agent    string `json:"agent"`
	Priority int    `json:"priority"`
}

// AgentInvokeEvent is the payload of agent:invoke.
type AgentInvokeEvent struct {
	Agent         string   `json:"agent"`
	ContextKeys   []string `json:"context_keys,omitempty"`
	ContextTokens int      `json:"context_tokens"`
	PromptTokens  int      `json:"prompt_tokens"`
}

// TaskCompleteEvent is the payload of task:complete.
type TaskCompleteEvent struct {
	Agent        string `json:"agent"`
	TokensUsed   int    `json:"tokens_used"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
	Output       string `json:"output"`
}

// TaskErrorEvent is the payload of task:error.
type TaskErrorEvent struct {
	Agent      string    `json:"agent"`
	Kind       ErrorKind `json:"kind"`
	Error      string    `json:"error"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// TaskSkippedEvent is the payload of task:skipped.
type TaskSkippedEvent struct {
	CausedBy string `json:"caused_by,omitempty"`
	Reason   string `json:"reason"`
}

// ContextPrunedEvent is the payload of context:pruned.
type ContextPrunedEvent struct {
	Scope       Scope    `json:"scope"`
	EvictedKeys []string `json:"evicted_keys"`
	TokensFreed int      `json:"tokens_freed"`
	TokensAfter int      `json:"tokens_after"`
}

// MessageDeliveredEvent is the payload of message:delivered.
type MessageDeliveredEvent struct {
	Message   Message `json:"message"`
	Delivered int     `json:"delivered"`
}

// WorkflowCompleteEvent is the payload of workflow:complete.
type WorkflowCompleteEvent struct {
	Status      WorkflowStatus     `json:"status"`
	Counts      map[TaskStatus]int `json:"counts"`
	TotalTokens int                `json:"total_tokens"`
	DurationMs  int64              `json:"duration_ms"`
	Error       string             `json:"error,omitempty"`
}

// WorkflowResultsEvent is the payload of workflow:results.
type WorkflowResultsEvent struct {
	Status  WorkflowStatus        `json:"status"`
	Results map[string]TaskResult `json:"results"`
}
