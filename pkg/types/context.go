package types

import "time"

// Scope is the visibility scope of a context entry.
type Scope string

const (
	// ScopeGlobal entries are visible to every task.
	ScopeGlobal Scope = "global"
	// ScopeBranch entries are visible to the producing task's descendants.
	ScopeBranch Scope = "branch"
	// ScopeTaskLocal entries are visible only to the producing task.
	ScopeTaskLocal Scope = "task_local"
)

// ContextEntry is one addressable piece of conversational state.
type ContextEntry struct {
	Key           string `json:"key"`
	Content       string `json:"content"`
	TokenEstimate int    `json:"token_estimate"`
	// ActualTokens is filled from invocation usage after the fact. Zero when unknown.
	ActualTokens int    `json:"actual_tokens,omitempty"`
	ProducedBy   string `json:"produced_by,omitempty"`
	Scope        Scope  `json:"scope"`
	// Priority orders eviction: lower priorities are pruned first.
	Priority int   `json:"priority"`
	Seq      int64 `json:"seq"`
}

// BroadcastTarget is the reserved message target addressing every agent.
const BroadcastTarget = "*"

// Message is an inter-agent communication unit.
type Message struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Sender     string         `json:"sender"`
	Target     string         `json:"target"`
	Payload    string         `json:"payload"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// IsBroadcast reports whether m is addressed to all agents.
func (m *Message) IsBroadcast() bool {
	return m.Target == BroadcastTarget
}
