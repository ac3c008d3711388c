// Package types provides shared types for the orchestrator service.
package types

import (
	"time"
)

// TaskStatus represents the current state of a task within a workflow.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusReady     TaskStatus = "ready"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusSkipped
}

// ErrorKind classifies why a task failed.
type ErrorKind string

const (
	ErrorKindTimeout      ErrorKind = "timeout"
	ErrorKindRateLimited  ErrorKind = "rate_limited"
	ErrorKindUpstream     ErrorKind = "upstream_error"
	ErrorKindInvalidAgent ErrorKind = "invalid_agent"
	ErrorKindCancelled    ErrorKind = "cancelled"
)

// Task is one delegated unit of work mapped to an agent invocation.
type Task struct {
	ID           string   `json:"id" yaml:"id"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
	AgentName    string   `json:"agent" yaml:"agent"`
	Prompt       string   `json:"prompt" yaml:"prompt"`
	Dependencies []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Inputs are context keys the task reads explicitly (used by the isolated strategy).
	Inputs   []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Priority int      `json:"priority,omitempty" yaml:"priority,omitempty"`

	Status     TaskStatus  `json:"status"`
	Result     *TaskOutput `json:"result,omitempty"`
	Error      *TaskError  `json:"error,omitempty"`
	SkippedBy  string      `json:"skipped_by,omitempty"`
	SkipReason string      `json:"skip_reason,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// TaskOutput is the output of a successful invocation.
type TaskOutput struct {
	Output       string `json:"output"`
	TokensUsed   int    `json:"tokens_used"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
}

// TaskError describes why a task failed.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *TaskError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// TaskResult is the per-task entry of a workflow's result map.
type TaskResult struct {
	TaskID       string     `json:"task_id"`
	AgentName    string     `json:"agent"`
	Status       TaskStatus `json:"status"`
	Output       string     `json:"output,omitempty"`
	TokensUsed   int        `json:"tokens_used,omitempty"`
	InputTokens  int        `json:"input_tokens,omitempty"`
	OutputTokens int        `json:"output_tokens,omitempty"`
	DurationMs   int64      `json:"duration_ms,omitempty"`
	ErrorKind    ErrorKind  `json:"error_kind,omitempty"`
	Error        string     `json:"error,omitempty"`
	// CausedBy names the ancestor whose failure caused a skip.
	CausedBy   string     `json:"caused_by,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ResultOf projects a task's current state into a TaskResult.
func ResultOf(t *Task) TaskResult {
	r := TaskResult{
		TaskID:     t.ID,
		AgentName:  t.AgentName,
		Status:     t.Status,
		CausedBy:   t.SkippedBy,
		Reason:     t.SkipReason,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
	if t.Result != nil {
		r.Output = t.Result.Output
		r.TokensUsed = t.Result.TokensUsed
		r.InputTokens = t.Result.InputTokens
		r.OutputTokens = t.Result.OutputTokens
		r.DurationMs = t.Result.DurationMs
	}
	if t.Error != nil {
		r.ErrorKind = t.Error.Kind
		r.Error = t.Error.Message
	}
	return r
}
