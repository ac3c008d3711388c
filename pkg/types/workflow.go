package types

import (
	"errors"
	"fmt"
	"time"
)

// WorkflowStatus represents the current state of a workflow run.
type WorkflowStatus string

const (
	WorkflowStatusNotStarted WorkflowStatus = "not_started"
	WorkflowStatusRunning    WorkflowStatus = "running"
	WorkflowStatusCompleted  WorkflowStatus = "completed"
	WorkflowStatusFailed     WorkflowStatus = "failed"
	WorkflowStatusTimedOut   WorkflowStatus = "timed_out"
)

// IsTerminal reports whether the workflow has finished.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusTimedOut
}

// ContextStrategy selects which prior outputs a task may see.
type ContextStrategy string

const (
	ContextShared       ContextStrategy = "shared"
	ContextIsolated     ContextStrategy = "isolated"
	ContextHierarchical ContextStrategy = "hierarchical"
)

// FailurePolicy controls how far a single task failure cascades.
type FailurePolicy string

const (
	FailIsolated FailurePolicy = "fail_isolated"
	FailFast     FailurePolicy = "fail_fast"
)

// PruningDisabled as ExecuteConfig.PruningThreshold turns context pruning
// off. A zero threshold means "use the default".
const PruningDisabled = -1

// ExecuteConfig configures a single workflow execution.
type ExecuteConfig struct {
	MaxParallelAgents int             `json:"max_parallel_agents,omitempty"`
	ContextStrategy   ContextStrategy `json:"context_strategy,omitempty"`
	PruningThreshold  int             `json:"pruning_threshold,omitempty"`
	GlobalTimeout     Duration        `json:"global_timeout,omitempty"`
	PerCallTimeout    Duration        `json:"per_call_timeout,omitempty"`
	FailurePolicy     FailurePolicy   `json:"failure_policy,omitempty"`
	// RateLimitRetries bounds retries of rate-limited invocations. 0 disables them.
	RateLimitRetries int `json:"rate_limit_retries,omitempty"`
}

// DefaultExecuteConfig returns the configuration used when nothing is specified.
func DefaultExecuteConfig() ExecuteConfig {
	return ExecuteConfig{
		MaxParallelAgents: 3,
		ContextStrategy:   ContextHierarchical,
		PruningThreshold:  8000,
		GlobalTimeout:     Duration(10 * time.Minute),
		PerCallTimeout:    Duration(2 * time.Minute),
		FailurePolicy:     FailIsolated,
	}
}

// WithDefaults fills zero fields of c from defaults.
func (c ExecuteConfig) WithDefaults(defaults ExecuteConfig) ExecuteConfig {
	if c.MaxParallelAgents == 0 {
		c.MaxParallelAgents = defaults.MaxParallelAgents
	}
	if c.ContextStrategy == "" {
		c.ContextStrategy = defaults.ContextStrategy
	}
	if c.PruningThreshold == 0 {
		c.PruningThreshold = defaults.PruningThreshold
	}
	if c.GlobalTimeout == 0 {
		c.GlobalTimeout = defaults.GlobalTimeout
	}
	if c.PerCallTimeout == 0 {
		c.PerCallTimeout = defaults.PerCallTimeout
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = defaults.FailurePolicy
	}
	if c.RateLimitRetries == 0 {
		c.RateLimitRetries = defaults.RateLimitRetries
	}
	return c
}

// Validate checks the configuration for values the scheduler cannot run with.
func (c ExecuteConfig) Validate() error {
	if c.MaxParallelAgents < 1 {
		return errors.New("max_parallel_agents must be at least 1")
	}
	switch c.ContextStrategy {
	case ContextShared, ContextIsolated, ContextHierarchical:
	default:
		return fmt.Errorf("unknown context strategy %q", c.ContextStrategy)
	}
	switch c.FailurePolicy {
	case FailIsolated, FailFast:
	default:
		return fmt.Errorf("unknown failure policy %q", c.FailurePolicy)
	}
	if c.PruningThreshold < PruningDisabled {
		return fmt.Errorf("pruning_threshold must be positive, or %d to disable pruning", PruningDisabled)
	}
	if c.GlobalTimeout < 0 || c.PerCallTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.RateLimitRetries < 0 {
		return errors.New("rate_limit_retries must not be negative")
	}
	return nil
}

// WorkflowResult is the outcome of executing a task graph.
type WorkflowResult struct {
	WorkflowID string                `json:"workflow_id"`
	Status     WorkflowStatus        `json:"status"`
	Results    map[string]TaskResult `json:"results"`
	// Order lists task ids in submission order.
	Order       []string  `json:"order"`
	TotalTokens int       `json:"total_tokens"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Error       string    `json:"error,omitempty"`
}

// Workflow is the stored record of a workflow run.
type Workflow struct {
	ID         string                `json:"id"`
	Name       string                `json:"name,omitempty"`
	TemplateID string                `json:"template_id,omitempty"`
	Status     WorkflowStatus        `json:"status"`
	Params     map[string]any        `json:"params,omitempty"`
	Config     ExecuteConfig         `json:"config"`
	Tasks      []Task                `json:"tasks"`
	Results    map[string]TaskResult `json:"results,omitempty"`
	Error      string                `json:"error,omitempty"`
	Metadata   map[string]string     `json:"metadata,omitempty"`
	StartedAt  *time.Time            `json:"started_at,omitempty"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// WorkflowMeta is a lightweight representation of a workflow for listing.
type WorkflowMeta struct {
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	TemplateID string         `json:"template_id,omitempty"`
	Status     WorkflowStatus `json:"status"`
	TaskCount  int            `json:"task_count"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Meta returns the listing view of w.
func (w *Workflow) Meta() *WorkflowMeta {
	return &WorkflowMeta{
		ID:         w.ID,
		Name:       w.Name,
		TemplateID: w.TemplateID,
		Status:     w.Status,
		TaskCount:  len(w.Tasks),
		StartedAt:  w.StartedAt,
		FinishedAt: w.FinishedAt,
		CreatedAt:  w.CreatedAt,
		UpdatedAt:  w.UpdatedAt,
	}
}
