// Package runstore provides workflow state persistence and event streaming.
package runstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrWorkflowExists   = errors.New("workflow already exists")
)

// Store defines the interface for workflow state persistence and event
// streaming. Implementations must be safe for concurrent use.
type Store interface {
	// Workflow lifecycle
	CreateWorkflow(ctx context.Context, wf *types.Workflow) (string, error)
	GetWorkflow(ctx context.Context, id string) (*types.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*types.WorkflowMeta, error)
	UpdateWorkflowStatus(ctx context.Context, id string, status types.WorkflowStatus, errMsg string) error
	UpdateTaskState(ctx context.Context, id string, task types.Task) error
	// CompleteWorkflow stores the final result and closes event subscriptions.
	CompleteWorkflow(ctx context.Context, id string, result *types.WorkflowResult) error
	Cancel(ctx context.Context, id string) error
	IsCancelled(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error

	// Event streaming
	// AppendEvent adds an already sequenced event to the workflow's stream.
	AppendEvent(ctx context.Context, id string, event *types.Event) error

	// GetEventsSince returns events after the given event ID (exclusive).
	// If lastEventID is empty, returns all retained events.
	GetEventsSince(ctx context.Context, id string, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel that receives new events for the workflow.
	// The cleanup function must be called when done to release resources.
	// The channel is closed once the workflow completes.
	Subscribe(ctx context.Context, id string) (<-chan *types.Event, func(), error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]any, error)

	// Cleanup
	Close() error
}

// Config holds configuration for Store implementations.
type Config struct {
	// Maximum number of events to keep per workflow (ring buffer)
	EventMaxLen int64

	// TTL for workflows (0 = no expiry)
	TTL time.Duration
}

// DefaultConfig returns sensible defaults for Store configuration.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		TTL:         7 * 24 * time.Hour,
	}
}

func generateWorkflowID() string { return uuid.NewString() }

// applyStatus updates status and the matching timestamps on wf.
func applyStatus(wf *types.Workflow, status types.WorkflowStatus, errMsg string, now time.Time) {
	wf.Status = status
	wf.UpdatedAt = now
	if errMsg != "" {
		wf.Error = errMsg
	}
	if status == types.WorkflowStatusRunning && wf.StartedAt == nil {
		wf.StartedAt = &now
	}
	if status.IsTerminal() && wf.FinishedAt == nil {
		wf.FinishedAt = &now
	}
}

// applyTask replaces the stored copy of task in wf.
func applyTask(wf *types.Workflow, task types.Task, now time.Time) bool {
	for i := range wf.Tasks {
		if wf.Tasks[i].ID == task.ID {
			wf.Tasks[i] = task
			wf.UpdatedAt = now
			return true
		}
	}
	return false
}

// applyResult copies a finished result into wf.
func applyResult(wf *types.Workflow, result *types.WorkflowResult, now time.Time) {
	wf.Results = result.Results
	if result.Error != "" {
		wf.Error = result.Error
	}
	started := result.StartedAt
	if wf.StartedAt == nil && !started.IsZero() {
		wf.StartedAt = &started
	}
	finished := result.FinishedAt
	if finished.IsZero() {
		finished = now
	}
	wf.FinishedAt = &finished
	wf.Status = result.Status
	wf.UpdatedAt = now
}

// eventsAfter returns the events following lastEventID. Event ids are
// sequence numbers, so ids older than the retained window replay everything.
func eventsAfter(events []*types.Event, lastEventID string) []*types.Event {
	if lastEventID == "" {
		return append([]*types.Event(nil), events...)
	}
	if seq, err := strconv.ParseInt(lastEventID, 10, 64); err == nil {
		for i, evt := range events {
			if evt.Seq > seq {
				return append([]*types.Event(nil), events[i:]...)
			}
		}
		return nil
	}
	for i, evt := range events {
		if evt.ID == lastEventID {
			return append([]*types.Event(nil), events[i+1:]...)
		}
	}
	return nil
}
