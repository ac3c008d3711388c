package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// memoryWorkflow holds all state for a single workflow in memory.
type memoryWorkflow struct {
	mu          sync.RWMutex
	wf          *types.Workflow
	events      []*types.Event
	maxEvents   int64
	cancelled   bool
	done        bool
	subscribers map[chan *types.Event]struct{}
}

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*memoryWorkflow
	config    *Config
}

// NewMemoryStore creates a new in-memory Store.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		workflows: make(map[string]*memoryWorkflow),
		config:    cfg,
	}
}

// clone deep-copies a workflow so callers never share state with the store.
func clone(wf *types.Workflow) *types.Workflow {
	b, err := json.Marshal(wf)
	if err != nil {
		cp := *wf
		return &cp
	}
	var out types.Workflow
	if err := json.Unmarshal(b, &out); err != nil {
		cp := *wf
		return &cp
	}
	return &out
}

func (s *MemoryStore) get(id string) (*memoryWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return w, nil
}

func (s *MemoryStore) CreateWorkflow(ctx context.Context, wf *types.Workflow) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := clone(wf)
	if stored.ID == "" {
		stored.ID = generateWorkflowID()
	}
	if _, exists := s.workflows[stored.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrWorkflowExists, stored.ID)
	}
	now := time.Now().UTC()
	if stored.Status == "" {
		stored.Status = types.WorkflowStatusNotStarted
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now

	s.workflows[stored.ID] = &memoryWorkflow{
		wf:          stored,
		maxEvents:   s.config.EventMaxLen,
		subscribers: make(map[chan *types.Event]struct{}),
	}
	return stored.ID, nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	w, err := s.get(id)
	if err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return clone(w.wf), nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context) ([]*types.WorkflowMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metas := make([]*types.WorkflowMeta, 0, len(s.workflows))
	for _, w := range s.workflows {
		w.mu.RLock()
		metas = append(metas, w.wf.Meta())
		w.mu.RUnlock()
	}
	sortMetas(metas)
	return metas, nil
}

// sortMetas orders workflows newest first.
func sortMetas(metas []*types.WorkflowMeta) {
	sort.Slice(metas, func(i, j int) bool {
		if !metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].CreatedAt.After(metas[j].CreatedAt)
		}
		return metas[i].ID < metas[j].ID
	})
}

func (s *MemoryStore) UpdateWorkflowStatus(ctx context.Context, id string, status types.WorkflowStatus, errMsg string) error {
	w, err := s.get(id)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	applyStatus(w.wf, status, errMsg, time.Now().UTC())
	return nil
}

func (s *MemoryStore) UpdateTaskState(ctx context.Context, id string, task types.Task) error {
	w, err := s.get(id)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !applyTask(w.wf, task, time.Now().UTC()) {
		return fmt.Errorf("task %s not found in workflow %s", task.ID, id)
	}
	return nil
}

func (s *MemoryStore) CompleteWorkflow(ctx context.Context, id string, result *types.WorkflowResult) error {
	w, err := s.get(id)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	applyResult(w.wf, result, time.Now().UTC())
	w.done = true
	for ch := range w.subscribers {
		close(ch)
	}
	w.subscribers = make(map[chan *types.Event]struct{})
	return nil
}

func (s *MemoryStore) Cancel(ctx context.Context, id string) error {
	w, err := s.get(id)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelled = true
	w.wf.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) IsCancelled(ctx context.Context, id string) (bool, error) {
	w, err := s.get(id)
	if err != nil {
		return false, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cancelled, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	w, ok := s.workflows[id]
	delete(s.workflows, id)
	s.mu.Unlock()
	if !ok {
		return ErrWorkflowNotFound
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.subscribers {
		close(ch)
	}
	w.subscribers = make(map[chan *types.Event]struct{})
	w.done = true
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, id string, event *types.Event) error {
	w, err := s.get(id)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Append to ring buffer
	if w.maxEvents > 0 && int64(len(w.events)) >= w.maxEvents {
		w.events = w.events[1:]
	}
	w.events = append(w.events, event)

	// Notify subscribers (non-blocking)
	for ch := range w.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber too slow, skip
		}
	}
	return nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, id string, lastEventID string) ([]*types.Event, error) {
	w, err := s.get(id)
	if err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return eventsAfter(w.events, lastEventID), nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, id string) (<-chan *types.Event, func(), error) {
	w, err := s.get(id)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, 100)

	w.mu.Lock()
	if w.done {
		close(ch)
	} else {
		w.subscribers[ch] = struct{}{}
	}
	w.mu.Unlock()

	// The store closes the channel; cleanup only detaches it.
	cleanup := func() {
		w.mu.Lock()
		delete(w.subscribers, ch)
		w.mu.Unlock()
	}
	return ch, cleanup, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	count := len(s.workflows)
	s.mu.RUnlock()

	return map[string]any{
		"adapter":        "memory",
		"workflow_count": count,
		"max_events":     s.config.EventMaxLen,
	}, nil
}

// EvictExpired drops finished workflows whose last update is older than the
// configured TTL and returns how many were removed.
func (s *MemoryStore) EvictExpired(now time.Time) int {
	if s.config.TTL <= 0 {
		return 0
	}
	cutoff := now.Add(-s.config.TTL)

	s.mu.Lock()
	var expired []*memoryWorkflow
	for id, w := range s.workflows {
		w.mu.RLock()
		stale := w.wf.Status.IsTerminal() && w.wf.UpdatedAt.Before(cutoff)
		w.mu.RUnlock()
		if stale {
			expired = append(expired, w)
			delete(s.workflows, id)
		}
	}
	s.mu.Unlock()

	for _, w := range expired {
		w.mu.Lock()
		for ch := range w.subscribers {
			close(ch)
		}
		w.subscribers = make(map[chan *types.Event]struct{})
		w.done = true
		w.mu.Unlock()
	}
	return len(expired)
}

// RunJanitor calls EvictExpired every interval until ctx is done.
func (s *MemoryStore) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.EvictExpired(now)
		}
	}
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.workflows {
		w.mu.Lock()
		for ch := range w.subscribers {
			close(ch)
		}
		w.subscribers = make(map[chan *types.Event]struct{})
		w.done = true
		w.mu.Unlock()
	}
	return nil
}

// Verify interface compliance
var _ Store = (*MemoryStore)(nil)
