package registry

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// MemoryRegistry keeps agents in a map. Every read and write copies the
// agent, so callers never alias stored state.
type MemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]*types.Agent
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{agents: make(map[string]*types.Agent)}
}

// NewMemoryRegistryWithDefaults returns a registry holding DefaultAgents.
func NewMemoryRegistryWithDefaults() *MemoryRegistry {
	r := NewMemoryRegistry()
	now := time.Now().UTC()
	for _, a := range DefaultAgents() {
		a.CreatedAt, a.UpdatedAt = now, now
		r.agents[a.ID] = a
	}
	return r
}

func (r *MemoryRegistry) Create(_ context.Context, agent *types.Agent) (*types.Agent, error) {
	if err := validate(agent); err != nil {
		return nil, err
	}
	stored := cloneAgent(agent)
	stored.CreatedAt = time.Now().UTC()
	stored.UpdatedAt = stored.CreatedAt

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.agents[stored.ID]; taken {
		return nil, ErrAgentExists
	}
	r.agents[stored.ID] = stored
	return cloneAgent(stored), nil
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (*types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[id]; ok {
		return cloneAgent(a), nil
	}
	return nil, ErrAgentNotFound
}

// Update applies req to a copy and stores it only if the result is still a
// valid agent.
func (r *MemoryRegistry) Update(_ context.Context, id string, req *UpdateAgentRequest) (*types.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	next := cloneAgent(current)
	req.apply(next)
	if err := validate(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	r.agents[id] = next
	return cloneAgent(next), nil
}

func (r *MemoryRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return ErrAgentNotFound
	}
	delete(r.agents, id)
	return nil
}

func (r *MemoryRegistry) List(_ context.Context, opts *ListOptions) ([]*types.Agent, error) {
	if opts == nil {
		opts = &ListOptions{}
	}
	r.mu.RLock()
	out := make([]*types.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if matches(a, opts) {
			out = append(out, cloneAgent(a))
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *types.Agent) int { return strings.Compare(a.ID, b.ID) })
	return paginate(out, opts), nil
}

func (r *MemoryRegistry) Exists(_ context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok, nil
}

func (r *MemoryRegistry) Close() error { return nil }
