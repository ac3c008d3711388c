// Package registry provides agent registration and discovery.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// Common errors returned by AgentRegistry implementations.
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentExists   = errors.New("agent already exists")
	ErrInvalidAgent  = errors.New("invalid agent")
)

func validate(a *types.Agent) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAgent, err)
	}
	return nil
}

// UpdateAgentRequest is the input for updating an existing agent.
// Nil fields are left unchanged.
type UpdateAgentRequest struct {
	Name         *string  `json:"name,omitempty"`
	Description  *string  `json:"description,omitempty"`
	Category     *string  `json:"category,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Model        *string  `json:"model,omitempty"`
	Icon         *string  `json:"icon,omitempty"`
	SystemPrompt *string  `json:"system_prompt,omitempty"`
}

func (r *UpdateAgentRequest) apply(a *types.Agent) {
	if r.Name != nil {
		a.Name = *r.Name
	}
	if r.Description != nil {
		a.Description = *r.Description
	}
	if r.Category != nil {
		a.Category = *r.Category
	}
	if r.Capabilities != nil {
		a.Capabilities = r.Capabilities
	}
	if r.Model != nil {
		a.Model = *r.Model
	}
	if r.Icon != nil {
		a.Icon = *r.Icon
	}
	if r.SystemPrompt != nil {
		a.SystemPrompt = *r.SystemPrompt
	}
}

// ListOptions configures list queries.
type ListOptions struct {
	// Category filters agents by exact category.
	Category string

	// Capabilities filters agents that have ALL specified capabilities
	Capabilities []string

	// Limit is the maximum number of agents to return (0 = no limit)
	Limit int

	// Offset is the number of agents to skip (for pagination)
	Offset int
}

// AgentRegistry defines the interface for agent registration and discovery.
// Implementations must be safe for concurrent use.
type AgentRegistry interface {
	// Create registers a new agent. Returns ErrAgentExists if ID is taken.
	Create(ctx context.Context, agent *types.Agent) (*types.Agent, error)

	// Get retrieves an agent by ID. Returns ErrAgentNotFound if not found.
	Get(ctx context.Context, id string) (*types.Agent, error)

	// Update modifies an existing agent. Returns ErrAgentNotFound if not found.
	Update(ctx context.Context, id string, req *UpdateAgentRequest) (*types.Agent, error)

	// Delete removes an agent. Returns ErrAgentNotFound if not found.
	Delete(ctx context.Context, id string) error

	// List returns all agents matching the options, ordered by ID.
	List(ctx context.Context, opts *ListOptions) ([]*types.Agent, error)

	// Exists checks if an agent with the given ID exists.
	Exists(ctx context.Context, id string) (bool, error)

	// Close releases any resources.
	Close() error
}

func matches(a *types.Agent, opts *ListOptions) bool {
	if opts.Category != "" && a.Category != opts.Category {
		return false
	}
	return hasAllCapabilities(a.Capabilities, opts.Capabilities)
}

func hasAllCapabilities(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range want {
		if !set[c] {
			return false
		}
	}
	return true
}

func paginate(agents []*types.Agent, opts *ListOptions) []*types.Agent {
	if opts.Offset > 0 {
		if opts.Offset >= len(agents) {
			return []*types.Agent{}
		}
		agents = agents[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(agents) {
		agents = agents[:opts.Limit]
	}
	return agents
}

func cloneAgent(a *types.Agent) *types.Agent {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	return &c
}
