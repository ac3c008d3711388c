package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/doravidan/vibing2-sub003/internal/invoker"
)

// Directory adapts an AgentRegistry to the invoker's agent lookup.
type Directory struct {
	Registry AgentRegistry
}

var _ invoker.Directory = Directory{}

// Resolve returns the invocation profile of agent, or an error matching
// invoker.ErrInvalidAgent when it is not registered.
func (d Directory) Resolve(ctx context.Context, agent string) (*invoker.Profile, error) {
	a, err := d.Registry.Get(ctx, agent)
	if errors.Is(err, ErrAgentNotFound) {
		return nil, fmt.Errorf("%w: %q is not registered", invoker.ErrInvalidAgent, agent)
	}
	if err != nil {
		return nil, err
	}
	return &invoker.Profile{
		Name:         a.ID,
		SystemPrompt: a.SystemPrompt,
		Model:        a.Model,
	}, nil
}
