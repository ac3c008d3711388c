package types

import (
	"errors"
	"time"
)

// Agent is a registered specialist the scheduler can delegate tasks to.
type Agent struct {
	// ID is the name tasks refer to (e.g. "backend-architect").
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
	Category     string   `json:"category,omitempty" yaml:"category,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	// Model overrides the invoker's default model for this agent.
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	Icon         string `json:"icon,omitempty" yaml:"icon,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields required to register an agent.
func (a *Agent) Validate() error {
	if a.ID == "" {
		return errors.New("agent id is required")
	}
	if a.Name == "" {
		return errors.New("agent name is required")
	}
	return nil
}
