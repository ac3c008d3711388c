package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// DefaultAgents is the built-in specialist catalog.
func DefaultAgents() []*types.Agent {
	return []*types.Agent{
		{
			ID:           "frontend-architect",
			Name:         "Frontend Architect",
			Description:  "Expert in React, Vue, Angular, and modern frontend architecture",
			Category:     "Frontend",
			Capabilities: []string{"Component architecture", "State management", "Performance optimization"},
			Icon:         "🏗️",
			SystemPrompt: "You are a senior frontend architect. Design component structure, state management and client performance.",
		},
		{
			ID:           "backend-architect",
			Name:         "Backend Architect",
			Description:  "Specializes in scalable backend systems and API design",
			Category:     "Backend",
			Capabilities: []string{"API design", "Microservices", "Database architecture"},
			Icon:         "⚙️",
			SystemPrompt: "You are a senior backend architect. Design APIs, service boundaries and data flow.",
		},
		{
			ID:           "database-architect",
			Name:         "Database Architect",
			Description:  "Expert in database design, optimization, and migration",
			Category:     "Database",
			Capabilities: []string{"Schema design", "Query optimization", "Data modeling"},
			Icon:         "🗄️",
			SystemPrompt: "You are a database architect. Produce schemas, indexes and migration plans.",
		},
		{
			ID:           "ui-designer",
			Name:         "UI/UX Designer",
			Description:  "Creates beautiful, intuitive user interfaces",
			Category:     "Design",
			Capabilities: []string{"UI design", "User experience", "Design systems"},
			Icon:         "🎨",
			SystemPrompt: "You are a UI/UX designer. Describe layouts, interaction flows and design tokens.",
		},
		{
			ID:           "devops-engineer",
			Name:         "DevOps Engineer",
			Description:  "Infrastructure automation and CI/CD specialist",
			Category:     "DevOps",
			Capabilities: []string{"CI/CD pipelines", "Container orchestration", "Infrastructure as code"},
			Icon:         "🚀",
			SystemPrompt: "You are a DevOps engineer. Define build pipelines, containers and infrastructure.",
		},
	}
}

// Seed registers the default agents that are not already present.
func Seed(ctx context.Context, r AgentRegistry) error {
	for _, a := range DefaultAgents() {
		if _, err := r.Create(ctx, a); err != nil && !errors.Is(err, ErrAgentExists) {
			return fmt.Errorf("seed agent %s: %w", a.ID, err)
		}
	}
	return nil
}
