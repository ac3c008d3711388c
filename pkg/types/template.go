package types

import (
	"encoding/json"
	"time"
)

// Template is a reusable, parameterised workflow definition.
type Template struct {
	ID          string `json:"id,omitempty" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version,omitempty" yaml:"version"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Params is a JSON Schema describing the accepted parameters.
	Params json.RawMessage `json:"params,omitempty" yaml:"-"`
	// Defaults are applied to parameters the caller omits.
	Defaults map[string]any `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	// Config overrides execution defaults for runs of this template.
	Config *ExecuteConfig `json:"config,omitempty" yaml:"-"`
	Tasks  []TemplateTask `json:"tasks" yaml:"tasks"`
	Tags   []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Source string         `json:"source,omitempty" yaml:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TemplateTask is a task definition whose prompt and description may
// reference parameters.
type TemplateTask struct {
	ID          string   `json:"id" yaml:"id"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Agent       string   `json:"agent" yaml:"agent"`
	Prompt      string   `json:"prompt" yaml:"prompt"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Inputs      []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Priority    int      `json:"priority,omitempty" yaml:"priority,omitempty"`
	// When is an expression over params; the task is omitted when it is false.
	When string `json:"when,omitempty" yaml:"when,omitempty"`
}

// TemplateMeta is the listing view of a template.
type TemplateMeta struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description,omitempty"`
	TaskCount   int       `json:"task_count"`
	Tags        []string  `json:"tags,omitempty"`
	Source      string    `json:"source,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Meta returns the listing view of t.
func (t *Template) Meta() *TemplateMeta {
	return &TemplateMeta{
		ID:          t.ID,
		Name:        t.Name,
		Version:     t.Version,
		Description: t.Description,
		TaskCount:   len(t.Tasks),
		Tags:        t.Tags,
		Source:      t.Source,
		UpdatedAt:   t.UpdatedAt,
	}
}
