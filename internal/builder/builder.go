// Package builder instantiates task graphs from workflow templates.
package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"text/template"

	"github.com/doravidan/vibing2-sub003/internal/graph"
	"github.com/doravidan/vibing2-sub003/internal/templates"
	"github.com/doravidan/vibing2-sub003/internal/validator"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

var (
	// ErrInvalidParams is returned when parameters fail the template's
	// schema or leave a prompt placeholder unresolved.
	ErrInvalidParams = errors.New("invalid parameters")
	// ErrInvalidTemplate is returned when a template cannot be instantiated
	// whatever the parameters.
	ErrInvalidTemplate = errors.New("invalid template")
)

// Plan is an instantiated template.
type Plan struct {
	Template *types.Template
	// Params are the caller's parameters merged over the template defaults.
	Params map[string]any
	Tasks  []types.Task
	// Omitted lists tasks whose condition evaluated to false.
	Omitted []string
	Graph   *graph.Graph
}

// Config merges the template's execution config over defaults.
func (p *Plan) Config(defaults types.ExecuteConfig) types.ExecuteConfig {
	if p.Template.Config == nil {
		return defaults
	}
	return p.Template.Config.WithDefaults(defaults)
}

// Builder turns templates plus parameters into task graphs.
type Builder struct {
	store      templates.Store
	validator  *validator.Validator
	conditions *Conditions
	logger     *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the builder's logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// WithValidator sets the validator used for parameter schemas.
func WithValidator(v *validator.Validator) Option {
	return func(b *Builder) { b.validator = v }
}

// New creates a builder reading templates from store.
func New(store templates.Store, opts ...Option) *Builder {
	b := &Builder{
		store:      store,
		conditions: NewConditions(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.validator == nil {
		b.validator = validator.MustNew()
	}
	return b
}

// Build loads templateID and instantiates it with params.
func (b *Builder) Build(ctx context.Context, templateID string, params map[string]any) (*Plan, error) {
	t, err := b.store.Get(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", templateID, err)
	}
	return b.Instantiate(t, params)
}

// Instantiate substitutes params into t and builds the task graph.
func (b *Builder) Instantiate(t *types.Template, params map[string]any) (*Plan, error) {
	merged := mergeParams(t.Defaults, params)
	if result := b.validator.ValidateParams(t.Params, merged); !result.Valid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidParams, result.Error())
	}

	plan := &Plan{Template: t, Params: merged}
	included := make(map[string]bool, len(t.Tasks))
	for _, tt := range t.Tasks {
		if tt.When != "" {
			ok, err := b.conditions.Eval(tt.When, merged)
			if err != nil {
				return nil, fmt.Errorf("%w: task %s: %v", ErrInvalidTemplate, tt.ID, err)
			}
			if !ok {
				plan.Omitted = append(plan.Omitted, tt.ID)
				continue
			}
		}
		included[tt.ID] = true
	}

	for _, tt := range t.Tasks {
		if !included[tt.ID] {
			continue
		}
		task, err := render(tt, merged, included)
		if err != nil {
			return nil, err
		}
		plan.Tasks = append(plan.Tasks, task)
	}
	if len(plan.Omitted) > 0 {
		b.logger.Debug("template tasks omitted", "template_id", t.ID, "omitted", plan.Omitted)
	}

	g, err := graph.Build(plan.Tasks)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTemplate, err)
	}
	plan.Graph = g
	return plan, nil
}

// Check compiles every condition and prompt of t without parameters.
func (b *Builder) Check(t *types.Template) error {
	var errs []error
	for _, tt := range t.Tasks {
		if tt.When != "" {
			if err := b.conditions.Compile(tt.When); err != nil {
				errs = append(errs, fmt.Errorf("task %s: %w", tt.ID, err))
			}
		}
		if _, err := parse(tt.ID, tt.Prompt); err != nil {
			errs = append(errs, fmt.Errorf("task %s: prompt: %w", tt.ID, err))
		}
		if _, err := parse(tt.ID, tt.Description); err != nil {
			errs = append(errs, fmt.Errorf("task %s: description: %w", tt.ID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidTemplate, errors.Join(errs...))
	}
	return nil
}

// render produces the Task for tt, dropping dependencies on omitted tasks.
func render(tt types.TemplateTask, params map[string]any, included map[string]bool) (types.Task, error) {
	prompt, err := substitute(tt.ID, tt.Prompt, params)
	if err != nil {
		return types.Task{}, err
	}
	desc, err := substitute(tt.ID, tt.Description, params)
	if err != nil {
		return types.Task{}, err
	}

	deps := make([]string, 0, len(tt.DependsOn))
	for _, d := range tt.DependsOn {
		if included[d] {
			deps = append(deps, d)
		}
	}

	return types.Task{
		ID:           tt.ID,
		Description:  desc,
		AgentName:    tt.Agent,
		Prompt:       prompt,
		Dependencies: deps,
		Inputs:       append([]string(nil), tt.Inputs...),
		Priority:     tt.Priority,
	}, nil
}

func parse(name, text string) (*template.Template, error) {
	return template.New(name).Option("missingkey=error").Parse(text)
}

func substitute(name, text string, params map[string]any) (string, error) {
	if text == "" {
		return "", nil
	}
	tmpl, err := parse(name, text)
	if err != nil {
		return "", fmt.Errorf("%w: task %s: %v", ErrInvalidTemplate, name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("%w: task %s: %v", ErrInvalidParams, name, err)
	}
	return buf.String(), nil
}

// mergeParams overlays params on defaults without mutating either.
func mergeParams(defaults, params map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(params))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range params {
		out[k] = v
	}
	return out
}
