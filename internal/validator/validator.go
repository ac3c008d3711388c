// Package validator provides JSON schema validation for templates, agents,
// workflow requests and template parameters.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// Validator validates documents against the embedded schemas and against
// the parameter schemas carried by templates.
type Validator struct {
	templateSchema *jsonschema.Schema
	agentSchema    *jsonschema.Schema
	requestSchema  *jsonschema.Schema

	// params caches compiled parameter schemas by their source text.
	mu     sync.RWMutex
	params map[string]*jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Error joins the messages of an invalid result.
func (r *ValidationResult) Error() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		if e.Path == "" {
			msgs = append(msgs, e.Message)
			continue
		}
		msgs = append(msgs, e.Path+": "+e.Message)
	}
	return strings.Join(msgs, "; ")
}

func (r *ValidationResult) add(path, format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// New creates a new validator with embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	resources := map[string]string{
		"template.json":         templateSchemaJSON,
		"agent.json":            agentSchemaJSON,
		"workflow-request.json": requestSchemaJSON,
	}
	for name, src := range resources {
		if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("add %s: %w", name, err)
		}
	}

	v := &Validator{params: make(map[string]*jsonschema.Schema)}
	var err error
	if v.templateSchema, err = compiler.Compile("template.json"); err != nil {
		return nil, fmt.Errorf("compile template schema: %w", err)
	}
	if v.agentSchema, err = compiler.Compile("agent.json"); err != nil {
		return nil, fmt.Errorf("compile agent schema: %w", err)
	}
	if v.requestSchema, err = compiler.Compile("workflow-request.json"); err != nil {
		return nil, fmt.Errorf("compile request schema: %w", err)
	}
	return v, nil
}

// MustNew is New for static initialisation.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// ValidateTemplate checks a template's shape, that its parameter schema
// compiles and that task ids and dependencies are consistent.
func (v *Validator) ValidateTemplate(t *types.Template) *ValidationResult {
	doc, err := normalize(t)
	if err != nil {
		return invalid("$", err)
	}
	result := v.validate(v.templateSchema, doc)

	if len(t.Params) > 0 {
		if _, err := v.paramSchema(t.Params); err != nil {
			result.add("/params", "invalid parameter schema: %v", err)
		}
	}

	seen := make(map[string]bool, len(t.Tasks))
	for i, task := range t.Tasks {
		if task.ID == "" {
			continue
		}
		if seen[task.ID] {
			result.add(fmt.Sprintf("/tasks/%d/id", i), "duplicate task id %q", task.ID)
		}
		seen[task.ID] = true
	}
	for i, task := range t.Tasks {
		for _, dep := range task.DependsOn {
			if dep == task.ID {
				result.add(fmt.Sprintf("/tasks/%d/depends_on", i), "task %q depends on itself", task.ID)
			} else if !seen[dep] {
				result.add(fmt.Sprintf("/tasks/%d/depends_on", i), "unknown dependency %q", dep)
			}
		}
	}
	if t.Config != nil {
		// Zero fields fall back to the execution defaults.
		if err := t.Config.WithDefaults(types.DefaultExecuteConfig()).Validate(); err != nil {
			result.add("/config", "%v", err)
		}
	}
	return result
}

// ValidateAgent checks an agent definition.
func (v *Validator) ValidateAgent(a *types.Agent) *ValidationResult {
	doc, err := normalize(a)
	if err != nil {
		return invalid("$", err)
	}
	return v.validate(v.agentSchema, doc)
}

// ValidateRequestJSON checks a JSON-encoded workflow submission.
func (v *Validator) ValidateRequestJSON(data []byte) *ValidationResult {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return invalid("$", fmt.Errorf("invalid JSON: %w", err))
	}
	return v.validate(v.requestSchema, doc)
}

// ValidateParams checks params against a template's parameter schema.
// An empty schema accepts anything.
func (v *Validator) ValidateParams(schema json.RawMessage, params map[string]any) *ValidationResult {
	if len(schema) == 0 {
		return &ValidationResult{Valid: true}
	}
	compiled, err := v.paramSchema(schema)
	if err != nil {
		return invalid("/params", fmt.Errorf("invalid parameter schema: %w", err))
	}
	if params == nil {
		params = map[string]any{}
	}
	doc, err := normalize(params)
	if err != nil {
		return invalid("$", err)
	}
	return v.validate(compiled, doc)
}

func (v *Validator) paramSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	v.mu.RLock()
	compiled, ok := v.params[key]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := jsonschema.CompileString("params.json", key)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.params[key] = compiled
	v.mu.Unlock()
	return compiled, nil
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data any) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{{Path: "$", Message: err.Error()}}
	}
	return result
}

// extractErrors flattens the leaf causes of a validation error.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	if len(verr.Causes) == 0 {
		return []ValidationError{{Path: verr.InstanceLocation, Message: verr.Message}}
	}
	var out []ValidationError
	for _, cause := range verr.Causes {
		out = append(out, extractErrors(cause)...)
	}
	return out
}

// normalize converts v into the generic JSON form the schema library expects.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func invalid(path string, err error) *ValidationResult {
	return &ValidationResult{
		Valid:  false,
		Errors: []ValidationError{{Path: path, Message: err.Error()}},
	}
}
