package validator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

func validTemplate() *types.Template {
	return &types.Template{
		ID:     "review",
		Name:   "Review",
		Params: json.RawMessage(`{"type":"object","required":["change"],"properties":{"change":{"type":"string"}}}`),
		Tasks: []types.TemplateTask{
			{ID: "a", Agent: "backend-architect", Prompt: "look at {{ .change }}"},
			{ID: "b", Agent: "backend-architect", Prompt: "summarise", DependsOn: []string{"a"}},
		},
	}
}

func TestValidateTemplate(t *testing.T) {
	v := MustNew()

	tests := []struct {
		name    string
		mutate  func(*types.Template)
		valid   bool
		message string
	}{
		{name: "valid", mutate: func(*types.Template) {}, valid: true},
		{
			name:   "missing name",
			mutate: func(t *types.Template) { t.Name = "" },
		},
		{
			name:   "no tasks",
			mutate: func(t *types.Template) { t.Tasks = nil },
		},
		{
			name:    "duplicate task id",
			mutate:  func(t *types.Template) { t.Tasks[1].ID = "a"; t.Tasks[1].DependsOn = nil },
			message: `duplicate task id "a"`,
		},
		{
			name:    "unknown dependency",
			mutate:  func(t *types.Template) { t.Tasks[1].DependsOn = []string{"ghost"} },
			message: `unknown dependency "ghost"`,
		},
		{
			name:    "self dependency",
			mutate:  func(t *types.Template) { t.Tasks[0].DependsOn = []string{"a"} },
			message: "depends on itself",
		},
		{
			name:    "broken param schema",
			mutate:  func(t *types.Template) { t.Params = json.RawMessage(`{"type": 12}`) },
			message: "invalid parameter schema",
		},
		{
			name: "bad config",
			mutate: func(t *types.Template) {
				t.Config = &types.ExecuteConfig{ContextStrategy: "everything"}
			},
			message: "unknown context strategy",
		},
		{
			name:   "partial config is fine",
			mutate: func(t *types.Template) { t.Config = &types.ExecuteConfig{MaxParallelAgents: 2} },
			valid:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := validTemplate()
			tt.mutate(tmpl)
			result := v.ValidateTemplate(tmpl)
			assert.Equal(t, tt.valid, result.Valid, result.Error())
			if tt.message != "" {
				assert.Contains(t, result.Error(), tt.message)
			}
		})
	}
}

func TestValidateParams(t *testing.T) {
	v := MustNew()
	schema := validTemplate().Params

	result := v.ValidateParams(schema, map[string]any{"change": "diff"})
	assert.True(t, result.Valid)

	result = v.ValidateParams(schema, map[string]any{})
	assert.False(t, result.Valid)
	assert.Contains(t, result.Error(), "change")

	result = v.ValidateParams(schema, map[string]any{"change": 42})
	assert.False(t, result.Valid)

	// Integer values from YAML defaults are accepted.
	intSchema := json.RawMessage(`{"type":"object","properties":{"n":{"type":"integer","maximum":5}}}`)
	assert.True(t, v.ValidateParams(intSchema, map[string]any{"n": 3}).Valid)
	assert.False(t, v.ValidateParams(intSchema, map[string]any{"n": 9}).Valid)

	assert.True(t, v.ValidateParams(nil, map[string]any{"anything": true}).Valid)
}

func TestValidateAgent(t *testing.T) {
	v := MustNew()
	assert.True(t, v.ValidateAgent(&types.Agent{ID: "qa-engineer", Name: "QA"}).Valid)
	assert.False(t, v.ValidateAgent(&types.Agent{ID: "Bad ID", Name: "QA"}).Valid)
	assert.False(t, v.ValidateAgent(&types.Agent{ID: "qa"}).Valid)
}

func TestValidateRequestJSON(t *testing.T) {
	v := MustNew()

	tests := []struct {
		name  string
		body  string
		valid bool
	}{
		{"template", `{"template":"fullstack-app","params":{"project_name":"x"}}`, true},
		{"inline tasks", `{"tasks":[{"id":"a","agent":"ui-designer","prompt":"p"}],"config":{"max_parallel_agents":2,"global_timeout":"5m"}}`, true},
		{"both", `{"template":"x","tasks":[{"id":"a","agent":"ui-designer","prompt":"p"}]}`, false},
		{"neither", `{"params":{}}`, false},
		{"bad strategy", `{"template":"x","config":{"context_strategy":"all"}}`, false},
		{"zero parallel", `{"template":"x","config":{"max_parallel_agents":0}}`, false},
		{"task missing agent", `{"tasks":[{"id":"a","prompt":"p"}]}`, false},
		{"not json", `{`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.ValidateRequestJSON([]byte(tt.body))
			assert.Equal(t, tt.valid, result.Valid, result.Error())
		})
	}
}

func TestParamSchemaCache(t *testing.T) {
	v := MustNew()
	schema := validTemplate().Params
	require.True(t, v.ValidateParams(schema, map[string]any{"change": "a"}).Valid)
	require.True(t, v.ValidateParams(schema, map[string]any{"change": "b"}).Valid)
	assert.Len(t, v.params, 1)
}
