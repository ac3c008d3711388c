package validator

const templateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "template.json",
  "title": "Workflow Template",
  "type": "object",
  "required": ["name", "tasks"],
  "properties": {
    "id": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9._-]*$"},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string"},
    "description": {"type": "string"},
    "params": {"type": "object"},
    "defaults": {"type": "object"},
    "config": {"type": "object"},
    "tags": {"type": "array", "items": {"type": "string"}},
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "agent", "prompt"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "agent": {"type": "string", "minLength": 1},
          "prompt": {"type": "string", "minLength": 1},
          "depends_on": {"type": "array", "items": {"type": "string"}, "uniqueItems": true},
          "inputs": {"type": "array", "items": {"type": "string"}},
          "priority": {"type": "integer"},
          "when": {"type": "string"}
        }
      }
    }
  }
}`

const agentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "agent.json",
  "title": "Agent",
  "type": "object",
  "required": ["id", "name"],
  "properties": {
    "id": {"type": "string", "pattern": "^[a-z][a-z0-9._-]*$"},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "category": {"type": "string"},
    "capabilities": {"type": "array", "items": {"type": "string"}},
    "model": {"type": "string"},
    "icon": {"type": "string"},
    "system_prompt": {"type": "string"}
  }
}`

const configSchemaJSON = `{
  "type": "object",
  "properties": {
    "max_parallel_agents": {"type": "integer", "minimum": 1},
    "context_strategy": {"enum": ["shared", "isolated", "hierarchical"]},
    "pruning_threshold": {"type": "integer", "minimum": 0},
    "global_timeout": {"type": ["string", "integer"]},
    "per_call_timeout": {"type": ["string", "integer"]},
    "failure_policy": {"enum": ["fail_isolated", "fail_fast"]},
    "rate_limit_retries": {"type": "integer", "minimum": 0}
  }
}`

const requestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "workflow-request.json",
  "title": "Workflow Submission",
  "type": "object",
  "properties": {
    "name": {"type": "string"},
    "template": {"type": "string", "minLength": 1},
    "params": {"type": "object"},
    "autostart": {"type": "boolean"},
    "config": ` + configSchemaJSON + `,
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "agent", "prompt"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "agent": {"type": "string", "minLength": 1},
          "prompt": {"type": "string"},
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "inputs": {"type": "array", "items": {"type": "string"}},
          "priority": {"type": "integer"}
        }
      }
    }
  },
  "oneOf": [
    {"required": ["template"], "not": {"required": ["tasks"]}},
    {"required": ["tasks"], "not": {"required": ["template"]}}
  ]
}`
