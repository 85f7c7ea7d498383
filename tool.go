package loom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolContext carries the execution environment handed to every tool call.
type ToolContext struct {
	// WorkingDir is the agent's working directory.
	WorkingDir string
	// Config is the run configuration (read-only for tools).
	Config *Config
	// Scratchpad is the per-agent scratchpad, nil unless enabled.
	Scratchpad *Scratchpad
	// Values holds caller-supplied context entries.
	Values map[string]any
}

// Tool is a callable agent capability. Names must be unique within a run.
// Execute always returns a string; tools return structured data by
// JSON-encoding it themselves.
type Tool interface {
	Name() string
	Description() string
	// InputSchema returns the JSON Schema for the tool's input object.
	// A nil return means any object is accepted.
	InputSchema() json.RawMessage
	Execute(ctx context.Context, input json.RawMessage, tc ToolContext) (string, error)
}

// ToolDef is the provider-facing descriptor for a tool.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// anySchema accepts any JSON object; used when a tool declares no schema.
var anySchema = json.RawMessage(`{"type":"object"}`)

// registry resolves tool names to implementations and holds the compiled
// input schemas used to validate tool_use inputs before dispatch.
type registry struct {
	defs    []ToolDef
	impls   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// buildRegistry builds the provider-facing definitions and the name lookup
// map from the ordered tool list. Duplicate names and invalid schemas are
// construction-time errors.
func buildRegistry(tools []Tool) (*registry, error) {
	r := &registry{
		impls:   make(map[string]Tool, len(tools)),
		schemas: make(map[string]*jsonschema.Schema, len(tools)),
	}
	compiler := jsonschema.NewCompiler()
	for _, t := range tools {
		name := t.Name()
		if name == "" {
			return nil, fmt.Errorf("loom: tool with empty name (%T)", t)
		}
		if _, dup := r.impls[name]; dup {
			return nil, fmt.Errorf("loom: duplicate tool name %q", name)
		}
		raw := t.InputSchema()
		if len(raw) == 0 {
			raw = anySchema
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("loom: tool %q: invalid input schema: %w", name, err)
		}
		url := "loom://tool/" + name + ".json"
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("loom: tool %q: add schema: %w", name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("loom: tool %q: compile schema: %w", name, err)
		}
		r.impls[name] = t
		r.schemas[name] = schema
		r.defs = append(r.defs, ToolDef{Name: name, Description: t.Description(), InputSchema: raw})
	}
	return r, nil
}

// lookup returns the implementation for name, or nil.
func (r *registry) lookup(name string) Tool {
	if r == nil {
		return nil
	}
	return r.impls[name]
}

// validateInput checks a tool call's input against the tool's compiled
// schema. Unknown names pass; the executor reports those separately.
func (r *registry) validateInput(name string, input json.RawMessage) error {
	schema, ok := r.schemas[name]
	if !ok {
		return nil
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(input))
	if err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("input does not match schema: %w", err)
	}
	return nil
}
