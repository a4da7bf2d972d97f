package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentplane/agentplane/pkg/llms"
	"github.com/agentplane/agentplane/pkg/store"
)

// Definitions converts stored tools to the schema form presented to the LLM.
func Definitions(tools []*store.Tool) []llms.ToolDefinition {
	defs := make([]llms.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, llms.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return defs
}

// ValidateArgs checks tool-call arguments against the tool's JSON Schema.
// Tools without a schema accept anything.
func ValidateArgs(tool *store.Tool, args map[string]any) error {
	if len(tool.Parameters) == 0 {
		return nil
	}

	schemaJSON, err := json.Marshal(tool.Parameters)
	if err != nil {
		return fmt.Errorf("invalid tool schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid tool schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", doc); err != nil {
		return fmt.Errorf("invalid tool schema: %w", err)
	}
	schema, err := compiler.Compile("tool.json")
	if err != nil {
		return fmt.Errorf("invalid tool schema: %w", err)
	}

	// Round-trip so numbers take the json.Number-free form the validator expects.
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(argsJSON))
	if err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return schema.Validate(value)
}

// ValidateSchema checks that a parameter schema itself compiles as JSON
// Schema. Empty schemas are allowed.
func ValidateSchema(params map[string]any) error {
	if len(params) == 0 {
		return nil
	}
	schemaJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	if _, err := compiler.Compile("schema.json"); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	return nil
}

// DynamicSet tracks tool names approved mid-session via proposals. It is
// process-global and scoped by session id; round N+1 of a tool loop may see
// names round N did not.
type DynamicSet struct {
	mu        sync.RWMutex
	bySession map[string]map[string]bool
}

func NewDynamicSet() *DynamicSet {
	return &DynamicSet{bySession: make(map[string]map[string]bool)}
}

func (d *DynamicSet) Add(sessionID, toolName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set := d.bySession[sessionID]
	if set == nil {
		set = make(map[string]bool)
		d.bySession[sessionID] = set
	}
	set[toolName] = true
}

func (d *DynamicSet) Names(sessionID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set := d.bySession[sessionID]
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	return names
}

func (d *DynamicSet) Drop(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.bySession, sessionID)
}
