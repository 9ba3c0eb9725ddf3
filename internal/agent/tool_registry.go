package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (1MB).
	MaxToolParamsSize = 1 << 20
)

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// ToolRegistry maps tool names to their schema and executor. Tools are
// registered during startup; afterwards the registry is only read.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

// NewToolRegistry creates a registry holding the given tools.
func NewToolRegistry(tools ...Tool) (*ToolRegistry, error) {
	r := &ToolRegistry{tools: make(map[string]registeredTool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool after compiling its input schema. Duplicate names are rejected.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("nil tool")
	}
	name := tool.Name()
	if name == "" || len(name) > MaxToolNameLength {
		return fmt.Errorf("invalid tool name %q", name)
	}
	schema, err := compileToolSchema(name, tool.Schema())
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = registeredTool{tool: tool, schema: schema}
	return nil
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	return rt.tool, ok
}

// Names returns the registered tool names in sorted order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subset returns the registered tools among names, in the order given.
// Unknown names are skipped.
func (r *ToolRegistry) Subset(names []string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(names))
	for _, name := range names {
		if rt, ok := r.tools[name]; ok {
			tools = append(tools, rt.tool)
		}
	}
	return tools
}

// Execute validates params against the tool's schema and runs it. Lookup and
// validation failures come back as *ToolError.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	if len(params) > MaxToolParamsSize {
		return nil, NewToolError(name, fmt.Errorf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize)).
			WithType(ToolErrorInvalidInput)
	}

	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, NewToolError(name, fmt.Errorf("%w: %s", ErrToolNotFound, name)).WithType(ToolErrorNotFound)
	}
	if err := validateToolInput(rt.schema, params); err != nil {
		return nil, NewToolError(name, err).WithType(ToolErrorInvalidInput)
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	return rt.tool.Execute(ctx, params)
}
