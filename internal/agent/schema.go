package agent

import (
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaFor reflects the JSON Schema of a tool input struct. Field docs come
// from `jsonschema:"description=..."` tags; fields without omitempty are required.
func SchemaFor[T any]() json.RawMessage {
	r := &invopop.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var v T
	schema := r.Reflect(&v)
	schema.Version = ""
	schema.ID = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

func compileToolSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	schema, err := jsonschema.CompileString("tool_"+name+".json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema for tool %s: %w", name, err)
	}
	return schema, nil
}

func validateToolInput(schema *jsonschema.Schema, params json.RawMessage) error {
	if schema == nil {
		return nil
	}
	var payload any
	if len(params) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(params, &payload); err != nil {
		return fmt.Errorf("invalid JSON input: %w", err)
	}
	return schema.Validate(payload)
}
