package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor derives the JSON Schema for a params struct. The result is fully
// inlined so it can be compiled locally and handed to model providers as-is;
// fields without omitempty become required, additional keys are rejected.
func SchemaFor(v any) (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	payload, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	return payload, nil
}

// mustSchema is SchemaFor for the built-in params structs, which are known
// shapes; a reflection failure there is a programming error.
func mustSchema(v any) json.RawMessage {
	payload, err := SchemaFor(v)
	if err != nil {
		panic(err)
	}
	return payload
}
