// Package toolconv renders tool definitions in each model vendor's format.
package toolconv

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/datachat/pkg/models"
)

// parameters decodes def's JSON Schema. An absent schema is an empty
// object schema; anything that is not a JSON object is an error.
func parameters(def models.ToolDefinition) (map[string]any, error) {
	raw := bytes.TrimSpace(def.Parameters)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return emptyObjectSchema(), nil
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("tool %s: parameters must be a JSON object: %w", def.Name, err)
	}
	return schema, nil
}

// parametersOrEmpty is parameters with unusable schemas replaced by an
// empty object schema, so the tool stays callable.
func parametersOrEmpty(def models.ToolDefinition) map[string]any {
	schema, err := parameters(def)
	if err != nil {
		return emptyObjectSchema()
	}
	return schema
}

func emptyObjectSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
