package toolconv

import (
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/datachat/pkg/models"
)

// ToGeminiTools groups every definition into one Gemini tool.
func ToGeminiTools(defs []models.ToolDefinition) []*genai.Tool {
	if len(defs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, def := range defs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  ToGeminiSchema(parametersOrEmpty(def)),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// ToGeminiSchema converts a JSON Schema map to Gemini's Schema type.
//
// Gemini accepts a single type per schema, so a union such as
// ["integer", "string"] collapses to STRING, which can carry either value.
func ToGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	switch t := schemaMap["type"].(type) {
	case string:
		schema.Type = genai.Type(strings.ToUpper(t))
	case []any:
		if len(t) == 1 {
			if s, ok := t[0].(string); ok {
				schema.Type = genai.Type(strings.ToUpper(s))
			}
		} else if len(t) > 1 {
			schema.Type = genai.TypeString
		}
	}

	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}

	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}

	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = ToGeminiSchema(propMap)
			}
		}
	}

	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}

	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = ToGeminiSchema(items)
	}

	return schema
}
