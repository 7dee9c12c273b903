package toolconv

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/datachat/pkg/models"
)

// ToOpenAITools renders definitions as OpenAI function tools. The same
// shape serves every OpenAI-compatible backend (OpenRouter, Ollama, Azure).
func ToOpenAITools(defs []models.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  parametersOrEmpty(def),
			},
		})
	}
	return tools
}
