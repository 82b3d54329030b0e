package openrouter

import (
	"fmt"

	llmstream "github.com/haowjy/meridian-stream-go"
)

// convertToOpenRouterTools converts tool descriptors to OpenAI function format.
// Web search is not a function on OpenRouter: it is served by the :online
// model variant, reported through online.
func convertToOpenRouterTools(tools []llmstream.ToolDescriptor) (result []Tool, online bool, err error) {
	for i := range tools {
		tool := &tools[i]

		switch tool.Name {
		case "web_search", "search":
			online = true
			continue
		case "":
			return nil, false, fmt.Errorf("tool %d: name is required", i)
		}

		parameters := tool.Parameters
		if parameters == nil {
			parameters = map[string]any{"type": "object", "properties": map[string]any{}}
		}

		funcDef := FunctionDefinition{Name: tool.Name, Parameters: parameters}
		if tool.Description != "" {
			desc := tool.Description
			funcDef.Description = &desc
		}

		result = append(result, Tool{Type: "function", Function: funcDef})
	}
	return result, online, nil
}
