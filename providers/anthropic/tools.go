package anthropic

import (
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	llmstream "github.com/haowjy/meridian-stream-go"
)

// convertToolsToAnthropicTools converts tool descriptors to Anthropic SDK format.
// Anthropic's own tools are selected by name; everything else is a custom tool.
func convertToolsToAnthropicTools(tools []llmstream.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for i := range tools {
		tool := &tools[i]

		var param anthropic.ToolUnionParam
		switch tool.Name {
		case "web_search", "search":
			// Server-side; Name and Type have default values
			param = anthropic.ToolUnionParam{OfWebSearchTool20250305: &anthropic.WebSearchTool20250305Param{}}
		case "text_editor":
			param = anthropic.ToolUnionParam{OfTextEditor20250728: &anthropic.ToolTextEditor20250728Param{}}
		case "bash":
			param = anthropic.ToolUnionParam{OfBashTool20250124: &anthropic.ToolBash20250124Param{}}
		default:
			var err error
			param, err = convertCustomTool(tool)
			if err != nil {
				return nil, fmt.Errorf("tool %d (%s): %w", i, tool.Name, err)
			}
		}
		result = append(result, param)
	}
	return result, nil
}

// convertCustomTool maps a JSON schema descriptor onto Anthropic's input_schema:
// properties and required are direct fields, the rest goes to ExtraFields.
func convertCustomTool(tool *llmstream.ToolDescriptor) (anthropic.ToolUnionParam, error) {
	if tool.Name == "" {
		return anthropic.ToolUnionParam{}, fmt.Errorf("tool name is required")
	}

	schema := anthropic.ToolInputSchemaParam{
		Properties:  tool.Parameters["properties"],
		ExtraFields: make(map[string]any),
	}

	switch required := tool.Parameters["required"].(type) {
	case []string:
		schema.Required = required
	case []any:
		schema.Required = make([]string, 0, len(required))
		for _, v := range required {
			if s, ok := v.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}

	for key, value := range tool.Parameters {
		if key != "type" && key != "properties" && key != "required" {
			schema.ExtraFields[key] = value
		}
	}

	param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
	if tool.Description != "" && param.OfTool != nil {
		param.OfTool.Description = anthropic.String(tool.Description)
	}
	return param, nil
}

// convertToolChoice converts a ToolChoice to Anthropic format.
// Returns nil if no tool choice is specified.
func convertToolChoice(choice *llmstream.ToolChoice) (*anthropic.ToolChoiceUnionParam, error) {
	if choice == nil {
		return nil, nil
	}
	if err := choice.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tool choice: %w", err)
	}

	switch choice.Mode {
	case llmstream.ToolChoiceModeAuto:
		return &anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}, nil

	case llmstream.ToolChoiceModeRequired:
		// Anthropic calls this "any"
		return &anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}, nil

	case llmstream.ToolChoiceModeNone:
		none := anthropic.NewToolChoiceNoneParam()
		return &anthropic.ToolChoiceUnionParam{OfNone: &none}, nil

	case llmstream.ToolChoiceModeSpecific:
		union := anthropic.ToolChoiceParamOfTool(*choice.ToolName)
		return &union, nil

	default:
		return nil, fmt.Errorf("unsupported tool choice mode: %s", choice.Mode)
	}
}
