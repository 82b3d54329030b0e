package openrouter

import (
	"fmt"
	"strings"

	llmstream "github.com/haowjy/meridian-stream-go"
)

// onlineSuffix enables OpenRouter's web plugin for a model.
const onlineSuffix = ":online"

// buildChatCompletionRequest constructs an OpenRouter streaming request from a GenerateRequest.
func buildChatCompletionRequest(req *llmstream.GenerateRequest) (*ChatCompletionRequest, error) {
	params := req.Params
	if params == nil {
		params = &llmstream.RequestParams{}
	}

	messages, err := convertToOpenRouterMessages(req.Messages, params.System)
	if err != nil {
		return nil, fmt.Errorf("failed to convert messages: %w", err)
	}

	openrouterReq := &ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		TopK:        params.TopK,
		Stream:      true,
		Usage:       &UsageConfig{Include: true},
	}

	if len(params.Stop) > 0 {
		openrouterReq.Stop = params.Stop
	}

	if params.IsThinkingEnabled() {
		effort := "medium"
		if params.ThinkingLevel != nil && *params.ThinkingLevel != "" {
			effort = *params.ThinkingLevel
		}
		openrouterReq.Reasoning = &ReasoningConfig{Effort: effort}
	}

	tools, online, err := convertToOpenRouterTools(params.Tools)
	if err != nil {
		return nil, fmt.Errorf("failed to convert tools: %w", err)
	}
	openrouterReq.Tools = tools
	if online && !strings.HasSuffix(openrouterReq.Model, onlineSuffix) {
		openrouterReq.Model += onlineSuffix
	}

	if len(tools) > 0 && params.ToolChoice != nil {
		toolChoice, err := convertToolChoice(params.ToolChoice)
		if err != nil {
			return nil, fmt.Errorf("failed to convert tool choice: %w", err)
		}
		openrouterReq.ToolChoice = toolChoice
	}

	return openrouterReq, nil
}

// convertToOpenRouterMessages converts prompt history, prepending the system prompt.
func convertToOpenRouterMessages(messages []llmstream.PromptMessage, system *string) ([]Message, error) {
	if len(messages) == 0 {
		return nil, &llmstream.ValidationError{Field: "messages", Reason: "at least one message is required"}
	}

	result := make([]Message, 0, len(messages)+1)
	if system != nil && *system != "" {
		result = append(result, Message{Role: "system", Content: *system})
	}

	for i, msg := range messages {
		switch msg.Role {
		case "user", "assistant", "system":
			result = append(result, Message{Role: msg.Role, Content: msg.Text})
		default:
			return nil, fmt.Errorf("message %d: unsupported role '%s'", i, msg.Role)
		}
	}
	return result, nil
}

// convertToolChoice converts a ToolChoice to OpenRouter format.
func convertToolChoice(tc *llmstream.ToolChoice) (any, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}

	switch tc.Mode {
	case llmstream.ToolChoiceModeRequired:
		return "required", nil
	case llmstream.ToolChoiceModeNone:
		return "none", nil
	case llmstream.ToolChoiceModeSpecific:
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": *tc.ToolName},
		}, nil
	default:
		return "auto", nil
	}
}
