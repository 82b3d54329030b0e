package anthropic

import (
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	llmstream "github.com/haowjy/meridian-stream-go"
)

// buildMessageParams constructs Anthropic API parameters from a GenerateRequest.
func buildMessageParams(req *llmstream.GenerateRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertToAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("failed to convert messages: %w", err)
	}

	params := req.Params
	if params == nil {
		params = &llmstream.RequestParams{}
	}

	apiParams := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(params.GetMaxTokens(4096)),
	}

	if params.Temperature != nil {
		apiParams.Temperature = anthropic.Float(*params.Temperature)
	}
	if params.TopP != nil {
		apiParams.TopP = anthropic.Float(*params.TopP)
	}
	if params.TopK != nil {
		apiParams.TopK = anthropic.Int(int64(*params.TopK))
	}
	if len(params.Stop) > 0 {
		apiParams.StopSequences = params.Stop
	}
	if params.System != nil {
		apiParams.System = []anthropic.TextBlockParam{{Type: "text", Text: *params.System}}
	}

	// Thinking level maps to a token budget
	if params.IsThinkingEnabled() {
		if budget := params.GetThinkingBudgetTokens(); budget > 0 {
			apiParams.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
		}
	}

	tools, err := convertToolsToAnthropicTools(params.Tools)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	if len(tools) > 0 {
		apiParams.Tools = tools
	}

	choice, err := convertToolChoice(params.ToolChoice)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	if choice != nil {
		apiParams.ToolChoice = *choice
	}

	return apiParams, nil
}

// convertToAnthropicMessages converts prompt history to Anthropic SDK format.
func convertToAnthropicMessages(messages []llmstream.PromptMessage) ([]anthropic.MessageParam, error) {
	if len(messages) == 0 {
		return nil, &llmstream.ValidationError{Field: "messages", Reason: "at least one message is required"}
	}

	result := make([]anthropic.MessageParam, 0, len(messages))
	for i, msg := range messages {
		block := anthropic.NewTextBlock(msg.Text)
		switch msg.Role {
		case "user":
			result = append(result, anthropic.NewUserMessage(block))
		case "assistant":
			result = append(result, anthropic.NewAssistantMessage(block))
		default:
			return nil, fmt.Errorf("message %d: unsupported role '%s'", i, msg.Role)
		}
	}
	return result, nil
}
