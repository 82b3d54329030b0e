package llmstream

// GenerateRequest contains the parameters for one streamed generation.
type GenerateRequest struct {
	// Messages contains the conversation history.
	Messages []PromptMessage

	// Model is the model identifier (e.g., "claude-haiku-4-5-20251001")
	Model string

	// Params contains all request parameters (temperature, max_tokens, thinking settings, tools)
	Params *RequestParams
}

// PromptMessage is one message of conversation history sent to the provider.
type PromptMessage struct {
	// Role is "user" or "assistant"
	Role string

	// Text is the flattened text content
	Text string
}
