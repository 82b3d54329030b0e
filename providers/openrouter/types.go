package openrouter

// ChatCompletionRequest represents an OpenRouter chat completion request.
// OpenRouter uses OpenAI-compatible format.
type ChatCompletionRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	TopK        *int             `json:"top_k,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
	Stream      bool             `json:"stream"`
	Tools       []Tool           `json:"tools,omitempty"`
	ToolChoice  any              `json:"tool_choice,omitempty"` // "auto", "none", "required", or {"type": "function", "function": {"name": "..."}}
	Reasoning   *ReasoningConfig `json:"reasoning,omitempty"`
	Usage       *UsageConfig     `json:"usage,omitempty"`
}

// ReasoningConfig enables reasoning tokens on models that support them.
type ReasoningConfig struct {
	Effort string `json:"effort,omitempty"` // "low", "medium", "high"
}

// UsageConfig asks OpenRouter to append a usage chunk to the stream.
type UsageConfig struct {
	Include bool `json:"include"`
}

// Message represents a message in the conversation.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ToolCall represents a streamed function call fragment.
type ToolCall struct {
	Index    *int         `json:"index,omitempty"` // Position of this tool call in the array
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"` // "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall represents the function details of a tool call.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"` // JSON fragment
}

// Annotation represents a citation or reference in the response.
// Used by OpenRouter :online models to provide web search results.
type Annotation struct {
	Type        string       `json:"type"` // "url_citation"
	URLCitation *URLCitation `json:"url_citation,omitempty"`
}

// URLCitation represents a web search result citation.
type URLCitation struct {
	URL        string  `json:"url"`
	StartIndex int     `json:"start_index"`
	EndIndex   int     `json:"end_index"`
	Title      *string `json:"title,omitempty"`
	Content    *string `json:"content,omitempty"` // Snippet/excerpt from the page
}

// ReasoningDetail represents a reasoning/thinking detail in the response.
type ReasoningDetail struct {
	Type    string  `json:"type"`              // "reasoning.text", "reasoning.summary", "reasoning.encrypted"
	Text    *string `json:"text,omitempty"`    // For type "reasoning.text"
	Summary *string `json:"summary,omitempty"` // For type "reasoning.summary"
	Data    *string `json:"data,omitempty"`    // For type "reasoning.encrypted"
}

// Tool represents a function tool definition.
type Tool struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition represents a function tool definition.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description *string        `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// ChatCompletionChunk represents a streaming chunk from OpenRouter.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"` // "chat.completion.chunk"
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"` // Only on the final chunk
	Error   *StreamError  `json:"error,omitempty"` // Mid-stream provider failure
}

// ChunkChoice represents a choice in a streaming chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta represents incremental updates in a chunk.
type Delta struct {
	Role             *string           `json:"role,omitempty"`
	Content          *string           `json:"content,omitempty"`
	ToolCalls        []ToolCall        `json:"tool_calls,omitempty"`
	Reasoning        *string           `json:"reasoning,omitempty"`         // Often a placeholder
	ReasoningDetails []ReasoningDetail `json:"reasoning_details,omitempty"` // Actual thinking content
	Annotations      []Annotation      `json:"annotations,omitempty"`       // Web search results from :online models
}

// Usage represents token usage reported at the end of the stream.
type Usage struct {
	PromptTokens            int                      `json:"prompt_tokens"`
	CompletionTokens        int                      `json:"completion_tokens"`
	TotalTokens             int                      `json:"total_tokens"`
	CompletionTokensDetails *CompletionTokensDetails `json:"completion_tokens_details,omitempty"`
}

// CompletionTokensDetails breaks completion tokens down.
type CompletionTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

// StreamError is the error object OpenRouter sends in place of choices when
// the upstream provider fails after streaming began.
type StreamError struct {
	Code    any    `json:"code"` // number or string depending on upstream
	Message string `json:"message"`
}
