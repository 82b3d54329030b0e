package llmstream

// ChunkType identifies a canonical streaming event.
type ChunkType string

// Chunk types emitted by provider adapters.
const (
	ChunkResponseCreated   ChunkType = "response_created"
	ChunkTextStart         ChunkType = "text_start"
	ChunkTextDelta         ChunkType = "text_delta"
	ChunkTextComplete      ChunkType = "text_complete"
	ChunkThinkingStart     ChunkType = "thinking_start"
	ChunkThinkingDelta     ChunkType = "thinking_delta"
	ChunkThinkingComplete  ChunkType = "thinking_complete"
	ChunkToolPending       ChunkType = "tool_pending"
	ChunkToolInProgress    ChunkType = "tool_in_progress"
	ChunkToolComplete      ChunkType = "tool_complete"
	ChunkImageComplete     ChunkType = "image_complete"
	ChunkWebSearchComplete ChunkType = "web_search_complete"
	ChunkResponseComplete  ChunkType = "response_complete"
	ChunkTypeError         ChunkType = "error"
)

// Chunk is a provider-agnostic streaming event.
//
// Only the fields relevant to Type are populated:
//   - text/thinking deltas: Text is the new fragment
//   - text/thinking complete: Text is the full span
//   - thinking delta/complete: ElapsedMs since the span started
//   - tool chunks: ToolCall (and ToolResult on complete)
//   - image complete: Images
//   - web search complete: WebSearch
//   - response complete: Usage
//   - error: Err
//
// Chunks are values and are never mutated after emission.
type Chunk struct {
	Type ChunkType `json:"type"`

	Text      string `json:"text,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`

	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`

	Images    []Image           `json:"images,omitempty"`
	WebSearch *WebSearchResults `json:"web_search,omitempty"`

	Usage *Usage      `json:"usage,omitempty"`
	Err   *ChunkError `json:"error,omitempty"`
}

// ChunkHandler receives chunks in arrival order. A non-nil error aborts the stream.
type ChunkHandler func(Chunk) error

// ToolCall is a finalized tool invocation.
type ToolCall struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Kind             ToolKind `json:"kind"`
	Arguments        any      `json:"arguments,omitempty"`     // Parsed JSON, or the raw string when not valid JSON
	RawArguments     string   `json:"raw_arguments,omitempty"` // Concatenated argument fragments
	ProviderExecuted bool     `json:"provider_executed,omitempty"`
}

// ToolResult is the outcome of a tool call.
type ToolResult struct {
	Output  any  `json:"output,omitempty"`
	IsError bool `json:"is_error,omitempty"`
}

// Image is a generated image, either inline (Data, base64) or by URL.
type Image struct {
	URL       string `json:"url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// WebSearchSource names where search results came from.
type WebSearchSource string

const (
	WebSearchSourceAnthropic  WebSearchSource = "anthropic"
	WebSearchSourceOpenRouter WebSearchSource = "openrouter"
	WebSearchSourceGemini     WebSearchSource = "gemini"
	WebSearchSourceAISDK      WebSearchSource = "ai-sdk"
)

// WebSearchResults carries grounding or citation data for a turn.
type WebSearchResults struct {
	Source  WebSearchSource `json:"source"`
	Results []SearchResult  `json:"results"`
}

// SearchResult is one cited source.
type SearchResult struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Usage is the token accounting reported at the end of a turn.
type Usage struct {
	Model          string `json:"model,omitempty"`
	InputTokens    int    `json:"input_tokens"`
	OutputTokens   int    `json:"output_tokens"`
	ThinkingTokens int    `json:"thinking_tokens,omitempty"`
	StopReason     string `json:"stop_reason,omitempty"` // "end_turn", "max_tokens", "tool_use", ...
}

// Add merges step usage into u. Non-empty model and stop reason replace the current values.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.ThinkingTokens += other.ThinkingTokens
	if other.Model != "" {
		u.Model = other.Model
	}
	if other.StopReason != "" {
		u.StopReason = other.StopReason
	}
}

// ErrorKind classifies an Error chunk.
type ErrorKind string

const (
	ErrorKindProtocol ErrorKind = "protocol" // raw event could not be mapped
	ErrorKindProvider ErrorKind = "provider" // provider reported an error in-band
	ErrorKindStream   ErrorKind = "stream"   // transport failed while reading
)

// ChunkError is the structured payload of an Error chunk and of ERROR blocks.
type ChunkError struct {
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Provider string    `json:"provider,omitempty"`
	Code     string    `json:"code,omitempty"`
}

func (e *ChunkError) Error() string {
	if e.Provider != "" {
		return string(e.Kind) + " error from " + e.Provider + ": " + e.Message
	}
	return string(e.Kind) + " error: " + e.Message
}

// ===== Constructors =====

func ResponseCreated() Chunk { return Chunk{Type: ChunkResponseCreated} }

func TextStart() Chunk { return Chunk{Type: ChunkTextStart} }

func TextDelta(fragment string) Chunk { return Chunk{Type: ChunkTextDelta, Text: fragment} }

func TextComplete(text string) Chunk { return Chunk{Type: ChunkTextComplete, Text: text} }

func ThinkingStart() Chunk { return Chunk{Type: ChunkThinkingStart} }

func ThinkingDelta(fragment string, elapsedMs int64) Chunk {
	return Chunk{Type: ChunkThinkingDelta, Text: fragment, ElapsedMs: elapsedMs}
}

func ThinkingComplete(text string, elapsedMs int64) Chunk {
	return Chunk{Type: ChunkThinkingComplete, Text: text, ElapsedMs: elapsedMs}
}

func ToolPending(call ToolCall) Chunk { return Chunk{Type: ChunkToolPending, ToolCall: &call} }

func ToolInProgress(call ToolCall) Chunk { return Chunk{Type: ChunkToolInProgress, ToolCall: &call} }

func ToolComplete(call ToolCall, result ToolResult) Chunk {
	return Chunk{Type: ChunkToolComplete, ToolCall: &call, ToolResult: &result}
}

func ImageComplete(images []Image) Chunk { return Chunk{Type: ChunkImageComplete, Images: images} }

func WebSearchComplete(results WebSearchResults) Chunk {
	return Chunk{Type: ChunkWebSearchComplete, WebSearch: &results}
}

func ResponseComplete(usage Usage) Chunk { return Chunk{Type: ChunkResponseComplete, Usage: &usage} }

func ErrorChunk(kind ErrorKind, provider, message string) Chunk {
	return Chunk{Type: ChunkTypeError, Err: &ChunkError{Kind: kind, Provider: provider, Message: message}}
}
