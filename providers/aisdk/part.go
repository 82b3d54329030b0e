// Package aisdk adapts AI-SDK style stream parts into canonical chunks.
package aisdk

// PartType is the discriminator of a stream part.
type PartType string

// Stream part types.
const (
	PartStart          PartType = "start"
	PartStartStep      PartType = "start-step"
	PartTextStart      PartType = "text-start"
	PartTextDelta      PartType = "text-delta"
	PartTextEnd        PartType = "text-end"
	PartReasoningStart PartType = "reasoning-start"
	PartReasoningDelta PartType = "reasoning-delta"
	PartReasoningEnd   PartType = "reasoning-end"
	PartToolInputStart PartType = "tool-input-start"
	PartToolInputDelta PartType = "tool-input-delta"
	PartToolInputEnd   PartType = "tool-input-end"
	PartToolCall       PartType = "tool-call"
	PartToolResult     PartType = "tool-result"
	PartToolError      PartType = "tool-error"
	PartSource         PartType = "source"
	PartFile           PartType = "file"
	PartFinishStep     PartType = "finish-step"
	PartFinish         PartType = "finish"
	PartError          PartType = "error"
	PartAbort          PartType = "abort"
	PartRaw            PartType = "raw"
)

// Part is one already-deserialized stream part.
//
// Field use by type:
//   - text-*/reasoning-*: ID, Text
//   - tool-input-start: ID, ToolName, ProviderExecuted
//   - tool-input-delta: ID, Delta
//   - tool-input-end: ID
//   - tool-call: ToolCallID, ToolName, Input, ProviderExecuted
//   - tool-result: ToolCallID, Output
//   - tool-error: ToolCallID, Error
//   - source: SourceType, URL, Title
//   - file: File
//   - finish-step: Usage, FinishReason, ProviderMetadata
//   - finish: TotalUsage, FinishReason
//   - error: Error
type Part struct {
	Type PartType `json:"type"`

	ID    string `json:"id,omitempty"`
	Text  string `json:"text,omitempty"`
	Delta string `json:"delta,omitempty"`

	ToolCallID       string `json:"toolCallId,omitempty"`
	ToolName         string `json:"toolName,omitempty"`
	Input            any    `json:"input,omitempty"`
	Output           any    `json:"output,omitempty"`
	ProviderExecuted bool   `json:"providerExecuted,omitempty"`

	SourceType string `json:"sourceType,omitempty"` // "url" or "document"
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`

	File *File `json:"file,omitempty"`

	FinishReason     string         `json:"finishReason,omitempty"`
	Usage            *Usage         `json:"usage,omitempty"`
	TotalUsage       *Usage         `json:"totalUsage,omitempty"`
	ProviderMetadata map[string]any `json:"providerMetadata,omitempty"`

	Error any `json:"error,omitempty"`
}

// File is a generated file part.
type File struct {
	MediaType string `json:"mediaType"`
	Base64    string `json:"base64,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Usage is step or total token usage.
type Usage struct {
	InputTokens     int `json:"inputTokens"`
	OutputTokens    int `json:"outputTokens"`
	ReasoningTokens int `json:"reasoningTokens,omitempty"`
}
