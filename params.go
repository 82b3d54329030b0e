package llmstream

import (
	"encoding/json"
	"fmt"
)

// RequestParams represents the request parameters shared across providers.
// All fields are optional pointers to distinguish "not set" from "set to zero value".
type RequestParams struct {
	// ===== Core Parameters =====

	// MaxTokens sets the maximum number of tokens to generate
	MaxTokens *int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0-2.0)
	Temperature *float64 `json:"temperature,omitempty"`

	// TopP (nucleus sampling) - cumulative probability cutoff (0.0-1.0)
	TopP *float64 `json:"top_p,omitempty"`

	// TopK limits sampling to top K tokens
	TopK *int `json:"top_k,omitempty"`

	// Stop sequences - generation stops if any of these are generated
	Stop []string `json:"stop,omitempty"`

	// System prompt
	System *string `json:"system,omitempty"`

	// ===== Reasoning =====

	// ThinkingEnabled enables extended thinking / reasoning output
	ThinkingEnabled *bool `json:"thinking_enabled,omitempty"`

	// ThinkingLevel sets the thinking budget: "low", "medium", "high"
	// Maps to token budgets: low=2000, medium=5000, high=12000
	ThinkingLevel *string `json:"thinking_level,omitempty"`

	// ===== Tools =====

	// Tools available for the model to use
	Tools []ToolDescriptor `json:"tools,omitempty"`

	// ToolChoice controls whether/which tools to use
	ToolChoice *ToolChoice `json:"tool_choice,omitempty"`
}

// ValidateRequestParams validates request parameters
func ValidateRequestParams(params *RequestParams) error {
	if params == nil {
		return nil // nil params is valid
	}

	if params.Temperature != nil && (*params.Temperature < 0.0 || *params.Temperature > 2.0) {
		return &ValidationError{Field: "temperature", Value: *params.Temperature, Reason: "must be between 0.0 and 2.0"}
	}

	if params.TopP != nil && (*params.TopP < 0.0 || *params.TopP > 1.0) {
		return &ValidationError{Field: "top_p", Value: *params.TopP, Reason: "must be between 0.0 and 1.0"}
	}

	if params.TopK != nil && *params.TopK < 0 {
		return &ValidationError{Field: "top_k", Value: *params.TopK, Reason: "must be non-negative"}
	}

	if params.MaxTokens != nil && *params.MaxTokens < 1 {
		return &ValidationError{Field: "max_tokens", Value: *params.MaxTokens, Reason: "must be positive"}
	}

	if params.ThinkingLevel != nil {
		validLevels := map[string]bool{"low": true, "medium": true, "high": true}
		if !validLevels[*params.ThinkingLevel] {
			return &ValidationError{Field: "thinking_level", Value: *params.ThinkingLevel, Reason: "must be 'low', 'medium', or 'high'"}
		}
	}

	for i := range params.Tools {
		if err := params.Tools[i].Validate(); err != nil {
			return &ValidationError{Field: fmt.Sprintf("tools[%d]", i), Value: params.Tools[i].Name, Reason: err.Error()}
		}
	}

	if params.ToolChoice != nil {
		if err := params.ToolChoice.Validate(); err != nil {
			return &ValidationError{Field: "tool_choice", Value: params.ToolChoice.Mode, Reason: err.Error()}
		}
	}

	return nil
}

// GetRequestParamStruct unmarshals a JSON map into a typed RequestParams struct
func GetRequestParamStruct(params map[string]any) (*RequestParams, error) {
	if params == nil {
		return &RequestParams{}, nil
	}

	jsonBytes, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	var rp RequestParams
	if err := json.Unmarshal(jsonBytes, &rp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}

	return &rp, nil
}

// GetMaxTokens returns max_tokens with default fallback
func (rp *RequestParams) GetMaxTokens(defaultValue int) int {
	if rp != nil && rp.MaxTokens != nil {
		return *rp.MaxTokens
	}
	return defaultValue
}

// IsThinkingEnabled reports whether reasoning output was requested.
func (rp *RequestParams) IsThinkingEnabled() bool {
	return rp != nil && rp.ThinkingEnabled != nil && *rp.ThinkingEnabled
}

// GetThinkingBudgetTokens converts thinking_level to token budget
// low = 2000, medium = 5000, high = 12000
func (rp *RequestParams) GetThinkingBudgetTokens() int {
	if rp == nil || rp.ThinkingLevel == nil {
		return 0 // Thinking not enabled
	}

	switch *rp.ThinkingLevel {
	case "low":
		return 2000
	case "medium":
		return 5000
	case "high":
		return 12000
	default:
		return 0
	}
}
