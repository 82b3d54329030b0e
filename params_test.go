package llmstream

import (
	"errors"
	"testing"
)

func TestValidateRequestParams_Ranges(t *testing.T) {
	tests := []struct {
		name    string
		params  *RequestParams
		field   string
		wantErr bool
	}{
		{"nil params is valid", nil, "", false},
		{"empty params is valid", &RequestParams{}, "", false},
		{"temperature 0.0", &RequestParams{Temperature: float64Ptr(0.0)}, "", false},
		{"temperature 2.0", &RequestParams{Temperature: float64Ptr(2.0)}, "", false},
		{"temperature -0.1 is invalid", &RequestParams{Temperature: float64Ptr(-0.1)}, "temperature", true},
		{"temperature 2.1 is invalid", &RequestParams{Temperature: float64Ptr(2.1)}, "temperature", true},
		{"top_p 1.0", &RequestParams{TopP: float64Ptr(1.0)}, "", false},
		{"top_p 1.5 is invalid", &RequestParams{TopP: float64Ptr(1.5)}, "top_p", true},
		{"top_k negative is invalid", &RequestParams{TopK: intPtr(-1)}, "top_k", true},
		{"max_tokens 0 is invalid", &RequestParams{MaxTokens: intPtr(0)}, "max_tokens", true},
		{"thinking level medium", &RequestParams{ThinkingLevel: stringPtr("medium")}, "", false},
		{"thinking level extreme is invalid", &RequestParams{ThinkingLevel: stringPtr("extreme")}, "thinking_level", true},
		{"tool without name is invalid", &RequestParams{Tools: []ToolDescriptor{{}}}, "tools[0]", true},
		{"specific tool choice without name is invalid", &RequestParams{ToolChoice: &ToolChoice{Mode: ToolChoiceModeSpecific}}, "tool_choice", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRequestParams(tt.params)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateRequestParams() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}

			if !IsInvalidRequest(err) {
				t.Error("validation error should be classified as invalid request")
			}

			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if validationErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", validationErr.Field, tt.field)
			}
		})
	}
}

func TestGetThinkingBudgetTokens(t *testing.T) {
	tests := []struct {
		level    *string
		expected int
	}{
		{nil, 0},
		{stringPtr("low"), 2000},
		{stringPtr("medium"), 5000},
		{stringPtr("high"), 12000},
		{stringPtr("unknown"), 0},
	}

	for _, tt := range tests {
		params := &RequestParams{ThinkingLevel: tt.level}
		if got := params.GetThinkingBudgetTokens(); got != tt.expected {
			t.Errorf("GetThinkingBudgetTokens(%v) = %d, want %d", tt.level, got, tt.expected)
		}
	}

	var nilParams *RequestParams
	if got := nilParams.GetMaxTokens(4096); got != 4096 {
		t.Errorf("nil params GetMaxTokens = %d, want 4096", got)
	}
	if nilParams.IsThinkingEnabled() {
		t.Error("nil params should not enable thinking")
	}
}

func TestGetRequestParamStruct(t *testing.T) {
	params, err := GetRequestParamStruct(map[string]any{
		"max_tokens":       512,
		"thinking_enabled": true,
		"thinking_level":   "low",
	})
	if err != nil {
		t.Fatalf("GetRequestParamStruct failed: %v", err)
	}

	if params.GetMaxTokens(0) != 512 {
		t.Errorf("max_tokens = %d, want 512", params.GetMaxTokens(0))
	}
	if !params.IsThinkingEnabled() {
		t.Error("expected thinking enabled")
	}
	if params.GetThinkingBudgetTokens() != 2000 {
		t.Errorf("budget = %d, want 2000", params.GetThinkingBudgetTokens())
	}
}
