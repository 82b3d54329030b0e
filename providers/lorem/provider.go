package lorem

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	loremgen "github.com/bozaro/golorem"
	"go.uber.org/zap"

	llmstream "github.com/haowjy/meridian-stream-go"
	"github.com/haowjy/meridian-stream-go/providers/aisdk"
)

// Provider is a mock LLM provider that streams lorem ipsum as AI-SDK parts.
// Used for testing and development without requiring real API keys.
//
// Model names select behavior:
//   - lorem-slow / lorem-medium / lorem-fast / lorem-instant: word pacing
//   - lorem-cutoff / lorem-small: stops early with max_tokens
//   - lorem-search: cites sources
//   - lorem-error: fails mid-stream with an error part
type Provider struct {
	generator *loremgen.Lorem
	catalog   *llmstream.ToolCatalog
	logger    *zap.Logger
}

// NewProvider creates a new lorem ipsum provider.
func NewProvider(catalog *llmstream.ToolCatalog, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		generator: loremgen.New(),
		catalog:   catalog,
		logger:    logger.Named("lorem"),
	}
}

// Name returns the provider identifier.
func (p *Provider) Name() llmstream.ProviderID {
	return llmstream.ProviderLorem
}

// SupportsModel returns true if the model name starts with "lorem-".
func (p *Provider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "lorem-")
}

// getStreamDelay returns the delay between words based on the model name.
// - lorem-slow: 2 words/second (500ms per word)
// - lorem-fast: 30 words/second (33ms per word)
// - lorem-instant: no delay
// - default: 10 words/second
func getStreamDelay(model string) time.Duration {
	switch {
	case strings.Contains(model, "instant"):
		return 0
	case strings.Contains(model, "slow"):
		return 500 * time.Millisecond
	case strings.Contains(model, "fast"):
		return 33 * time.Millisecond
	default:
		return 100 * time.Millisecond
	}
}

// isCutoffModel returns true if the model should simulate max_tokens cutoff.
func isCutoffModel(model string) bool {
	return strings.Contains(model, "cutoff") || strings.Contains(model, "small")
}

// StreamResponse streams a lorem ipsum turn. Rotates through
// text (20 words) → thinking (if enabled) → tool call (if tools) until the
// token budget is spent.
func (p *Provider) StreamResponse(ctx context.Context, req *llmstream.GenerateRequest, onChunk llmstream.ChunkHandler) (*llmstream.StreamResult, error) {
	if !p.SupportsModel(req.Model) {
		return nil, &llmstream.ModelError{
			Model:    req.Model,
			Provider: p.Name().String(),
			Reason:   "model not supported by Lorem provider (must start with 'lorem-')",
			Err:      llmstream.ErrInvalidModel,
		}
	}
	if err := llmstream.ValidateRequestParams(req.Params); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	parts := make(chan llmstream.StreamItem[aisdk.Part], 16)
	go p.produce(streamCtx, req, parts)

	adapter := aisdk.NewAdapter(p.catalog, aisdk.WithLogger(p.logger), aisdk.WithProviderName(p.Name()))
	text, err := adapter.ProcessStream(ctx, llmstream.NewChanStream(streamCtx, parts), onChunk)
	if err != nil {
		return nil, err
	}

	usage := adapter.Usage()
	usage.Model = req.Model
	return &llmstream.StreamResult{Model: req.Model, FinalText: text, Usage: &usage}, nil
}

// emitter sends parts until the consumer goes away.
type emitter struct {
	ctx   context.Context
	out   chan<- llmstream.StreamItem[aisdk.Part]
	delay time.Duration
}

func (e *emitter) send(part aisdk.Part) bool {
	select {
	case <-e.ctx.Done():
		return false
	case e.out <- llmstream.StreamItem[aisdk.Part]{Event: part}:
		return true
	}
}

func (e *emitter) pause(d time.Duration) bool {
	if d <= 0 {
		return e.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *Provider) produce(ctx context.Context, req *llmstream.GenerateRequest, out chan<- llmstream.StreamItem[aisdk.Part]) {
	defer close(out)

	params := req.Params
	if params == nil {
		params = &llmstream.RequestParams{}
	}
	maxTokens := params.GetMaxTokens(4096)
	thinkingEnabled := params.IsThinkingEnabled()
	tools := params.Tools
	e := &emitter{ctx: ctx, out: out, delay: getStreamDelay(req.Model)}

	p.logger.Debug("stream started",
		zap.String("model", req.Model),
		zap.Bool("thinking_enabled", thinkingEnabled),
		zap.Int("tools", len(tools)),
		zap.Int("max_tokens", maxTokens))

	if !e.send(aisdk.Part{Type: aisdk.PartStart}) || !e.send(aisdk.Part{Type: aisdk.PartStartStep}) {
		return
	}

	total := 0
	finishReason := "stop"
	toolIndex := 0

	// Rotation: text → [thinking] → [tool call] → repeat
rotation:
	for block := 0; total < maxTokens && block <= 100; block++ {
		remaining := maxTokens - total
		target := min(20, remaining)

		switch {
		case block%3 == 0 || (block%3 == 1 && !thinkingEnabled):
			words, cutoff, ok := p.streamText(e, block, target, req.Model)
			if !ok {
				return
			}
			total += words
			if strings.Contains(req.Model, "error") {
				e.send(aisdk.Part{Type: aisdk.PartError, Error: "lorem: simulated provider failure"})
				return
			}
			if cutoff {
				finishReason = "length"
				break rotation
			}

		case block%3 == 1:
			words, ok := p.streamReasoning(e, block, target)
			if !ok {
				return
			}
			total += words

		case len(tools) > 0:
			if remaining < 20 {
				break rotation
			}
			tokens, ok := p.streamToolCall(e, block, &tools[toolIndex%len(tools)])
			if !ok {
				return
			}
			total += tokens
			toolIndex++
		}
	}

	if total >= maxTokens {
		finishReason = "length"
	}

	if strings.Contains(req.Model, "search") {
		for i := 1; i <= 2; i++ {
			url := fmt.Sprintf("https://lorem.example/%d", i)
			if !e.send(aisdk.Part{Type: aisdk.PartSource, SourceType: "url", ID: url, URL: url, Title: p.generator.Word(4, 10)}) {
				return
			}
		}
	}

	usage := &aisdk.Usage{InputTokens: estimateTokens(req.Messages), OutputTokens: total}
	if !e.send(aisdk.Part{Type: aisdk.PartFinishStep, FinishReason: finishReason, Usage: usage}) {
		return
	}
	e.send(aisdk.Part{Type: aisdk.PartFinish, FinishReason: finishReason, TotalUsage: usage})
}

// streamText streams a text span of up to maxWords words. Cutoff models
// generate extra words and stop at the limit.
func (p *Provider) streamText(e *emitter, block, maxWords int, model string) (int, bool, bool) {
	id := fmt.Sprintf("text-%d", block)
	if !e.send(aisdk.Part{Type: aisdk.PartTextStart, ID: id}) {
		return 0, false, false
	}

	cutoffModel := isCutoffModel(model)
	target := maxWords
	if cutoffModel {
		target = maxWords + maxWords/2
	}

	sent := 0
	for _, word := range strings.Fields(p.generateTextWords(target)) {
		if cutoffModel && sent >= maxWords {
			return sent, true, e.send(aisdk.Part{Type: aisdk.PartTextEnd, ID: id})
		}
		if !e.send(aisdk.Part{Type: aisdk.PartTextDelta, ID: id, Text: word + " "}) || !e.pause(e.delay) {
			return sent, false, false
		}
		sent++
	}
	return sent, false, e.send(aisdk.Part{Type: aisdk.PartTextEnd, ID: id})
}

func (p *Provider) streamReasoning(e *emitter, block, words int) (int, bool) {
	id := fmt.Sprintf("reasoning-%d", block)
	if !e.send(aisdk.Part{Type: aisdk.PartReasoningStart, ID: id}) {
		return 0, false
	}

	sent := 0
	for _, word := range strings.Fields(p.generateTextWords(words)) {
		if !e.send(aisdk.Part{Type: aisdk.PartReasoningDelta, ID: id, Text: word + " "}) || !e.pause(e.delay) {
			return sent, false
		}
		sent++
	}
	return sent, e.send(aisdk.Part{Type: aisdk.PartReasoningEnd, ID: id})
}

// streamToolCall streams a tool call's JSON input in small fragments. Tools
// the host or provider runs also get a simulated result.
func (p *Provider) streamToolCall(e *emitter, block int, tool *llmstream.ToolDescriptor) (int, bool) {
	input := mockToolInput(tool)
	raw, err := json.Marshal(input)
	if err != nil {
		e.send(aisdk.Part{Type: aisdk.PartError, Error: fmt.Sprintf("failed to marshal tool input: %v", err)})
		return 0, false
	}

	id := fmt.Sprintf("toolu_%s_%d", tool.Name, block)
	providerExecuted := tool.Kind() == llmstream.ToolKindProvider
	if !e.send(aisdk.Part{Type: aisdk.PartToolInputStart, ID: id, ToolName: tool.Name, ProviderExecuted: providerExecuted}) {
		return 0, false
	}

	// JSON streams faster than words
	const fragment = 8
	s := string(raw)
	for i := 0; i < len(s); i += fragment {
		end := min(i+fragment, len(s))
		if !e.send(aisdk.Part{Type: aisdk.PartToolInputDelta, ID: id, Delta: s[i:end]}) || !e.pause(e.delay/10) {
			return 0, false
		}
	}
	if !e.send(aisdk.Part{Type: aisdk.PartToolInputEnd, ID: id}) {
		return 0, false
	}
	if !e.send(aisdk.Part{Type: aisdk.PartToolCall, ToolCallID: id, ToolName: tool.Name, Input: input, ProviderExecuted: providerExecuted}) {
		return 0, false
	}

	if tool.Kind() != llmstream.ToolKindClient {
		output := map[string]any{"summary": p.generator.Sentence(4, 8)}
		if !e.send(aisdk.Part{Type: aisdk.PartToolResult, ToolCallID: id, Output: output, ProviderExecuted: providerExecuted}) {
			return 0, false
		}
	}

	// Rough: 1 token per 4 chars of JSON
	return len(raw) / 4, true
}

// mockToolInput generates plausible input for a tool by name.
func mockToolInput(tool *llmstream.ToolDescriptor) map[string]any {
	switch tool.Name {
	case "web_search", "search":
		return map[string]any{"query": "lorem ipsum dolor sit amet"}
	case "text_editor":
		return map[string]any{
			"command":   "str_replace",
			"file_path": "/path/to/file.txt",
			"old_str":   "consectetur",
			"new_str":   "adipiscing",
		}
	case "bash":
		return map[string]any{"command": "echo 'lorem ipsum'"}
	}

	props, _ := tool.Parameters["properties"].(map[string]any)
	if len(props) == 0 {
		return map[string]any{"data": "mock input for " + tool.Name}
	}
	input := make(map[string]any, len(props))
	for name := range props {
		input[name] = "lorem"
	}
	return input
}

// generateTextWords generates lorem ipsum text with approximately targetWords words.
func (p *Provider) generateTextWords(targetWords int) string {
	var sb strings.Builder
	wordCount := 0

	for wordCount < targetWords {
		sentence := p.generator.Sentence(5, 15)
		sb.WriteString(sentence)
		sb.WriteString(" ")
		wordCount += len(strings.Fields(sentence))
	}

	return strings.TrimSpace(sb.String())
}

// estimateTokens estimates the token count for a list of messages.
// Uses word count as a rough approximation.
func estimateTokens(messages []llmstream.PromptMessage) int {
	total := 0
	for _, msg := range messages {
		total += len(strings.Fields(msg.Text))
	}
	return total
}
