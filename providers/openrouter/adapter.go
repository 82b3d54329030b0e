package openrouter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	llmstream "github.com/haowjy/meridian-stream-go"
	"github.com/haowjy/meridian-stream-go/toolcall"
)

// ===== Delta parsing =====

// ParsedDelta represents structured information extracted from one delta.
type ParsedDelta struct {
	Annotations []Annotation // nil if no web search in this delta
	Thinking    *string      // nil if no thinking in this delta
	Text        *string      // nil if no text in this delta
}

// extractThinkingInfo extracts thinking text from reasoning_details.
// Returns nil if no details are present or all are empty.
func extractThinkingInfo(details []ReasoningDetail) *string {
	var text strings.Builder
	for _, detail := range details {
		switch detail.Type {
		case "reasoning.text":
			if detail.Text != nil {
				text.WriteString(*detail.Text)
			}
		case "reasoning.summary":
			if detail.Summary != nil {
				text.WriteString(*detail.Summary)
			}
			// reasoning.encrypted carries nothing displayable
		}
	}

	if text.Len() == 0 {
		return nil
	}
	result := text.String()
	return &result
}

// parseDelta extracts annotations, thinking and text from a delta.
// It only extracts data; emission is driven by determineTransition.
func parseDelta(delta Delta) ParsedDelta {
	parsed := ParsedDelta{
		Annotations: delta.Annotations,
		Thinking:    extractThinkingInfo(delta.ReasoningDetails),
	}
	if delta.Content != nil && *delta.Content != "" {
		parsed.Text = delta.Content
	}
	return parsed
}

// ===== State transitions =====

type spanType string

const (
	spanNone     spanType = ""
	spanThinking spanType = "thinking"
	spanText     spanType = "text"
)

// BlockTransition describes span changes when processing a delta.
type BlockTransition struct {
	ClosePrevious bool
	StartNew      bool
	NewType       spanType
}

// determineTransition decides span changes for a parsed delta. Thinking
// arriving after text reopens a thinking span.
func determineTransition(current spanType, parsed ParsedDelta) BlockTransition {
	switch {
	case parsed.Thinking != nil && current != spanThinking:
		return BlockTransition{ClosePrevious: current != spanNone, StartNew: true, NewType: spanThinking}
	case parsed.Text != nil && parsed.Thinking == nil && current != spanText:
		return BlockTransition{ClosePrevious: current != spanNone, StartNew: true, NewType: spanText}
	default:
		return BlockTransition{}
	}
}

// ===== Adapter =====

// Adapter converts one turn of OpenRouter chunks into canonical chunks.
//
// finish_reason is advisory: some upstreams send trailing usage or annotation
// chunks after it, so the turn completes only at the end of the stream.
type Adapter struct {
	catalog *llmstream.ToolCatalog
	logger  *zap.Logger
	now     func() time.Time

	onChunk llmstream.ChunkHandler
	tools   *toolcall.Aggregator

	used          bool
	current       spanType
	thinking      strings.Builder
	thinkingStart time.Time
	text          strings.Builder
	finalText     strings.Builder
	toolIDs       map[int]string // tool_calls index -> call id
	toolOrder     []string
	results       []llmstream.SearchResult
	seenURLs      map[string]bool
	usage         llmstream.Usage
	completed     bool
}

// NewAdapter creates a single-turn adapter.
func NewAdapter(catalog *llmstream.ToolCatalog, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		catalog:  catalog,
		logger:   logger,
		now:      time.Now,
		toolIDs:  make(map[int]string),
		seenURLs: make(map[string]bool),
	}
}

// ProcessStream consumes raw until the end of the stream or an error, and
// returns the turn's main text.
func (a *Adapter) ProcessStream(ctx context.Context, raw llmstream.RawStream[ChatCompletionChunk], onChunk llmstream.ChunkHandler) (string, error) {
	if a.used {
		return "", errors.New("openrouter: adapter already consumed a stream")
	}
	a.used = true
	a.onChunk = onChunk
	a.tools = toolcall.NewAggregator(a.catalog, onChunk, a.logger)
	raw = llmstream.Observe(ctx, raw)

	if err := a.emit(llmstream.ResponseCreated()); err != nil {
		return "", err
	}

	for raw.Next() {
		if ctx.Err() != nil {
			return a.finalText.String(), context.Cause(ctx)
		}

		stop, err := a.handle(raw.Current())
		if err != nil {
			return a.finalText.String(), err
		}
		if stop {
			return a.finalText.String(), nil
		}
	}

	if ctx.Err() != nil {
		return a.finalText.String(), context.Cause(ctx)
	}

	if err := raw.Err(); err != nil {
		var perr *llmstream.ProtocolError
		if errors.As(err, &perr) {
			a.logger.Warn("malformed openrouter chunk", zap.Error(err))
			return a.finalText.String(), a.emit(llmstream.ErrorChunk(llmstream.ErrorKindProtocol, llmstream.ProviderOpenRouter.String(), perr.Error()))
		}
		a.logger.Warn("openrouter stream failed", zap.Error(err))
		return a.finalText.String(), a.emit(llmstream.ErrorChunk(llmstream.ErrorKindStream, llmstream.ProviderOpenRouter.String(), err.Error()))
	}

	err := a.complete()
	return a.finalText.String(), err
}

// Usage returns the usage reported so far.
func (a *Adapter) Usage() llmstream.Usage {
	return a.usage
}

func (a *Adapter) handle(chunk ChatCompletionChunk) (bool, error) {
	if chunk.Error != nil {
		a.logger.Warn("openrouter upstream error", zap.String("message", chunk.Error.Message), zap.Any("code", chunk.Error.Code))
		c := llmstream.ErrorChunk(llmstream.ErrorKindProvider, llmstream.ProviderOpenRouter.String(), chunk.Error.Message)
		if chunk.Error.Code != nil {
			c.Err.Code = fmt.Sprint(chunk.Error.Code)
		}
		return true, a.emit(c)
	}

	if chunk.Model != "" {
		a.usage.Model = chunk.Model
	}
	if chunk.Usage != nil {
		a.usage.InputTokens = chunk.Usage.PromptTokens
		a.usage.OutputTokens = chunk.Usage.CompletionTokens
		if d := chunk.Usage.CompletionTokensDetails; d != nil {
			a.usage.ThinkingTokens = d.ReasoningTokens
		}
	}

	if len(chunk.Choices) == 0 {
		return false, nil
	}

	choice := chunk.Choices[0]
	parsed := parseDelta(choice.Delta)

	for _, ann := range parsed.Annotations {
		a.addAnnotation(ann)
	}

	if err := a.applyTransition(determineTransition(a.current, parsed)); err != nil {
		return false, err
	}

	if parsed.Thinking != nil {
		a.thinking.WriteString(*parsed.Thinking)
		if err := a.emit(llmstream.ThinkingDelta(*parsed.Thinking, a.thinkingElapsed())); err != nil {
			return false, err
		}
	}

	if parsed.Text != nil {
		// Text alongside thinking in the same delta lands after the thinking span
		if a.current != spanText {
			if err := a.applyTransition(BlockTransition{ClosePrevious: true, StartNew: true, NewType: spanText}); err != nil {
				return false, err
			}
		}
		a.text.WriteString(*parsed.Text)
		if err := a.emit(llmstream.TextDelta(*parsed.Text)); err != nil {
			return false, err
		}
	}

	for _, tc := range choice.Delta.ToolCalls {
		if stop, err := a.toolCallDelta(tc); stop || err != nil {
			return stop, err
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		a.usage.StopReason = mapFinishReason(*choice.FinishReason)
		if *choice.FinishReason == "error" {
			return true, a.emit(llmstream.ErrorChunk(llmstream.ErrorKindProvider, llmstream.ProviderOpenRouter.String(), "upstream finished with error"))
		}
	}

	return false, nil
}

func (a *Adapter) toolCallDelta(tc ToolCall) (bool, error) {
	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}

	id, known := a.toolIDs[idx]
	if !known {
		if tc.ID == "" || tc.Function.Name == "" {
			return true, a.protocolError("tool_calls", fmt.Sprintf("first fragment for index %d lacks id or name", idx))
		}
		id = tc.ID
		a.toolIDs[idx] = id
		a.toolOrder = append(a.toolOrder, id)
		if err := a.tools.Start(id, tc.Function.Name, false); err != nil {
			return false, err
		}
	} else if tc.ID != "" && tc.ID != id {
		return true, a.protocolError("tool_calls", fmt.Sprintf("index %d changed id from %s to %s", idx, id, tc.ID))
	}

	if tc.Function.Arguments != "" {
		return false, a.tools.AppendArgs(id, tc.Function.Arguments)
	}
	return false, nil
}

func (a *Adapter) applyTransition(t BlockTransition) error {
	if t.ClosePrevious {
		if err := a.closeSpan(); err != nil {
			return err
		}
	}
	if !t.StartNew {
		return nil
	}

	a.current = t.NewType
	if t.NewType == spanThinking {
		a.thinking.Reset()
		a.thinkingStart = a.now()
		return a.emit(llmstream.ThinkingStart())
	}
	a.text.Reset()
	return a.emit(llmstream.TextStart())
}

func (a *Adapter) closeSpan() error {
	switch a.current {
	case spanThinking:
		a.current = spanNone
		return a.emit(llmstream.ThinkingComplete(a.thinking.String(), a.thinkingElapsed()))
	case spanText:
		a.current = spanNone
		a.finalText.WriteString(a.text.String())
		return a.emit(llmstream.TextComplete(a.text.String()))
	}
	return nil
}

func (a *Adapter) addAnnotation(ann Annotation) {
	if ann.Type != "url_citation" || ann.URLCitation == nil || ann.URLCitation.URL == "" {
		return
	}
	if a.seenURLs[ann.URLCitation.URL] {
		return
	}
	a.seenURLs[ann.URLCitation.URL] = true

	r := llmstream.SearchResult{URL: ann.URLCitation.URL}
	if ann.URLCitation.Title != nil {
		r.Title = *ann.URLCitation.Title
	}
	if ann.URLCitation.Content != nil {
		r.Snippet = *ann.URLCitation.Content
	}
	a.results = append(a.results, r)
}

// complete closes open spans, finalizes streamed tool calls in index order and
// emits WebSearchComplete and ResponseComplete once.
func (a *Adapter) complete() error {
	if a.completed {
		return nil
	}
	if err := a.closeSpan(); err != nil {
		return err
	}
	for _, id := range a.toolOrder {
		if err := a.tools.End(id); err != nil {
			return err
		}
	}
	if len(a.results) > 0 {
		if err := a.emit(llmstream.WebSearchComplete(llmstream.WebSearchResults{
			Source:  llmstream.WebSearchSourceOpenRouter,
			Results: a.results,
		})); err != nil {
			return err
		}
	}
	a.completed = true
	return a.emit(llmstream.ResponseComplete(a.usage))
}

func (a *Adapter) thinkingElapsed() int64 {
	return a.now().Sub(a.thinkingStart).Milliseconds()
}

func (a *Adapter) protocolError(eventType, reason string) error {
	perr := &llmstream.ProtocolError{Provider: llmstream.ProviderOpenRouter.String(), EventType: eventType, Reason: reason}
	a.logger.Warn("malformed openrouter chunk", zap.Error(perr))
	return a.emit(llmstream.ErrorChunk(llmstream.ErrorKindProtocol, llmstream.ProviderOpenRouter.String(), perr.Error()))
}

func (a *Adapter) emit(c llmstream.Chunk) error {
	if a.onChunk == nil {
		return nil
	}
	return a.onChunk(c)
}

// mapFinishReason maps OpenRouter finish_reason to library stop_reason.
func mapFinishReason(finishReason string) string {
	switch finishReason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "content_filter":
		return "content_filter"
	default:
		return finishReason
	}
}
