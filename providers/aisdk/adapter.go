package aisdk

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

// span is an open text or reasoning span.
type span struct {
	open    bool
	id      string
	buf     strings.Builder
	started time.Time
}

func (s *span) reset() {
	s.open = false
	s.id = ""
	s.buf.Reset()
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// WithClock overrides the clock used for reasoning elapsed time.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// WithProviderName sets the provider name reported in Error chunks.
func WithProviderName(name llmstream.ProviderID) Option {
	return func(a *Adapter) { a.provider = name }
}

// Adapter converts one turn's stream parts into chunks. Construct one per turn.
type Adapter struct {
	catalog  *llmstream.ToolCatalog
	provider llmstream.ProviderID
	logger   *zap.Logger
	now      func() time.Time

	onChunk llmstream.ChunkHandler
	tools   *toolcall.Aggregator

	used          bool
	text          span
	reasoning     span
	finalText     strings.Builder
	sources       []llmstream.SearchResult
	webSearchDone bool
	usage         llmstream.Usage
	completed     bool
}

// NewAdapter creates a single-turn adapter resolving tool calls against catalog.
func NewAdapter(catalog *llmstream.ToolCatalog, opts ...Option) *Adapter {
	a := &Adapter{
		catalog:  catalog,
		provider: llmstream.ProviderAISDK,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	return a
}

// ProcessStream consumes raw until a terminal part, an error part, a malformed
// part or the end of the stream, and returns the turn's main text.
func (a *Adapter) ProcessStream(ctx context.Context, raw llmstream.RawStream[Part], onChunk llmstream.ChunkHandler) (string, error) {
	if a.used {
		return "", errors.New("aisdk: adapter already consumed a stream")
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
		a.logger.Warn("stream read failed", zap.Error(err))
		return a.finalText.String(), a.emit(llmstream.ErrorChunk(llmstream.ErrorKindStream, a.provider.String(), err.Error()))
	}

	// Clean end of stream without a finish part still completes the turn.
	err := a.complete("")
	return a.finalText.String(), err
}

// Usage returns the usage accumulated so far.
func (a *Adapter) Usage() llmstream.Usage {
	return a.usage
}

func (a *Adapter) handle(p Part) (bool, error) {
	switch p.Type {
	case PartStart, PartStartStep, PartRaw:
		return false, nil

	case PartTextStart:
		return false, a.openText(p.ID)

	case PartTextDelta:
		if !a.text.open || (p.ID != "" && a.text.id != "" && p.ID != a.text.id) {
			if err := a.openText(p.ID); err != nil {
				return false, err
			}
		}
		if p.Text == "" {
			return false, nil
		}
		a.text.buf.WriteString(p.Text)
		return false, a.emit(llmstream.TextDelta(p.Text))

	case PartTextEnd:
		return false, a.closeText()

	case PartReasoningStart:
		return false, a.openReasoning(p.ID)

	case PartReasoningDelta:
		if !a.reasoning.open || (p.ID != "" && a.reasoning.id != "" && p.ID != a.reasoning.id) {
			if err := a.openReasoning(p.ID); err != nil {
				return false, err
			}
		}
		if p.Text == "" {
			return false, nil
		}
		a.reasoning.buf.WriteString(p.Text)
		return false, a.emit(llmstream.ThinkingDelta(p.Text, a.elapsed()))

	case PartReasoningEnd:
		return false, a.closeReasoning()

	case PartToolInputStart:
		if p.ID == "" || p.ToolName == "" {
			return true, a.protocolError(p.Type, "missing id or toolName")
		}
		return false, a.tools.Start(p.ID, p.ToolName, p.ProviderExecuted)

	case PartToolInputDelta:
		if p.ID == "" {
			return true, a.protocolError(p.Type, "missing id")
		}
		return false, a.tools.AppendArgs(p.ID, p.Delta)

	case PartToolInputEnd:
		if p.ID == "" {
			return true, a.protocolError(p.Type, "missing id")
		}
		return false, a.tools.End(p.ID)

	case PartToolCall:
		if p.ToolCallID == "" || p.ToolName == "" {
			return true, a.protocolError(p.Type, "missing toolCallId or toolName")
		}
		return false, a.tools.Call(p.ToolCallID, p.ToolName, p.Input, p.ProviderExecuted)

	case PartToolResult:
		if p.ToolCallID == "" {
			return true, a.protocolError(p.Type, "missing toolCallId")
		}
		return false, a.tools.Result(p.ToolCallID, p.Output, false)

	case PartToolError:
		if p.ToolCallID == "" {
			return true, a.protocolError(p.Type, "missing toolCallId")
		}
		return false, a.tools.Result(p.ToolCallID, errorMessage(p.Error), true)

	case PartSource:
		if p.URL != "" {
			a.sources = append(a.sources, llmstream.SearchResult{URL: p.URL, Title: p.Title})
		}
		return false, nil

	case PartFile:
		if p.File == nil {
			return true, a.protocolError(p.Type, "missing file")
		}
		if !strings.HasPrefix(p.File.MediaType, "image/") {
			a.logger.Debug("non-image file part ignored", zap.String("media_type", p.File.MediaType))
			return false, nil
		}
		return false, a.emit(llmstream.ImageComplete([]llmstream.Image{{
			URL:       p.File.URL,
			MediaType: p.File.MediaType,
			Data:      p.File.Base64,
		}}))

	case PartFinishStep:
		// Advisory: a step may be followed by tool execution and another step.
		if p.Usage != nil {
			a.usage.Add(convertUsage(p.Usage))
		}
		if p.FinishReason != "" {
			a.usage.StopReason = MapFinishReason(p.FinishReason)
		}
		return false, a.flushWebSearch(p.ProviderMetadata)

	case PartFinish:
		if p.TotalUsage != nil {
			stop := a.usage.StopReason
			a.usage = *convertUsage(p.TotalUsage)
			a.usage.StopReason = stop
		}
		return true, a.complete(p.FinishReason)

	case PartError:
		a.logger.Warn("provider error part", zap.String("error", errorMessage(p.Error)))
		return true, a.emit(llmstream.ErrorChunk(llmstream.ErrorKindProvider, a.provider.String(), errorMessage(p.Error)))

	case PartAbort:
		return true, llmstream.ErrTurnCancelled

	default:
		return true, a.protocolError(p.Type, "unknown part type")
	}
}

func (a *Adapter) openText(id string) error {
	if a.reasoning.open {
		if err := a.closeReasoning(); err != nil {
			return err
		}
	}
	if a.text.open {
		if a.text.id == id || id == "" {
			return nil
		}
		if err := a.closeText(); err != nil {
			return err
		}
	}
	a.text.reset()
	a.text.open = true
	a.text.id = id
	return a.emit(llmstream.TextStart())
}

func (a *Adapter) closeText() error {
	if !a.text.open {
		return nil
	}
	text := a.text.buf.String()
	a.finalText.WriteString(text)
	a.text.reset()
	return a.emit(llmstream.TextComplete(text))
}

func (a *Adapter) openReasoning(id string) error {
	if a.text.open {
		if err := a.closeText(); err != nil {
			return err
		}
	}
	if a.reasoning.open {
		if a.reasoning.id == id || id == "" {
			return nil
		}
		if err := a.closeReasoning(); err != nil {
			return err
		}
	}
	a.reasoning.reset()
	a.reasoning.open = true
	a.reasoning.id = id
	a.reasoning.started = a.now()
	return a.emit(llmstream.ThinkingStart())
}

func (a *Adapter) closeReasoning() error {
	if !a.reasoning.open {
		return nil
	}
	text := a.reasoning.buf.String()
	elapsed := a.elapsed()
	a.reasoning.reset()
	return a.emit(llmstream.ThinkingComplete(text, elapsed))
}

func (a *Adapter) elapsed() int64 {
	return a.now().Sub(a.reasoning.started).Milliseconds()
}

// complete closes open spans and emits ResponseComplete at most once.
func (a *Adapter) complete(finishReason string) error {
	if a.completed {
		return nil
	}
	if err := a.closeReasoning(); err != nil {
		return err
	}
	if err := a.closeText(); err != nil {
		return err
	}
	if err := a.flushWebSearch(nil); err != nil {
		return err
	}
	if finishReason != "" {
		a.usage.StopReason = MapFinishReason(finishReason)
	}
	if open := a.tools.Open(); len(open) > 0 {
		a.logger.Debug("turn finished with tool calls awaiting results", zap.Strings("call_ids", open))
	}
	a.completed = true
	return a.emit(llmstream.ResponseComplete(a.usage))
}

// flushWebSearch emits WebSearchComplete once per turn from collected sources
// or provider grounding metadata.
func (a *Adapter) flushWebSearch(metadata map[string]any) error {
	if a.webSearchDone {
		return nil
	}

	source := llmstream.WebSearchSourceAISDK
	results := a.sources
	if len(results) == 0 {
		results = groundingResults(metadata)
		source = llmstream.WebSearchSourceGemini
	}
	if len(results) == 0 {
		return nil
	}

	a.webSearchDone = true
	return a.emit(llmstream.WebSearchComplete(llmstream.WebSearchResults{Source: source, Results: results}))
}

func (a *Adapter) protocolError(partType PartType, reason string) error {
	perr := &llmstream.ProtocolError{Provider: a.provider.String(), EventType: string(partType), Reason: reason}
	a.logger.Warn("malformed stream part", zap.Error(perr))
	return a.emit(llmstream.ErrorChunk(llmstream.ErrorKindProtocol, a.provider.String(), perr.Error()))
}

func (a *Adapter) emit(c llmstream.Chunk) error {
	if a.onChunk == nil {
		return nil
	}
	return a.onChunk(c)
}

// groundingResults extracts Gemini grounding chunks from provider metadata:
// {"google": {"groundingMetadata": {"groundingChunks": [{"web": {"uri", "title"}}]}}}
func groundingResults(metadata map[string]any) []llmstream.SearchResult {
	google, _ := metadata["google"].(map[string]any)
	grounding, _ := google["groundingMetadata"].(map[string]any)
	chunks, _ := grounding["groundingChunks"].([]any)

	var results []llmstream.SearchResult
	for _, c := range chunks {
		entry, _ := c.(map[string]any)
		web, _ := entry["web"].(map[string]any)
		uri, _ := web["uri"].(string)
		if uri == "" {
			continue
		}
		title, _ := web["title"].(string)
		results = append(results, llmstream.SearchResult{URL: uri, Title: title})
	}
	return results
}

func convertUsage(u *Usage) *llmstream.Usage {
	return &llmstream.Usage{
		InputTokens:    u.InputTokens,
		OutputTokens:   u.OutputTokens,
		ThinkingTokens: u.ReasoningTokens,
	}
}

// MapFinishReason maps stream finish reasons to library stop reasons.
func MapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool-calls":
		return "tool_use"
	case "content-filter":
		return "content_filter"
	default:
		return reason
	}
}

func errorMessage(v any) string {
	switch e := v.(type) {
	case nil:
		return "unknown error"
	case string:
		return e
	case error:
		return e.Error()
	case map[string]any:
		if msg, ok := e["message"].(string); ok {
			return msg
		}
	}
	return fmt.Sprintf("%v", v)
}
