package anthropic

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	llmstream "github.com/haowjy/meridian-stream-go"
	"github.com/haowjy/meridian-stream-go/toolcall"
)

// Anthropic stream event types.
const (
	eventMessageStart      = "message_start"
	eventMessageDelta      = "message_delta"
	eventMessageStop       = "message_stop"
	eventContentBlockStart = "content_block_start"
	eventContentBlockDelta = "content_block_delta"
	eventContentBlockStop  = "content_block_stop"
	eventPing              = "ping"
	eventError             = "error"
)

type blockKind int

const (
	blockText blockKind = iota
	blockThinking
	blockTool
	blockIgnored
)

// openBlock tracks a content block by its stream index.
type openBlock struct {
	kind    blockKind
	toolID  string
	buf     strings.Builder
	started time.Time
}

// Adapter converts one turn of Anthropic stream events into chunks.
type Adapter struct {
	catalog *llmstream.ToolCatalog
	logger  *zap.Logger
	now     func() time.Time

	onChunk llmstream.ChunkHandler
	tools   *toolcall.Aggregator

	used      bool
	blocks    map[int64]*openBlock
	finalText strings.Builder
	results   []llmstream.SearchResult
	seenURLs  map[string]bool
	usage     llmstream.Usage
	completed bool
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
		blocks:   make(map[int64]*openBlock),
		seenURLs: make(map[string]bool),
	}
}

// ProcessStream consumes raw until message_stop, an error or the end of the
// stream, and returns the turn's main text.
func (a *Adapter) ProcessStream(ctx context.Context, raw llmstream.RawStream[anthropic.MessageStreamEventUnion], onChunk llmstream.ChunkHandler) (string, error) {
	if a.used {
		return "", errors.New("anthropic: adapter already consumed a stream")
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
		a.logger.Warn("anthropic stream failed", zap.Error(err))
		return a.finalText.String(), a.emit(streamErrorChunk(err))
	}

	err := a.complete()
	return a.finalText.String(), err
}

// Usage returns the usage reported so far.
func (a *Adapter) Usage() llmstream.Usage {
	return a.usage
}

func (a *Adapter) handle(event anthropic.MessageStreamEventUnion) (bool, error) {
	switch event.Type {
	case eventPing:
		return false, nil

	case eventMessageStart:
		a.usage.Model = string(event.Message.Model)
		a.usage.InputTokens = int(event.Message.Usage.InputTokens)
		a.usage.OutputTokens = int(event.Message.Usage.OutputTokens)
		return false, nil

	case eventContentBlockStart:
		return a.startBlock(event)

	case eventContentBlockDelta:
		return a.applyDelta(event)

	case eventContentBlockStop:
		b, ok := a.blocks[event.Index]
		if !ok {
			return true, a.protocolError(event.Type, "stop for unknown block index "+strconv.FormatInt(event.Index, 10))
		}
		delete(a.blocks, event.Index)
		return false, a.closeBlock(b)

	case eventMessageDelta:
		// Usage on message_delta is cumulative
		if event.Usage.OutputTokens > 0 {
			a.usage.OutputTokens = int(event.Usage.OutputTokens)
		}
		if event.Usage.InputTokens > 0 {
			a.usage.InputTokens = int(event.Usage.InputTokens)
		}
		if event.Delta.StopReason != "" {
			a.usage.StopReason = string(event.Delta.StopReason)
		}
		return false, nil

	case eventMessageStop:
		return true, a.complete()

	case eventError:
		raw := event.RawJSON()
		return true, a.emit(providerErrorChunk(
			gjson.Get(raw, "error.type").String(),
			gjson.Get(raw, "error.message").String(),
		))

	default:
		return true, a.protocolError(event.Type, "unknown event type")
	}
}

func (a *Adapter) startBlock(event anthropic.MessageStreamEventUnion) (bool, error) {
	if _, exists := a.blocks[event.Index]; exists {
		return true, a.protocolError(event.Type, "duplicate block index "+strconv.FormatInt(event.Index, 10))
	}

	cb := event.ContentBlock
	switch cb.Type {
	case "text":
		b := &openBlock{kind: blockText}
		a.blocks[event.Index] = b
		if err := a.emit(llmstream.TextStart()); err != nil {
			return false, err
		}
		if cb.Text != "" {
			b.buf.WriteString(cb.Text)
			return false, a.emit(llmstream.TextDelta(cb.Text))
		}
		return false, nil

	case "thinking":
		a.blocks[event.Index] = &openBlock{kind: blockThinking, started: a.now()}
		return false, a.emit(llmstream.ThinkingStart())

	case "tool_use", "server_tool_use":
		if cb.ID == "" || cb.Name == "" {
			return true, a.protocolError(event.Type, "tool block without id or name")
		}
		a.blocks[event.Index] = &openBlock{kind: blockTool, toolID: cb.ID}
		return false, a.tools.Start(cb.ID, cb.Name, cb.Type == "server_tool_use")

	case "web_search_tool_result":
		// Arrives complete; the matching stop closes nothing.
		a.blocks[event.Index] = &openBlock{kind: blockIgnored}
		return false, a.webSearchResult(event)

	default:
		// redacted_thinking and newer block types carry nothing we render
		a.logger.Debug("content block ignored", zap.String("block_type", cb.Type))
		a.blocks[event.Index] = &openBlock{kind: blockIgnored}
		return false, nil
	}
}

func (a *Adapter) applyDelta(event anthropic.MessageStreamEventUnion) (bool, error) {
	b, ok := a.blocks[event.Index]
	if !ok {
		return true, a.protocolError(event.Type, "delta for unknown block index "+strconv.FormatInt(event.Index, 10))
	}

	d := event.Delta
	switch d.Type {
	case "text_delta":
		if b.kind != blockText {
			return true, a.protocolError(d.Type, "text delta on non-text block")
		}
		b.buf.WriteString(d.Text)
		return false, a.emit(llmstream.TextDelta(d.Text))

	case "thinking_delta":
		if b.kind != blockThinking {
			return true, a.protocolError(d.Type, "thinking delta on non-thinking block")
		}
		b.buf.WriteString(d.Thinking)
		return false, a.emit(llmstream.ThinkingDelta(d.Thinking, a.since(b)))

	case "input_json_delta":
		if b.kind == blockIgnored {
			return false, nil
		}
		if b.kind != blockTool {
			return true, a.protocolError(d.Type, "input delta on non-tool block")
		}
		return false, a.tools.AppendArgs(b.toolID, d.PartialJSON)

	case "citations_delta":
		citation := gjson.Get(event.RawJSON(), "delta.citation")
		a.addResult(llmstream.SearchResult{
			URL:     citation.Get("url").String(),
			Title:   citation.Get("title").String(),
			Snippet: citation.Get("cited_text").String(),
		})
		return false, nil

	case "signature_delta":
		return false, nil

	default:
		return true, a.protocolError(d.Type, "unknown delta type")
	}
}

func (a *Adapter) closeBlock(b *openBlock) error {
	switch b.kind {
	case blockText:
		text := b.buf.String()
		a.finalText.WriteString(text)
		return a.emit(llmstream.TextComplete(text))
	case blockThinking:
		return a.emit(llmstream.ThinkingComplete(b.buf.String(), a.since(b)))
	case blockTool:
		return a.tools.End(b.toolID)
	default:
		return nil
	}
}

// webSearchResult completes the server tool call and records its sources.
// Content is either an array of web_search_result or a single error object.
func (a *Adapter) webSearchResult(event anthropic.MessageStreamEventUnion) error {
	block := gjson.Get(event.RawJSON(), "content_block")
	toolUseID := block.Get("tool_use_id").String()
	content := block.Get("content")

	if !content.IsArray() {
		code := content.Get("error_code").String()
		if code == "" {
			code = "web search failed"
		}
		return a.tools.Result(toolUseID, code, true)
	}

	var found []llmstream.SearchResult
	content.ForEach(func(_, item gjson.Result) bool {
		r := llmstream.SearchResult{URL: item.Get("url").String(), Title: item.Get("title").String()}
		found = append(found, r)
		a.addResult(r)
		return true
	})

	output := make([]map[string]any, 0, len(found))
	for _, r := range found {
		output = append(output, map[string]any{"url": r.URL, "title": r.Title})
	}
	return a.tools.Result(toolUseID, output, false)
}

func (a *Adapter) addResult(r llmstream.SearchResult) {
	if r.URL == "" || a.seenURLs[r.URL] {
		return
	}
	a.seenURLs[r.URL] = true
	a.results = append(a.results, r)
}

func (a *Adapter) complete() error {
	if a.completed {
		return nil
	}
	for _, idx := range slices.Sorted(maps.Keys(a.blocks)) {
		b := a.blocks[idx]
		delete(a.blocks, idx)
		if err := a.closeBlock(b); err != nil {
			return err
		}
	}
	if len(a.results) > 0 {
		if err := a.emit(llmstream.WebSearchComplete(llmstream.WebSearchResults{
			Source:  llmstream.WebSearchSourceAnthropic,
			Results: a.results,
		})); err != nil {
			return err
		}
	}
	a.completed = true
	return a.emit(llmstream.ResponseComplete(a.usage))
}

func (a *Adapter) since(b *openBlock) int64 {
	return a.now().Sub(b.started).Milliseconds()
}

func (a *Adapter) protocolError(eventType, reason string) error {
	perr := &llmstream.ProtocolError{Provider: llmstream.ProviderAnthropic.String(), EventType: eventType, Reason: reason}
	a.logger.Warn("malformed anthropic event", zap.Error(perr))
	return a.emit(llmstream.ErrorChunk(llmstream.ErrorKindProtocol, llmstream.ProviderAnthropic.String(), perr.Error()))
}

func (a *Adapter) emit(c llmstream.Chunk) error {
	if a.onChunk == nil {
		return nil
	}
	return a.onChunk(c)
}

// streamErrorChunk maps a stream failure to an Error chunk. API errors and
// in-band error events are provider errors; anything else is a transport failure.
func streamErrorChunk(err error) llmstream.Chunk {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		msg := gjson.Get(apiErr.RawJSON(), "error.message").String()
		if msg == "" {
			msg = err.Error()
		}
		c := llmstream.ErrorChunk(llmstream.ErrorKindProvider, llmstream.ProviderAnthropic.String(), msg)
		c.Err.Code = string(codeForStatus(apiErr.StatusCode))
		return c
	}

	// The SDK reports error events as "received error while streaming: <json>"
	msg := err.Error()
	if idx := strings.Index(msg, "{"); idx >= 0 && gjson.Valid(msg[idx:]) {
		body := msg[idx:]
		return providerErrorChunk(gjson.Get(body, "error.type").String(), gjson.Get(body, "error.message").String())
	}

	return llmstream.ErrorChunk(llmstream.ErrorKindStream, llmstream.ProviderAnthropic.String(), msg)
}

func providerErrorChunk(errorType, message string) llmstream.Chunk {
	if message == "" {
		message = errorType
	}
	c := llmstream.ErrorChunk(llmstream.ErrorKindProvider, llmstream.ProviderAnthropic.String(), message)
	switch errorType {
	case "overloaded_error", "api_error":
		c.Err.Code = string(llmstream.ErrorCodeProviderUnavailable)
	case "rate_limit_error":
		c.Err.Code = string(llmstream.ErrorCodeRateLimited)
	case "invalid_request_error":
		c.Err.Code = string(llmstream.ErrorCodeInvalidRequest)
	}
	return c
}

func codeForStatus(status int) llmstream.ErrorCode {
	switch {
	case status == http.StatusTooManyRequests:
		return llmstream.ErrorCodeRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return llmstream.ErrorCodeTimeout
	case status >= 500:
		return llmstream.ErrorCodeProviderUnavailable
	case status >= 400:
		return llmstream.ErrorCodeInvalidRequest
	default:
		return ""
	}
}
