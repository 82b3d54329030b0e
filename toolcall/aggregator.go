// Package toolcall accumulates streamed tool-call fragments into finalized
// invocations and emits their lifecycle chunks.
package toolcall

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	llmstream "github.com/haowjy/meridian-stream-go"
)

// pendingCall is a call whose arguments are still streaming.
type pendingCall struct {
	id               string
	name             string
	kind             llmstream.ToolKind
	providerExecuted bool
	args             strings.Builder
	fragments        int
}

// activeCall is a finalized call waiting for its result.
type activeCall struct {
	call       llmstream.ToolCall
	inProgress bool
}

// Aggregator tracks tool calls for exactly one assistant turn.
// It is not safe for concurrent use; the adapter's reader loop owns it.
type Aggregator struct {
	catalog *llmstream.ToolCatalog
	onChunk llmstream.ChunkHandler
	logger  *zap.Logger

	pending map[string]*pendingCall
	active  map[string]*activeCall
	order   []string // active ids in finalize order
}

// NewAggregator creates a per-turn aggregator. A nil catalog only accepts
// provider-executed and builtin_ tools.
func NewAggregator(catalog *llmstream.ToolCatalog, onChunk llmstream.ChunkHandler, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		catalog: catalog,
		onChunk: onChunk,
		logger:  logger,
		pending: make(map[string]*pendingCall),
		active:  make(map[string]*activeCall),
	}
}

// Start registers a call whose arguments will stream. Repeated starts are no-ops.
func (a *Aggregator) Start(id, name string, providerExecuted bool) error {
	if id == "" {
		a.logger.Warn("tool start without call id dropped", zap.String("tool", name))
		return nil
	}
	if _, ok := a.pending[id]; ok {
		return nil
	}
	if _, ok := a.active[id]; ok {
		return nil
	}

	kind, err := a.catalog.Classify(name, providerExecuted)
	if err != nil {
		a.logger.Warn("tool call dropped", zap.String("call_id", id), zap.String("tool", name), zap.Error(err))
		return nil
	}

	a.pending[id] = &pendingCall{id: id, name: name, kind: kind, providerExecuted: providerExecuted}
	return nil
}

// AppendArgs appends an argument fragment. Unknown ids are logged and dropped.
func (a *Aggregator) AppendArgs(id, fragment string) error {
	p, ok := a.pending[id]
	if !ok {
		a.logger.Warn("tool input delta for unknown call", zap.String("call_id", id))
		return nil
	}
	p.args.WriteString(fragment)
	p.fragments++
	return nil
}

// End finalizes the streamed arguments and emits ToolPending. Calls the host or
// provider runs immediately also get ToolInProgress.
func (a *Aggregator) End(id string) error {
	p, ok := a.pending[id]
	if !ok {
		if _, done := a.active[id]; !done {
			a.logger.Warn("tool input end for unknown call", zap.String("call_id", id))
		}
		return nil
	}

	call := a.finalize(p, nil)
	if err := a.emit(llmstream.ToolPending(call)); err != nil {
		return err
	}
	if call.Kind != llmstream.ToolKindClient {
		return a.markInProgress(id)
	}
	return nil
}

// Call handles an explicit tool-call event carrying complete input. A call that
// was streaming is finalized first; input, when non-nil, replaces the streamed args.
func (a *Aggregator) Call(id, name string, input any, providerExecuted bool) error {
	if id == "" {
		a.logger.Warn("tool call without call id dropped", zap.String("tool", name))
		return nil
	}

	if p, ok := a.pending[id]; ok {
		call := a.finalize(p, input)
		if err := a.emit(llmstream.ToolPending(call)); err != nil {
			return err
		}
		return a.markInProgress(id)
	}

	if _, ok := a.active[id]; ok {
		return a.markInProgress(id)
	}

	kind, err := a.catalog.Classify(name, providerExecuted)
	if err != nil {
		a.logger.Warn("tool call dropped", zap.String("call_id", id), zap.String("tool", name), zap.Error(err))
		return nil
	}

	p := &pendingCall{id: id, name: name, kind: kind, providerExecuted: providerExecuted}
	call := a.finalize(p, input)
	if err := a.emit(llmstream.ToolPending(call)); err != nil {
		return err
	}
	return a.markInProgress(id)
}

// Result completes an active call and emits ToolComplete. A call still
// streaming its arguments is finalized first. Unknown or already completed
// ids are warned and ignored.
func (a *Aggregator) Result(id string, output any, isError bool) error {
	if p, ok := a.pending[id]; ok {
		call := a.finalize(p, nil)
		if err := a.emit(llmstream.ToolPending(call)); err != nil {
			return err
		}
	}

	ac, ok := a.active[id]
	if !ok {
		a.logger.Warn("tool result for unknown or completed call ignored", zap.String("call_id", id))
		return nil
	}

	delete(a.active, id)
	a.removeOrder(id)
	return a.emit(llmstream.ToolComplete(ac.call, llmstream.ToolResult{Output: output, IsError: isError}))
}

// Open returns ids of finalized calls still waiting for a result, in finalize order.
func (a *Aggregator) Open() []string {
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// Pending returns how many calls are still streaming arguments.
func (a *Aggregator) Pending() int {
	return len(a.pending)
}

func (a *Aggregator) finalize(p *pendingCall, input any) llmstream.ToolCall {
	raw := p.args.String()
	call := llmstream.ToolCall{
		ID:               p.id,
		Name:             p.name,
		Kind:             p.kind,
		RawArguments:     raw,
		ProviderExecuted: p.providerExecuted,
	}

	switch {
	case input != nil:
		call.Arguments = normalizeInput(input)
		if call.RawArguments == "" {
			if b, err := json.Marshal(call.Arguments); err == nil {
				call.RawArguments = string(b)
			}
		}
	case raw != "":
		call.Arguments = ParseArguments(raw)
	}

	delete(a.pending, p.id)
	a.active[p.id] = &activeCall{call: call}
	a.order = append(a.order, p.id)

	a.logger.Debug("tool call finalized",
		zap.String("call_id", p.id),
		zap.String("tool", p.name),
		zap.String("kind", string(p.kind)),
		zap.Int("fragments", p.fragments),
	)
	return call
}

func (a *Aggregator) markInProgress(id string) error {
	ac, ok := a.active[id]
	if !ok || ac.inProgress {
		return nil
	}
	ac.inProgress = true
	return a.emit(llmstream.ToolInProgress(ac.call))
}

func (a *Aggregator) removeOrder(id string) {
	for i, existing := range a.order {
		if existing == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			return
		}
	}
}

func (a *Aggregator) emit(c llmstream.Chunk) error {
	if a.onChunk == nil {
		return nil
	}
	return a.onChunk(c)
}

// ParseArguments returns the JSON value of raw, or raw itself when it is not valid JSON.
func ParseArguments(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// normalizeInput decodes pre-encoded JSON inputs so every call carries a decoded value.
func normalizeInput(input any) any {
	switch v := input.(type) {
	case json.RawMessage:
		return ParseArguments(string(v))
	case []byte:
		return ParseArguments(string(v))
	case string:
		return ParseArguments(v)
	default:
		return v
	}
}
