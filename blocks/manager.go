// Package blocks turns one turn's chunk stream into persisted message blocks.
package blocks

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"

	"go.uber.org/zap"

	llmstream "github.com/haowjy/meridian-stream-go"
)

// Gateway is the write path for block changes. *persist.Gateway implements it.
type Gateway interface {
	// Update is a throttled, non-final write.
	Update(ctx context.Context, blockID string, changes llmstream.BlockChanges) error
	// Write is an immediate, non-final write.
	Write(ctx context.Context, blockID string, changes llmstream.BlockChanges) error
	// Finalize is the single unconditional final write of a block.
	Finalize(ctx context.Context, blockID string, changes llmstream.BlockChanges) error
	// Cancel drops throttle state for a discarded block.
	Cancel(blockID string)
}

// Slot keys. Tool calls use ToolSlot(callID).
const (
	SlotMainText = "main_text"
	SlotThinking = "thinking"
	SlotImage    = "image"
	SlotCitation = "citation"
	SlotError    = "error"
)

// ToolSlot returns the slot key of a tool call.
func ToolSlot(callID string) string {
	return "tool:" + callID
}

type slotState int

const (
	slotNone slotState = iota
	slotOpen
	slotClosed
)

type slot struct {
	key       string
	state     slotState
	blockID   string
	blockType llmstream.BlockType
	content   llmstream.BlockContent
	text      strings.Builder
	openedSeq uint64
}

func (s *slot) isTool() bool {
	return strings.HasPrefix(s.key, "tool:")
}

// BlockState is a block as the manager last wrote it.
type BlockState struct {
	ID      string
	Type    llmstream.BlockType
	Status  llmstream.BlockStatus
	Content llmstream.BlockContent
}

// Manager is the per-turn block state machine. It is not safe for concurrent
// use; the orchestrator feeds it one chunk at a time.
type Manager struct {
	messageID string
	store     llmstream.Store
	gateway   Gateway
	logger    *zap.Logger
	newID     func() string

	slots       map[string]*slot
	seq         uint64
	order       []string
	blocks      map[string]*BlockState
	placeholder string

	created    bool
	hasContent bool
	terminal   bool
	status     llmstream.MessageStatus
	usage      *llmstream.Usage
}

// Option configures a Manager.
type Option func(*Manager)

// WithIDGenerator overrides block id generation.
func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

// NewManager creates the block manager for one assistant message.
func NewManager(messageID string, store llmstream.Store, gateway Gateway, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		messageID: messageID,
		store:     store,
		gateway:   gateway,
		logger:    logger.Named("blocks").With(zap.String("message_id", messageID)),
		newID:     llmstream.NewBlockID,
		slots:     make(map[string]*slot),
		blocks:    make(map[string]*BlockState),
		status:    llmstream.MessageStatusPending,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MessageID returns the message this manager writes to.
func (m *Manager) MessageID() string { return m.messageID }

// Status returns the message status last written.
func (m *Manager) Status() llmstream.MessageStatus { return m.status }

// Done reports whether the turn reached a terminal outcome.
func (m *Manager) Done() bool { return m.terminal }

// Usage returns the usage reported by ResponseComplete, if any.
func (m *Manager) Usage() *llmstream.Usage { return m.usage }

// Snapshot returns the message's blocks in append order.
func (m *Manager) Snapshot() []BlockState {
	out := make([]BlockState, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.blocks[id])
	}
	return out
}

// HandleChunk applies one chunk. It has the llmstream.ChunkHandler shape.
// Only persistence failures are returned.
func (m *Manager) HandleChunk(ctx context.Context, c llmstream.Chunk) error {
	if m.terminal {
		m.logger.Debug("dropping chunk after terminal outcome", zap.String("chunk", string(c.Type)))
		return nil
	}

	switch c.Type {
	case llmstream.ChunkResponseCreated:
		return m.createPlaceholder(ctx)

	case llmstream.ChunkTextStart:
		return m.start(ctx, SlotMainText, llmstream.BlockTypeMainText)
	case llmstream.ChunkTextDelta:
		return m.delta(ctx, SlotMainText, c)
	case llmstream.ChunkTextComplete:
		return m.complete(ctx, SlotMainText, c)

	case llmstream.ChunkThinkingStart:
		return m.start(ctx, SlotThinking, llmstream.BlockTypeThinking)
	case llmstream.ChunkThinkingDelta:
		return m.delta(ctx, SlotThinking, c)
	case llmstream.ChunkThinkingComplete:
		return m.complete(ctx, SlotThinking, c)

	case llmstream.ChunkToolPending, llmstream.ChunkToolInProgress:
		return m.toolUpdate(ctx, c)
	case llmstream.ChunkToolComplete:
		return m.toolComplete(ctx, c)

	case llmstream.ChunkImageComplete:
		return m.oneShot(ctx, SlotImage, llmstream.BlockTypeImage, llmstream.BlockContent{Images: c.Images})
	case llmstream.ChunkWebSearchComplete:
		return m.oneShot(ctx, SlotCitation, llmstream.BlockTypeCitation, llmstream.BlockContent{WebSearch: c.WebSearch})

	case llmstream.ChunkResponseComplete:
		return m.responseComplete(ctx, c.Usage)
	case llmstream.ChunkTypeError:
		return m.fail(ctx, c.Err)
	}

	m.logger.Warn("ignoring unknown chunk type", zap.String("chunk", string(c.Type)))
	return nil
}

// Handler binds ctx and returns the manager as a ChunkHandler.
func (m *Manager) Handler(ctx context.Context) llmstream.ChunkHandler {
	return func(c llmstream.Chunk) error { return m.HandleChunk(ctx, c) }
}

// Cancel finalizes every open slot as PAUSED. The message becomes SUCCESS when
// any content was produced and ERROR otherwise.
func (m *Manager) Cancel(ctx context.Context, cause error) error {
	if m.terminal {
		return nil
	}
	m.terminal = true
	m.logger.Info("turn cancelled", zap.NamedError("cause", cause), zap.Int("open_slots", len(m.openSlots())))

	var errs []error
	for _, s := range m.openSlots() {
		errs = append(errs, m.finalize(ctx, s, llmstream.BlockStatusPaused, s.content))
	}
	errs = append(errs, m.discardPlaceholder(ctx))

	status := llmstream.MessageStatusError
	if m.hasContent {
		status = llmstream.MessageStatusSuccess
	}
	errs = append(errs, m.setMessageStatus(ctx, status))
	return errors.Join(errs...)
}

// ===== Transitions =====

func (m *Manager) createPlaceholder(ctx context.Context) error {
	if m.created {
		m.logger.Debug("duplicate response created")
		return nil
	}
	m.created = true

	id := m.newID()
	m.placeholder = id
	m.track(id, llmstream.BlockTypeUnknown, llmstream.BlockStatusProcessing, llmstream.BlockContent{})

	block := &llmstream.MessageBlock{
		ID:        id,
		MessageID: m.messageID,
		Type:      llmstream.BlockTypeUnknown,
		Status:    llmstream.BlockStatusProcessing,
	}
	if err := m.store.CreateBlock(ctx, block); err != nil {
		return &llmstream.PersistenceError{Op: "create", BlockID: id, MessageID: m.messageID, Err: err}
	}
	return m.setMessageStatus(ctx, llmstream.MessageStatusProcessing)
}

func (m *Manager) start(ctx context.Context, key string, typ llmstream.BlockType) error {
	s := m.slot(key)
	if s.state == slotOpen {
		m.logger.Warn("start on open slot", zap.String("slot", key), zap.String("block_id", s.blockID))
		return nil
	}
	return m.open(ctx, s, typ, llmstream.BlockStatusProcessing, llmstream.BlockContent{})
}

func (m *Manager) delta(ctx context.Context, key string, c llmstream.Chunk) error {
	s, ok := m.slots[key]
	if !ok || s.state != slotOpen {
		m.logger.Warn("delta without open slot", zap.String("slot", key))
		return nil
	}
	s.text.WriteString(c.Text)
	s.content = llmstream.BlockContent{Text: s.text.String(), ThinkingMs: c.ElapsedMs}
	if c.Text != "" {
		m.hasContent = true
	}
	m.setState(s.blockID, llmstream.BlockStatusStreaming, s.content)
	return m.gateway.Update(ctx, s.blockID, llmstream.Changes(llmstream.BlockStatusStreaming, s.content))
}

func (m *Manager) complete(ctx context.Context, key string, c llmstream.Chunk) error {
	s, ok := m.slots[key]
	if !ok || s.state != slotOpen {
		m.logger.Warn("complete without open slot", zap.String("slot", key))
		return nil
	}
	final := c.Text
	if final == "" {
		final = s.text.String()
	}
	if final != "" {
		m.hasContent = true
	}
	return m.finalize(ctx, s, llmstream.BlockStatusSuccess, llmstream.BlockContent{Text: final, ThinkingMs: c.ElapsedMs})
}

func (m *Manager) toolUpdate(ctx context.Context, c llmstream.Chunk) error {
	if c.ToolCall == nil {
		m.logger.Warn("tool chunk without call", zap.String("chunk", string(c.Type)))
		return nil
	}
	s := m.slot(ToolSlot(c.ToolCall.ID))
	content := llmstream.BlockContent{ToolCall: c.ToolCall}

	switch s.state {
	case slotNone:
		m.hasContent = true
		return m.open(ctx, s, llmstream.BlockTypeTool, llmstream.BlockStatusProcessing, content)
	case slotClosed:
		m.logger.Warn("tool chunk for resolved call", zap.String("call_id", c.ToolCall.ID), zap.String("chunk", string(c.Type)))
		return nil
	}
	s.content = content
	m.setState(s.blockID, llmstream.BlockStatusProcessing, content)
	return m.gateway.Update(ctx, s.blockID, llmstream.Changes(llmstream.BlockStatusProcessing, content))
}

func (m *Manager) toolComplete(ctx context.Context, c llmstream.Chunk) error {
	if c.ToolCall == nil {
		m.logger.Warn("tool complete without call")
		return nil
	}
	s := m.slot(ToolSlot(c.ToolCall.ID))
	content := llmstream.BlockContent{ToolCall: c.ToolCall, ToolResult: c.ToolResult}

	switch s.state {
	case slotClosed:
		m.logger.Warn("duplicate tool result", zap.String("call_id", c.ToolCall.ID))
		return nil
	case slotNone:
		m.hasContent = true
		if err := m.open(ctx, s, llmstream.BlockTypeTool, llmstream.BlockStatusProcessing, content); err != nil {
			return err
		}
	}

	status := llmstream.BlockStatusSuccess
	if c.ToolResult != nil && c.ToolResult.IsError {
		status = llmstream.BlockStatusError
	}
	return m.finalize(ctx, s, status, content)
}

// oneShot handles chunks that open and finalize a block in one step. An open
// slot of the same kind is finalized with the new content instead.
func (m *Manager) oneShot(ctx context.Context, key string, typ llmstream.BlockType, content llmstream.BlockContent) error {
	s := m.slot(key)
	if s.state != slotOpen {
		if err := m.open(ctx, s, typ, llmstream.BlockStatusProcessing, content); err != nil {
			return err
		}
	}
	m.hasContent = true
	return m.finalize(ctx, s, llmstream.BlockStatusSuccess, content)
}

func (m *Manager) responseComplete(ctx context.Context, usage *llmstream.Usage) error {
	m.terminal = true
	m.usage = usage

	var errs []error
	for _, s := range m.openSlots() {
		status := llmstream.BlockStatusSuccess
		if s.isTool() {
			// The call never got a result in this turn.
			status = llmstream.BlockStatusPaused
		}
		errs = append(errs, m.finalize(ctx, s, status, s.content))
	}
	errs = append(errs, m.discardPlaceholder(ctx))

	status := llmstream.MessageStatusSuccess
	for _, id := range m.order {
		if m.blocks[id].Status == llmstream.BlockStatusError {
			status = llmstream.MessageStatusError
			break
		}
	}
	errs = append(errs, m.setMessageStatus(ctx, status))
	return errors.Join(errs...)
}

func (m *Manager) fail(ctx context.Context, chunkErr *llmstream.ChunkError) error {
	m.terminal = true
	if chunkErr == nil {
		chunkErr = &llmstream.ChunkError{Kind: llmstream.ErrorKindStream, Message: "unknown error"}
	}
	m.logger.Warn("turn failed",
		zap.String("kind", string(chunkErr.Kind)),
		zap.String("provider", chunkErr.Provider),
		zap.String("error", chunkErr.Message))

	var errs []error
	open := m.openSlots()
	for i, s := range open {
		status := llmstream.BlockStatusPaused
		if i == len(open)-1 {
			status = llmstream.BlockStatusError
		}
		errs = append(errs, m.finalize(ctx, s, status, s.content))
	}

	errs = append(errs, m.appendErrorBlock(ctx, chunkErr))
	errs = append(errs, m.setMessageStatus(ctx, llmstream.MessageStatusError))
	return errors.Join(errs...)
}

func (m *Manager) appendErrorBlock(ctx context.Context, chunkErr *llmstream.ChunkError) error {
	s := m.slot(SlotError)
	content := llmstream.BlockContent{Error: chunkErr}
	typ := llmstream.BlockTypeError
	status := llmstream.BlockStatusError
	s.state = slotClosed
	s.blockType = typ
	s.content = content

	if id := m.placeholder; id != "" {
		m.placeholder = ""
		s.blockID = id
		m.blocks[id].Type = typ
		m.setState(id, status, content)
		return m.gateway.Finalize(ctx, id, llmstream.BlockChanges{Type: &typ, Status: &status, Content: &content})
	}

	id := m.newID()
	s.blockID = id
	m.track(id, typ, status, content)
	block := &llmstream.MessageBlock{ID: id, MessageID: m.messageID, Type: typ, Status: status, Content: content}
	if err := m.store.CreateBlock(ctx, block); err != nil {
		changes := llmstream.Changes(status, content)
		return &llmstream.PersistenceError{Op: "create", BlockID: id, MessageID: m.messageID, Changes: &changes, Err: err}
	}
	return nil
}

// ===== Helpers =====

func (m *Manager) slot(key string) *slot {
	s, ok := m.slots[key]
	if !ok {
		s = &slot{key: key}
		m.slots[key] = s
	}
	return s
}

// open starts a new block for s, promoting the placeholder when there is one.
func (m *Manager) open(ctx context.Context, s *slot, typ llmstream.BlockType, status llmstream.BlockStatus, content llmstream.BlockContent) error {
	m.seq++
	s.state = slotOpen
	s.blockType = typ
	s.content = content
	s.text.Reset()
	s.openedSeq = m.seq

	changes := llmstream.BlockChanges{Type: &typ, Status: &status, Content: &content}

	if id := m.placeholder; id != "" {
		m.placeholder = ""
		s.blockID = id
		m.blocks[id].Type = typ
		m.setState(id, status, content)
		m.logger.Debug("promoted placeholder", zap.String("block_id", id), zap.String("type", string(typ)))
		if err := m.gateway.Write(ctx, id, changes); err != nil {
			return err
		}
		return m.setMessageStatus(ctx, llmstream.MessageStatusProcessing)
	}

	id := m.newID()
	s.blockID = id
	m.track(id, typ, status, content)
	block := &llmstream.MessageBlock{ID: id, MessageID: m.messageID, Type: typ, Status: status, Content: content}
	if err := m.store.CreateBlock(ctx, block); err != nil {
		return &llmstream.PersistenceError{Op: "create", BlockID: id, MessageID: m.messageID, Changes: &changes, Err: err}
	}
	return m.setMessageStatus(ctx, llmstream.MessageStatusProcessing)
}

func (m *Manager) finalize(ctx context.Context, s *slot, status llmstream.BlockStatus, content llmstream.BlockContent) error {
	s.state = slotClosed
	s.content = content
	s.text.Reset()
	m.setState(s.blockID, status, content)
	return m.gateway.Finalize(ctx, s.blockID, llmstream.Changes(status, content))
}

func (m *Manager) discardPlaceholder(ctx context.Context) error {
	id := m.placeholder
	if id == "" {
		return nil
	}
	m.placeholder = ""
	m.order = slices.DeleteFunc(m.order, func(b string) bool { return b == id })
	delete(m.blocks, id)

	m.gateway.Cancel(id)
	if err := m.store.DeleteBlock(ctx, id); err != nil {
		return &llmstream.PersistenceError{Op: "delete", BlockID: id, MessageID: m.messageID, Err: err}
	}
	m.logger.Debug("discarded unused placeholder", zap.String("block_id", id))
	return nil
}

// openSlots returns the open slots, least recently opened first.
func (m *Manager) openSlots() []*slot {
	var open []*slot
	for _, s := range m.slots {
		if s.state == slotOpen {
			open = append(open, s)
		}
	}
	slices.SortFunc(open, func(a, b *slot) int {
		return cmp.Compare(a.openedSeq, b.openedSeq)
	})
	return open
}

func (m *Manager) track(id string, typ llmstream.BlockType, status llmstream.BlockStatus, content llmstream.BlockContent) {
	m.order = append(m.order, id)
	m.blocks[id] = &BlockState{ID: id, Type: typ, Status: status, Content: content}
}

func (m *Manager) setState(id string, status llmstream.BlockStatus, content llmstream.BlockContent) {
	if b, ok := m.blocks[id]; ok {
		b.Status = status
		b.Content = content
	}
}

func (m *Manager) setMessageStatus(ctx context.Context, status llmstream.MessageStatus) error {
	if m.status == status {
		return nil
	}
	m.status = status
	if err := m.store.UpdateMessageStatus(ctx, m.messageID, status); err != nil {
		return &llmstream.PersistenceError{Op: "message_status", MessageID: m.messageID, Err: err}
	}
	return nil
}
