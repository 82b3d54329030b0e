package blocks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	llmstream "github.com/haowjy/meridian-stream-go"
	"github.com/haowjy/meridian-stream-go/persist"
	"github.com/haowjy/meridian-stream-go/storage/memory"
	"github.com/haowjy/meridian-stream-go/toolcall"
)

const testMessageID = "msg-1"

type harness struct {
	t       *testing.T
	ctx     context.Context
	store   *memory.Store
	manager *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CreateMessage(ctx, &llmstream.Message{ID: testMessageID, Role: "assistant"}))

	// A long window keeps throttling deterministic: only leading writes and finals.
	gateway := persist.NewGateway(store, persist.Options{Window: time.Hour}, zaptest.NewLogger(t))
	t.Cleanup(gateway.Close)

	return &harness{
		t:       t,
		ctx:     ctx,
		store:   store,
		manager: NewManager(testMessageID, store, gateway, zaptest.NewLogger(t)),
	}
}

func (h *harness) feed(chunks ...llmstream.Chunk) {
	h.t.Helper()
	for _, c := range chunks {
		require.NoError(h.t, h.manager.HandleChunk(h.ctx, c))
	}
}

func (h *harness) blocks() []llmstream.MessageBlock {
	h.t.Helper()
	blocks, err := h.store.ListBlocks(h.ctx, testMessageID)
	require.NoError(h.t, err)
	return blocks
}

func (h *harness) messageStatus() llmstream.MessageStatus {
	h.t.Helper()
	msg, err := h.store.GetMessage(h.ctx, testMessageID)
	require.NoError(h.t, err)
	return msg.Status
}

func (h *harness) messageStatusWrites() []llmstream.MessageStatus {
	var out []llmstream.MessageStatus
	for _, w := range h.store.Writes() {
		if w.Op == memory.OpMessageStatus {
			out = append(out, w.MessageStatus)
		}
	}
	return out
}

func TestManager_PlainTextTurn(t *testing.T) {
	h := newHarness(t)

	h.feed(
		llmstream.ResponseCreated(),
		llmstream.TextStart(),
		llmstream.TextDelta("Hel"),
		llmstream.TextDelta("lo"),
		llmstream.TextComplete("Hello"),
		llmstream.ResponseComplete(llmstream.Usage{InputTokens: 3, OutputTokens: 2}),
	)

	blocks := h.blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, llmstream.BlockTypeMainText, blocks[0].Type)
	assert.Equal(t, llmstream.BlockStatusSuccess, blocks[0].Status)
	assert.Equal(t, "Hello", blocks[0].Content.Text)
	assert.Len(t, h.store.WritesFor(blocks[0].ID, memory.OpFinalize), 1)

	assert.Equal(t, llmstream.MessageStatusSuccess, h.messageStatus())
	assert.Equal(t, []llmstream.MessageStatus{llmstream.MessageStatusProcessing, llmstream.MessageStatusSuccess}, h.messageStatusWrites())
	assert.True(t, h.manager.Done())
	require.NotNil(t, h.manager.Usage())
	assert.Equal(t, 2, h.manager.Usage().OutputTokens)
}

func TestManager_PlaceholderIsPromotedInPlace(t *testing.T) {
	h := newHarness(t)

	h.feed(llmstream.ResponseCreated())
	snap := h.manager.Snapshot()
	require.Len(t, snap, 1)
	placeholderID := snap[0].ID
	assert.Equal(t, llmstream.BlockTypeUnknown, snap[0].Type)
	assert.Equal(t, llmstream.BlockStatusProcessing, snap[0].Status)

	h.feed(llmstream.ThinkingStart())

	snap = h.manager.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, placeholderID, snap[0].ID)
	assert.Equal(t, llmstream.BlockTypeThinking, snap[0].Type)

	stored, ok := h.store.Block(placeholderID)
	require.True(t, ok)
	assert.Equal(t, llmstream.BlockTypeThinking, stored.Type)
}

func TestManager_ToolRoundTrip(t *testing.T) {
	h := newHarness(t)
	catalog, err := llmstream.NewDefaultToolCatalog()
	require.NoError(t, err)
	agg := toolcall.NewAggregator(catalog, h.manager.Handler(h.ctx), zaptest.NewLogger(t))

	h.feed(llmstream.ResponseCreated())
	require.NoError(t, agg.Start("t1", "web_search", false))
	require.NoError(t, agg.AppendArgs("t1", `{"q":`))
	require.NoError(t, agg.AppendArgs("t1", `"x"}`))
	require.NoError(t, agg.End("t1"))

	blocks := h.blocks()
	require.Len(t, blocks, 1)
	tool := blocks[0]
	assert.Equal(t, llmstream.BlockTypeTool, tool.Type)
	assert.Equal(t, llmstream.BlockStatusProcessing, tool.Status)
	require.NotNil(t, tool.Content.ToolCall)
	assert.Equal(t, map[string]any{"q": "x"}, tool.Content.ToolCall.Arguments)

	require.NoError(t, agg.Result("t1", map[string]any{"hits": 1}, false))

	tool, _ = h.store.Block(tool.ID)
	assert.Equal(t, llmstream.BlockStatusSuccess, tool.Status)
	require.NotNil(t, tool.Content.ToolResult)
	assert.Equal(t, map[string]any{"hits": 1}, tool.Content.ToolResult.Output)
	assert.Len(t, h.store.WritesFor(tool.ID, memory.OpFinalize), 1)

	h.feed(llmstream.ResponseComplete(llmstream.Usage{}))
	assert.Equal(t, llmstream.MessageStatusSuccess, h.messageStatus())
}

func TestManager_ErrorMidStream(t *testing.T) {
	h := newHarness(t)

	h.feed(
		llmstream.ResponseCreated(),
		llmstream.TextStart(),
		llmstream.TextDelta("partial"),
		llmstream.ErrorChunk(llmstream.ErrorKindProvider, "anthropic", "overloaded"),
	)

	blocks := h.blocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, llmstream.BlockTypeMainText, blocks[0].Type)
	assert.Equal(t, llmstream.BlockStatusError, blocks[0].Status)
	assert.Equal(t, "partial", blocks[0].Content.Text)

	assert.Equal(t, llmstream.BlockTypeError, blocks[1].Type)
	assert.Equal(t, llmstream.BlockStatusError, blocks[1].Status)
	require.NotNil(t, blocks[1].Content.Error)
	assert.Equal(t, "overloaded", blocks[1].Content.Error.Message)
	assert.Equal(t, llmstream.ErrorKindProvider, blocks[1].Content.Error.Kind)

	assert.Equal(t, llmstream.MessageStatusError, h.messageStatus())

	writes := len(h.store.Writes())
	h.feed(
		llmstream.TextDelta("more"),
		llmstream.TextStart(),
		llmstream.ResponseComplete(llmstream.Usage{}),
	)
	require.NoError(t, h.manager.Cancel(h.ctx, llmstream.ErrTurnCancelled))
	assert.Len(t, h.store.Writes(), writes)
}

func TestManager_ErrorPromotesUnusedPlaceholder(t *testing.T) {
	h := newHarness(t)

	h.feed(
		llmstream.ResponseCreated(),
		llmstream.ErrorChunk(llmstream.ErrorKindProtocol, "ai-sdk", "unknown part type"),
	)

	blocks := h.blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, llmstream.BlockTypeError, blocks[0].Type)
	assert.Equal(t, llmstream.BlockStatusError, blocks[0].Status)
	assert.Equal(t, llmstream.MessageStatusError, h.messageStatus())
}

func TestManager_ErrorClosesMostRecentSlotAsError(t *testing.T) {
	h := newHarness(t)

	h.feed(
		llmstream.ThinkingStart(),
		llmstream.ThinkingDelta("hmm", 5),
		llmstream.TextStart(),
		llmstream.TextDelta("ans"),
		llmstream.ErrorChunk(llmstream.ErrorKindStream, "", "connection reset"),
	)

	snap := h.manager.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, llmstream.BlockTypeThinking, snap[0].Type)
	assert.Equal(t, llmstream.BlockStatusPaused, snap[0].Status)
	assert.Equal(t, llmstream.BlockTypeMainText, snap[1].Type)
	assert.Equal(t, llmstream.BlockStatusError, snap[1].Status)
	assert.Equal(t, llmstream.BlockTypeError, snap[2].Type)
}

func TestManager_RejectsDeltaAndCompleteWithoutStart(t *testing.T) {
	h := newHarness(t)

	h.feed(
		llmstream.TextDelta("orphan"),
		llmstream.TextComplete("orphan"),
		llmstream.ThinkingDelta("orphan", 1),
		llmstream.ThinkingComplete("orphan", 1),
	)

	assert.Empty(t, h.store.Writes())
	assert.Empty(t, h.manager.Snapshot())
	assert.Equal(t, llmstream.MessageStatusPending, h.manager.Status())
}

func TestManager_RejectsDeltaAfterComplete(t *testing.T) {
	h := newHarness(t)

	h.feed(llmstream.TextStart(), llmstream.TextDelta("a"), llmstream.TextComplete("a"))
	writes := len(h.store.Writes())

	h.feed(llmstream.TextDelta("late"))
	assert.Len(t, h.store.Writes(), writes)
}

func TestManager_StartOnOpenSlotIsNoop(t *testing.T) {
	h := newHarness(t)

	h.feed(llmstream.TextStart(), llmstream.TextDelta("a"), llmstream.TextStart(), llmstream.TextDelta("b"))

	snap := h.manager.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "ab", snap[0].Content.Text)
}

func TestManager_StartOnClosedSlotOpensNewBlock(t *testing.T) {
	h := newHarness(t)

	h.feed(
		llmstream.TextStart(), llmstream.TextDelta("one"), llmstream.TextComplete("one"),
		llmstream.TextStart(), llmstream.TextDelta("two"), llmstream.TextComplete("two"),
		llmstream.ResponseComplete(llmstream.Usage{}),
	)

	blocks := h.blocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, "one", blocks[0].Content.Text)
	assert.Equal(t, "two", blocks[1].Content.Text)
	assert.NotEqual(t, blocks[0].ID, blocks[1].ID)
}

func TestManager_DuplicateResponseCompleteIsNoop(t *testing.T) {
	h := newHarness(t)

	h.feed(
		llmstream.TextStart(), llmstream.TextDelta("x"),
		llmstream.ResponseComplete(llmstream.Usage{OutputTokens: 1}),
	)
	writes := len(h.store.Writes())

	h.feed(llmstream.ResponseComplete(llmstream.Usage{OutputTokens: 99}))

	assert.Len(t, h.store.Writes(), writes)
	assert.Equal(t, 1, h.manager.Usage().OutputTokens)

	blocks := h.blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, llmstream.BlockStatusSuccess, blocks[0].Status)
	assert.Equal(t, "x", blocks[0].Content.Text)
	assert.Len(t, h.store.WritesFor(blocks[0].ID, memory.OpFinalize), 1)
}

func TestManager_ResponseCompletePausesUnresolvedTools(t *testing.T) {
	h := newHarness(t)
	call := llmstream.ToolCall{ID: "c1", Name: "bash", Kind: llmstream.ToolKindClient, Arguments: map[string]any{"cmd": "ls"}}

	h.feed(
		llmstream.ToolPending(call),
		llmstream.ToolInProgress(call),
		llmstream.ResponseComplete(llmstream.Usage{StopReason: "tool_use"}),
	)

	blocks := h.blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, llmstream.BlockTypeTool, blocks[0].Type)
	assert.Equal(t, llmstream.BlockStatusPaused, blocks[0].Status)
	assert.Equal(t, llmstream.MessageStatusSuccess, h.messageStatus())
}

func TestManager_UnusedPlaceholderIsDiscarded(t *testing.T) {
	h := newHarness(t)

	h.feed(llmstream.ResponseCreated(), llmstream.ResponseComplete(llmstream.Usage{}))

	assert.Empty(t, h.blocks())
	assert.Empty(t, h.manager.Snapshot())
	var deletes int
	for _, w := range h.store.Writes() {
		if w.Op == memory.OpDelete {
			deletes++
		}
	}
	assert.Equal(t, 1, deletes)
	assert.Equal(t, llmstream.MessageStatusSuccess, h.messageStatus())
}

func TestManager_CancelPausesOpenSlots(t *testing.T) {
	h := newHarness(t)
	call := llmstream.ToolCall{ID: "c1", Name: "web_search", Kind: llmstream.ToolKindProvider}

	h.feed(
		llmstream.ResponseCreated(),
		llmstream.TextStart(),
		llmstream.TextDelta("half an ans"),
		llmstream.ToolPending(call),
	)
	require.NoError(t, h.manager.Cancel(h.ctx, llmstream.ErrTurnCancelled))

	blocks := h.blocks()
	require.Len(t, blocks, 2)
	for _, b := range blocks {
		assert.Equal(t, llmstream.BlockStatusPaused, b.Status, b.Type)
		assert.Len(t, h.store.WritesFor(b.ID, memory.OpFinalize), 1)
	}
	assert.Equal(t, "half an ans", blocks[0].Content.Text)
	assert.Equal(t, llmstream.MessageStatusSuccess, h.messageStatus())

	writes := len(h.store.Writes())
	h.feed(llmstream.TextDelta("ignored"), llmstream.ResponseComplete(llmstream.Usage{}))
	require.NoError(t, h.manager.Cancel(h.ctx, llmstream.ErrTurnCancelled))
	assert.Len(t, h.store.Writes(), writes)
}

func TestManager_CancelWithoutContent(t *testing.T) {
	h := newHarness(t)

	h.feed(llmstream.ResponseCreated())
	require.NoError(t, h.manager.Cancel(h.ctx, llmstream.ErrIdleTimeout))

	assert.Empty(t, h.blocks())
	assert.Equal(t, llmstream.MessageStatusError, h.messageStatus())
}

func TestManager_OneShotBlocks(t *testing.T) {
	h := newHarness(t)
	results := llmstream.WebSearchResults{
		Source:  llmstream.WebSearchSourceAnthropic,
		Results: []llmstream.SearchResult{{URL: "https://example.com", Title: "Example"}},
	}

	h.feed(
		llmstream.ResponseCreated(),
		llmstream.ImageComplete([]llmstream.Image{{URL: "https://img.example.com/1.png", MediaType: "image/png"}}),
		llmstream.WebSearchComplete(results),
		llmstream.ResponseComplete(llmstream.Usage{}),
	)

	blocks := h.blocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, llmstream.BlockTypeImage, blocks[0].Type)
	assert.Equal(t, llmstream.BlockStatusSuccess, blocks[0].Status)
	assert.Len(t, blocks[0].Content.Images, 1)

	assert.Equal(t, llmstream.BlockTypeCitation, blocks[1].Type)
	assert.Equal(t, llmstream.BlockStatusSuccess, blocks[1].Status)
	require.NotNil(t, blocks[1].Content.WebSearch)
	assert.Equal(t, "https://example.com", blocks[1].Content.WebSearch.Results[0].URL)
}

func TestManager_ToolErrorResultFailsMessage(t *testing.T) {
	h := newHarness(t)
	call := llmstream.ToolCall{ID: "c1", Name: "web_search", Kind: llmstream.ToolKindProvider}

	h.feed(
		llmstream.ToolPending(call),
		llmstream.ToolComplete(call, llmstream.ToolResult{Output: "max_uses_exceeded", IsError: true}),
		llmstream.ToolComplete(call, llmstream.ToolResult{Output: "again"}),
		llmstream.ResponseComplete(llmstream.Usage{}),
	)

	blocks := h.blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, llmstream.BlockStatusError, blocks[0].Status)
	assert.Equal(t, "max_uses_exceeded", blocks[0].Content.ToolResult.Output)
	assert.Equal(t, llmstream.MessageStatusError, h.messageStatus())
}

type blockShape struct {
	Type   llmstream.BlockType
	Status llmstream.BlockStatus
	Text   string
}

func finalShapes(t *testing.T, chunks []llmstream.Chunk) []blockShape {
	t.Helper()
	h := newHarness(t)
	h.feed(chunks...)
	var out []blockShape
	for _, b := range h.blocks() {
		out = append(out, blockShape{Type: b.Type, Status: b.Status, Text: b.Content.Text})
	}
	return out
}

func TestManager_ReorderingSpansKeepsFinalState(t *testing.T) {
	thinking := []llmstream.Chunk{
		llmstream.ThinkingStart(), llmstream.ThinkingDelta("let me ", 1), llmstream.ThinkingDelta("think", 2),
		llmstream.ThinkingComplete("let me think", 2),
	}
	text := []llmstream.Chunk{
		llmstream.TextStart(), llmstream.TextDelta("4"), llmstream.TextComplete("4"),
	}
	end := []llmstream.Chunk{llmstream.ResponseComplete(llmstream.Usage{})}

	var a, b []llmstream.Chunk
	a = append(append(append(append(a, llmstream.ResponseCreated()), thinking...), text...), end...)
	b = append(append(append(append(b, llmstream.ResponseCreated()), text...), thinking...), end...)

	// Interleaved spans are also well formed.
	c := []llmstream.Chunk{
		llmstream.ResponseCreated(),
		thinking[0], text[0], thinking[1], text[1], thinking[2], text[2], thinking[3],
		end[0],
	}

	want := finalShapes(t, a)
	assert.ElementsMatch(t, want, finalShapes(t, b))
	assert.ElementsMatch(t, want, finalShapes(t, c))
}

func TestManager_PersistenceFailureKeepsState(t *testing.T) {
	h := newHarness(t)
	errLocked := errors.New("database is locked")

	h.feed(llmstream.TextStart(), llmstream.TextDelta("Hel"))
	h.store.FailOn(memory.OpFinalize, errLocked)

	err := h.manager.HandleChunk(h.ctx, llmstream.TextComplete("Hello"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errLocked)

	var persistErr *llmstream.PersistenceError
	require.ErrorAs(t, err, &persistErr)
	require.NotNil(t, persistErr.Changes)

	snap := h.manager.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, llmstream.BlockStatusSuccess, snap[0].Status)
	assert.Equal(t, "Hello", snap[0].Content.Text)

	// The caller can replay the failed write directly.
	h.store.FailOn(memory.OpFinalize, nil)
	require.NoError(t, h.store.FinalizeBlock(h.ctx, persistErr.BlockID, *persistErr.Changes))
	stored, _ := h.store.Block(persistErr.BlockID)
	assert.Equal(t, "Hello", stored.Content.Text)
	assert.Equal(t, llmstream.BlockStatusSuccess, stored.Status)
}

func TestManager_TerminalWritesJoinErrors(t *testing.T) {
	h := newHarness(t)

	h.feed(llmstream.TextStart(), llmstream.TextDelta("x"))
	h.store.FailOn(memory.OpFinalize, errors.New("boom"))
	h.store.FailOn(memory.OpMessageStatus, errors.New("boom"))

	err := h.manager.HandleChunk(h.ctx, llmstream.ResponseComplete(llmstream.Usage{}))
	require.Error(t, err)
	assert.True(t, llmstream.IsPersistence(err))
	assert.True(t, h.manager.Done())
	assert.Equal(t, llmstream.MessageStatusSuccess, h.manager.Status())
}

func TestManager_UsesIDGenerator(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CreateMessage(ctx, &llmstream.Message{ID: testMessageID}))
	gateway := persist.NewGateway(store, persist.Options{}, zaptest.NewLogger(t))
	t.Cleanup(gateway.Close)

	next := 0
	ids := []string{"b-1", "b-2"}
	m := NewManager(testMessageID, store, gateway, nil, WithIDGenerator(func() string {
		id := ids[next]
		next++
		return id
	}))

	require.NoError(t, m.HandleChunk(ctx, llmstream.TextStart()))
	require.NoError(t, m.HandleChunk(ctx, llmstream.ThinkingStart()))

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "b-1", snap[0].ID)
	assert.Equal(t, "b-2", snap[1].ID)
	assert.Equal(t, testMessageID, m.MessageID())
}
