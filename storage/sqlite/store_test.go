package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	llmstream "github.com/haowjy/meridian-stream-go"
	"github.com/haowjy/meridian-stream-go/blocks"
	"github.com/haowjy/meridian-stream-go/persist"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedMessage(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateMessage(context.Background(), &llmstream.Message{
		ID: id, TopicID: "topic-1", Role: "assistant", Model: "claude-sonnet-4-5",
	}))
}

func TestNew_CreatesDatabaseFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	s, err := New(dir)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, filepath.Join(dir, DatabaseFile), s.Path())
	_, err = os.Stat(s.Path())
	assert.NoError(t, err)

	// Migrating twice is harmless.
	require.NoError(t, s.migrate())
}

func TestMessageLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedMessage(t, s, "m1")

	msg, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, llmstream.MessageStatusPending, msg.Status)
	assert.Equal(t, "topic-1", msg.TopicID)
	assert.Equal(t, "claude-sonnet-4-5", msg.Model)
	assert.Empty(t, msg.Blocks)

	require.NoError(t, s.UpdateMessageStatus(ctx, "m1", llmstream.MessageStatusProcessing))
	msg, err = s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, llmstream.MessageStatusProcessing, msg.Status)

	_, err = s.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateMessageStatus(ctx, "missing", llmstream.MessageStatusError), ErrNotFound)
}

func TestBlockLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedMessage(t, s, "m1")

	require.NoError(t, s.CreateBlock(ctx, &llmstream.MessageBlock{
		ID: "b1", MessageID: "m1", Type: llmstream.BlockTypeUnknown, Status: llmstream.BlockStatusProcessing,
	}))
	require.NoError(t, s.CreateBlock(ctx, &llmstream.MessageBlock{
		ID: "b2", MessageID: "m1", Type: llmstream.BlockTypeTool, Status: llmstream.BlockStatusProcessing,
		Content: llmstream.BlockContent{ToolCall: &llmstream.ToolCall{ID: "c1", Name: "web_search", Kind: llmstream.ToolKindProvider}},
	}))

	// Promote the placeholder, then stream into it.
	typ := llmstream.BlockTypeMainText
	require.NoError(t, s.UpdateBlock(ctx, "b1", llmstream.BlockChanges{Type: &typ}))
	require.NoError(t, s.UpdateBlock(ctx, "b1", llmstream.Changes(llmstream.BlockStatusStreaming, llmstream.BlockContent{Text: "Hel"})))

	// A status-only change keeps the content.
	paused := llmstream.BlockStatusPaused
	require.NoError(t, s.FinalizeBlock(ctx, "b1", llmstream.BlockChanges{Status: &paused}))

	require.NoError(t, s.FinalizeBlock(ctx, "b2", llmstream.Changes(llmstream.BlockStatusSuccess, llmstream.BlockContent{
		ToolCall:   &llmstream.ToolCall{ID: "c1", Name: "web_search", Kind: llmstream.ToolKindProvider},
		ToolResult: &llmstream.ToolResult{Output: map[string]any{"hits": 1}},
	})))

	blocks, err := s.ListBlocks(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	assert.Equal(t, "b1", blocks[0].ID)
	assert.Equal(t, llmstream.BlockTypeMainText, blocks[0].Type)
	assert.Equal(t, llmstream.BlockStatusPaused, blocks[0].Status)
	assert.Equal(t, "Hel", blocks[0].Content.Text)

	assert.Equal(t, "b2", blocks[1].ID)
	assert.Equal(t, llmstream.BlockStatusSuccess, blocks[1].Status)
	require.NotNil(t, blocks[1].Content.ToolResult)
	// JSON numbers decode as float64.
	assert.Equal(t, map[string]any{"hits": float64(1)}, blocks[1].Content.ToolResult.Output)

	msg, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2"}, msg.Blocks)

	require.NoError(t, s.DeleteBlock(ctx, "b1"))
	msg, err = s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b2"}, msg.Blocks)
}

func TestBlockErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedMessage(t, s, "m1")

	status := llmstream.BlockStatusSuccess
	assert.ErrorIs(t, s.UpdateBlock(ctx, "missing", llmstream.BlockChanges{Status: &status}), ErrNotFound)
	assert.ErrorIs(t, s.FinalizeBlock(ctx, "missing", llmstream.BlockChanges{Status: &status}), ErrNotFound)
	assert.ErrorIs(t, s.DeleteBlock(ctx, "missing"), ErrNotFound)

	err := s.CreateBlock(ctx, &llmstream.MessageBlock{
		ID: "orphan", MessageID: "no-such-message", Type: llmstream.BlockTypeMainText, Status: llmstream.BlockStatusProcessing,
	})
	assert.Error(t, err, "foreign key must reject blocks without a message")

	require.NoError(t, s.CreateBlock(ctx, &llmstream.MessageBlock{ID: "b1", MessageID: "m1", Type: llmstream.BlockTypeMainText, Status: llmstream.BlockStatusProcessing}))
	assert.Error(t, s.CreateBlock(ctx, &llmstream.MessageBlock{ID: "b1", MessageID: "m1", Type: llmstream.BlockTypeMainText, Status: llmstream.BlockStatusProcessing}))
}

func TestStore_WithBlockManager(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedMessage(t, s, "m1")

	gateway := persist.NewGateway(s, persist.Options{Window: 20 * time.Millisecond}, zaptest.NewLogger(t))
	defer gateway.Close()
	manager := blocks.NewManager("m1", s, gateway, zaptest.NewLogger(t))

	for _, c := range []llmstream.Chunk{
		llmstream.ResponseCreated(),
		llmstream.ThinkingStart(),
		llmstream.ThinkingDelta("plan", 10),
		llmstream.ThinkingComplete("plan", 12),
		llmstream.TextStart(),
		llmstream.TextDelta("Hel"),
		llmstream.TextDelta("lo"),
		llmstream.TextComplete("Hello"),
		llmstream.ResponseComplete(llmstream.Usage{OutputTokens: 2}),
	} {
		require.NoError(t, manager.HandleChunk(ctx, c))
	}

	list, err := s.ListBlocks(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, llmstream.BlockTypeThinking, list[0].Type)
	assert.Equal(t, int64(12), list[0].Content.ThinkingMs)
	assert.Equal(t, llmstream.BlockTypeMainText, list[1].Type)
	assert.Equal(t, "Hello", list[1].Content.Text)
	for _, b := range list {
		assert.Equal(t, llmstream.BlockStatusSuccess, b.Status)
	}

	msg, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, llmstream.MessageStatusSuccess, msg.Status)
}
