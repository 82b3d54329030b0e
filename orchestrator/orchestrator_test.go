package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	llmstream "github.com/haowjy/meridian-stream-go"
	"github.com/haowjy/meridian-stream-go/persist"
	"github.com/haowjy/meridian-stream-go/providers/aisdk"
	"github.com/haowjy/meridian-stream-go/providers/lorem"
	"github.com/haowjy/meridian-stream-go/storage/memory"
)

// scripted serves fixed part lists ("scripted-*" models) and live channels
// ("live-*" models) through the ai-sdk provider.
type scripted struct {
	mu      sync.Mutex
	scripts map[string][]aisdk.Part
	live    map[string]chan llmstream.StreamItem[aisdk.Part]
	openErr error
}

func newScripted() *scripted {
	return &scripted{
		scripts: make(map[string][]aisdk.Part),
		live:    make(map[string]chan llmstream.StreamItem[aisdk.Part]),
	}
}

func (s *scripted) script(model string, parts ...aisdk.Part) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[model] = parts
}

func (s *scripted) channel(model string) chan llmstream.StreamItem[aisdk.Part] {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan llmstream.StreamItem[aisdk.Part], 16)
	s.live[model] = ch
	return ch
}

func (s *scripted) open(ctx context.Context, req *llmstream.GenerateRequest) (llmstream.RawStream[aisdk.Part], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	if ch, ok := s.live[req.Model]; ok {
		return llmstream.NewChanStream(ctx, ch), nil
	}
	return llmstream.NewSliceStream(s.scripts[req.Model], nil), nil
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *memory.Store
	scripted *scripted
	orch     *Orchestrator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	catalog, err := llmstream.NewDefaultToolCatalog()
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	store := memory.New()
	gateway := persist.NewGateway(store, persist.Options{Window: 10 * time.Millisecond}, logger)
	t.Cleanup(gateway.Close)

	src := newScripted()
	registry := llmstream.NewProviderRegistry(
		aisdk.NewProvider(src.open, catalog, logger, "scripted-", "live-"),
		lorem.NewProvider(catalog, logger),
	)

	return &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    store,
		scripted: src,
		orch:     New(store, gateway, registry, opts, logger),
	}
}

func (f *fixture) message() string {
	f.t.Helper()
	id := llmstream.NewMessageID()
	require.NoError(f.t, f.store.CreateMessage(f.ctx, &llmstream.Message{ID: id, Role: "assistant"}))
	return id
}

func (f *fixture) request(model string) *llmstream.GenerateRequest {
	return &llmstream.GenerateRequest{
		Model:    model,
		Messages: []llmstream.PromptMessage{{Role: "user", Text: "hi"}},
	}
}

func (f *fixture) blocks(messageID string) []llmstream.MessageBlock {
	f.t.Helper()
	list, err := f.store.ListBlocks(f.ctx, messageID)
	require.NoError(f.t, err)
	return list
}

func (f *fixture) messageStatus(messageID string) llmstream.MessageStatus {
	f.t.Helper()
	msg, err := f.store.GetMessage(f.ctx, messageID)
	require.NoError(f.t, err)
	return msg.Status
}

func textParts(text ...string) []aisdk.Part {
	parts := []aisdk.Part{{Type: aisdk.PartStart}, {Type: aisdk.PartTextStart, ID: "t0"}}
	for _, s := range text {
		parts = append(parts, aisdk.Part{Type: aisdk.PartTextDelta, ID: "t0", Text: s})
	}
	return append(parts, aisdk.Part{Type: aisdk.PartTextEnd, ID: "t0"})
}

func finish() aisdk.Part {
	return aisdk.Part{
		Type:         aisdk.PartFinish,
		FinishReason: "stop",
		TotalUsage:   &aisdk.Usage{InputTokens: 5, OutputTokens: 2},
	}
}

func TestRun_PlainText(t *testing.T) {
	f := newFixture(t, Options{})
	f.scripted.script("scripted-text", append(textParts("Hel", "lo"), finish())...)
	messageID := f.message()

	var seen []llmstream.ChunkType
	result, err := f.orch.Run(f.ctx, TurnRequest{
		MessageID: messageID,
		Request:   f.request("scripted-text"),
		OnChunk: func(c llmstream.Chunk) error {
			if c.Type == llmstream.ChunkResponseCreated {
				// The block manager has already written the placeholder.
				assert.Len(t, f.blocks(messageID), 1)
			}
			seen = append(seen, c.Type)
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, llmstream.MessageStatusSuccess, result.Status)
	assert.Equal(t, "Hello", result.FinalText)
	assert.NotEmpty(t, result.AskID)
	assert.Equal(t, llmstream.ProviderAISDK, result.Provider)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 2, result.Usage.OutputTokens)
	assert.Equal(t, "end_turn", result.Usage.StopReason)
	assert.Nil(t, result.Error)
	assert.Nil(t, result.Cancelled)

	assert.Equal(t, llmstream.ChunkResponseCreated, seen[0])
	assert.Equal(t, llmstream.ChunkResponseComplete, seen[len(seen)-1])

	list := f.blocks(messageID)
	require.Len(t, list, 1)
	assert.Equal(t, llmstream.BlockTypeMainText, list[0].Type)
	assert.Equal(t, llmstream.BlockStatusSuccess, list[0].Status)
	assert.Equal(t, "Hello", list[0].Content.Text)
	assert.Equal(t, llmstream.MessageStatusSuccess, f.messageStatus(messageID))
	assert.Empty(t, f.orch.Active())
}

func TestRun_ToolRoundTrip(t *testing.T) {
	f := newFixture(t, Options{})
	f.scripted.script("scripted-tool",
		aisdk.Part{Type: aisdk.PartStart},
		aisdk.Part{Type: aisdk.PartToolInputStart, ID: "t1", ToolName: "web_search", ProviderExecuted: true},
		aisdk.Part{Type: aisdk.PartToolInputDelta, ID: "t1", Delta: `{"q":`},
		aisdk.Part{Type: aisdk.PartToolInputDelta, ID: "t1", Delta: `"x"}`},
		aisdk.Part{Type: aisdk.PartToolInputEnd, ID: "t1"},
		aisdk.Part{Type: aisdk.PartToolResult, ToolCallID: "t1", Output: []any{"result"}},
		finish(),
	)
	messageID := f.message()

	result, err := f.orch.Run(f.ctx, TurnRequest{MessageID: messageID, Request: f.request("scripted-tool")})
	require.NoError(t, err)
	assert.Equal(t, llmstream.MessageStatusSuccess, result.Status)

	list := f.blocks(messageID)
	require.Len(t, list, 1)
	assert.Equal(t, llmstream.BlockTypeTool, list[0].Type)
	assert.Equal(t, llmstream.BlockStatusSuccess, list[0].Status)
	require.NotNil(t, list[0].Content.ToolCall)
	assert.Equal(t, map[string]any{"q": "x"}, list[0].Content.ToolCall.Arguments)
	require.NotNil(t, list[0].Content.ToolResult)
	assert.Equal(t, []any{"result"}, list[0].Content.ToolResult.Output)
}

func TestRun_ErrorMidStream(t *testing.T) {
	f := newFixture(t, Options{})
	parts := textParts("partial")
	parts = parts[:len(parts)-1] // text span still open
	parts = append(parts, aisdk.Part{Type: aisdk.PartError, Error: "overloaded"})
	f.scripted.script("scripted-error", parts...)
	messageID := f.message()

	result, err := f.orch.Run(f.ctx, TurnRequest{MessageID: messageID, Request: f.request("scripted-error")})
	require.NoError(t, err)

	assert.Equal(t, llmstream.MessageStatusError, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, llmstream.ErrorKindProvider, result.Error.Kind)

	list := f.blocks(messageID)
	require.Len(t, list, 2)
	assert.Equal(t, llmstream.BlockTypeMainText, list[0].Type)
	assert.Equal(t, llmstream.BlockStatusError, list[0].Status)
	assert.Equal(t, "partial", list[0].Content.Text)
	assert.Equal(t, llmstream.BlockTypeError, list[1].Type)
	assert.Equal(t, llmstream.MessageStatusError, f.messageStatus(messageID))
}

func TestRun_ProtocolErrorEndsTurn(t *testing.T) {
	f := newFixture(t, Options{})
	f.scripted.script("scripted-bad",
		aisdk.Part{Type: aisdk.PartStart},
		aisdk.Part{Type: "mystery-part"},
		aisdk.Part{Type: aisdk.PartTextStart, ID: "never"},
	)
	messageID := f.message()

	result, err := f.orch.Run(f.ctx, TurnRequest{MessageID: messageID, Request: f.request("scripted-bad")})
	require.NoError(t, err)
	assert.Equal(t, llmstream.MessageStatusError, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, llmstream.ErrorKindProtocol, result.Error.Kind)

	// The unused placeholder became the error block.
	list := f.blocks(messageID)
	require.Len(t, list, 1)
	assert.Equal(t, llmstream.BlockTypeError, list[0].Type)
}

func TestRun_CancelByAskID(t *testing.T) {
	f := newFixture(t, Options{})
	ch := f.scripted.channel("live-cancel")
	messageID := f.message()

	gotDelta := make(chan struct{}, 1)
	done := make(chan struct{})
	var result *TurnResult
	var runErr error
	go func() {
		defer close(done)
		result, runErr = f.orch.Run(f.ctx, TurnRequest{
			AskID:     "ask-1",
			MessageID: messageID,
			Request:   f.request("live-cancel"),
			OnChunk: func(c llmstream.Chunk) error {
				if c.Type == llmstream.ChunkTextDelta {
					gotDelta <- struct{}{}
				}
				return nil
			},
		})
	}()

	for _, p := range textParts("half")[:3] {
		ch <- llmstream.StreamItem[aisdk.Part]{Event: p}
	}
	<-gotDelta

	assert.Equal(t, []string{"ask-1"}, f.orch.Active())
	assert.True(t, f.orch.Cancel("ask-1"))
	<-done

	require.NoError(t, runErr)
	assert.ErrorIs(t, result.Cancelled, llmstream.ErrTurnCancelled)
	assert.Equal(t, llmstream.MessageStatusSuccess, result.Status)

	list := f.blocks(messageID)
	require.Len(t, list, 1)
	assert.Equal(t, llmstream.BlockStatusPaused, list[0].Status)
	assert.Equal(t, "half", list[0].Content.Text)
	assert.Len(t, f.store.WritesFor(list[0].ID, memory.OpFinalize), 1)

	assert.Empty(t, f.orch.Active())
	assert.False(t, f.orch.Cancel("ask-1"))
}

func TestRun_IdleTimeout(t *testing.T) {
	f := newFixture(t, Options{IdleTimeout: 50 * time.Millisecond})
	ch := f.scripted.channel("live-idle")
	messageID := f.message()

	for _, p := range textParts("stalled")[:3] {
		ch <- llmstream.StreamItem[aisdk.Part]{Event: p}
	}

	result, err := f.orch.Run(f.ctx, TurnRequest{MessageID: messageID, Request: f.request("live-idle")})
	require.NoError(t, err)
	assert.ErrorIs(t, result.Cancelled, llmstream.ErrIdleTimeout)
	assert.True(t, llmstream.IsCancellation(result.Cancelled))

	list := f.blocks(messageID)
	require.Len(t, list, 1)
	assert.Equal(t, llmstream.BlockStatusPaused, list[0].Status)
	assert.Equal(t, llmstream.MessageStatusSuccess, f.messageStatus(messageID))
}

func TestRun_IdleTimeoutWithoutContent(t *testing.T) {
	f := newFixture(t, Options{IdleTimeout: 30 * time.Millisecond})
	f.scripted.channel("live-silent")
	messageID := f.message()

	result, err := f.orch.Run(f.ctx, TurnRequest{MessageID: messageID, Request: f.request("live-silent")})
	require.NoError(t, err)
	assert.ErrorIs(t, result.Cancelled, llmstream.ErrIdleTimeout)
	assert.Equal(t, llmstream.MessageStatusError, result.Status)
	assert.Empty(t, f.blocks(messageID))
}

func TestRun_IdleTimerCountsEventsWithoutChunks(t *testing.T) {
	f := newFixture(t, Options{IdleTimeout: 60 * time.Millisecond})
	ch := f.scripted.channel("live-slow-args")
	messageID := f.message()

	// Argument deltas yield no chunks but keep arriving well inside the idle window.
	go func() {
		ch <- llmstream.StreamItem[aisdk.Part]{Event: aisdk.Part{Type: aisdk.PartStart}}
		ch <- llmstream.StreamItem[aisdk.Part]{Event: aisdk.Part{
			Type: aisdk.PartToolInputStart, ID: "t1", ToolName: "web_search", ProviderExecuted: true,
		}}
		deltas := []string{`{"q":"`}
		for i := 0; i < 18; i++ {
			deltas = append(deltas, "a")
		}
		deltas = append(deltas, `"}`)
		for _, d := range deltas {
			time.Sleep(15 * time.Millisecond)
			ch <- llmstream.StreamItem[aisdk.Part]{Event: aisdk.Part{Type: aisdk.PartToolInputDelta, ID: "t1", Delta: d}}
		}
		ch <- llmstream.StreamItem[aisdk.Part]{Event: aisdk.Part{Type: aisdk.PartToolInputEnd, ID: "t1"}}
		ch <- llmstream.StreamItem[aisdk.Part]{Event: aisdk.Part{Type: aisdk.PartToolResult, ToolCallID: "t1", Output: []any{"r"}}}
		ch <- llmstream.StreamItem[aisdk.Part]{Event: finish()}
	}()

	result, err := f.orch.Run(f.ctx, TurnRequest{MessageID: messageID, Request: f.request("live-slow-args")})
	require.NoError(t, err)
	assert.NoError(t, result.Cancelled)
	assert.Equal(t, llmstream.MessageStatusSuccess, result.Status)

	list := f.blocks(messageID)
	require.Len(t, list, 1)
	assert.Equal(t, llmstream.BlockTypeTool, list[0].Type)
	assert.Equal(t, llmstream.BlockStatusSuccess, list[0].Status)
	require.NotNil(t, list[0].Content.ToolCall)
	assert.Equal(t, map[string]any{"q": "aaaaaaaaaaaaaaaaaa"}, list[0].Content.ToolCall.Arguments)
}

func TestRun_ProviderAbortPausesTurn(t *testing.T) {
	f := newFixture(t, Options{})
	f.scripted.script("scripted-abort", append(textParts("partial")[:3], aisdk.Part{Type: aisdk.PartAbort})...)
	messageID := f.message()

	result, err := f.orch.Run(f.ctx, TurnRequest{MessageID: messageID, Request: f.request("scripted-abort")})
	require.NoError(t, err)
	assert.ErrorIs(t, result.Cancelled, llmstream.ErrTurnCancelled)
	assert.Nil(t, result.Error)
	assert.Equal(t, llmstream.MessageStatusSuccess, result.Status)

	list := f.blocks(messageID)
	require.Len(t, list, 1)
	assert.Equal(t, llmstream.BlockTypeMainText, list[0].Type)
	assert.Equal(t, llmstream.BlockStatusPaused, list[0].Status)
	assert.Equal(t, "partial", list[0].Content.Text)
	assert.Equal(t, llmstream.MessageStatusSuccess, f.messageStatus(messageID))
}

func TestRun_PersistenceFailurePropagates(t *testing.T) {
	f := newFixture(t, Options{})
	f.scripted.script("scripted-text", append(textParts("Hello"), finish())...)
	messageID := f.message()
	errDisk := errors.New("disk full")
	f.store.FailOn(memory.OpFinalize, errDisk)

	result, err := f.orch.Run(f.ctx, TurnRequest{MessageID: messageID, Request: f.request("scripted-text")})
	require.Error(t, err)
	assert.ErrorIs(t, err, errDisk)
	assert.True(t, llmstream.IsPersistence(err))
	require.NotNil(t, result)
}

func TestRun_SetupFailureMarksMessage(t *testing.T) {
	f := newFixture(t, Options{})
	f.scripted.openErr = &llmstream.ProviderError{
		Code:      llmstream.ErrorCodeRateLimited,
		Provider:  "ai-sdk",
		Message:   "slow down",
		Retryable: true,
		Err:       llmstream.ErrRateLimited,
	}
	messageID := f.message()

	result, err := f.orch.Run(f.ctx, TurnRequest{MessageID: messageID, Request: f.request("scripted-any")})
	require.Error(t, err)
	assert.True(t, llmstream.IsRetryable(err))

	require.NotNil(t, result)
	assert.Equal(t, llmstream.MessageStatusError, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, string(llmstream.ErrorCodeRateLimited), result.Error.Code)

	list := f.blocks(messageID)
	require.Len(t, list, 1)
	assert.Equal(t, llmstream.BlockTypeError, list[0].Type)
	assert.Equal(t, llmstream.MessageStatusError, f.messageStatus(messageID))
}

func TestRun_RejectsBadRequests(t *testing.T) {
	f := newFixture(t, Options{})
	messageID := f.message()

	_, err := f.orch.Run(f.ctx, TurnRequest{MessageID: messageID, Request: f.request("gpt-unknown")})
	assert.ErrorIs(t, err, llmstream.ErrInvalidModel)

	_, err = f.orch.Run(f.ctx, TurnRequest{Request: f.request("scripted-text")})
	assert.True(t, llmstream.IsInvalidRequest(err))

	_, err = f.orch.Run(f.ctx, TurnRequest{MessageID: messageID})
	assert.True(t, llmstream.IsInvalidRequest(err))

	temp := 3.0
	req := f.request("scripted-text")
	req.Params = &llmstream.RequestParams{Temperature: &temp}
	_, err = f.orch.Run(f.ctx, TurnRequest{MessageID: messageID, Request: req})
	var validationErr *llmstream.ValidationError
	assert.ErrorAs(t, err, &validationErr)

	// Nothing was written for rejected requests.
	assert.Empty(t, f.store.Writes())
}

func TestFanOut(t *testing.T) {
	f := newFixture(t, Options{})
	f.scripted.script("scripted-text", append(textParts("Hi"), finish())...)

	first, second := f.message(), f.message()
	results, err := f.orch.FanOut(f.ctx, "ask-fan", []TurnRequest{
		{MessageID: first, Request: f.request("scripted-text")},
		{MessageID: second, Request: f.request("lorem-instant")},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, first, results[0].MessageID)
	assert.Equal(t, "Hi", results[0].FinalText)
	assert.Equal(t, llmstream.ProviderLorem, results[1].Provider)
	for _, r := range results {
		assert.Equal(t, "ask-fan", r.AskID)
		assert.Equal(t, llmstream.MessageStatusSuccess, r.Status)
	}
	assert.Equal(t, llmstream.MessageStatusSuccess, f.messageStatus(first))
	assert.Equal(t, llmstream.MessageStatusSuccess, f.messageStatus(second))
	assert.Empty(t, f.orch.Active())
}

func TestFanOut_CancelStopsEveryTurn(t *testing.T) {
	f := newFixture(t, Options{})
	chA := f.scripted.channel("live-a")
	chB := f.scripted.channel("live-b")
	msgA, msgB := f.message(), f.message()

	for _, ch := range []chan llmstream.StreamItem[aisdk.Part]{chA, chB} {
		for _, p := range textParts("partial")[:3] {
			ch <- llmstream.StreamItem[aisdk.Part]{Event: p}
		}
	}

	done := make(chan struct{})
	var results []*TurnResult
	var err error
	go func() {
		defer close(done)
		results, err = f.orch.FanOut(f.ctx, "ask-both", []TurnRequest{
			{MessageID: msgA, Request: f.request("live-a")},
			{MessageID: msgB, Request: f.request("live-b")},
		})
	}()

	streamed := func(id string) bool {
		list := f.blocks(id)
		return len(list) == 1 && list[0].Content.Text == "partial"
	}
	require.Eventually(t, func() bool {
		return streamed(msgA) && streamed(msgB)
	}, time.Second, 5*time.Millisecond)
	assert.True(t, f.orch.Cancel("ask-both"))
	<-done

	require.NoError(t, err)
	for _, r := range results {
		assert.ErrorIs(t, r.Cancelled, llmstream.ErrTurnCancelled)
	}
	for _, id := range []string{msgA, msgB} {
		list := f.blocks(id)
		require.Len(t, list, 1)
		assert.Equal(t, llmstream.BlockStatusPaused, list[0].Status)
	}
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, DefaultIdleTimeout, opts.IdleTimeout)
	assert.Equal(t, DefaultTurnTimeout, opts.TurnTimeout)

	disabled := Options{TurnTimeout: -1}.withDefaults()
	assert.Equal(t, time.Duration(-1), disabled.TurnTimeout)
}
