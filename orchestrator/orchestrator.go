// Package orchestrator runs streaming turns: provider stream, block manager
// and UI callback wired into one pipeline per assistant message.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	llmstream "github.com/haowjy/meridian-stream-go"
	"github.com/haowjy/meridian-stream-go/blocks"
)

// Default timeouts.
const (
	DefaultIdleTimeout = 2 * time.Minute
	DefaultTurnTimeout = 10 * time.Minute
)

// Options configures an Orchestrator.
type Options struct {
	// IdleTimeout cancels a turn when no chunk arrives for this long.
	IdleTimeout time.Duration
	// TurnTimeout bounds a whole turn. Negative disables the bound.
	TurnTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.TurnTimeout == 0 {
		o.TurnTimeout = DefaultTurnTimeout
	}
	return o
}

// TurnRequest is one model answering into one assistant message.
type TurnRequest struct {
	AskID     string // Cancellation key; generated when empty
	MessageID string // Existing message the blocks are appended to
	Request   *llmstream.GenerateRequest
	OnChunk   llmstream.ChunkHandler // Optional live callback, called after the block manager
}

// TurnResult describes how a turn ended.
type TurnResult struct {
	AskID     string
	MessageID string
	Model     string
	Provider  llmstream.ProviderID
	Status    llmstream.MessageStatus
	FinalText string
	Usage     *llmstream.Usage
	Blocks    []blocks.BlockState
	Error     *llmstream.ChunkError // Set when the turn ended on an Error chunk
	Cancelled error                 // Cancellation cause when the turn was cancelled
	Duration  time.Duration
}

type turn struct {
	cancel context.CancelCauseFunc
}

// Orchestrator is shared across turns; every Run builds its own pipeline.
type Orchestrator struct {
	store     llmstream.Store
	gateway   blocks.Gateway
	providers *llmstream.ProviderRegistry
	opts      Options
	logger    *zap.Logger

	mu    sync.Mutex
	turns map[string]map[*turn]struct{}
}

// New creates an orchestrator.
func New(store llmstream.Store, gateway blocks.Gateway, providers *llmstream.ProviderRegistry, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:     store,
		gateway:   gateway,
		providers: providers,
		opts:      opts.withDefaults(),
		logger:    logger.Named("orchestrator"),
		turns:     make(map[string]map[*turn]struct{}),
	}
}

// Run streams one turn to completion, cancellation or failure.
//
// Stream-level failures (protocol errors, provider error events) end the turn
// with an ERROR message and a nil error. Persistence failures and request setup
// failures are returned. A cancelled turn returns a nil error with
// TurnResult.Cancelled set.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.Request == nil {
		return nil, &llmstream.ValidationError{Field: "request", Value: nil, Reason: "is required"}
	}
	if req.MessageID == "" {
		return nil, &llmstream.ValidationError{Field: "message_id", Value: "", Reason: "is required"}
	}
	if err := llmstream.ValidateRequestParams(req.Request.Params); err != nil {
		return nil, err
	}
	provider, err := o.providers.Resolve(req.Request.Model)
	if err != nil {
		return nil, err
	}
	if req.AskID == "" {
		req.AskID = llmstream.NewAskID()
	}

	logger := o.logger.With(
		zap.String("ask_id", req.AskID),
		zap.String("message_id", req.MessageID),
		zap.String("model", req.Request.Model),
		zap.String("provider", provider.Name().String()),
	)

	// Writes outlive cancellation so the cancel path can still persist.
	writeCtx := context.WithoutCancel(ctx)

	streamCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if o.opts.TurnTimeout > 0 {
		var stop context.CancelFunc
		streamCtx, stop = context.WithTimeoutCause(streamCtx, o.opts.TurnTimeout, llmstream.ErrTurnTimeout)
		defer stop()
	}

	t := &turn{cancel: cancel}
	o.register(req.AskID, t)
	defer o.unregister(req.AskID, t)

	// Every raw event counts as activity, including ones that yield no chunk.
	idle := time.AfterFunc(o.opts.IdleTimeout, func() { cancel(llmstream.ErrIdleTimeout) })
	defer idle.Stop()
	streamCtx = llmstream.WithEventObserver(streamCtx, func() { idle.Reset(o.opts.IdleTimeout) })

	manager := blocks.NewManager(req.MessageID, o.store, o.gateway, logger)
	result := &TurnResult{
		AskID:     req.AskID,
		MessageID: req.MessageID,
		Model:     req.Request.Model,
		Provider:  provider.Name(),
	}

	onChunk := func(c llmstream.Chunk) error {
		idle.Reset(o.opts.IdleTimeout)
		if c.Type == llmstream.ChunkTypeError {
			result.Error = c.Err
		}
		if err := manager.HandleChunk(writeCtx, c); err != nil {
			return err
		}
		if req.OnChunk != nil {
			return req.OnChunk(c)
		}
		return nil
	}

	start := time.Now()
	logger.Debug("turn started")
	streamResult, streamErr := provider.StreamResponse(streamCtx, req.Request, onChunk)
	idle.Stop()

	if streamResult != nil {
		result.FinalText = streamResult.FinalText
		result.Usage = streamResult.Usage
		if streamResult.Model != "" {
			result.Model = streamResult.Model
		}
	}

	runErr := o.settle(writeCtx, streamCtx, manager, provider.Name(), streamErr, result, logger)

	if usage := manager.Usage(); usage != nil {
		result.Usage = usage
	}
	result.Status = manager.Status()
	result.Blocks = manager.Snapshot()
	result.Duration = time.Since(start)

	logger.Info("turn finished",
		zap.String("status", string(result.Status)),
		zap.Int("blocks", len(result.Blocks)),
		zap.Duration("duration", result.Duration),
		zap.Error(runErr))
	return result, runErr
}

// settle drives the manager to a terminal state after the provider returned.
func (o *Orchestrator) settle(writeCtx, streamCtx context.Context, manager *blocks.Manager, provider llmstream.ProviderID, streamErr error, result *TurnResult, logger *zap.Logger) error {
	switch {
	case llmstream.IsPersistence(streamErr):
		logger.Error("persistence failed mid-stream", zap.Error(streamErr))
		return errors.Join(streamErr, manager.Cancel(writeCtx, streamErr))

	case streamCtx.Err() != nil && !manager.Done():
		cause := context.Cause(streamCtx)
		result.Cancelled = cause
		return manager.Cancel(writeCtx, cause)

	case llmstream.IsCancellation(streamErr):
		// The provider itself ended the turn early (an abort part).
		logger.Info("provider aborted the turn", zap.Error(streamErr))
		result.Cancelled = streamErr
		if manager.Done() {
			return nil
		}
		return manager.Cancel(writeCtx, streamErr)

	case streamErr != nil:
		if manager.Done() {
			if streamCtx.Err() != nil {
				// Cancelled after the terminal chunk was handled.
				return nil
			}
			return streamErr
		}
		c := llmstream.ErrorChunk(llmstream.ErrorKindStream, provider.String(), streamErr.Error())
		var providerErr *llmstream.ProviderError
		var modelErr *llmstream.ModelError
		switch {
		case errors.As(streamErr, &providerErr):
			c.Err.Kind = llmstream.ErrorKindProvider
			c.Err.Code = string(providerErr.Code)
		case errors.As(streamErr, &modelErr), llmstream.IsInvalidRequest(streamErr):
			c.Err.Kind = llmstream.ErrorKindProvider
			c.Err.Code = string(llmstream.ErrorCodeInvalidRequest)
		}
		result.Error = c.Err
		return errors.Join(streamErr, manager.HandleChunk(writeCtx, c))

	case !manager.Done():
		logger.Warn("stream ended without a terminal chunk")
		c := llmstream.ErrorChunk(llmstream.ErrorKindStream, provider.String(), "stream ended without a terminal event")
		result.Error = c.Err
		return manager.HandleChunk(writeCtx, c)
	}
	return nil
}

// FanOut runs every request concurrently under one ask id, so a single Cancel
// stops all of them. Results are in request order; the first error is returned
// once every turn has finished.
func (o *Orchestrator) FanOut(ctx context.Context, askID string, reqs []TurnRequest) ([]*TurnResult, error) {
	if askID == "" {
		askID = llmstream.NewAskID()
	}
	results := make([]*TurnResult, len(reqs))

	var g errgroup.Group
	for i, req := range reqs {
		req.AskID = askID
		g.Go(func() error {
			res, err := o.Run(ctx, req)
			results[i] = res
			if err != nil {
				return fmt.Errorf("turn %s (%s): %w", req.MessageID, modelOf(req), err)
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// Cancel stops every in-flight turn of askID. It reports whether any turn was found.
func (o *Orchestrator) Cancel(askID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	turns := o.turns[askID]
	for t := range turns {
		t.cancel(llmstream.ErrTurnCancelled)
	}
	if len(turns) > 0 {
		o.logger.Info("cancelled ask", zap.String("ask_id", askID), zap.Int("turns", len(turns)))
	}
	return len(turns) > 0
}

// Active lists the ask ids with in-flight turns, sorted.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, len(o.turns))
	for id := range o.turns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (o *Orchestrator) register(askID string, t *turn) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.turns[askID] == nil {
		o.turns[askID] = make(map[*turn]struct{})
	}
	o.turns[askID][t] = struct{}{}
}

func (o *Orchestrator) unregister(askID string, t *turn) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.turns[askID], t)
	if len(o.turns[askID]) == 0 {
		delete(o.turns, askID)
	}
}

func modelOf(req TurnRequest) string {
	if req.Request == nil {
		return ""
	}
	return req.Request.Model
}
