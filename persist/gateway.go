// Package persist coalesces streaming block writes before they reach a Store.
package persist

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	llmstream "github.com/haowjy/meridian-stream-go"
)

// Default gateway settings.
const (
	DefaultWindow       = 150 * time.Millisecond
	DefaultMaxEntries   = 1024
	DefaultTTL          = 5 * time.Minute
	DefaultWriteTimeout = 10 * time.Second
)

// Options configures a Gateway. Zero values fall back to the defaults above.
type Options struct {
	Window       time.Duration // Coalescing window per block
	MaxEntries   int           // Upper bound on tracked blocks
	TTL          time.Duration // Idle lifetime of a tracked block
	WriteTimeout time.Duration // Deadline for trailing flushes, which run without a caller context
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// entry is the throttle state of one block.
//
// Lock order: writeMu, then mu. The LRU eviction callback only takes mu, so no
// LRU method may be called while mu is held.
type entry struct {
	blockID string

	writeMu sync.Mutex // serializes store writes for the block

	mu        sync.Mutex
	timer     *time.Timer
	pending   *llmstream.BlockChanges
	windowOn  bool
	finalized bool  // Finalize or Cancel ran; later updates are stale
	evicted   bool  // dropped by the LRU; updates go straight to the store
	flushErr  error // failed trailing flush, reported on the next call
}

// stopLocked clears the window and any pending value. Caller holds mu.
func (e *entry) stopLocked() (dropped bool) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	dropped = e.pending != nil
	e.pending = nil
	e.windowOn = false
	return dropped
}

func (e *entry) takeErrLocked() error {
	err := e.flushErr
	e.flushErr = nil
	return err
}

// Gateway throttles UpdateBlock calls per block id with a leading and trailing
// flush, and passes final writes straight through. It is safe for concurrent
// use across turns because all state is keyed by block id.
type Gateway struct {
	store  llmstream.Store
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex // guards get-or-create on entries
	entries *expirable.LRU[string, *entry]

	// closed holds recently finalized or cancelled block ids. Non-final
	// writes to them are dropped until the id expires.
	closed *expirable.LRU[string, struct{}]
}

// NewGateway creates a gateway writing through store.
func NewGateway(store llmstream.Store, opts Options, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		store:  store,
		opts:   opts.withDefaults(),
		logger: logger.Named("persist"),
	}
	g.entries = expirable.NewLRU[string, *entry](g.opts.MaxEntries, g.onEvict, g.opts.TTL)
	g.closed = expirable.NewLRU[string, struct{}](g.opts.MaxEntries, nil, g.opts.TTL)
	return g
}

func (g *Gateway) onEvict(blockID string, e *entry) {
	e.mu.Lock()
	e.evicted = true
	dropped := e.stopLocked()
	e.mu.Unlock()
	if dropped {
		g.logger.Warn("evicted block with a pending write", zap.String("block_id", blockID))
	}
}

// acquire returns the live entry for blockID, creating it if needed, and
// renews its TTL.
func (g *Gateway) acquire(blockID string) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries.Get(blockID)
	if !ok {
		// An expired key is still present until the reaper runs; removing it
		// first makes sure its timer is stopped.
		g.entries.Remove(blockID)
		e = &entry{blockID: blockID}
	}
	g.entries.Add(blockID, e)
	return e
}

func (g *Gateway) isClosed(blockID string) bool {
	_, ok := g.closed.Peek(blockID)
	return ok
}

func (g *Gateway) lookup(blockID string) (*entry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entries.Peek(blockID)
}

// Update writes changes immediately when no window is open for the block and
// opens one. Calls inside the window replace the pending value field by field;
// the window's trailing flush writes it and opens the next window.
//
// An error from an earlier trailing flush of the same block is returned here.
func (g *Gateway) Update(ctx context.Context, blockID string, changes llmstream.BlockChanges) error {
	e := g.acquire(blockID)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if g.isClosed(blockID) {
		g.logger.Debug("dropping update to a closed block", zap.String("block_id", blockID))
		g.forget(blockID, e)
		return nil
	}

	e.mu.Lock()
	prevErr := e.takeErrLocked()
	switch {
	case e.finalized:
		e.mu.Unlock()
		g.logger.Debug("dropping update after finalize", zap.String("block_id", blockID))
		return prevErr
	case e.evicted:
		e.mu.Unlock()
		return g.write(ctx, blockID, "update", changes)
	case e.windowOn:
		merged := changes
		if e.pending != nil {
			merged = e.pending.Merge(changes)
		}
		e.pending = &merged
		e.mu.Unlock()
		return prevErr
	}
	e.windowOn = true
	e.timer = time.AfterFunc(g.opts.Window, func() { g.flush(e) })
	e.mu.Unlock()

	if err := g.write(ctx, blockID, "update", changes); err != nil {
		return err
	}
	return prevErr
}

// flush runs at the end of a window.
func (g *Gateway) flush(e *entry) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	if e.finalized || e.evicted || !e.windowOn {
		e.mu.Unlock()
		return
	}
	pending := e.pending
	e.pending = nil
	if pending == nil {
		e.windowOn = false
		e.timer = nil
		e.mu.Unlock()
		return
	}
	e.timer = time.AfterFunc(g.opts.Window, func() { g.flush(e) })
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), g.opts.WriteTimeout)
	defer cancel()

	if err := g.write(ctx, e.blockID, "update", *pending); err != nil {
		g.logger.Warn("trailing flush failed", zap.String("block_id", e.blockID), zap.Error(err))
		e.mu.Lock()
		e.flushErr = err
		e.mu.Unlock()
	}
}

// Write performs a synchronous non-final UpdateBlock and discards any pending
// throttled value for the block. The throttle window, if open, stays open.
// Writes to a recently finalized or cancelled block are dropped.
func (g *Gateway) Write(ctx context.Context, blockID string, changes llmstream.BlockChanges) error {
	if g.isClosed(blockID) {
		g.logger.Debug("dropping write to a closed block", zap.String("block_id", blockID))
		return nil
	}

	e, ok := g.lookup(blockID)
	if !ok {
		return g.write(ctx, blockID, "update", changes)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	e.pending = nil
	prevErr := e.takeErrLocked()
	e.mu.Unlock()

	if err := g.write(ctx, blockID, "update", changes); err != nil {
		return err
	}
	if prevErr != nil {
		g.logger.Debug("superseded failed flush", zap.String("block_id", blockID), zap.Error(prevErr))
	}
	return nil
}

// Finalize writes the final state of a block. It cancels the block's window,
// waits for an in-flight trailing flush and forgets the block. Later Update
// and Write calls for the block are dropped.
func (g *Gateway) Finalize(ctx context.Context, blockID string, changes llmstream.BlockChanges) error {
	g.closed.Add(blockID, struct{}{})

	e, ok := g.lookup(blockID)
	if !ok {
		return g.finalize(ctx, blockID, changes)
	}

	e.writeMu.Lock()
	e.mu.Lock()
	e.finalized = true
	e.stopLocked()
	e.takeErrLocked()
	e.mu.Unlock()

	err := g.finalize(ctx, blockID, changes)
	e.writeMu.Unlock()

	g.forget(blockID, e)
	return err
}

// Cancel drops the block's window and pending value without writing.
func (g *Gateway) Cancel(blockID string) {
	g.closed.Add(blockID, struct{}{})

	e, ok := g.lookup(blockID)
	if !ok {
		return
	}

	e.writeMu.Lock()
	e.mu.Lock()
	e.finalized = true
	e.stopLocked()
	e.mu.Unlock()
	e.writeMu.Unlock()

	g.forget(blockID, e)
}

// Len reports how many blocks currently hold throttle state.
func (g *Gateway) Len() int {
	return g.entries.Len()
}

// Close stops every timer. Pending values are dropped.
func (g *Gateway) Close() {
	g.entries.Purge()
	g.closed.Purge()
}

func (g *Gateway) forget(blockID string, e *entry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.entries.Peek(blockID); ok && cur == e {
		g.entries.Remove(blockID)
	}
}

func (g *Gateway) write(ctx context.Context, blockID, op string, changes llmstream.BlockChanges) error {
	if err := g.store.UpdateBlock(ctx, blockID, changes); err != nil {
		return &llmstream.PersistenceError{Op: op, BlockID: blockID, Changes: &changes, Err: err}
	}
	return nil
}

func (g *Gateway) finalize(ctx context.Context, blockID string, changes llmstream.BlockChanges) error {
	if err := g.store.FinalizeBlock(ctx, blockID, changes); err != nil {
		return &llmstream.PersistenceError{Op: "finalize", BlockID: blockID, Changes: &changes, Err: err}
	}
	return nil
}
