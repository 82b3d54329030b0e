package llmstream

import "context"

// Store is the narrow persistence interface the pipeline writes through.
// Implementations own their transactional guarantees for a single call.
// All calls are keyed by globally unique block/message ids, so a Store is
// shared across concurrent turns without extra locking on the caller side.
type Store interface {
	// CreateBlock inserts a block and appends its id to the owning message.
	CreateBlock(ctx context.Context, block *MessageBlock) error

	// UpdateBlock applies an in-progress change to a block.
	UpdateBlock(ctx context.Context, blockID string, changes BlockChanges) error

	// FinalizeBlock applies the final change to a block.
	FinalizeBlock(ctx context.Context, blockID string, changes BlockChanges) error

	// DeleteBlock removes a discarded block (an unused placeholder) from its message.
	DeleteBlock(ctx context.Context, blockID string) error

	// UpdateMessageStatus sets the derived status of a message.
	UpdateMessageStatus(ctx context.Context, messageID string, status MessageStatus) error
}
