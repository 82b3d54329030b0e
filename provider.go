package llmstream

import (
	"context"
)

// Provider defines the interface that all LLM providers must implement.
//
// StreamResponse opens the provider's raw stream, runs it through that provider's
// adapter and delivers canonical chunks to onChunk in arrival order. It blocks until
// the stream ends. Protocol and in-band provider errors are delivered as Error chunks,
// not returned; the returned error is reserved for request setup failures, onChunk
// failures and context cancellation.
type Provider interface {
	// StreamResponse streams one turn into onChunk.
	StreamResponse(ctx context.Context, req *GenerateRequest, onChunk ChunkHandler) (*StreamResult, error)

	// Name returns the provider identifier.
	Name() ProviderID

	// SupportsModel returns true if the provider supports the given model.
	SupportsModel(model string) bool
}
