package aisdk

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	llmstream "github.com/haowjy/meridian-stream-go"
)

// Source opens a part stream for one request.
type Source func(ctx context.Context, req *llmstream.GenerateRequest) (llmstream.RawStream[Part], error)

// Provider serves models from any source that already emits stream parts,
// such as a bridge process or a recorded transcript.
type Provider struct {
	name     llmstream.ProviderID
	prefixes []string
	open     Source
	catalog  *llmstream.ToolCatalog
	logger   *zap.Logger
}

// NewProvider creates a provider answering models that start with one of prefixes.
// An empty prefix list accepts every model.
func NewProvider(open Source, catalog *llmstream.ToolCatalog, logger *zap.Logger, prefixes ...string) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		name:     llmstream.ProviderAISDK,
		prefixes: prefixes,
		open:     open,
		catalog:  catalog,
		logger:   logger.Named("aisdk"),
	}
}

// Name implements llmstream.Provider.
func (p *Provider) Name() llmstream.ProviderID {
	return p.name
}

// SupportsModel implements llmstream.Provider.
func (p *Provider) SupportsModel(model string) bool {
	if len(p.prefixes) == 0 {
		return true
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// StreamResponse implements llmstream.Provider.
func (p *Provider) StreamResponse(ctx context.Context, req *llmstream.GenerateRequest, onChunk llmstream.ChunkHandler) (*llmstream.StreamResult, error) {
	if err := llmstream.ValidateRequestParams(req.Params); err != nil {
		return nil, err
	}

	raw, err := p.open(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("open part stream: %w", err)
	}

	adapter := NewAdapter(p.catalog, WithLogger(p.logger), WithProviderName(p.name))
	text, err := adapter.ProcessStream(ctx, raw, onChunk)
	if err != nil {
		return nil, err
	}

	usage := adapter.Usage()
	if usage.Model == "" {
		usage.Model = req.Model
	}
	return &llmstream.StreamResult{Model: req.Model, FinalText: text, Usage: &usage}, nil
}
