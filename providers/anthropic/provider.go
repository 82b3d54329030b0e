package anthropic

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	llmstream "github.com/haowjy/meridian-stream-go"
)

// Provider implements llmstream.Provider for Anthropic (Claude) models.
type Provider struct {
	client  *anthropic.Client
	catalog *llmstream.ToolCatalog
	logger  *zap.Logger
}

// NewProvider creates a new Anthropic provider with the given API key.
// Extra request options (base URL, retries, HTTP client) are passed to the SDK.
func NewProvider(apiKey string, catalog *llmstream.ToolCatalog, logger *zap.Logger, opts ...option.RequestOption) (*Provider, error) {
	if apiKey == "" {
		return nil, llmstream.ErrInvalidAPIKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)

	return &Provider{
		client:  &client,
		catalog: catalog,
		logger:  logger.Named("anthropic"),
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() llmstream.ProviderID {
	return llmstream.ProviderAnthropic
}

// SupportsModel returns true if this provider supports the given model.
// Anthropic models start with "claude-"
func (p *Provider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "claude-")
}

// StreamResponse streams one turn from Claude into onChunk.
func (p *Provider) StreamResponse(ctx context.Context, req *llmstream.GenerateRequest, onChunk llmstream.ChunkHandler) (*llmstream.StreamResult, error) {
	if !p.SupportsModel(req.Model) {
		return nil, &llmstream.ModelError{
			Model:    req.Model,
			Provider: p.Name().String(),
			Reason:   "model not supported by Anthropic (must start with 'claude-')",
			Err:      llmstream.ErrInvalidModel,
		}
	}
	if err := llmstream.ValidateRequestParams(req.Params); err != nil {
		return nil, err
	}

	apiParams, err := buildMessageParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, apiParams)
	defer stream.Close()

	adapter := NewAdapter(p.catalog, p.logger)
	text, err := adapter.ProcessStream(ctx, stream, onChunk)
	if err != nil {
		return nil, err
	}

	usage := adapter.Usage()
	model := usage.Model
	if model == "" {
		model = req.Model
	}
	return &llmstream.StreamResult{Model: model, FinalText: text, Usage: &usage}, nil
}
