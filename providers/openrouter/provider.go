package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	llmstream "github.com/haowjy/meridian-stream-go"
)

// DefaultBaseURL is OpenRouter's OpenAI-compatible API root.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// Provider implements llmstream.Provider for OpenRouter's unified API.
// OpenRouter proxies requests to multiple LLM providers (Anthropic, OpenAI, Google, etc.)
// using an OpenAI-compatible format.
//
// Requesting the web_search tool switches the model to its ":online" variant,
// whose citations arrive as url_citation annotations.
type Provider struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
	catalog    *llmstream.ToolCatalog
	logger     *zap.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API root.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimSuffix(url, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) { p.httpClient = client }
}

// WithLogger sets the provider logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// NewProvider creates a new OpenRouter provider with the given API key.
func NewProvider(apiKey string, catalog *llmstream.ToolCatalog, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, llmstream.ErrInvalidAPIKey
	}

	p := &Provider{
		apiKey: apiKey,
		// No overall timeout: streams are bounded by the caller's context
		httpClient: &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 60 * time.Second}},
		baseURL:    DefaultBaseURL,
		catalog:    catalog,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("openrouter")
	return p, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() llmstream.ProviderID {
	return llmstream.ProviderOpenRouter
}

// SupportsModel returns true if this provider supports the given model.
// OpenRouter supports models in "provider/model" format (e.g., "anthropic/claude-3.5-sonnet")
func (p *Provider) SupportsModel(model string) bool {
	return strings.Contains(model, "/")
}

// StreamResponse streams one turn from OpenRouter into onChunk.
func (p *Provider) StreamResponse(ctx context.Context, req *llmstream.GenerateRequest, onChunk llmstream.ChunkHandler) (*llmstream.StreamResult, error) {
	if !p.SupportsModel(req.Model) {
		return nil, &llmstream.ModelError{
			Model:    req.Model,
			Provider: p.Name().String(),
			Reason:   "model not supported by OpenRouter (must be in 'provider/model' format)",
			Err:      llmstream.ErrInvalidModel,
		}
	}
	if err := llmstream.ValidateRequestParams(req.Params); err != nil {
		return nil, err
	}

	openrouterReq, err := buildChatCompletionRequest(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.buildHTTPRequest(ctx, openrouterReq)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, &llmstream.ProviderError{
			Code:      llmstream.ErrorCodeProviderUnavailable,
			Provider:  p.Name().String(),
			Message:   "openrouter HTTP request failed",
			Retryable: true,
			Err:       err,
		}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.handleErrorResponse(resp, req.Model)
	}

	stream := NewSSEStream(resp.Body)
	defer stream.Close()

	adapter := NewAdapter(p.catalog, p.logger)
	text, err := adapter.ProcessStream(ctx, stream, onChunk)
	if err != nil {
		return nil, err
	}

	usage := adapter.Usage()
	model := usage.Model
	if model == "" {
		model = openrouterReq.Model
	}
	return &llmstream.StreamResult{Model: model, FinalText: text, Usage: &usage}, nil
}

// buildHTTPRequest creates an HTTP request for OpenRouter API.
func (p *Provider) buildHTTPRequest(ctx context.Context, req *ChatCompletionRequest) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	return httpReq, nil
}

// handleErrorResponse parses error responses from OpenRouter.
func (p *Provider) handleErrorResponse(resp *http.Response, model string) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp struct {
		Error struct {
			Code     any            `json:"code"`
			Message  string         `json:"message"`
			Metadata map[string]any `json:"metadata"`
		} `json:"error"`
	}

	message := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", llmstream.ErrInvalidAPIKey, message)
	case http.StatusTooManyRequests:
		return &llmstream.ProviderError{
			Code:       llmstream.ErrorCodeRateLimited,
			Provider:   p.Name().String(),
			StatusCode: resp.StatusCode,
			Message:    message,
			Retryable:  true,
			Err:        llmstream.ErrRateLimited,
		}
	case http.StatusPaymentRequired:
		return &llmstream.ProviderError{
			Code:       llmstream.ErrorCodeProviderUnavailable,
			Provider:   p.Name().String(),
			StatusCode: resp.StatusCode,
			Message:    "insufficient credits: " + message,
			Err:        llmstream.ErrProviderUnavailable,
		}
	case http.StatusRequestTimeout:
		return &llmstream.ProviderError{
			Code:       llmstream.ErrorCodeTimeout,
			Provider:   p.Name().String(),
			StatusCode: resp.StatusCode,
			Message:    message,
			Retryable:  true,
			Err:        llmstream.ErrTimeout,
		}
	case http.StatusNotFound:
		return &llmstream.ModelError{
			Model:    model,
			Provider: p.Name().String(),
			Reason:   message,
			Err:      llmstream.ErrInvalidModel,
		}
	case http.StatusBadRequest:
		return &llmstream.ProviderError{
			Code:       llmstream.ErrorCodeInvalidRequest,
			Provider:   p.Name().String(),
			StatusCode: resp.StatusCode,
			Message:    message,
			Err:        llmstream.ErrInvalidRequest,
		}
	default:
		return &llmstream.ProviderError{
			Code:       llmstream.ErrorCodeProviderUnavailable,
			Provider:   p.Name().String(),
			StatusCode: resp.StatusCode,
			Message:    message,
			Retryable:  resp.StatusCode >= 500,
			Err:        llmstream.ErrProviderUnavailable,
		}
	}
}
