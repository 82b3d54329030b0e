package main

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	llmstream "github.com/haowjy/meridian-stream-go"
	"github.com/haowjy/meridian-stream-go/internal/config"
	"github.com/haowjy/meridian-stream-go/internal/logging"
	"github.com/haowjy/meridian-stream-go/orchestrator"
	"github.com/haowjy/meridian-stream-go/persist"
	"github.com/haowjy/meridian-stream-go/providers/aisdk"
	"github.com/haowjy/meridian-stream-go/providers/anthropic"
	"github.com/haowjy/meridian-stream-go/providers/lorem"
	"github.com/haowjy/meridian-stream-go/providers/openrouter"
	"github.com/haowjy/meridian-stream-go/storage/memory"
	"github.com/haowjy/meridian-stream-go/storage/sqlite"
)

// messageStore is what the CLI needs beyond the pipeline's write interface.
type messageStore interface {
	llmstream.Store
	CreateMessage(ctx context.Context, msg *llmstream.Message) error
	GetMessage(ctx context.Context, id string) (*llmstream.Message, error)
	ListBlocks(ctx context.Context, messageID string) ([]llmstream.MessageBlock, error)
}

type app struct {
	cfg          *config.Config
	logger       *zap.Logger
	store        messageStore
	gateway      *persist.Gateway
	providers    *llmstream.ProviderRegistry
	orchestrator *orchestrator.Orchestrator
	closeStore   func() error
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if storeDriver != "" {
		cfg.Store.Driver = storeDriver
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, closeStore: func() error { return nil }}

	switch cfg.Store.Driver {
	case "memory":
		a.store = memory.New()
	default:
		s, err := sqlite.New(cfg.Store.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		a.store = s
		a.closeStore = s.Close
		logger.Debug("sqlite store opened", zap.String("path", s.Path()))
	}

	catalog, err := llmstream.NewDefaultToolCatalog()
	if err != nil {
		return nil, err
	}
	if cfg.Tools.CatalogFile != "" {
		if err := catalog.LoadFile(cfg.Tools.CatalogFile); err != nil {
			return nil, err
		}
	}

	a.providers, err = buildRegistry(cfg, catalog, logger)
	if err != nil {
		return nil, err
	}

	a.gateway = persist.NewGateway(a.store, gatewayOptions(cfg.Gateway), logger)
	a.orchestrator = orchestrator.New(a.store, a.gateway, a.providers, turnOptions(cfg.Turn), logger)
	return a, nil
}

func (a *app) Close() error {
	a.gateway.Close()
	err := a.closeStore()
	_ = a.logger.Sync()
	return err
}

// buildRegistry registers lorem always, and real providers when their key is configured.
func buildRegistry(cfg *config.Config, catalog *llmstream.ToolCatalog, logger *zap.Logger) (*llmstream.ProviderRegistry, error) {
	registry := llmstream.NewProviderRegistry(lorem.NewProvider(catalog, logger))

	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		var opts []option.RequestOption
		if cfg.Providers.Anthropic.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.Providers.Anthropic.BaseURL))
		}
		p, err := anthropic.NewProvider(key, catalog, logger, opts...)
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		registry.Register(p)
	}

	if key := cfg.Providers.OpenRouter.APIKey; key != "" {
		opts := []openrouter.Option{openrouter.WithLogger(logger)}
		if cfg.Providers.OpenRouter.BaseURL != "" {
			opts = append(opts, openrouter.WithBaseURL(cfg.Providers.OpenRouter.BaseURL))
		}
		p, err := openrouter.NewProvider(key, catalog, opts...)
		if err != nil {
			return nil, fmt.Errorf("openrouter provider: %w", err)
		}
		registry.Register(p)
	}

	if replayPath != "" {
		registry.Register(aisdk.NewProvider(aisdk.FileSource(replayPath), catalog, logger, "replay-"))
	}

	logger.Debug("providers registered", zap.Any("providers", registry.Names()))
	return registry, nil
}

func gatewayOptions(c config.GatewayConfig) persist.Options {
	return persist.Options{
		Window:       c.Window,
		MaxEntries:   c.MaxEntries,
		TTL:          c.TTL,
		WriteTimeout: c.WriteTimeout,
	}
}

func turnOptions(c config.TurnConfig) orchestrator.Options {
	return orchestrator.Options{IdleTimeout: c.IdleTimeout, TurnTimeout: c.Timeout}
}

// newMessage creates the assistant message a turn streams into.
func (a *app) newMessage(ctx context.Context, topicID, model string) (string, error) {
	msg := &llmstream.Message{
		ID:      llmstream.NewMessageID(),
		TopicID: topicID,
		Role:    "assistant",
		Model:   model,
	}
	if err := a.store.CreateMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}
	return msg.ID, nil
}

// exitErr reports whether a turn outcome should fail the command.
func exitErr(res *orchestrator.TurnResult, err error) error {
	if err != nil {
		return err
	}
	if res != nil && res.Error != nil {
		return res.Error
	}
	return nil
}
