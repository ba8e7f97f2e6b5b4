package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mathtutor/internal/config"
	"mathtutor/internal/logger"
	"mathtutor/internal/raster"
	"mathtutor/internal/service/ai"
	"mathtutor/internal/service/assistant"
	"mathtutor/internal/service/equations"
)

// components are the pipeline stages shared by serve and extract.
type components struct {
	vision     *ai.GeminiClient
	rasterizer *raster.Rasterizer
	extractor  *equations.Extractor
}

func buildComponents(ctx context.Context, cfg *config.Config, log *zap.Logger) (*components, error) {
	gemini := cfg.Providers[config.ProviderGemini]
	vision, err := ai.NewGeminiClient(ctx, gemini.APIKey, cfg.Pipeline.Model, gemini.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &components{
		vision: vision,
		rasterizer: raster.New(raster.NewFitzEngine(),
			raster.WithScale(cfg.Pipeline.RenderScale),
			raster.WithLogger(logger.Component(log, "raster"))),
		extractor: equations.New(vision,
			equations.WithBatchSize(cfg.Pipeline.BatchSize),
			equations.WithSentinel(cfg.Pipeline.Sentinel),
			equations.WithLogger(logger.Component(log, "equations"))),
	}, nil
}

func (c *components) pipeline(ctx context.Context, cfg *config.Config, log *zap.Logger, opts ...assistant.PipelineOption) (*assistant.Pipeline, error) {
	opener, err := ai.NewChatOpener(ctx, cfg, c.vision)
	if err != nil {
		return nil, fmt.Errorf("create chat provider %s: %w", cfg.Chat.Provider, err)
	}
	opts = append(opts, assistant.WithPipelineLogger(logger.Component(log, "pipeline")))
	return assistant.NewPipeline(c.rasterizer, c.extractor, assistant.NewTutor(opener), opts...), nil
}
