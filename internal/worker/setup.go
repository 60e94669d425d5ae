package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/suPer8Hu/colorific/internal/ai"
	"github.com/suPer8Hu/colorific/internal/config"
)

// NewGenerator registers the vision providers and builds the coloring
// generator for cfg.AIProvider. Page rendering always uses the OpenAI
// images API.
func NewGenerator(cfg config.Config) (*ai.ColoringGenerator, error) {
	openai := ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIVisionModel, cfg.OpenAIImageModel)

	reg := ai.NewRegistry()
	reg.Register("openai", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		if m := strings.TrimSpace(model); m != "" {
			return ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, m, cfg.OpenAIImageModel), nil
		}
		return openai, nil
	})
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})

	if _, err := reg.Get(context.Background(), cfg.AIProvider, ""); err != nil {
		return nil, fmt.Errorf("AI_PROVIDER=%q: %w", cfg.AIProvider, err)
	}
	return ai.NewColoringGenerator(reg, cfg.AIProvider, openai), nil
}

func ConfigFrom(cfg config.Config, workerID string) Config {
	return Config{
		WorkerID:          workerID,
		MaxRetries:        cfg.MaxRetries,
		Backoff:           Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		BatchSize:         cfg.BatchSize,
		TimeBudget:        cfg.TimeBudget,
		Concurrency:       cfg.WorkerConcurrency,
		GenerationTimeout: cfg.GenerationTimeout,
	}
}
