package extractor

import (
	"context"

	"go.uber.org/zap"
)

// Input is one finished exchange the facts are learned from
type Input struct {
	Speaker  string
	Question string
	Answer   string
	Context  string
}

type Extractor interface {
	Extract(ctx context.Context, in Input) ([]string, error)
}

// Chain prefers the model extractor and falls back to patterns when the
// model fails or finds nothing
type Chain struct {
	model    Extractor
	fallback Extractor
	logger   *zap.Logger
}

func NewChain(model, fallback Extractor, logger *zap.Logger) *Chain {
	return &Chain{model: model, fallback: fallback, logger: logger.Named("extractor")}
}

func (c *Chain) Extract(ctx context.Context, in Input) ([]string, error) {
	if c.model != nil {
		facts, err := c.model.Extract(ctx, in)
		if err != nil {
			c.logger.Warn("Model fact extraction failed, using patterns", zap.Error(err))
		} else if len(facts) > 0 {
			return facts, nil
		}
	}
	return c.fallback.Extract(ctx, in)
}
