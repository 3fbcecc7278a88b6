package embedding

import (
	"context"
	"errors"
	"fmt"

	"Aria_AI/pkg/circuitbreaker"
)

// WithBreaker wraps an Embedding provider with a circuit breaker. Recall
// treats a fast ErrCircuitOpen failure like any other provider outage and
// degrades to lexical-only ranking.
func WithBreaker(inner Embedding, cb circuitbreaker.CircuitBreaker) Embedding {
	return &breakerEmbedding{inner: inner, cb: cb}
}

type breakerEmbedding struct {
	inner Embedding
	cb    circuitbreaker.CircuitBreaker
}

func (b *breakerEmbedding) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Embed(ctx, text)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return nil, fmt.Errorf("embedding provider unavailable: circuit open")
	}
	if err != nil {
		return nil, err
	}
	return res.([]float32), nil
}

func (b *breakerEmbedding) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.EmbedBatch(ctx, texts)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return nil, fmt.Errorf("embedding provider unavailable: circuit open")
	}
	if err != nil {
		return nil, err
	}
	return res.([][]float32), nil
}
