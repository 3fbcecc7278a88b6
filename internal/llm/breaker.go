package llm

import (
	"context"
	"errors"
	"fmt"

	"Aria_AI/internal/models"
	"Aria_AI/pkg/circuitbreaker"
)

// ErrUnavailable reports that the generation backend is down or the
// breaker in front of it is open.
var ErrUnavailable = errors.New("llm provider unavailable")

// WithBreaker wraps an LLM so repeated provider failures trip a circuit
// breaker instead of hammering a dead backend. While the breaker is open,
// calls fail fast with ErrUnavailable.
func WithBreaker(inner LLM, cb circuitbreaker.CircuitBreaker) LLM {
	return &breakerLLM{inner: inner, cb: cb}
}

type breakerLLM struct {
	inner LLM
	cb    circuitbreaker.CircuitBreaker
}

func (b *breakerLLM) GenerateContent(ctx context.Context, req *models.GenerateContentRequest) (*models.GenerateContentResponse, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.GenerateContent(ctx, req)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}
	if err != nil {
		return nil, err
	}
	return res.(*models.GenerateContentResponse), nil
}

// GenerateContentStream opens the stream through the breaker. Only the
// stream setup counts toward the failure threshold; mid-stream errors are
// delivered on the channel as usual.
func (b *breakerLLM) GenerateContentStream(ctx context.Context, req *models.GenerateContentRequest) (<-chan StreamEvent, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.GenerateContentStream(ctx, req)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}
	if err != nil {
		return nil, err
	}
	return res.(<-chan StreamEvent), nil
}
