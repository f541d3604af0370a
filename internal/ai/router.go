package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNoProvider is returned when a router has nothing registered.
var ErrNoProvider = errors.New("no AI provider registered")

// Router tries providers in registration order until one answers.
type Router struct {
	mu        sync.RWMutex
	providers []Provider
	logger    *slog.Logger
}

// NewRouter creates an empty router. A nil logger uses slog.Default.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger}
}

// Register appends a provider to the fallback chain.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
}

// Name lists the chain, e.g. "router(openai,anthropic)".
func (r *Router) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := "router("
	for i, p := range r.providers {
		if i > 0 {
			s += ","
		}
		s += p.Name()
	}
	return s + ")"
}

// Complete sends the request to each provider in turn. It stops early when
// the context is done or a provider rejects the request itself.
func (r *Router) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	r.mu.RLock()
	providers := r.providers
	r.mu.RUnlock()

	if len(providers) == 0 {
		return CompletionResponse{}, ErrNoProvider
	}

	var errs []error
	for _, p := range providers {
		resp, err := p.Complete(ctx, req)
		if err == nil {
			r.logger.Debug("AI request completed",
				"provider", p.Name(),
				"model", resp.Model,
				"input_tokens", resp.InputTokens,
				"output_tokens", resp.OutputTokens,
			)
			return resp, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if ctx.Err() != nil {
			break
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			break
		}
		r.logger.Warn("AI provider failed, trying next", "provider", p.Name(), "error", err)
	}
	return CompletionResponse{}, fmt.Errorf("all AI providers failed: %w", errors.Join(errs...))
}

// HealthCheck succeeds when any provider is healthy.
func (r *Router) HealthCheck(ctx context.Context) error {
	r.mu.RLock()
	providers := r.providers
	r.mu.RUnlock()

	if len(providers) == 0 {
		return ErrNoProvider
	}
	var errs []error
	for _, p := range providers {
		err := p.HealthCheck(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return errors.Join(errs...)
}

// HasProvider returns true if at least one provider is registered.
func (r *Router) HasProvider() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers) > 0
}
