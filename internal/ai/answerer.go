package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/p-n-ai/pai-quota/internal/quota"
)

// DefaultSystemPrompt frames every question sent to a provider.
const DefaultSystemPrompt = "You are a helpful assistant. Answer the user's question clearly and concisely."

// ErrEmptyAnswer is returned when a provider answers with only whitespace.
var ErrEmptyAnswer = errors.New("provider returned an empty answer")

// AnswererConfig configures an Answerer.
type AnswererConfig struct {
	SystemPrompt string
	Model        string
	MaxTokens    int
}

// Answerer turns a Provider into a quota.Generator.
type Answerer struct {
	provider Provider
	cfg      AnswererConfig
}

var _ quota.Generator = (*Answerer)(nil)

// NewAnswerer wraps provider. An empty system prompt uses DefaultSystemPrompt.
func NewAnswerer(provider Provider, cfg AnswererConfig) *Answerer {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Answerer{provider: provider, cfg: cfg}
}

// Generate asks the provider a single question with no prior history.
func (a *Answerer) Generate(ctx context.Context, question string) (quota.Answer, error) {
	resp, err := a.provider.Complete(ctx, CompletionRequest{
		Messages: []Message{
			{Role: "system", Content: a.cfg.SystemPrompt},
			{Role: "user", Content: question},
		},
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
	})
	if err != nil {
		return quota.Answer{}, err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return quota.Answer{}, ErrEmptyAnswer
	}
	return quota.Answer{Text: resp.Content, TokensUsed: resp.TotalTokens()}, nil
}
