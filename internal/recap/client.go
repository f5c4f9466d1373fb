// Package recap turns a finished session transcript into a short study recap
// using a chat-completion provider.
package recap

import (
	"context"
	"fmt"
	"strings"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// maxRecapTokens bounds provider output. A recap is a few short paragraphs.
const maxRecapTokens = 1024

type Message struct {
	Role    string
	Content string
}

// Client is one provider's chat completion.
type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type Option func(*clientOptions)

type clientOptions struct {
	baseURL string
}

// WithBaseURL points a client at a different API host.
func WithBaseURL(url string) Option {
	return func(o *clientOptions) {
		o.baseURL = url
	}
}

// ParseModel splits "provider/model".
func ParseModel(model string) (provider, name string, err error) {
	provider, name, ok := strings.Cut(model, "/")
	if !ok || provider == "" || name == "" {
		return "", "", fmt.Errorf("invalid model %q: expected provider/model", model)
	}
	return provider, name, nil
}

func NewClient(provider, apiKey, model string, opts ...Option) (Client, error) {
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("no api key configured for %s", provider)
	}

	switch provider {
	case ProviderOpenAI:
		return newOpenAIClient(apiKey, model, o), nil
	case ProviderAnthropic:
		return newAnthropicClient(apiKey, model, o), nil
	case ProviderGemini:
		return newGeminiClient(apiKey, model, o)
	default:
		return nil, fmt.Errorf("unknown recap provider %q: supported providers are openai, anthropic, gemini", provider)
	}
}

// Keys holds one API key per provider.
type Keys map[string]string

// Factory returns a ClientFactory that picks the key for the provider.
func (k Keys) Factory(opts ...Option) ClientFactory {
	return func(provider, model string) (Client, error) {
		return NewClient(provider, k[provider], model, opts...)
	}
}
