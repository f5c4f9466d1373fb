package recap

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type geminiClient struct {
	client *genai.Client
	model  string
}

func newGeminiClient(apiKey, model string, opts *clientOptions) (*geminiClient, error) {
	config := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if opts.baseURL != "" {
		config.HTTPOptions.BaseURL = opts.baseURL
	}
	client, err := genai.NewClient(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &geminiClient{client: client, model: model}, nil
}

// Complete maps assistant turns to the "model" role and the system message to
// the system instruction.
func (c *geminiClient) Complete(ctx context.Context, messages []Message) (string, error) {
	config := &genai.GenerateContentConfig{}
	var contents []*genai.Content
	for _, m := range messages {
		part := []*genai.Part{{Text: m.Content}}
		switch m.Role {
		case "system":
			config.SystemInstruction = &genai.Content{Parts: part}
		case "user":
			contents = append(contents, &genai.Content{Role: "user", Parts: part})
		case "assistant":
			contents = append(contents, &genai.Content{Role: "model", Parts: part})
		}
	}
	if len(contents) == 0 {
		return "", fmt.Errorf("gemini: no user message provided")
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}
	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", fmt.Errorf("gemini: empty response text")
	}
	return text, nil
}
