package openai

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultURL is the OpenAI API base URL. Any server speaking the chat
// completions API can be used instead.
const DefaultURL = "https://api.openai.com/v1/"

// DefaultModel is used when no model is configured
const DefaultModel = "gpt-4o-mini"

// Client talks to an OpenAI-compatible chat completions endpoint
type Client struct {
	client openai.Client
}

// NewClient creates a client for baseURL. An empty apiKey falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(baseURL, apiKey string) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid OpenAI base URL %q", baseURL)
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	opts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithRequestTimeout(5 * time.Minute),
		option.WithMaxRetries(2),
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Client{client: openai.NewClient(opts...)}, nil
}

func (c *Client) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return c.complete(ctx, model, prompt, imgB64, 0.7)
}

// Describe asks for a JSON object answer about the image
func (c *Client) Describe(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	out, err := c.complete(ctx, model, prompt, imgB64, 0.2)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("empty response from OpenAI")
	}
	return out, nil
}

func (c *Client) complete(ctx context.Context, model, prompt, imgB64 string, temperature float64) (string, error) {
	if model == "" {
		model = DefaultModel
	}

	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(prompt),
	}
	if imgB64 != "" {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: "data:image/jpeg;base64," + imgB64,
		}))
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       model,
		Messages:    []openai.ChatCompletionMessageParamUnion{openai.UserMessage(parts)},
		Temperature: openai.Float(temperature),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}
