package llamacpp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultURL is the address of a local llama.cpp server
const DefaultURL = "http://localhost:8080"

type Client struct {
	httpClient *resty.Client
	baseURL    string
}

// OpenAI-compatible message format
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // Can be string or []ContentPart
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

type ResponseFormat struct {
	Type string `json:"type"`
}

// OpenAI-compatible chat completion request
type ChatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	TopP           float64         `json:"top_p,omitempty"`
	Stream         bool            `json:"stream"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// OpenAI-compatible chat completion response
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func NewClient(serverURL string) (*Client, error) {
	if serverURL == "" {
		serverURL = DefaultURL
	}

	c := &Client{baseURL: strings.TrimSuffix(serverURL, "/")}
	c.httpClient = resty.New().
		SetBaseURL(c.baseURL).
		SetTimeout(5*time.Minute).
		SetHeader("Content-Type", "application/json")

	return c, nil
}

func (c *Client) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	req := c.newRequest(model, prompt, imgB64)
	req.Temperature = 0.7
	req.MaxTokens = 2048
	req.TopP = 0.9
	return c.complete(ctx, req)
}

// Describe asks the server for a JSON object answer about the image
func (c *Client) Describe(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	req := c.newRequest(model, prompt, imgB64)
	req.Temperature = 0.7
	req.MaxTokens = 4096
	req.TopP = 0.8
	req.ResponseFormat = &ResponseFormat{Type: "json_object"}

	out, err := c.complete(ctx, req)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("empty response from llama.cpp server")
	}
	return out, nil
}

func (c *Client) newRequest(model, prompt, imgB64 string) ChatCompletionRequest {
	content := []ContentPart{
		{
			Type: "text",
			Text: prompt,
		},
	}

	if imgB64 != "" {
		content = append(content, ContentPart{
			Type: "image_url",
			ImageURL: &ImageURL{
				URL: "data:image/jpeg;base64," + imgB64,
			},
		})
	}

	return ChatCompletionRequest{
		Model: model,
		Messages: []Message{
			{
				Role:    "user",
				Content: content,
			},
		},
	}
}

func (c *Client) complete(ctx context.Context, payload ChatCompletionRequest) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 300*time.Second)
		defer cancel()
	}

	var resp ChatCompletionResponse
	res, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&resp).
		Post("/v1/chat/completions")
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	if res.IsError() {
		return "", fmt.Errorf("server returned status %d: %s", res.StatusCode(), res.String())
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	// Extract text from the response (handle both string and array formats)
	switch content := resp.Choices[0].Message.Content.(type) {
	case string:
		return content, nil
	case []interface{}:
		for _, item := range content {
			if partMap, ok := item.(map[string]interface{}); ok {
				if text, ok := partMap["text"].(string); ok && text != "" {
					return text, nil
				}
			}
		}
	}

	return "", fmt.Errorf("no text content in response")
}
