package client

import (
	"context"
)

// VisionClient is a vision language model backend
type VisionClient interface {
	// SimpleQuery sends a prompt with an image and returns the plain answer
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	// Describe sends a prompt with an image and asks the backend for a JSON
	// answer, returned unparsed
	Describe(ctx context.Context, model, prompt, imgB64 string) (string, error)
}
