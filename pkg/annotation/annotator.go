package annotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"regexp"
	"strings"
	"time"

	"github.com/lithammer/dedent"
	"golang.org/x/time/rate"

	"github.com/menta2k/image-search/pkg/client"
	"github.com/menta2k/image-search/pkg/processing"
	"github.com/menta2k/image-search/pkg/types"
)

// MaxTags is the number of tags kept per image
const MaxTags = 5

// ErrNoAnnotation is returned when the model answer holds no usable JSON
var ErrNoAnnotation = errors.New("model returned no usable annotation")

// SimpleTestPrompt for testing if the model can see images
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

// DefaultPrompt asks for a short description and search tags
var DefaultPrompt = prompt(`
	You describe photos for an image search index.

	Return JSON only:
	{
	  "description": "short neutral sentence (at most 20 words)",
	  "tags": ["tag1", "tag2", "tag3", "tag4", "tag5"]
	}

	RULES
	- Describe what is visible. Do not guess real identities.
	- Tags: lowercase, concise, no punctuation or duplicates, at most %d.
	- JSON only. No markdown, no code fences, no comments, no trailing commas.
`, MaxTags)

func prompt(text string, a ...any) string {
	return fmt.Sprintf(strings.TrimSpace(dedent.Dedent(text)), a...)
}

// Config holds configuration for annotation
type Config struct {
	Model   string
	MaxDim  int
	Quality int
	Prompt  string

	// RequestsPerMinute caps calls to the model; 0 means unlimited
	RequestsPerMinute int
}

// Annotator describes images with a vision model
type Annotator struct {
	client    client.VisionClient
	processor *processing.Processor
	limiter   *rate.Limiter
	config    Config
}

// NewAnnotator creates a new annotator using the given vision client
func NewAnnotator(c client.VisionClient, config Config) *Annotator {
	if config.MaxDim <= 0 {
		config.MaxDim = 768
	}
	if config.Quality <= 0 {
		config.Quality = 85
	}
	if config.Prompt == "" {
		config.Prompt = DefaultPrompt
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(config.RequestsPerMinute)), 1)
	}
	return &Annotator{client: c, processor: processing.NewProcessor(), limiter: limiter, config: config}
}

// Annotate asks the model for a description and tags of img
func (a *Annotator) Annotate(ctx context.Context, img image.Image) (*types.Annotation, error) {
	b64, err := a.processor.PrepareImageForModel(img, "jpg", a.config.MaxDim, a.config.Quality)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare image: %w", err)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	raw, err := a.client.Describe(ctx, a.config.Model, a.config.Prompt, b64)
	if err != nil {
		return nil, err
	}

	ann, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return ann, nil
}

// TestVision tests if the model can actually see the image with a simple prompt
func (a *Annotator) TestVision(ctx context.Context, img image.Image) (string, error) {
	b64, err := a.processor.PrepareImageForModel(img, "jpg", a.config.MaxDim, a.config.Quality)
	if err != nil {
		return "", fmt.Errorf("failed to prepare image: %w", err)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return a.client.SimpleQuery(ctx, a.config.Model, SimpleTestPrompt, b64)
}

// Parse extracts an annotation from a model answer
func Parse(raw string) (*types.Annotation, error) {
	raw = sanitizeModelJSON(raw)
	if !strings.HasPrefix(raw, "{") {
		return nil, ErrNoAnnotation
	}

	var ann types.Annotation
	if err := json.Unmarshal([]byte(raw), &ann); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoAnnotation, err)
	}

	ann.Description = strings.TrimSpace(ann.Description)
	ann.Tags = normalizeTags(ann.Tags)
	if ann.Description == "" && len(ann.Tags) == 0 {
		return nil, ErrNoAnnotation
	}
	return &ann, nil
}

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// sanitizeModelJSON removes code fences, comments, and trailing commas from JSON response
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

// normalizeTags lowercases, deduplicates and limits tags to MaxTags entries
func normalizeTags(tags []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, MaxTags)
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		t = strings.Trim(t, ".,;:!?\"'#")
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == MaxTags {
			break
		}
	}
	return out
}
