package processing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrUnsupportedScheme is returned for URLs that are not http or https
var ErrUnsupportedScheme = errors.New("unsupported URL scheme (only http and https are supported)")

const userAgent = "Image-Search/1.0 (+https://github.com/menta2k/image-search)"

// FetcherOpts configures a Fetcher
type FetcherOpts struct {
	Timeout  time.Duration
	MaxBytes int64
}

// Fetcher downloads images from remote URLs
type Fetcher struct {
	client   *resty.Client
	maxBytes int64
}

// NewFetcher creates a new Fetcher
func NewFetcher(opts FetcherOpts) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 20 << 20
	}

	client := resty.New().
		SetTimeout(opts.Timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)).
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept", "image/*")

	return &Fetcher{client: client, maxBytes: opts.MaxBytes}
}

// Fetch downloads the image at rawURL and returns its bytes and content type
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, parsed.Scheme)
	}

	res, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(parsed.String())
	if err != nil {
		return nil, "", fmt.Errorf("failed to download image: %w", err)
	}
	body := res.RawBody()
	defer body.Close()

	if res.IsError() {
		return nil, "", fmt.Errorf("failed to download image: HTTP %d", res.StatusCode())
	}

	contentType := res.Header().Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, "", fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
	}

	data, err := readLimited(body, f.maxBytes)
	if err != nil {
		return nil, "", err
	}
	return data, contentType, nil
}
