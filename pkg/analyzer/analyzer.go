package analyzer

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/webp"
)

var (
	// ErrUnsupportedFormat is returned for image formats outside SupportedFormats
	ErrUnsupportedFormat = errors.New("unsupported image format")
	// ErrTooSmall is returned when a side is shorter than MinImageSize
	ErrTooSmall = errors.New("image too small")
	// ErrTooLarge is returned when an image has more than MaxPixels pixels
	ErrTooLarge = errors.New("image too large")
)

// ImageAnalyzer checks that images are usable as queries or index entries
type ImageAnalyzer struct {
	config Config
}

// Config holds configuration for the image analyzer
type Config struct {
	SupportedFormats []string
	MinImageSize     int
	MaxPixels        int
}

// New creates a new ImageAnalyzer with default configuration
func New() *ImageAnalyzer {
	return &ImageAnalyzer{
		config: Config{
			SupportedFormats: []string{"jpeg", "png", "gif", "webp"},
			MinImageSize:     32,
			MaxPixels:        50_000_000,
		},
	}
}

// NewWithConfig creates a new ImageAnalyzer with custom configuration
func NewWithConfig(config Config) *ImageAnalyzer {
	return &ImageAnalyzer{config: config}
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Format      string  `json:"format,omitempty"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	AspectRatio float64 `json:"aspect_ratio"`
	Area        int     `json:"area"`
}

// Inspect reads only the image header and validates format and dimensions,
// so oversized images are rejected before they are decoded
func (a *ImageAnalyzer) Inspect(data []byte) (ImageInfo, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to read image header: %w", err)
	}
	if !a.isFormatSupported(format) {
		return ImageInfo{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	info := newInfo(cfg.Width, cfg.Height)
	info.Format = format
	if err := a.validateSize(info.Width, info.Height); err != nil {
		return ImageInfo{}, err
	}
	return info, nil
}

// GetImageInfo returns basic information about an image
func (a *ImageAnalyzer) GetImageInfo(img image.Image) ImageInfo {
	bounds := img.Bounds()
	return newInfo(bounds.Dx(), bounds.Dy())
}

// ValidateImage checks if an image meets minimum requirements
func (a *ImageAnalyzer) ValidateImage(img image.Image) error {
	bounds := img.Bounds()
	return a.validateSize(bounds.Dx(), bounds.Dy())
}

func (a *ImageAnalyzer) validateSize(w, h int) error {
	if w < a.config.MinImageSize || h < a.config.MinImageSize {
		return fmt.Errorf("%w: %dx%d (minimum: %d)", ErrTooSmall, w, h, a.config.MinImageSize)
	}
	if a.config.MaxPixels > 0 && w*h > a.config.MaxPixels {
		return fmt.Errorf("%w: %dx%d (maximum: %d pixels)", ErrTooLarge, w, h, a.config.MaxPixels)
	}
	return nil
}

func newInfo(w, h int) ImageInfo {
	info := ImageInfo{Width: w, Height: h, Area: w * h}
	if h > 0 {
		info.AspectRatio = float64(w) / float64(h)
	}
	return info
}

func (a *ImageAnalyzer) isFormatSupported(format string) bool {
	if len(a.config.SupportedFormats) == 0 {
		return true
	}
	for _, supported := range a.config.SupportedFormats {
		if strings.EqualFold(format, supported) {
			return true
		}
	}
	return false
}
