package cropper

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/muesli/smartcrop"

	"github.com/menta2k/image-search/pkg/types"
)

// ErrInvalidSelection is returned when a selection cannot be mapped onto the image
var ErrInvalidSelection = errors.New("invalid crop selection")

// AspectRatio represents common aspect ratios
type AspectRatio struct {
	Width  int
	Height int
	Name   string
}

// Common aspect ratios
var (
	Square    = AspectRatio{1, 1, "square"}
	Portrait  = AspectRatio{3, 4, "portrait"}
	Landscape = AspectRatio{4, 3, "landscape"}
)

// Selection is a crop rectangle as reported by the page's area selector: the
// corners (x1,y1) and (x2,y2) in pixels of an image of Width x Height
type Selection struct {
	X1     int `json:"x1"`
	Y1     int `json:"y1"`
	X2     int `json:"x2"`
	Y2     int `json:"y2"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Normalize converts the selection into a normalized box.
//
// Corners are swapped when inverted and clamped to the image. A selection
// without area means "no crop" and yields the full image box.
func (s Selection) Normalize() (types.Box, error) {
	if s.Width <= 0 || s.Height <= 0 {
		return types.Box{}, fmt.Errorf("%w: image size %dx%d", ErrInvalidSelection, s.Width, s.Height)
	}

	x1, x2 := s.X1, s.X2
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	y1, y2 := s.Y1, s.Y2
	if y1 > y2 {
		y1, y2 = y2, y1
	}
	x1, x2 = clampInt(x1, 0, s.Width), clampInt(x2, 0, s.Width)
	y1, y2 = clampInt(y1, 0, s.Height), clampInt(y2, 0, s.Height)

	if x2 == x1 || y2 == y1 {
		return types.Full, nil
	}

	fw, fh := float64(s.Width), float64(s.Height)
	return types.Box{
		X: float64(x1) / fw,
		Y: float64(y1) / fh,
		W: float64(x2-x1) / fw,
		H: float64(y2-y1) / fh,
	}, nil
}

// SelectionFromRect builds a selection from a pixel rectangle of img
func SelectionFromRect(img image.Image, r image.Rectangle) Selection {
	b := img.Bounds()
	r = r.Sub(b.Min)
	return Selection{
		X1:     r.Min.X,
		Y1:     r.Min.Y,
		X2:     r.Max.X,
		Y2:     r.Max.Y,
		Width:  b.Dx(),
		Height: b.Dy(),
	}
}

// SmartCropper suggests initial crop selections
type SmartCropper struct {
	analyzer smartcrop.Analyzer
}

// New creates a new SmartCropper
func New() *SmartCropper {
	return &SmartCropper{
		analyzer: smartcrop.NewAnalyzer(&resizer{resampler: imaging.Lanczos}),
	}
}

// SuggestCrop finds the most interesting region of img with the given aspect
// ratio. The analysis runs in a goroutine so a cancelled context returns early.
func (c *SmartCropper) SuggestCrop(ctx context.Context, img image.Image, ratio AspectRatio) (Selection, error) {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return Selection{}, fmt.Errorf("invalid image dimensions")
	}
	if ratio.Width <= 0 || ratio.Height <= 0 {
		return Selection{}, fmt.Errorf("invalid aspect ratio %d:%d", ratio.Width, ratio.Height)
	}

	type cropResult struct {
		crop image.Rectangle
		err  error
	}
	resultChan := make(chan cropResult, 1)

	go func() {
		crop, err := c.analyzer.FindBestCrop(img, ratio.Width, ratio.Height)
		resultChan <- cropResult{crop: crop, err: err}
	}()

	select {
	case <-ctx.Done():
		return Selection{}, ctx.Err()
	case res := <-resultChan:
		if res.err != nil {
			return Selection{}, fmt.Errorf("finding best crop: %w", res.err)
		}
		return SelectionFromRect(img, res.crop), nil
	}
}

// resizer implements the smartcrop resizer on top of imaging
type resizer struct {
	resampler imaging.ResampleFilter
}

func (r *resizer) Resize(img image.Image, width, height uint) image.Image {
	return imaging.Resize(img, int(width), int(height), r.resampler)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
