package vision

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

const (
	orientationBins = 8
	colorLevels     = 4
	colorBins       = colorLevels * colorLevels * colorLevels

	// FeatureDim is the length of the per-cell feature vector
	FeatureDim = orientationBins + colorBins
)

// FeatureMap is a dense grid of non-negative feature vectors, stored row-major
// with shape (Height, Width, Dim)
type FeatureMap struct {
	Height int
	Width  int
	Dim    int
	Data   []float32
}

// NewFeatureMap allocates a zeroed feature map
func NewFeatureMap(height, width, dim int) FeatureMap {
	return FeatureMap{
		Height: height,
		Width:  width,
		Dim:    dim,
		Data:   make([]float32, height*width*dim),
	}
}

// Cell returns the feature vector at row y, column x
func (fm FeatureMap) Cell(y, x int) []float32 {
	i := (y*fm.Width + x) * fm.Dim
	return fm.Data[i : i+fm.Dim]
}

// Validate checks that the map shape matches its data
func (fm FeatureMap) Validate() error {
	if fm.Height <= 0 || fm.Width <= 0 || fm.Dim <= 0 {
		return fmt.Errorf("invalid feature map shape %dx%dx%d", fm.Height, fm.Width, fm.Dim)
	}
	if len(fm.Data) != fm.Height*fm.Width*fm.Dim {
		return fmt.Errorf("feature map data length %d does not match shape %dx%dx%d",
			len(fm.Data), fm.Height, fm.Width, fm.Dim)
	}
	return nil
}

// ExtractorConfig holds configuration for feature extraction
type ExtractorConfig struct {
	MaxSide  int
	CellSize int
}

// Extractor computes feature maps from images
type Extractor struct {
	config ExtractorConfig
}

// New creates a new Extractor with default configuration
func New() *Extractor {
	return &Extractor{
		config: ExtractorConfig{
			MaxSide:  256,
			CellSize: 16,
		},
	}
}

// NewWithConfig creates a new Extractor with custom configuration
func NewWithConfig(config ExtractorConfig) *Extractor {
	if config.MaxSide <= 0 {
		config.MaxSide = 256
	}
	if config.CellSize <= 0 {
		config.CellSize = 16
	}
	return &Extractor{config: config}
}

// Config returns the extractor configuration
func (e *Extractor) Config() ExtractorConfig {
	return e.config
}

// FeatureMap computes the feature map of an image.
//
// The image is scaled so its long side fits MaxSide and split into square
// cells of CellSize pixels. Each cell holds a magnitude-weighted histogram of
// unsigned gradient orientations followed by a coarse RGB colour histogram.
func (e *Extractor) FeatureMap(img image.Image) (FeatureMap, error) {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return FeatureMap{}, fmt.Errorf("invalid image dimensions")
	}

	src := e.prepare(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	cs := e.config.CellSize
	gw, gh := w/cs, h/cs // exact after prepare

	fm := NewFeatureMap(gh, gw, FeatureDim)
	gray := luminance(src)
	cellArea := float64(cs * cs)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			cell := fm.Cell(y/cs, x/cs)

			gx := gray[y*w+minInt(x+1, w-1)] - gray[y*w+maxInt(x-1, 0)]
			gy := gray[minInt(y+1, h-1)*w+x] - gray[maxInt(y-1, 0)*w+x]
			mag := math.Hypot(gx, gy)
			if mag > 0 {
				theta := math.Atan2(gy, gx)
				if theta < 0 {
					theta += math.Pi
				}
				bin := int(theta / math.Pi * orientationBins)
				if bin >= orientationBins {
					bin = orientationBins - 1
				}
				cell[bin] += float32(mag / cellArea)
			}

			i := y*src.Stride + x*4
			r := int(src.Pix[i]) * colorLevels / 256
			g := int(src.Pix[i+1]) * colorLevels / 256
			bl := int(src.Pix[i+2]) * colorLevels / 256
			cell[orientationBins+(r*colorLevels+g)*colorLevels+bl] += float32(1 / cellArea)
		}
	}

	return fm, nil
}

// prepare scales the image so that the long side fits MaxSide, then snaps
// both sides to the nearest multiple of CellSize so the grid covers every pixel
func (e *Extractor) prepare(img image.Image) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	maxSide, cs := e.config.MaxSide, e.config.CellSize

	if w > maxSide || h > maxSide {
		img = imaging.Fit(img, maxSide, maxSide, imaging.Lanczos)
		w, h = img.Bounds().Dx(), img.Bounds().Dy()
	}
	gw, gh := cells(w, cs), cells(h, cs)
	if gw*cs != w || gh*cs != h {
		img = imaging.Resize(img, gw*cs, gh*cs, imaging.Lanczos)
	}
	return imaging.Clone(img)
}

// cells returns the number of cells of size cs closest to n, at least one
func cells(n, cs int) int {
	return maxInt((n+cs/2)/cs, 1)
}

// luminance returns the Rec. 601 luma of each pixel scaled to [0,1]
func luminance(img *image.NRGBA) []float64 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*img.Stride + x*4
			out[y*w+x] = (0.299*float64(img.Pix[i]) + 0.587*float64(img.Pix[i+1]) + 0.114*float64(img.Pix[i+2])) / 255
		}
	}
	return out
}

// Descriptor pools the whole feature map into a single L2-normalized vector
// using approximate max pooling: (sum x^exp)^(1/exp) per dimension
func Descriptor(fm FeatureMap, exp float64) []float32 {
	pooled := make([]float64, fm.Dim)
	for i, v := range fm.Data {
		if v > 0 {
			pooled[i%fm.Dim] += math.Pow(float64(v), exp)
		}
	}
	for d := range pooled {
		pooled[d] = math.Pow(pooled[d], 1/exp)
	}
	return Normalize64(pooled)
}

// Normalize64 L2-normalizes v into a float32 vector; a zero vector stays zero
func Normalize64(v []float64) []float32 {
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	if norm == 0 {
		return out
	}
	for i, x := range v {
		out[i] = float32(x / norm)
	}
	return out
}

// Cosine returns the dot product of two L2-normalized vectors
func Cosine(a, b []float32) float64 {
	n := minInt(len(a), len(b))
	var s float64
	for i := 0; i < n; i++ {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
