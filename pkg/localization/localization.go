// Package localization finds the region of a feature map that best matches a
// query descriptor using approximate max-pooling localization (AML, see
// arXiv:1511.05879v2).
//
// Areas are inclusive grid rectangles (left, upper, right, lower). A region's
// descriptor is (sum x^p)^(1/p) over its cells, computed in constant time from
// an integral image of the p-th powers of the features.
package localization

import (
	"fmt"
	"math"

	"github.com/menta2k/image-search/pkg/types"
	"github.com/menta2k/image-search/pkg/vision"
)

// AMLExponent is the exponent used for approximate max pooling
const AMLExponent = 10.0

// Config holds the search parameters of Localize
type Config struct {
	StepSize          int
	AspectRatioFactor float64
	Iterations        int
	MaxStep           int
	Exponent          float64
}

// DefaultConfig returns the parameters used when none are given
func DefaultConfig() Config {
	return Config{
		StepSize:          3,
		AspectRatioFactor: 1.1,
		Iterations:        10,
		MaxStep:           3,
		Exponent:          AMLExponent,
	}
}

// IntegralImage holds channel-wise cumulative sums of a feature map
type IntegralImage struct {
	Height int
	Width  int
	Dim    int
	data   []float64
}

// NewIntegralImage computes the integral image of fm after raising every
// entry to the power exp
func NewIntegralImage(fm vision.FeatureMap, exp float64) *IntegralImage {
	ii := &IntegralImage{
		Height: fm.Height,
		Width:  fm.Width,
		Dim:    fm.Dim,
		data:   make([]float64, len(fm.Data)),
	}
	for i, v := range fm.Data {
		if v > 0 {
			ii.data[i] = math.Pow(float64(v), exp)
		}
	}

	d := fm.Dim
	for y := 0; y < fm.Height; y++ {
		for x := 1; x < fm.Width; x++ {
			cur, prev := ii.at(y, x), ii.at(y, x-1)
			for k := 0; k < d; k++ {
				cur[k] += prev[k]
			}
		}
	}
	for x := 0; x < fm.Width; x++ {
		for y := 1; y < fm.Height; y++ {
			cur, prev := ii.at(y, x), ii.at(y-1, x)
			for k := 0; k < d; k++ {
				cur[k] += prev[k]
			}
		}
	}
	for i, v := range ii.data {
		// NaN from overflowing powers becomes 0 as well
		if !(v > 0) {
			ii.data[i] = 0
		}
	}
	return ii
}

func (ii *IntegralImage) at(y, x int) []float64 {
	i := (y*ii.Width + x) * ii.Dim
	return ii.data[i : i+ii.Dim]
}

// Sum returns the channel-wise sum over an inclusive area
func (ii *IntegralImage) Sum(a types.Area) []float64 {
	v := make([]float64, ii.Dim)
	copy(v, ii.at(a.Lower, a.Right))
	if a.Left > 0 {
		sub := ii.at(a.Lower, a.Left-1)
		for k := range v {
			v[k] -= sub[k]
		}
	}
	if a.Upper > 0 {
		sub := ii.at(a.Upper-1, a.Right)
		for k := range v {
			v[k] -= sub[k]
		}
	}
	if a.Left > 0 && a.Upper > 0 {
		add := ii.at(a.Upper-1, a.Left-1)
		for k := range v {
			v[k] += add[k]
		}
	}
	for k := range v {
		if v[k] < 0 {
			v[k] = 0
		}
	}
	return v
}

// AreaScore returns the cosine similarity between the query and the pooled
// descriptor of the area, clamped to [-1, 1]
func AreaScore(query []float32, a types.Area, ii *IntegralImage, exp float64) float64 {
	pooled := ii.Sum(a)
	var norm float64
	for k, v := range pooled {
		pooled[k] = math.Pow(v, 1/exp)
		norm += pooled[k] * pooled[k]
	}
	if norm == 0 {
		return 0
	}
	norm = math.Sqrt(norm)

	var score float64
	for k := range pooled {
		if k < len(query) {
			score += pooled[k] / norm * float64(query[k])
		}
	}
	return math.Min(math.Max(score, -1), 1)
}

// Areas enumerates all areas of a height x width grid whose corners lie on
// multiples of step and whose aspect ratio (width/height) differs from
// aspectRatio by at most a factor of maxAspectRatioDiv in either direction
func Areas(height, width, step int, aspectRatio, maxAspectRatioDiv float64) []types.Area {
	maxDiv := math.Log(maxAspectRatioDiv)
	var out []types.Area
	for x1 := 0; x1 < width; x1 += step {
		for x2 := x1 + step - 1; x2 < width; x2 += step {
			for y1 := 0; y1 < height; y1 += step {
				for y2 := y1 + step - 1; y2 < height; y2 += step {
					areaRatio := float64(x2-x1+1) / float64(y2-y1+1)
					if math.Abs(math.Log(aspectRatio/areaRatio)) > maxDiv {
						continue
					}
					out = append(out, types.Area{Left: x1, Upper: y1, Right: x2, Lower: y2})
				}
			}
		}
	}
	return out
}

// Refine improves an area by moving one coordinate at a time.
//
// For each step size from maxStep down to 1, up to iterations rounds are run.
// A round tries to shrink and grow every coordinate by the step and adopts the
// best candidate of the round; rounds stop as soon as nothing improves.
func Refine(query []float32, init types.Area, initScore float64, ii *IntegralImage, iterations, maxStep int, exp float64) (types.Area, float64) {
	best := init
	bestScore := initScore

	for step := maxStep; step > 0; step-- {
		for it := 0; it < iterations; it++ {
			roundBest, roundScore := best, bestScore

			coords := [4]int{best.Left, best.Upper, best.Right, best.Lower}
			mins := [4]int{0, 0, best.Left, best.Upper}
			maxs := [4]int{best.Right, best.Lower, ii.Width - 1, ii.Height - 1}

			for c := 0; c < 4; c++ {
				for _, delta := range [2]int{-step, step} {
					cand := coords
					cand[c] = clampInt(cand[c]+delta, mins[c], maxs[c])
					a := types.Area{Left: cand[0], Upper: cand[1], Right: cand[2], Lower: cand[3]}
					if s := AreaScore(query, a, ii, exp); s > roundScore {
						roundBest, roundScore = a, s
					}
				}
			}

			if roundScore == bestScore {
				break
			}
			best, bestScore = roundBest, roundScore
		}
	}
	return best, bestScore
}

// Localize finds the area of fm that best matches query.
//
// queryWidth and queryHeight give the shape of the query image; only areas
// with a similar aspect ratio are considered. When none qualifies the
// tolerated aspect ratio divergence is widened by 0.5 until one does.
func Localize(query []float32, fm vision.FeatureMap, queryWidth, queryHeight int, cfg Config) (types.Area, float64, error) {
	if err := fm.Validate(); err != nil {
		return types.Area{}, 0, err
	}
	if len(query) != fm.Dim {
		return types.Area{}, 0, fmt.Errorf("query dimension %d does not match feature dimension %d", len(query), fm.Dim)
	}
	if queryWidth <= 0 || queryHeight <= 0 {
		return types.Area{}, 0, fmt.Errorf("invalid query shape %dx%d", queryWidth, queryHeight)
	}
	if cfg.Exponent <= 0 {
		cfg.Exponent = AMLExponent
	}
	if cfg.AspectRatioFactor < 1 {
		cfg.AspectRatioFactor = 1
	}

	step := clampInt(cfg.StepSize, 1, minInt(fm.Width, fm.Height))
	aspect := float64(queryWidth) / float64(queryHeight)
	ii := NewIntegralImage(fm, cfg.Exponent)

	var best *types.Area
	bestScore := math.Inf(-1)
	factor := cfg.AspectRatioFactor
	for best == nil {
		for _, a := range Areas(fm.Height, fm.Width, step, aspect, factor) {
			if s := AreaScore(query, a, ii, cfg.Exponent); s > bestScore {
				a := a
				best, bestScore = &a, s
			}
		}
		factor += 0.5
	}

	area, score := Refine(query, *best, bestScore, ii, cfg.Iterations, cfg.MaxStep, cfg.Exponent)
	return area, score, nil
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

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
