package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Full is the box covering the whole image
var Full = Box{X: 0, Y: 0, W: 1, H: 1}

// Empty reports whether the box has no area
func (b Box) Empty() bool {
	return b.W <= 0 || b.H <= 0
}

// String formats the box as "x,y,w,h", the form accepted by ParseBox
func (b Box) String() string {
	return fmt.Sprintf("%.4f,%.4f,%.4f,%.4f", b.X, b.Y, b.W, b.H)
}

// ParseBox parses a box from "x,y,w,h"
func ParseBox(s string) (Box, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Box{}, fmt.Errorf("box must have 4 components, got %d", len(parts))
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Box{}, fmt.Errorf("invalid box component %q: %w", p, err)
		}
		if f < 0 || f > 1 {
			return Box{}, fmt.Errorf("box component %q out of range [0,1]", p)
		}
		v[i] = f
	}
	return Box{X: v[0], Y: v[1], W: v[2], H: v[3]}, nil
}

// Area is an inclusive rectangle on a grid, in the form (left, upper, right, lower)
type Area struct {
	Left  int `json:"left"`
	Upper int `json:"upper"`
	Right int `json:"right"`
	Lower int `json:"lower"`
}

// Width returns the number of columns covered by the area
func (a Area) Width() int { return a.Right - a.Left + 1 }

// Height returns the number of rows covered by the area
func (a Area) Height() int { return a.Lower - a.Upper + 1 }

// ToBox converts a grid area into a normalized box for a grid of the given size
func (a Area) ToBox(gridW, gridH int) Box {
	if gridW <= 0 || gridH <= 0 {
		return Box{}
	}
	return Box{
		X: float64(a.Left) / float64(gridW),
		Y: float64(a.Upper) / float64(gridH),
		W: float64(a.Width()) / float64(gridW),
		H: float64(a.Height()) / float64(gridH),
	}
}

// Allowed values for the number of results shown on the search page
var AllowedNumResults = []int{5, 10, 25, 50}

// SearchOptions mirrors the options of the search form
type SearchOptions struct {
	NumResults   int  `json:"num_results"`
	Localization bool `json:"localization"`
	Rerank       bool `json:"rerank"`
	AvgQE        bool `json:"avg_qe"`
}

// ValidNumResults reports whether n is one of AllowedNumResults
func ValidNumResults(n int) bool {
	for _, a := range AllowedNumResults {
		if a == n {
			return true
		}
	}
	return false
}

// Annotation is the description a vision model produced for an indexed image
type Annotation struct {
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// Result is a single search hit
type Result struct {
	ID          string   `json:"id"`
	Path        string   `json:"path"`
	Score       float64  `json:"score"`
	Width       int      `json:"width"`
	Height      int      `json:"height"`
	Box         *Box     `json:"box,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}
