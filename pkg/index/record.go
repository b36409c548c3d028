package index

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/menta2k/image-search/pkg/types"
	"github.com/menta2k/image-search/pkg/vision"
)

// Record is an indexed image
type Record struct {
	ID          string
	Path        string
	Size        int64
	ModTime     time.Time
	Width       int
	Height      int
	Descriptor  []float32
	FeatureMap  vision.FeatureMap
	Thumbnail   string
	Description string
	Tags        []string
	IndexedAt   time.Time
}

// Annotation returns the record's vision annotation
func (r *Record) Annotation() types.Annotation {
	return types.Annotation{Description: r.Description, Tags: r.Tags}
}

// encodeFloats packs a float32 slice as little-endian bytes
func encodeFloats(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// decodeFloats unpacks little-endian bytes written by encodeFloats
func decodeFloats(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("float blob length %d is not a multiple of 4", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}
