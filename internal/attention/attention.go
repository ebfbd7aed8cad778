// internal/attention/attention.go
package attention

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/nfnt/resize"
	"gorgonia.org/tensor"

	"github.com/SyedDaiam9101/mri-classifier/internal/inference"
)

// epsilon guards the min-max division for flat maps.
const epsilon = 1e-8

// ErrShape means the attention tensor cannot be laid out on a square patch grid.
var ErrShape = errors.New("attention shape is not a square patch grid")

// Source exposes the attention weights of a forward pass.
type Source interface {
	AttentionAt(layer int) (*inference.Attention, error)
}

// Grid is a size×size saliency map with values in [0,1], row-major.
type Grid struct {
	Size   int
	Values []float32
}

// At returns the value at row y, column x.
func (g *Grid) At(y, x int) float32 {
	return g.Values[y*g.Size+x]
}

// Extract turns the classification-token attention of layer into a grid of
// size×size. Heads are averaged and the patch scores are min-max scaled.
func Extract(src Source, layer, size int) (*Grid, error) {
	if src == nil {
		return nil, errors.New("no attention source")
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid grid size %d", size)
	}
	att, err := src.AttentionAt(layer)
	if err != nil {
		return nil, err
	}
	if err := att.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShape, err)
	}

	side, ok := inference.PatchGrid(att.Tokens)
	if !ok {
		return nil, fmt.Errorf("%w: %d patch tokens", ErrShape, att.Tokens-1)
	}

	mean, err := meanOverHeads(att)
	if err != nil {
		return nil, err
	}

	// Row 0 is the classification token; column 0 is its self-attention.
	patches := normalize(mean[1:att.Tokens])
	return &Grid{Size: size, Values: Upsample(patches, side, size)}, nil
}

// meanOverHeads reduces (heads, T, T) to (T, T).
func meanOverHeads(att *inference.Attention) ([]float32, error) {
	t := tensor.New(
		tensor.WithShape(att.Heads, att.Tokens, att.Tokens),
		tensor.WithBacking(att.Data),
	)
	sum, err := t.Sum(0)
	if err != nil {
		return nil, fmt.Errorf("failed to reduce attention heads: %w", err)
	}
	data, ok := sum.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected attention dtype %T", sum.Data())
	}
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = v / float32(att.Heads)
	}
	return out, nil
}

// normalize min-max scales v into [0,1]. A flat input becomes all zeros.
func normalize(v []float32) []float32 {
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, x := range v {
		lo = min(lo, x)
		hi = max(hi, x)
	}
	span := hi - lo
	if span < epsilon {
		span = epsilon
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = clamp01((x - lo) / span)
	}
	return out
}

// Upsample bilinearly resizes a side×side map to size×size.
func Upsample(values []float32, side, size int) []float32 {
	src := image.NewGray16(image.Rect(0, 0, side, side))
	for i, v := range values {
		src.SetGray16(i%side, i/side, color.Gray16{Y: uint16(math.Round(float64(clamp01(v)) * math.MaxUint16))})
	}

	dst := resize.Resize(uint(size), uint(size), src, resize.Bilinear)
	b := dst.Bounds()
	out := make([]float32, size*size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			g := color.Gray16Model.Convert(dst.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			out[y*size+x] = float32(g.Y) / math.MaxUint16
		}
	}
	return out
}

func clamp01(v float32) float32 {
	return min(max(v, 0), 1)
}
