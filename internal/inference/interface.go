// internal/inference/interface.go
package inference

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/SyedDaiam9101/mri-classifier/internal/imaging"
)

// Labels is the fixed output order of the classifier.
var Labels = []string{"MildDemented", "ModerateDemented", "NonDemented", "VeryMildDemented"}

// FinalLayer addresses the last encoder block in AttentionAt.
const FinalLayer = -1

var (
	// ErrModelLoad means the weights or the runtime could not be brought up.
	ErrModelLoad = errors.New("model load failed")
	// ErrInference means a forward pass failed on a loaded model.
	ErrInference = errors.New("inference failed")
	// ErrLayerUnavailable means the model does not export attention for a block.
	ErrLayerUnavailable = errors.New("attention layer unavailable")
)

// Engine defines the interface for running the classifier.
// This abstraction allows for easy mocking in tests and swapping runtimes.
type Engine interface {
	// Run performs one deterministic forward pass over a normalized image.
	Run(ctx context.Context, t *imaging.Tensor) (*Prediction, error)

	// Metadata describes the loaded artifact.
	Metadata() Metadata

	// Close releases any resources held by the engine.
	Close() error
}

// Attention holds the attention weights of one encoder block, laid out as
// (heads, tokens, tokens). Token 0 is the classification token.
type Attention struct {
	Heads  int
	Tokens int
	Data   []float32
}

// Validate checks that Data matches the declared shape.
func (a *Attention) Validate() error {
	if a.Heads <= 0 || a.Tokens <= 0 {
		return fmt.Errorf("invalid attention shape (%d,%d,%d)", a.Heads, a.Tokens, a.Tokens)
	}
	if want := a.Heads * a.Tokens * a.Tokens; len(a.Data) != want {
		return fmt.Errorf("attention data has %d values, expected %d", len(a.Data), want)
	}
	return nil
}

// PatchGrid returns the edge of the square patch grid behind tokens, which
// counts the classification token. ok is false when the patches are not square.
func PatchGrid(tokens int) (side int, ok bool) {
	n := tokens - 1
	if n <= 0 {
		return 0, false
	}
	side = int(math.Sqrt(float64(n)))
	for side*side > n {
		side--
	}
	for (side+1)*(side+1) <= n {
		side++
	}
	return side, side*side == n
}

// Prediction is the output of a single forward pass.
type Prediction struct {
	Probabilities []float32

	layers    int
	attention map[int]*Attention
}

// NewPrediction creates a prediction for a model with the given number of
// encoder blocks.
func NewPrediction(probs []float32, layers int) *Prediction {
	return &Prediction{
		Probabilities: probs,
		layers:        layers,
		attention:     make(map[int]*Attention),
	}
}

// SetAttention stores the weights of block layer.
func (p *Prediction) SetAttention(layer int, a *Attention) {
	p.attention[layer] = a
}

// Layers returns the number of encoder blocks of the model.
func (p *Prediction) Layers() int {
	return p.layers
}

// AttentionAt returns the attention weights of encoder block layer. Negative
// values count from the end, so FinalLayer is the last block.
func (p *Prediction) AttentionAt(layer int) (*Attention, error) {
	idx := layer
	if layer < 0 {
		idx = p.layers + layer
	}
	if idx < 0 || idx >= p.layers {
		return nil, fmt.Errorf("%w: layer %d out of range [0,%d)", ErrLayerUnavailable, layer, p.layers)
	}
	a, ok := p.attention[idx]
	if !ok || a == nil {
		return nil, fmt.Errorf("%w: layer %d is not exported", ErrLayerUnavailable, idx)
	}
	return a, nil
}
