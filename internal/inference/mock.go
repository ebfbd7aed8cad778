// internal/inference/mock.go
package inference

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/SyedDaiam9101/mri-classifier/internal/imaging"
)

// MockEngine is a deterministic Engine for tests and for running the service
// without model artifacts. The attention it reports peaks on the patch under
// the brightest region of the input, so heatmaps still track the image.
type MockEngine struct {
	mu sync.Mutex

	// Probabilities are returned for every input.
	Probabilities []float32
	// DropAttention makes every layer unavailable.
	DropAttention bool

	meta      Metadata
	err       error
	callCount int
	closed    bool
}

// NewMock creates a MockEngine predicting NonDemented.
func NewMock() *MockEngine {
	meta := DefaultMetadata()
	meta.Name = "mock"
	meta.Heads = 2
	return &MockEngine{
		Probabilities: []float32{0.1, 0.05, 0.7, 0.15},
		meta:          meta,
	}
}

// NewMockWithProbabilities creates a MockEngine returning probs.
func NewMockWithProbabilities(probs []float32) *MockEngine {
	m := NewMock()
	m.Probabilities = slices.Clone(probs)
	return m
}

// Run returns Probabilities and a synthetic attention tensor for the final
// layer.
func (m *MockEngine) Run(ctx context.Context, t *imaging.Tensor) (*Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++

	if m.closed {
		return nil, fmt.Errorf("%w: engine is closed", ErrInference)
	}
	if m.err != nil {
		return nil, m.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkInput(t, m.meta); err != nil {
		return nil, err
	}

	pred := NewPrediction(slices.Clone(m.Probabilities), m.meta.Layers)
	if !m.DropAttention {
		pred.SetAttention(m.meta.Layers-1, m.attention(t))
	}
	return pred, nil
}

// attention builds (heads, tokens, tokens) weights whose CLS row is the mean
// brightness of each patch.
func (m *MockEngine) attention(t *imaging.Tensor) *Attention {
	heads, tokens := m.meta.Heads, m.meta.Tokens
	grid, _ := PatchGrid(tokens)
	patch := t.Height / grid

	cls := make([]float32, tokens)
	cls[0] = 0.01
	for gy := 0; gy < grid; gy++ {
		for gx := 0; gx < grid; gx++ {
			var sum float32
			for y := gy * patch; y < (gy+1)*patch; y++ {
				for x := gx * patch; x < (gx+1)*patch; x++ {
					sum += t.At(y, x, 0) + t.At(y, x, 1) + t.At(y, x, 2)
				}
			}
			cls[1+gy*grid+gx] = sum / float32(3*patch*patch)
		}
	}

	data := make([]float32, heads*tokens*tokens)
	for h := 0; h < heads; h++ {
		base := h * tokens * tokens
		copy(data[base:base+tokens], cls)
		for i := 1; i < tokens; i++ {
			data[base+i*tokens+i] = 1
		}
	}
	return &Attention{Heads: heads, Tokens: tokens, Data: data}
}

// Metadata returns the mock artifact description.
func (m *MockEngine) Metadata() Metadata {
	return m.meta
}

// Close marks the mock closed; later Run calls fail like a destroyed session.
func (m *MockEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockEngine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// CallCount returns the number of Run calls.
func (m *MockEngine) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// SetError configures the mock to fail every Run with err.
func (m *MockEngine) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = errors.New("mock inference error")
	}
	m.err = err
}

// ClearError clears any configured error
func (m *MockEngine) ClearError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = nil
}

// Ensure MockEngine implements Engine at compile time
var _ Engine = (*MockEngine)(nil)
