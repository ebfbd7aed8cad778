// internal/inference/gonnx.go
package inference

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/advancedclimatesystems/gonnx"
	"github.com/phuslu/log"
	"gorgonia.org/tensor"

	"github.com/SyedDaiam9101/mri-classifier/internal/imaging"
)

// GoEngine runs the model with the pure-Go gonnx runtime. It needs no shared
// library and is slower than ORTEngine.
type GoEngine struct {
	mu    sync.Mutex
	model *gonnx.Model
	meta  Metadata
}

// NewGo parses the ONNX bytes described by meta.
func NewGo(onnx []byte, meta Metadata) (*GoEngine, error) {
	model, err := gonnx.NewModelFromBytes(onnx)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ONNX model: %w", err)
	}
	if !slices.Contains(model.InputNames(), meta.InputName) {
		return nil, fmt.Errorf("model has no input named %q (inputs: %v)", meta.InputName, model.InputNames())
	}
	outputs := model.OutputNames()
	if !slices.Contains(outputs, meta.OutputName) {
		return nil, fmt.Errorf("model has no output named %q (outputs: %v)", meta.OutputName, outputs)
	}
	for _, out := range meta.AttentionOutputs {
		if !slices.Contains(outputs, out.Name) {
			return nil, fmt.Errorf("model has no attention output named %q", out.Name)
		}
	}
	return &GoEngine{model: model, meta: meta}, nil
}

// Run executes one forward pass on a (1, H, W, 3) input.
func (e *GoEngine) Run(ctx context.Context, t *imaging.Tensor) (*Prediction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.model == nil {
		return nil, fmt.Errorf("%w: model is closed", ErrInference)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkInput(t, e.meta); err != nil {
		return nil, err
	}

	input := tensor.New(
		tensor.WithShape(1, t.Height, t.Width, imaging.Channels),
		tensor.WithBacking(slices.Clone(t.Data)),
	)
	outputs, err := e.model.Run(map[string]tensor.Tensor{e.meta.InputName: input})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	probs, err := float32Output(outputs, e.meta.OutputName)
	if err != nil {
		return nil, err
	}
	pred := NewPrediction(probs, e.meta.Layers)
	for _, out := range e.meta.AttentionOutputs {
		data, err := float32Output(outputs, out.Name)
		if err != nil {
			// Missing attention is surfaced through AttentionAt, not as a failed pass.
			continue
		}
		att, err := e.meta.attention(out.Name, int64Shape(outputs[out.Name].Shape()), data)
		if err != nil {
			log.Warn().Err(err).Msg("attention output ignored")
			continue
		}
		pred.SetAttention(out.Layer, att)
	}
	return pred, nil
}

func int64Shape(shape tensor.Shape) []int64 {
	out := make([]int64, len(shape))
	for i, d := range shape {
		out[i] = int64(d)
	}
	return out
}

func float32Output(outputs map[string]tensor.Tensor, name string) ([]float32, error) {
	out, ok := outputs[name]
	if !ok || out == nil {
		return nil, fmt.Errorf("%w: output %q missing", ErrInference, name)
	}
	data, ok := out.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: output %q has type %T, expected []float32", ErrInference, name, out.Data())
	}
	return slices.Clone(data), nil
}

// Metadata returns the artifact description.
func (e *GoEngine) Metadata() Metadata {
	return e.meta
}

// Close drops the parsed graph.
func (e *GoEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.model = nil
	return nil
}

var _ Engine = (*GoEngine)(nil)
