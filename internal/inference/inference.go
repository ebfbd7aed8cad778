// internal/inference/inference.go
package inference

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/phuslu/log"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/SyedDaiam9101/mri-classifier/internal/imaging"
)

// ORTOptions configures the onnxruntime backend.
type ORTOptions struct {
	// LibraryPath points at onnxruntime.so; empty uses the library default.
	LibraryPath string
	// IntraOpThreads bounds the per-operator thread pool. Zero keeps the default.
	IntraOpThreads int
}

var ortMu sync.Mutex

func initORT(libraryPath string) error {
	ortMu.Lock()
	defer ortMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return err
	}
	return ort.DisableTelemetry()
}

// ShutdownRuntime destroys the onnxruntime environment. Call it once, after
// every ORTEngine has been closed.
func ShutdownRuntime() error {
	ortMu.Lock()
	defer ortMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// ORTEngine wraps an ONNX runtime session for thread-safe inference.
// It implements the Engine interface and only uses the CPU execution provider,
// which keeps results reproducible across hosts.
type ORTEngine struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	options *ort.SessionOptions
	meta    Metadata
}

// NewORT creates a session from the ONNX bytes described by meta.
func NewORT(onnx []byte, meta Metadata, opts ORTOptions) (*ORTEngine, error) {
	if err := initORT(opts.LibraryPath); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("failed to set inter-op threads: %w", err)
	}

	outputNames := []string{meta.OutputName}
	for _, out := range meta.AttentionOutputs {
		outputNames = append(outputNames, out.Name)
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		onnx,
		[]string{meta.InputName},
		outputNames,
		options,
	)
	if err != nil {
		options.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ORTEngine{
		session: session,
		options: options,
		meta:    meta,
	}, nil
}

// Run executes one forward pass on a (1, H, W, 3) input.
func (e *ORTEngine) Run(ctx context.Context, t *imaging.Tensor) (*Prediction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return nil, fmt.Errorf("%w: inference session is nil", ErrInference)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkInput(t, e.meta); err != nil {
		return nil, err
	}

	input, err := ort.NewTensor(ort.NewShape(t.Shape()...), t.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create input tensor: %v", ErrInference, err)
	}
	defer input.Destroy()

	probs, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(e.meta.Classes))))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create output tensor: %v", ErrInference, err)
	}
	defer probs.Destroy()

	// Attention outputs are left to the runtime so a shape that disagrees with
	// the metadata drops the heatmap instead of the prediction.
	outputs := make([]ort.Value, 1+len(e.meta.AttentionOutputs))
	outputs[0] = probs
	defer func() {
		for _, v := range outputs[1:] {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	if err := e.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	pred := NewPrediction(slices.Clone(probs.GetData()), e.meta.Layers)
	for i, out := range e.meta.AttentionOutputs {
		weights, ok := outputs[i+1].(*ort.Tensor[float32])
		if !ok {
			log.Warn().Str("output", out.Name).Msgf("attention output has type %T, expected float32 tensor", outputs[i+1])
			continue
		}
		att, err := e.meta.attention(out.Name, weights.GetShape(), weights.GetData())
		if err != nil {
			log.Warn().Err(err).Msg("attention output ignored")
			continue
		}
		pred.SetAttention(out.Layer, att)
	}
	return pred, nil
}

// Metadata returns the artifact description.
func (e *ORTEngine) Metadata() Metadata {
	return e.meta
}

// Close releases the ONNX session resources
func (e *ORTEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	if e.options != nil {
		if optErr := e.options.Destroy(); err == nil {
			err = optErr
		}
		e.options = nil
	}
	if err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	return nil
}

func checkInput(t *imaging.Tensor, meta Metadata) error {
	if t == nil {
		return fmt.Errorf("%w: nil input tensor", ErrInference)
	}
	size := meta.ImageSize
	if t.Height != size || t.Width != size || len(t.Data) != size*size*imaging.Channels {
		return fmt.Errorf("%w: input has wrong size: got %dx%d (%d values), expected %dx%dx%d",
			ErrInference, t.Height, t.Width, len(t.Data), size, size, imaging.Channels)
	}
	return nil
}

// Ensure ORTEngine implements Engine at compile time
var _ Engine = (*ORTEngine)(nil)
