// internal/inference/engine.go
package inference

import (
	"context"
	"fmt"
	"time"

	"github.com/phuslu/log"
)

// Backend names the runtime that executes the ONNX graph.
const (
	BackendORT = "ort"
	BackendGo  = "go"
)

// Options locate the model artifact and select a runtime.
type Options struct {
	// ModelPath is a local path or URL (s3:// is supported) to the .onnx file.
	ModelPath string
	// MetadataPath defaults to ModelPath with a .json extension.
	MetadataPath string
	// Backend is BackendORT or BackendGo.
	Backend        string
	ORTLibrary     string
	IntraOpThreads int
}

// Load reads the artifact and brings up the selected runtime. Every failure
// wraps ErrModelLoad.
func Load(ctx context.Context, opts Options) (Engine, error) {
	start := time.Now()
	if opts.ModelPath == "" {
		return nil, fmt.Errorf("%w: no model path configured", ErrModelLoad)
	}
	metaPath := opts.MetadataPath
	if metaPath == "" {
		metaPath = MetadataPath(opts.ModelPath)
	}

	meta, err := LoadMetadata(ctx, metaPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	onnx, err := readArtifact(ctx, opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	var engine Engine
	switch opts.Backend {
	case BackendORT, "":
		engine, err = NewORT(onnx, meta, ORTOptions{
			LibraryPath:    opts.ORTLibrary,
			IntraOpThreads: opts.IntraOpThreads,
		})
	case BackendGo:
		engine, err = NewGo(onnx, meta)
	default:
		err = fmt.Errorf("unknown backend %q", opts.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	log.Info().
		Str("model", meta.Name).
		Str("version", meta.Version).
		Str("backend", opts.Backend).
		Int("bytes", len(onnx)).
		Dur("elapsed", time.Since(start)).
		Msg("model loaded")
	return engine, nil
}

// NewLoader binds opts to Load.
func NewLoader(opts Options) Loader {
	return func(ctx context.Context) (Engine, error) {
		return Load(ctx, opts)
	}
}
