// internal/inference/metadata.go
package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/viant/afs"
	_ "github.com/viant/afsc/s3"

	"github.com/SyedDaiam9101/mri-classifier/internal/imaging"
)

var fileSystem = afs.New()

// AttentionOutput maps an encoder block to the ONNX output carrying its weights.
type AttentionOutput struct {
	Layer int    `json:"layer"`
	Name  string `json:"name"`
}

// Metadata describes an exported classifier. It is stored as JSON next to the
// ONNX file.
type Metadata struct {
	Name             string            `json:"name"`
	Version          string            `json:"version"`
	InputName        string            `json:"input_name"`
	OutputName       string            `json:"output_name"`
	Layers           int               `json:"layers"`
	Heads            int               `json:"heads"`
	Tokens           int               `json:"tokens"`
	ImageSize        int               `json:"image_size"`
	Classes          []string          `json:"classes"`
	AttentionOutputs []AttentionOutput `json:"attention_outputs"`
}

// DefaultMetadata describes a ViT-B/32 at 224px exporting its final block.
func DefaultMetadata() Metadata {
	return Metadata{
		Name:       "vit_b32",
		Version:    "1.0.0",
		InputName:  "input",
		OutputName: "probabilities",
		Layers:     12,
		Heads:      12,
		Tokens:     50,
		ImageSize:  imaging.DefaultSize,
		Classes:    slices.Clone(Labels),
		AttentionOutputs: []AttentionOutput{
			{Layer: 11, Name: "attention_11"},
		},
	}
}

// attention checks an exported attention output against m. Both (heads, T, T)
// and (1, heads, T, T) layouts are accepted.
func (m Metadata) attention(name string, shape []int64, data []float32) (*Attention, error) {
	want := []int64{1, int64(m.Heads), int64(m.Tokens), int64(m.Tokens)}
	if len(shape) == 3 {
		shape = append([]int64{1}, shape...)
	}
	if !slices.Equal(shape, want) {
		return nil, fmt.Errorf("output %q has shape %v, expected %v", name, shape, want)
	}
	att := &Attention{Heads: m.Heads, Tokens: m.Tokens, Data: slices.Clone(data)}
	if err := att.Validate(); err != nil {
		return nil, fmt.Errorf("output %q: %w", name, err)
	}
	return att, nil
}

// Validate rejects artifacts this service cannot serve.
func (m Metadata) Validate() error {
	var errs []error
	if m.InputName == "" {
		errs = append(errs, errors.New("input_name is required"))
	}
	if m.OutputName == "" {
		errs = append(errs, errors.New("output_name is required"))
	}
	if m.ImageSize != imaging.DefaultSize {
		errs = append(errs, fmt.Errorf("image_size must be %d, got %d", imaging.DefaultSize, m.ImageSize))
	}
	if !slices.Equal(m.Classes, Labels) {
		errs = append(errs, fmt.Errorf("classes must be %v, got %v", Labels, m.Classes))
	}
	if len(m.AttentionOutputs) > 0 && (m.Heads <= 0 || m.Tokens <= 1) {
		errs = append(errs, fmt.Errorf("attention outputs need heads and tokens, got %d and %d", m.Heads, m.Tokens))
	}
	for _, out := range m.AttentionOutputs {
		if out.Name == "" || out.Layer < 0 || out.Layer >= m.Layers {
			errs = append(errs, fmt.Errorf("invalid attention output %+v for %d layers", out, m.Layers))
		}
	}
	return errors.Join(errs...)
}

// MetadataPath derives the metadata location from the model location.
func MetadataPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, ".onnx") + ".json"
}

// LoadMetadata reads and validates a metadata file from a local path or URL.
func LoadMetadata(ctx context.Context, url string) (Metadata, error) {
	raw, err := readArtifact(ctx, url)
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := jsoniter.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata %s: %w", url, err)
	}
	if err := meta.Validate(); err != nil {
		return Metadata{}, fmt.Errorf("incompatible metadata %s: %w", url, err)
	}
	return meta, nil
}

// readArtifact reads a whole file through afs, so s3:// URLs work as well as
// local paths.
func readArtifact(ctx context.Context, url string) (data []byte, err error) {
	exists, err := fileSystem.Exists(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", url, err)
	}
	if !exists {
		return nil, fmt.Errorf("artifact %s does not exist", url)
	}

	file, err := fileSystem.OpenURL(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", url, err)
	}
	defer func(file io.Closer) {
		err = errors.Join(err, file.Close())
	}(file)

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, file); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	return buf.Bytes(), nil
}
