// internal/pipeline/pipeline.go
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/SyedDaiam9101/mri-classifier/internal/attention"
	"github.com/SyedDaiam9101/mri-classifier/internal/imaging"
	"github.com/SyedDaiam9101/mri-classifier/internal/inference"
	"github.com/SyedDaiam9101/mri-classifier/internal/metrics"
	"github.com/SyedDaiam9101/mri-classifier/internal/middleware"
	"github.com/SyedDaiam9101/mri-classifier/internal/visualize"
)

const tracerName = "github.com/SyedDaiam9101/mri-classifier/internal/pipeline"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Oracle hands out the shared model. The engine stays usable until release
// is called.
type Oracle interface {
	Acquire(ctx context.Context) (engine inference.Engine, release func(), err error)
}

// Cache stores encoded results keyed by content hash.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// Recorder persists served results.
type Recorder interface {
	Record(ctx context.Context, result *Result) error
}

// Upload is one image submitted for classification.
type Upload struct {
	FileName string
	Body     io.Reader
}

// Result is the response body of a prediction.
type Result struct {
	FileName                  string             `json:"file_name"`
	PredictedClass            string             `json:"predicted_class"`
	Confidence                float64            `json:"confidence"`
	ClassProbabilities        map[string]float64 `json:"class_probabilities"`
	AttentionMapVisualization *string            `json:"attention_map_visualization"`

	// Warnings lists the reasons the visualization was degraded.
	Warnings []error `json:"-"`
	// Cached is set when the result came from the prediction cache.
	Cached bool `json:"-"`
}

// Pipeline runs decode, classify, extract and render for one upload.
type Pipeline struct {
	oracle   Oracle
	cache    Cache
	cacheTTL time.Duration
	recorder Recorder
	decode   imaging.Options
	layer    int
	// renderBare renders the captioned original when attention is missing.
	renderBare bool
	tracer     trace.Tracer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCache enables the prediction cache.
func WithCache(c Cache, ttl time.Duration) Option {
	return func(p *Pipeline) {
		p.cache = c
		p.cacheTTL = ttl
	}
}

// WithRecorder persists every served result.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithDecodeOptions sets the upload limit and input size.
func WithDecodeOptions(o imaging.Options) Option {
	return func(p *Pipeline) { p.decode = o }
}

// WithLayer selects the encoder block used for the heatmap.
func WithLayer(layer int) Option {
	return func(p *Pipeline) { p.layer = layer }
}

// WithRenderWithoutAttention returns the captioned original image instead of
// null when attention cannot be extracted.
func WithRenderWithoutAttention(enabled bool) Option {
	return func(p *Pipeline) { p.renderBare = enabled }
}

// New creates a Pipeline over oracle.
func New(oracle Oracle, opts ...Option) *Pipeline {
	p := &Pipeline{
		oracle: oracle,
		layer:  inference.FinalLayer,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run classifies one upload. Only decoding and classification can fail; an
// attention or rendering problem yields a Result without visualization.
func (p *Pipeline) Run(ctx context.Context, up Upload) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(attribute.String("file_name", up.FileName)))
	defer span.End()

	requestID := middleware.GetRequestID(ctx)

	// Failures are logged by the caller, which knows the response status.
	result, err := p.run(ctx, up)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	metrics.RecordPrediction(result.PredictedClass)
	span.SetAttributes(
		attribute.String("predicted_class", result.PredictedClass),
		attribute.Float64("confidence", result.Confidence),
		attribute.Bool("cached", result.Cached),
	)
	for _, w := range result.Warnings {
		log.Warn().Str("request_id", requestID).Str("file_name", up.FileName).Err(w).Msg("visualization omitted")
	}
	log.Info().
		Str("request_id", requestID).
		Str("file_name", up.FileName).
		Str("predicted_class", result.PredictedClass).
		Float64("confidence", result.Confidence).
		Bool("cached", result.Cached).
		Bool("visualization", result.AttentionMapVisualization != nil).
		Msg("prediction served")

	if p.recorder != nil {
		if err := p.recorder.Record(ctx, result); err != nil {
			log.Warn().Str("request_id", requestID).Err(err).Msg("failed to record prediction")
		}
	}
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, up Upload) (*Result, error) {
	// Received -> Decoding
	var raw []byte
	var decoded *imaging.Decoded
	err := p.stage(ctx, StageDecoding, func(ctx context.Context) error {
		var err error
		if raw, err = imaging.ReadLimited(up.Body, p.maxBytes()); err != nil {
			return err
		}
		decoded, err = imaging.DecodeBytes(raw, p.decode)
		return err
	})
	if err != nil {
		return nil, &Failure{Stage: StageDecoding, Err: err}
	}

	// Decoding -> Classifying
	var (
		engine inference.Engine
		pred   *inference.Prediction
		cached *Result
		key    string
	)
	release := func() {}
	defer func() {
		if release != nil {
			release()
		}
	}()
	err = p.stage(ctx, StageClassifying, func(ctx context.Context) error {
		var err error
		if engine, release, err = p.oracle.Acquire(ctx); err != nil {
			return err
		}
		key = cacheKey(engine.Metadata(), raw)
		if cached = p.lookup(ctx, key); cached != nil {
			return nil
		}
		start := time.Now()
		pred, err = engine.Run(ctx, decoded.Tensor)
		metrics.RecordInferenceLatency(time.Since(start).Seconds())
		return err
	})
	if err != nil {
		return nil, &Failure{Stage: StageClassifying, Err: err}
	}
	if cached != nil {
		cached.FileName = up.FileName
		cached.Cached = true
		return cached, nil
	}

	result, err := NewResult(up.FileName, engine.Metadata().Classes, pred.Probabilities)
	if err != nil {
		return nil, &Failure{Stage: StageClassifying, Err: err}
	}

	// Classifying -> Extracting -> Rendering; failures here only degrade.
	var grid *attention.Grid
	err = p.stage(ctx, StageExtracting, func(ctx context.Context) error {
		var err error
		grid, err = attention.Extract(pred, p.layer, decoded.Image.Bounds().Dx())
		return err
	})
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Errorf("%s: %w", StageExtracting, err))
		metrics.RecordDegraded(string(StageExtracting))
	}

	if grid != nil || p.renderBare {
		err = p.stage(ctx, StageRendering, func(ctx context.Context) error {
			blob, err := visualize.Render(decoded.Image, grid)
			if err != nil {
				return err
			}
			result.AttentionMapVisualization = &blob
			return nil
		})
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Errorf("%s: %w", StageRendering, err))
			metrics.RecordDegraded(string(StageRendering))
		}
	}

	p.store(ctx, key, result)
	return result, nil
}

// stage runs fn in its own span and records its latency.
func (p *Pipeline) stage(ctx context.Context, s Stage, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "pipeline."+string(s))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metrics.RecordStage(string(s), time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// MaxUploadBytes is the largest upload Run accepts.
func (p *Pipeline) MaxUploadBytes() int64 {
	return p.maxBytes()
}

func (p *Pipeline) maxBytes() int64 {
	if p.decode.MaxBytes > 0 {
		return p.decode.MaxBytes
	}
	return imaging.DefaultMaxBytes
}

func (p *Pipeline) lookup(ctx context.Context, key string) *Result {
	if p.cache == nil {
		return nil
	}
	data, err := p.cache.Get(ctx, key)
	if err != nil {
		log.Warn().Str("request_id", middleware.GetRequestID(ctx)).Err(err).Msg("prediction cache read failed")
		return nil
	}
	metrics.RecordCache(data != nil)
	if data == nil {
		return nil
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		log.Warn().Str("key", key).Err(err).Msg("discarding malformed cache entry")
		return nil
	}
	return &result
}

func (p *Pipeline) store(ctx context.Context, key string, result *Result) {
	// Degraded results are not cached so a transient render error is retried.
	if p.cache == nil || len(result.Warnings) > 0 {
		return
	}
	entry := *result
	entry.FileName = ""
	data, err := json.Marshal(&entry)
	if err != nil {
		log.Warn().Err(err).Msg("failed to encode prediction for cache")
		return
	}
	if err := p.cache.Set(ctx, key, data, p.cacheTTL); err != nil {
		log.Warn().Str("request_id", middleware.GetRequestID(ctx)).Err(err).Msg("prediction cache write failed")
	}
}

// cacheKey identifies a prediction by model version and upload content.
func cacheKey(meta inference.Metadata, raw []byte) string {
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("prediction:%s:%s:%s", meta.Name, meta.Version, hex.EncodeToString(sum[:]))
}

// NewResult builds the response fields from a probability vector in class
// order. The predicted class is the first maximum.
func NewResult(fileName string, classes []string, probs []float32) (*Result, error) {
	if len(probs) == 0 || len(probs) != len(classes) {
		return nil, fmt.Errorf("%w: got %d probabilities for %d classes", inference.ErrInference, len(probs), len(classes))
	}
	best := 0
	dist := make(map[string]float64, len(classes))
	for i, p := range probs {
		dist[classes[i]] = float64(p)
		if p > probs[best] {
			best = i
		}
	}
	return &Result{
		FileName:           fileName,
		PredictedClass:     classes[best],
		Confidence:         float64(probs[best]),
		ClassProbabilities: dist,
	}, nil
}
