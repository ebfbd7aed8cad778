// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPServerHandlingSeconds is a histogram for HTTP request latencies
	HTTPServerHandlingSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_server_handling_seconds",
			Help:    "Histogram of response latency (seconds) of HTTP requests handled by the server.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"route", "code"},
	)

	// GRPCServerHandlingSeconds is a histogram for gRPC server request latencies
	GRPCServerHandlingSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grpc_server_handling_seconds",
			Help:    "Histogram of response latency (seconds) of gRPC that had been application-level handled by the server.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "code"},
	)

	// InferenceLatencySeconds is a histogram for forward-pass latency
	InferenceLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inference_latency_seconds",
			Help:    "Histogram of forward-pass latency (seconds) excluding decoding and rendering.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// PipelineStageSeconds is a histogram of per-stage latency of a prediction
	PipelineStageSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_seconds",
			Help:    "Histogram of latency (seconds) of each prediction stage.",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"stage"},
	)

	// ModelLoadsTotal counts model load attempts by outcome
	ModelLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_loads_total",
			Help: "Number of model load attempts.",
		},
		[]string{"result"},
	)

	// DegradedVisualizationsTotal counts predictions served without a heatmap
	DegradedVisualizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "degraded_visualizations_total",
			Help: "Number of predictions returned without an attention visualization.",
		},
		[]string{"reason"},
	)

	// PredictionCacheTotal counts prediction cache lookups by outcome
	PredictionCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prediction_cache_total",
			Help: "Number of prediction cache lookups.",
		},
		[]string{"result"},
	)

	// PredictionsTotal counts served predictions by class
	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predictions_total",
			Help: "Number of predictions served, by predicted class.",
		},
		[]string{"class"},
	)

	// HealthStatus is a gauge indicating the health status of the service
	HealthStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "health_status",
			Help: "Health status of the service (1 = healthy, 0 = unhealthy).",
		},
	)
)

// RecordHTTPLatency records the latency of an HTTP request
func RecordHTTPLatency(route, code string, seconds float64) {
	HTTPServerHandlingSeconds.WithLabelValues(route, code).Observe(seconds)
}

// RecordGRPCLatency records the latency of a gRPC method call
func RecordGRPCLatency(method, code string, seconds float64) {
	GRPCServerHandlingSeconds.WithLabelValues(method, code).Observe(seconds)
}

// RecordInferenceLatency records the latency of an inference call
func RecordInferenceLatency(seconds float64) {
	InferenceLatencySeconds.Observe(seconds)
}

// RecordStage records the latency of one prediction stage
func RecordStage(stage string, seconds float64) {
	PipelineStageSeconds.WithLabelValues(stage).Observe(seconds)
}

// RecordModelLoad counts a model load attempt
func RecordModelLoad(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	ModelLoadsTotal.WithLabelValues(result).Inc()
}

// RecordDegraded counts a prediction served without a heatmap.
// reason is the stage that gave up, "extracting" or "rendering".
func RecordDegraded(reason string) {
	DegradedVisualizationsTotal.WithLabelValues(reason).Inc()
}

// RecordCache counts a cache lookup
func RecordCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	PredictionCacheTotal.WithLabelValues(result).Inc()
}

// RecordPrediction counts a served prediction
func RecordPrediction(class string) {
	PredictionsTotal.WithLabelValues(class).Inc()
}

// SetHealthy sets the health status to healthy
func SetHealthy() {
	HealthStatus.Set(1)
}

// SetUnhealthy sets the health status to unhealthy
func SetUnhealthy() {
	HealthStatus.Set(0)
}
