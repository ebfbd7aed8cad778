// internal/handler/handler.go
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"

	"github.com/SyedDaiam9101/mri-classifier/internal/imaging"
	"github.com/SyedDaiam9101/mri-classifier/internal/inference"
	"github.com/SyedDaiam9101/mri-classifier/internal/middleware"
	"github.com/SyedDaiam9101/mri-classifier/internal/pipeline"
	"github.com/SyedDaiam9101/mri-classifier/internal/store"
)

// multipartSlack covers boundaries and part headers on top of the file limit.
const multipartSlack = 1 << 20

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Predictor classifies one upload. MaxUploadBytes is the file limit it
// enforces; the handler sizes its request limits from it.
type Predictor interface {
	Run(ctx context.Context, up pipeline.Upload) (*pipeline.Result, error)
	MaxUploadBytes() int64
}

// Reloader swaps the shared model.
type Reloader interface {
	Reload(ctx context.Context) (inference.Engine, error)
}

// History lists and clears recorded predictions.
type History interface {
	List(ctx context.Context, limit int) ([]store.Entry, error)
	Clear(ctx context.Context) (int64, error)
}

// Options tune request handling.
type Options struct {
	RequestTimeout time.Duration
	CORSOrigins    []string
}

// Handler serves the classifier HTTP API.
type Handler struct {
	predictor Predictor
	reloader  Reloader
	history   History
	maxUpload int64
	timeout   time.Duration
	origins   []string
	upgrader  websocket.Upgrader
}

// New creates a Handler. reloader and history may be nil, which disables
// their endpoints.
func New(predictor Predictor, reloader Reloader, history History, opts Options) *Handler {
	maxUpload := predictor.MaxUploadBytes()
	if maxUpload <= 0 {
		maxUpload = imaging.DefaultMaxBytes
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	h := &Handler{
		predictor: predictor,
		reloader:  reloader,
		history:   history,
		maxUpload: maxUpload,
		timeout:   opts.RequestTimeout,
		origins:   opts.CORSOrigins,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Routes returns the API with request ids, CORS and per-route metrics.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, route string, fn http.HandlerFunc) {
		mux.Handle(pattern, middleware.Metrics(route, fn))
	}

	handle("GET /{$}", "/", h.root)
	handle("GET /health", "/health", h.health)
	handle("GET /test/", "/test/", h.test)
	handle("GET /model/{$}", "/model/", h.modelInfo)
	handle("POST /model/predict", "/model/predict", h.predict)
	handle("POST /model/reload", "/model/reload", h.reload)
	handle("GET /model/history", "/model/history", h.listHistory)
	handle("DELETE /model/history", "/model/history", h.clearHistory)
	handle("GET /model/ws", "/model/ws", h.stream)

	return middleware.RequestID(middleware.CORS(h.origins)(mux))
}

func (h *Handler) root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Hello, World!"})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "message": "Server is running"})
}

func (h *Handler) test(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "You have hit the test route!", "status": "success"})
}

type modelInfo struct {
	Model   string `json:"Model"`
	Version string `json:"Version"`
}

func (h *Handler) modelInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, modelInfo{Model: "Vision Transformers!", Version: "1.0.0"})
}

func (h *Handler) predict(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartSlack)
	up, err := firstFile(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.predictor.Run(ctx, up)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// firstFile returns the first part of a multipart body that carries a file
// name. The part is streamed, not buffered to disk.
func firstFile(r *http.Request) (pipeline.Upload, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return pipeline.Upload{}, fmt.Errorf("%w: %v", ErrBadMultipart, err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return pipeline.Upload{}, ErrNoUpload
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return pipeline.Upload{}, err
			}
			return pipeline.Upload{}, fmt.Errorf("%w: %v", ErrBadMultipart, err)
		}
		if part.FileName() != "" {
			return pipeline.Upload{FileName: part.FileName(), Body: part}, nil
		}
	}
}

func (h *Handler) reload(w http.ResponseWriter, r *http.Request) {
	if h.reloader == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Detail: "model reload is not available"})
		return
	}
	engine, err := h.reloader.Reload(r.Context())
	if err != nil {
		log.Error().Str("request_id", middleware.GetRequestID(r.Context())).Err(err).Msg("model reload failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "model reload failed"})
		return
	}
	meta := engine.Metadata()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "reloaded",
		"model":   meta.Name,
		"version": meta.Version,
	})
}

type historyResponse struct {
	Predictions []store.Entry `json:"predictions"`
	Count       int           `json:"count"`
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Detail: store.ErrDisabled.Error()})
		return
	}
	limit := store.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Detail: "limit must be a positive integer"})
			return
		}
		limit = store.ClampLimit(n)
	}

	entries, err := h.history.List(r.Context(), limit)
	if err != nil {
		log.Error().Str("request_id", middleware.GetRequestID(r.Context())).Err(err).Msg("failed to list history")
		writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "failed to read history"})
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Predictions: entries, Count: len(entries)})
}

func (h *Handler) clearHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Detail: store.ErrDisabled.Error()})
		return
	}
	n, err := h.history.Clear(r.Context())
	if err != nil {
		log.Error().Str("request_id", middleware.GetRequestID(r.Context())).Err(err).Msg("failed to clear history")
		writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "failed to clear history"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := h.httpError(err)
	event := log.Warn()
	if status >= http.StatusInternalServerError {
		event = log.Error()
	}
	var failure *pipeline.Failure
	if errors.As(err, &failure) {
		event = event.Str("stage", string(failure.Stage))
	}
	event.Str("request_id", middleware.GetRequestID(r.Context())).
		Str("path", r.URL.Path).
		Int("status", status).
		Err(err).
		Msg("request failed")
	writeJSON(w, status, errorBody{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}
