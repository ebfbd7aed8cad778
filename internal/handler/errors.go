// internal/handler/errors.go
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/SyedDaiam9101/mri-classifier/internal/imaging"
	"github.com/SyedDaiam9101/mri-classifier/internal/inference"
	"github.com/SyedDaiam9101/mri-classifier/internal/pipeline"
)

var (
	// ErrNoUpload means the multipart body had no file part.
	ErrNoUpload = errors.New("no file uploaded")
	// ErrBadMultipart means the body is not a readable multipart form.
	ErrBadMultipart = errors.New("malformed multipart request")
	// ErrBadFrame means a websocket frame could not be parsed.
	ErrBadFrame = errors.New("malformed frame")
)

// httpError maps pipeline and transport errors to a status code and a
// client-facing message. Server-side failures never leak their cause.
func (h *Handler) httpError(err error) (int, string) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr), errors.Is(err, imaging.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: the upload limit is %d bytes", h.maxUpload)

	case errors.Is(err, imaging.ErrDecode):
		return http.StatusBadRequest, "invalid image file: the upload could not be decoded as an image"

	case errors.Is(err, imaging.ErrRead):
		return http.StatusBadRequest, "could not read upload: the request body ended early or is malformed"

	case errors.Is(err, ErrNoUpload):
		return http.StatusBadRequest, `no file uploaded: send the image as multipart form field "file"`

	case errors.Is(err, ErrBadMultipart), errors.Is(err, ErrBadFrame):
		return http.StatusBadRequest, err.Error()

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "prediction timed out"

	case errors.Is(err, inference.ErrModelLoad):
		return http.StatusInternalServerError, "model is unavailable"

	case isDecodingFailure(err):
		return http.StatusBadRequest, "invalid upload: the file could not be read as an image"

	default:
		return http.StatusInternalServerError, "internal error during prediction"
	}
}

// isDecodingFailure reports whether err stopped the pipeline before the model
// ran. Those are always the client's fault.
func isDecodingFailure(err error) bool {
	var failure *pipeline.Failure
	return errors.As(err, &failure) && failure.Stage == pipeline.StageDecoding
}

// errorBody is the JSON body of every error response.
type errorBody struct {
	Detail string `json:"detail"`
}
