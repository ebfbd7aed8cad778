// internal/handler/stream.go
package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/phuslu/log"

	"github.com/SyedDaiam9101/mri-classifier/internal/middleware"
	"github.com/SyedDaiam9101/mri-classifier/internal/pipeline"
)

const (
	streamReadTimeout  = 5 * time.Minute
	streamWriteTimeout = 10 * time.Second
)

// streamFrame is one image sent over the websocket.
type streamFrame struct {
	FileName string `json:"file_name"`
	Image    string `json:"image"`
}

// streamError is sent back for a frame that could not be classified.
type streamError struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || middleware.AllowOrigin(h.origins, origin)
}

// stream classifies base64 frames over a websocket, one reply per frame, in
// order.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("request_id", requestID).Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// base64 inflates by 4/3; leave room for the JSON envelope.
	conn.SetReadLimit(h.maxUpload*4/3 + 4096)
	log.Info().Str("request_id", requestID).Str("remote", r.RemoteAddr).Msg("websocket client connected")

	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Str("request_id", requestID).Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}

		reply := h.streamPredict(r.Context(), msg)
		payload, err := json.Marshal(reply)
		if err != nil {
			log.Error().Str("request_id", requestID).Err(err).Msg("failed to encode websocket reply")
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Warn().Str("request_id", requestID).Err(err).Msg("websocket write failed")
			return
		}
	}
}

func (h *Handler) streamPredict(parent context.Context, msg []byte) any {
	ctx, cancel := context.WithTimeout(parent, h.timeout)
	defer cancel()

	var frame streamFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return h.streamFailure(ctx, fmt.Errorf("%w: %v", ErrBadFrame, err))
	}
	if frame.Image == "" {
		return h.streamFailure(ctx, ErrNoUpload)
	}
	raw, err := base64.StdEncoding.DecodeString(frame.Image)
	if err != nil {
		return h.streamFailure(ctx, fmt.Errorf("%w: image is not valid base64", ErrBadFrame))
	}

	res, err := h.predictor.Run(ctx, pipeline.Upload{FileName: frame.FileName, Body: bytes.NewReader(raw)})
	if err != nil {
		return h.streamFailure(ctx, err)
	}
	return res
}

func (h *Handler) streamFailure(ctx context.Context, err error) streamError {
	status, detail := h.httpError(err)
	log.Warn().Str("request_id", middleware.GetRequestID(ctx)).Int("status", status).Err(err).Msg("websocket frame failed")
	return streamError{Error: detail, Status: status}
}
