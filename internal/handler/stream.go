package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"detectserver/internal/apperr"
	"detectserver/internal/config"
	"detectserver/internal/dto"
	"detectserver/internal/logger"
	"detectserver/internal/model"
	"detectserver/internal/service/hub"
	"detectserver/internal/service/vision"

	"github.com/gorilla/websocket"
)

const (
	frameBuffer = 2
	eventBuffer = 16
	writeWait   = 10 * time.Second
)

// Subscriptions hands out hub subscribers.
type Subscriptions interface {
	Register(topic hub.Topic, buffer int) *hub.Subscriber
	Unregister(s *hub.Subscriber)
}

// NewUpgrader upgrades HTTP connections to WebSocket. "*" in origins allows
// every origin.
func NewUpgrader(origins []string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}

	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed["*"] || allowed[origin] {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}
}

// VideoStreamHandler serves annotated camera frames as an MJPEG stream.
func VideoStreamHandler(subs Subscriptions, cfg *config.Config, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.CameraEnabled() {
			writeError(w, &requestError{status: http.StatusServiceUnavailable, code: "camera_disabled", msg: "no camera is configured"}, logger)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		sub := subs.Register(hub.TopicFrames, frameBuffer)
		if sub == nil {
			http.Error(w, "Stream closed", http.StatusServiceUnavailable)
			return
		}
		defer subs.Unregister(sub)

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		logger.Info("Video viewer connected from %s", r.RemoteAddr)

		for {
			select {
			case <-r.Context().Done():
				logger.Info("Video viewer disconnected")
				return
			case frame, ok := <-sub.Messages():
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
					return
				}
				if _, err := w.Write(frame); err != nil {
					return
				}
				if _, err := w.Write([]byte("\r\n")); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// EventsWebsocketHandler pushes camera detection events to the client as
// text messages.
func EventsWebsocketHandler(subs Subscriptions, upgrader *websocket.Upgrader, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connection, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("WebSocket upgrade error: %v", err)
			return
		}
		defer connection.Close()

		sub := subs.Register(hub.TopicEvents, eventBuffer)
		if sub == nil {
			return
		}
		defer subs.Unregister(sub)

		logger.Info("Event viewer connected")

		// The reader only notices the client going away.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := connection.ReadMessage(); err != nil {
					logDisconnect(logger, "Event viewer", err)
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					connection.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
						time.Now().Add(writeWait))
					return
				}
				connection.SetWriteDeadline(time.Now().Add(writeWait))
				if err := connection.WriteMessage(websocket.TextMessage, msg); err != nil {
					logger.Error("Error sending message: %v", err)
					return
				}
			}
		}
	}
}

// DetectWebsocketHandler runs detection on every binary message and replies
// with the detections as JSON. A text message may carry JSON options
// ({"conf":0.5,"iou":0.4}) that apply to the following images.
func DetectWebsocketHandler(detector Detector, upgrader *websocket.Upgrader, cfg *config.Config, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connection, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("WebSocket upgrade error: %v", err)
			return
		}
		defer connection.Close()

		if cfg.MaxUploadBytes > 0 {
			connection.SetReadLimit(cfg.MaxUploadBytes)
		}

		opts := detector.Defaults()
		for {
			messageType, data, err := connection.ReadMessage()
			if err != nil {
				logDisconnect(logger, "Detect client", err)
				return
			}

			var reply interface{}
			switch messageType {
			case websocket.TextMessage:
				next := opts
				if err := json.Unmarshal(data, &next); err != nil {
					reply = dto.ErrorResponse{Error: "invalid options: " + err.Error(), Code: "invalid_request"}
					break
				}
				if err := next.Validate(); err != nil {
					reply = dto.ErrorResponse{Error: err.Error(), Code: "invalid_request"}
					break
				}
				opts = next
				reply = opts

			case websocket.BinaryMessage:
				reply = detectOnce(r.Context(), detector, data, opts, cfg.InferTimeout, logger)
			}

			if reply == nil {
				continue
			}
			connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := connection.WriteJSON(reply); err != nil {
				logger.Error("Error sending detections: %v", err)
				return
			}
		}
	}
}

func detectOnce(ctx context.Context, detector Detector, data []byte, opts vision.Options, timeout time.Duration, logger *logger.Logger) interface{} {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := detector.Detect(ctx, data, opts)
	if err != nil {
		status, code := apperr.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			logger.Error("WebSocket detection failed (%s): %v", code, err)
		}
		return dto.ErrorResponse{Error: err.Error(), Code: code}
	}

	dets := res.Detections
	if dets == nil {
		dets = []model.Detection{}
	}
	return dto.DetectResponse{
		RequestID:   res.Timings.RequestID,
		Detections:  dets,
		Count:       len(dets),
		ImageWidth:  res.ImageWidth,
		ImageHeight: res.ImageHeight,
	}
}

func logDisconnect(logger *logger.Logger, who string, err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Info("%s disconnected normally", who)
	} else {
		logger.Warning("%s disconnected with error: %v", who, err)
	}
}
