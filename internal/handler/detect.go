package handler

import (
	"context"
	"net/http"

	"detectserver/internal/config"
	"detectserver/internal/dto"
	"detectserver/internal/logger"
	"detectserver/internal/model"
)

// DetectHandler handles POST /api/detect. The image comes as the "image"
// multipart field or as the raw body; conf, iou, rank and max query
// parameters override the configured defaults.
func DetectHandler(detector Detector, cfg *config.Config, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts, err := parseOptions(r, detector.Defaults())
		if err != nil {
			writeError(w, err, logger)
			return
		}

		data, err := readImage(w, r, cfg.MaxUploadBytes)
		if err != nil {
			writeError(w, err, logger)
			return
		}

		ctx := r.Context()
		if cfg.InferTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.InferTimeout)
			defer cancel()
		}

		res, err := detector.Detect(ctx, data, opts)
		if err != nil {
			writeError(w, err, logger)
			return
		}

		dets := res.Detections
		if dets == nil {
			dets = []model.Detection{}
		}

		writeJSON(w, http.StatusOK, dto.DetectResponse{
			RequestID:   res.Timings.RequestID,
			Detections:  dets,
			Count:       len(dets),
			ImageWidth:  res.ImageWidth,
			ImageHeight: res.ImageHeight,
			Timings:     dto.NewTimingsMs(res.Timings),
		}, logger)
	}
}
