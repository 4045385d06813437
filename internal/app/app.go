package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"detectserver/internal/config"
	"detectserver/internal/logger"
	"detectserver/internal/repository/sqlite"
	"detectserver/internal/route"
	"detectserver/internal/runtime/backends"
	"detectserver/internal/service/camera"
	"detectserver/internal/service/camera/opencv"
	"detectserver/internal/service/hub"
	"detectserver/internal/service/storage"
	"detectserver/internal/service/vision"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	config   *config.Config
	logger   *logger.Logger
	db       *sqlite.DB
	detector *vision.Detector
	store    *storage.Store
	capture  *storage.CaptureQueue
	hub      *hub.HubService
	camera   *camera.Manager
	udp      *camera.UDPReceiver
}

// NewApp loads the configuration and the model and wires the services. A
// model that cannot be loaded is an error; the feedback index is optional.
func NewApp() (*App, error) {
	cfg := config.Load()
	log := logger.NewLogger(cfg)

	if err := os.MkdirAll(cfg.FeedbackDirectory, 0755); err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to create feedback directory: %w", err)
	}

	a := &App{config: cfg, logger: log}

	db, err := sqlite.New(cfg.FeedbackDatabase)
	if err != nil {
		log.Warning("Feedback index unavailable, records are still written to disk: %v", err)
	} else {
		a.db = db
	}

	if a.db != nil {
		a.store = storage.NewStore(cfg.FeedbackDirectory, sqlite.NewRecordRepository(a.db), log).
			WithLabels(sqlite.NewLabelRepository(a.db))
	} else {
		a.store = storage.NewStore(cfg.FeedbackDirectory, nil, log)
	}

	rt, err := backends.Open(cfg, log)
	if err != nil {
		a.close()
		return nil, err
	}

	a.detector, err = vision.NewDetector(rt, vision.DetectorConfig{
		InputSize:     cfg.InputSize,
		SwapRB:        cfg.SwapRB,
		DecoderFormat: cfg.DecoderFormat,
		LabelsPath:    cfg.LabelsPath,
		Defaults: vision.Options{
			ConfThreshold: cfg.ConfThreshold,
			IoUThreshold:  cfg.IoUThreshold,
			MaxDetections: cfg.MaxDetections,
		},
	}, log)
	if err != nil {
		rt.Close()
		a.close()
		return nil, err
	}

	a.hub = hub.NewHubService(log)
	a.capture = storage.NewCaptureQueue(a.store, cfg.CaptureQueueSize, log)

	device, err := a.openCamera()
	if err != nil {
		log.Error("Camera disabled: %v", err)
	} else if device != nil {
		a.camera = camera.NewManager(device, a.detector, a.hub, a.capture, cfg, log)
	}

	return a, nil
}

// openCamera returns the configured frame source, or nil when none is set.
// A local device takes precedence over the UDP listener.
func (a *App) openCamera() (camera.Device, error) {
	cfg := a.config
	switch {
	case cfg.CameraDevice >= 0:
		device, err := opencv.OpenDevice(cfg.CameraDevice, cfg.CameraWidth, cfg.CameraHeight)
		if err != nil {
			return nil, err
		}
		a.logger.Info("Camera: device %d at %dx%d", cfg.CameraDevice, cfg.CameraWidth, cfg.CameraHeight)
		return device, nil
	case cfg.CameraUDPPort > 0:
		receiver, err := camera.ListenUDP(cfg.CameraUDPPort)
		if err != nil {
			return nil, err
		}
		a.udp = receiver
		a.logger.Info("Camera: listening for UDP frames on %s", receiver.Addr())
		return opencv.NewUDPDevice(receiver), nil
	}
	return nil, nil
}

// Run serves HTTP until SIGINT/SIGTERM and then shuts everything down.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start background services
	go a.hub.Run(ctx)

	cameraDone := make(chan struct{})
	if a.camera != nil {
		go func() {
			defer close(cameraDone)
			if err := a.camera.Run(ctx); err != nil {
				a.logger.Error("Camera loop failed: %v", err)
			}
		}()
	} else {
		close(cameraDone)
	}

	router := route.SetupRoutes(route.Services{
		Detector: a.detector,
		Feedback: a.store,
		Streams:  a.hub,
	}, a.config, a.logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.config.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	health := a.detector.Health()
	a.logger.Info("Detection server listening on :%d", a.config.Port)
	a.logger.Info("Model: %s (%s, %s)", health.ModelPath, health.Backend, health.Format)
	a.logger.Info("Feedback: %s", a.store.Directory())
	if a.camera == nil {
		a.logger.Info("Camera: disabled")
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
		stop()
	case <-ctx.Done():
		a.logger.Info("Shutting down")
	}

	// A UDP read blocks until a packet arrives; closing the socket ends it.
	if a.udp != nil {
		a.udp.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warning("HTTP shutdown: %v", err)
	}

	select {
	case <-cameraDone:
	case <-shutdownCtx.Done():
		a.logger.Warning("Camera loop did not stop in time")
	}
	<-a.hub.Done()

	a.close()
	return runErr
}

// close releases resources in dependency order: pending captures are saved
// before the index closes, the logger goes last.
func (a *App) close() {
	if a.capture != nil {
		a.capture.Close()
		a.logger.Info("Capture queue closed: %d saved, %d dropped", a.capture.Saved(), a.capture.Dropped())
	}
	if a.detector != nil {
		if err := a.detector.Close(); err != nil {
			a.logger.Warning("Closing detector: %v", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warning("Closing feedback index: %v", err)
		}
	}
	a.logger.Close()
}
