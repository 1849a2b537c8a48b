package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"avmed-detection/internal/adapters/decode"
	"avmed-detection/internal/adapters/remote"
	"avmed-detection/internal/adapters/storage/memory"
	"avmed-detection/internal/domain"
	cfgpkg "avmed-detection/internal/infrastructure/config"
	"avmed-detection/internal/infrastructure/httpapi"
	"avmed-detection/internal/infrastructure/inference"
	obs "avmed-detection/internal/infrastructure/observability"
	"avmed-detection/internal/usecase"
)

func main() {
	cfg := cfgpkg.FromEnv()

	logger := obs.NewLogger(cfg.LogLevel)
	logger.Info().Str("addr", cfg.Addr).Str("mode", cfg.Mode).
		Str("version", obs.Version).Str("commit", obs.Commit).
		Msg("starting avmed-detection")

	metrics := obs.NewMetrics()
	store := memory.NewStore(cfg.MaxSessions, cfg.SessionTTL)
	monitor := httpapi.NewMonitorHub()

	// In-process tap on the live feed; visible with LOG_LEVEL=debug.
	events := monitor.Subscribe()
	defer monitor.Unsubscribe(events)
	go func() {
		for ev := range events {
			logger.Debug().Str("session", ev.SessionID).
				Int("detections", len(ev.Detections)).Msg("detections published")
		}
	}()

	var detector usecase.Detector
	var shutdown func()
	var err error
	switch cfg.Mode {
	case "remote":
		detector, shutdown, err = buildRemoteDetector(cfg, logger, metrics)
	default:
		detector, shutdown, err = buildLocalDetector(cfg, logger, metrics)
	}
	if err != nil {
		logger.Error().Err(err).Msg("detector init failed")
		os.Exit(1)
	}
	defer shutdown()

	svc := usecase.NewDetectionService(logger, metrics, detector, store, monitor, cfg.RequestTimeout+5*time.Second)
	deps := &httpapi.Deps{Cfg: cfg, Logger: logger, Metrics: metrics, Svc: svc, Repo: store, Monitor: monitor}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if svc.CurrentSession() != "" {
		if err := svc.EndSession(ctx, nil); err != nil {
			logger.Warn().Err(err).Msg("session close on shutdown")
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	logger.Info().Msg("avmed-detection stopped")
}

// buildLocalDetector loads the model file and starts the inference worker.
func buildLocalDetector(cfg cfgpkg.Config, logger *zerolog.Logger, metrics *obs.Metrics) (usecase.Detector, func(), error) {
	if err := inference.InitRuntime(cfg.ModelLibPath); err != nil {
		return nil, nil, err
	}
	modelBytes, err := os.ReadFile(cfg.ModelPath)
	if err != nil {
		inference.ShutdownRuntime()
		return nil, nil, err
	}

	dispatcher := inference.NewDispatcher(logger, metrics, inference.ONNXRunnerFactory, inference.Timeouts{
		Startup: cfg.StartupTimeout,
		Request: cfg.RequestTimeout,
	})
	asset := inference.ModelAsset{
		Bytes: modelBytes,
		Config: decode.ModelConfig{
			Name:          "medication",
			Family:        decode.FamilySingleStage,
			InputWidth:    cfg.ModelInputSize,
			InputHeight:   cfg.ModelInputSize,
			Labels:        cfg.ModelLabels,
			ConfThreshold: cfg.ConfThreshold,
			IoUThreshold:  cfg.IoUThreshold,
			OutputRows:    cfg.ModelOutput,
			Objectness:    true,
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.StartupTimeout)
	defer cancel()
	if err := dispatcher.Initialize(ctx, []inference.ModelAsset{asset}); err != nil {
		inference.ShutdownRuntime()
		return nil, nil, err
	}

	shutdown := func() {
		dispatcher.Dispose()
		inference.ShutdownRuntime()
	}
	return dispatcher, shutdown, nil
}

// buildRemoteDetector connects to the detection server and opens a session.
func buildRemoteDetector(cfg cfgpkg.Config, logger *zerolog.Logger, metrics *obs.Metrics) (usecase.Detector, func(), error) {
	client := remote.NewClient(logger, metrics, remote.Options{
		MinFrameInterval: cfg.FrameMinInterval,
		ReconnectBackoff: cfg.ReconnectBackoff,
		MaxReconnects:    cfg.MaxReconnects,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Connect(ctx, cfg.RemoteURL); err != nil {
		return nil, nil, err
	}
	err := client.InitializeSession(ctx, remote.SessionConfig{
		PatientCode:     cfg.PatientCode,
		ShouldRecord:    cfg.ShouldRecord,
		Width:           cfg.ModelInputSize,
		Height:          cfg.ModelInputSize,
		FramesPerSecond: cfg.TargetFPS,
	})
	if err != nil {
		client.Disconnect()
		return nil, nil, err
	}

	detector := usecase.DetectorFunc(func(ctx context.Context, frame domain.Frame) ([]domain.Detection, error) {
		return client.SubmitFrame(frame)
	})
	shutdown := func() {
		if client.State() == remote.StateSessionInitialized {
			_ = client.EndSession()
		}
		client.Disconnect()
	}
	return detector, shutdown, nil
}
