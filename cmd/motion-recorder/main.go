package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mikeyg42/motioncam/internal/camera"
	"github.com/mikeyg42/motioncam/internal/recorder"
	"github.com/mikeyg42/motioncam/internal/recorder/config"
	"github.com/mikeyg42/motioncam/internal/recorder/recorderlog"
)

// Application holds the recorder and the resources it was built from
type Application struct {
	config  *config.Config
	logger  recorderlog.Logger
	camera  *camera.StreamCamera
	service *recorder.RecordingService
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	outputDir := flag.String("output", "", "Directory for finished clips (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *outputDir != "" {
		cfg.Recording.OutputDir = *outputDir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := recorderlog.New(cfg.Log.Level, cfg.Log.Format, cfg.Service.Name)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	recorderlog.ReplaceGlobal(logger)
	defer logger.Zap().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to create application", recorderlog.Error(err))
		os.Exit(1)
	}

	if err := app.service.Run(ctx); err != nil {
		logger.Error("Recorder stopped with error", recorderlog.Error(err))
		os.Exit(1)
	}
	logger.Info("Recorder exited")
}

// NewApplication opens the encoder streams and connects the clip publishers.
func NewApplication(ctx context.Context, cfg *config.Config, logger recorderlog.Logger) (*Application, error) {
	logger.Info("Waiting for encoder streams",
		recorderlog.String("video", cfg.Camera.VideoPath),
		recorderlog.String("motion", cfg.Camera.MotionPath))

	cam, err := camera.OpenStreamCamera(camera.StreamConfig{
		VideoPath:      cfg.Camera.VideoPath,
		MotionPath:     cfg.Camera.MotionPath,
		Width:          cfg.Camera.AnalysisWidth,
		Height:         cfg.Camera.AnalysisHeight,
		SplitTimeout:   cfg.Camera.SplitTimeout,
		AnnotationFile: cfg.Camera.AnnotationFile,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera: %w", err)
	}

	publishers, err := recorder.NewPublishers(ctx, cfg, logger)
	if err != nil {
		cam.Close()
		return nil, err
	}

	service, err := recorder.NewRecordingService(cfg, cam, logger, publishers...)
	if err != nil {
		cam.Close()
		if cerr := recorder.ClosePublishers(publishers); cerr != nil {
			logger.Warn("Failed to close publishers", recorderlog.Error(cerr))
		}
		return nil, fmt.Errorf("failed to create recording service: %w", err)
	}

	return &Application{
		config:  cfg,
		logger:  logger,
		camera:  cam,
		service: service,
	}, nil
}
