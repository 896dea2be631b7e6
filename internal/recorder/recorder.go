// internal/recorder/recorder.go
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mikeyg42/motioncam/internal/camera"
	"github.com/mikeyg42/motioncam/internal/motion"
	"github.com/mikeyg42/motioncam/internal/recorder/buffer"
	"github.com/mikeyg42/motioncam/internal/recorder/config"
	"github.com/mikeyg42/motioncam/internal/recorder/pipeline"
	"github.com/mikeyg42/motioncam/internal/recorder/recorderlog"
)

// RecordingService wires the camera, motion scoring, the motion session and
// the clip writer together and owns their lifecycle.
type RecordingService struct {
	config *config.Config
	logger recorderlog.Logger

	camera     camera.Camera
	pool       *buffer.BytePool
	ring       *buffer.PreEventRing
	window     *motion.Window
	event      *motion.Event
	scorer     *motion.Scorer
	queue      *pipeline.ClipQueue
	session    *pipeline.Session
	writer     *pipeline.ClipWriter
	publishers []pipeline.Publisher

	running   atomic.Bool
	startedAt time.Time

	cameraCancel  context.CancelFunc
	sessionCancel context.CancelFunc
	writerCancel  context.CancelFunc
	sessionDone   chan struct{}
	writerDone    chan struct{}
	stopCh        chan struct{}
	wg            sync.WaitGroup

	diskFree func(path string) (uint64, error)
}

// NewRecordingService builds the pipeline around cam. Publishers are told
// about every saved clip, in order, and are closed by Stop when they
// implement io.Closer.
func NewRecordingService(cfg *config.Config, cam camera.Camera, logger recorderlog.Logger, publishers ...pipeline.Publisher) (*RecordingService, error) {
	if cfg == nil || cam == nil {
		return nil, errors.New("config and camera are required")
	}
	if logger == nil {
		logger = recorderlog.L()
	}
	logger = logger.Named("recording-service")

	window := motion.NewWindow(cfg.Motion.WindowSize)
	event := motion.NewEvent()
	scorer, err := motion.NewScorer(motion.ScorerConfig{
		Width:       cfg.Camera.AnalysisWidth,
		Height:      cfg.Camera.AnalysisHeight,
		Threshold:   cfg.Motion.Threshold,
		Sensitivity: cfg.Motion.Sensitivity,
	}, window, event)
	if err != nil {
		return nil, fmt.Errorf("failed to create motion scorer: %w", err)
	}

	pool := buffer.NewBytePool(buffer.DefaultMaxPooledSize)
	ring := buffer.NewPreEventRing(buffer.RingConfig{
		Duration: cfg.Recording.PreEventDuration,
		Bitrate:  cfg.Camera.Bitrate,
	}, pool)
	ring.SetLogger(logger)

	tempDir := cfg.Recording.TempDir
	if tempDir == "" {
		tempDir = cfg.Recording.OutputDir
	}

	queue := pipeline.NewClipQueue()
	session := pipeline.NewSession(pipeline.SessionConfig{
		TempDir:         tempDir,
		PollInterval:    cfg.Recording.PollInterval,
		Debounce:        cfg.Recording.Debounce,
		MaxPostDuration: cfg.Recording.MaxPostDuration,
	}, cam, ring, window, event, queue, logger)
	writer := pipeline.NewClipWriter(queue, cfg.Recording.OutputDir, logger, publishers...)

	return &RecordingService{
		config:     cfg,
		logger:     logger,
		camera:     cam,
		pool:       pool,
		ring:       ring,
		window:     window,
		event:      event,
		scorer:     scorer,
		queue:      queue,
		session:    session,
		writer:     writer,
		publishers: publishers,
		stopCh:     make(chan struct{}),
		diskFree:   diskFreeMB,
	}, nil
}

// Start recovers clips left behind by a previous run, starts the camera and
// runs the session and writer in the background. The service keeps running
// until Stop; ctx only bounds startup.
func (r *RecordingService) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("service already running")
	}

	if err := r.checkDiskSpace(); err != nil {
		r.running.Store(false)
		return fmt.Errorf("insufficient disk space: %w", err)
	}
	if err := r.writer.Initialize(); err != nil {
		r.running.Store(false)
		return err
	}

	tempDir := r.config.Recording.TempDir
	if tempDir == "" {
		tempDir = r.config.Recording.OutputDir
	}
	recovered, err := pipeline.RecoverOrphans(tempDir, r.queue, r.logger)
	if err != nil {
		r.logger.Warn("Orphan recovery incomplete", recorderlog.Error(err))
	}

	base := context.WithoutCancel(ctx)
	cameraCtx, cameraCancel := context.WithCancel(base)
	if err := r.camera.Start(cameraCtx, r.ring, r.scorer); err != nil {
		cameraCancel()
		r.running.Store(false)
		return fmt.Errorf("failed to start camera: %w", err)
	}
	sessionCtx, sessionCancel := context.WithCancel(cameraCtx)
	writerCtx, writerCancel := context.WithCancel(base)

	r.cameraCancel = cameraCancel
	r.sessionCancel = sessionCancel
	r.writerCancel = writerCancel
	r.sessionDone = make(chan struct{})
	r.writerDone = make(chan struct{})
	r.startedAt = time.Now()

	r.logger.Info("Starting recording service",
		recorderlog.String("output_dir", r.config.Recording.OutputDir),
		recorderlog.String("temp_dir", tempDir),
		recorderlog.Duration("pre_event", r.config.Recording.PreEventDuration),
		recorderlog.Duration("debounce", r.config.Recording.Debounce),
		recorderlog.Int("recovered_clips", recovered),
		recorderlog.Int("publishers", len(r.publishers)))

	r.wg.Add(3)
	go func() {
		defer r.wg.Done()
		defer close(r.sessionDone)
		if err := r.session.Run(sessionCtx); err != nil {
			r.logger.Error("Motion session stopped", recorderlog.Error(err))
		}
	}()
	go func() {
		defer r.wg.Done()
		defer close(r.writerDone)
		if err := r.writer.Run(writerCtx); err != nil {
			r.logger.Error("Clip writer stopped", recorderlog.Error(err))
		}
	}()
	go r.metricsReporter()

	return nil
}

// Run starts the service and blocks until ctx is cancelled or the camera
// stream ends, then stops it. A camera that stops on its own is reported as
// an error.
func (r *RecordingService) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}

	var camErr error
	var camDone <-chan struct{}
	if d, ok := r.camera.(interface{ Done() <-chan struct{} }); ok {
		camDone = d.Done()
	}
	select {
	case <-ctx.Done():
	case <-camDone:
		camErr = errors.New("camera stream ended")
		if e, ok := r.camera.(interface{ Err() error }); ok && e.Err() != nil {
			camErr = e.Err()
		}
	}

	if err := r.Stop(); err != nil {
		return errors.Join(camErr, err)
	}
	return camErr
}

// Stop ends the current motion session, stops the camera and lets the
// writer drain every queued clip before closing the publishers. The drain is
// bounded by the configured shutdown timeout.
func (r *RecordingService) Stop() error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}
	r.logger.Info("Stopping recording service")
	close(r.stopCh)

	// The session closes out an in-flight clip before returning, which needs
	// the camera still running.
	r.sessionCancel()
	<-r.sessionDone

	var errs []error
	r.cameraCancel()
	if err := r.camera.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close camera: %w", err))
	}

	r.queue.Close()
	timeout := r.config.Service.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-r.writerDone:
	case <-time.After(timeout):
		r.logger.Warn("Clip writer drain timeout, abandoning queued clips",
			recorderlog.Int("queued", r.queue.Len()))
		r.writerCancel()
		<-r.writerDone
	}
	r.writerCancel()

	r.wg.Wait()

	if err := ClosePublishers(r.publishers); err != nil {
		errs = append(errs, err)
	}

	r.reportMetrics()
	r.logger.Info("Recording service stopped", recorderlog.Duration("uptime", time.Since(r.startedAt)))
	return errors.Join(errs...)
}

// metricsReporter periodically logs metrics
func (r *RecordingService) metricsReporter() {
	defer r.wg.Done()

	interval := r.config.Service.MetricsInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.reportMetrics()
			if err := r.checkDiskSpace(); err != nil {
				r.logger.Warn("Low disk space", recorderlog.Error(err))
			}
		}
	}
}

// reportMetrics logs current service metrics
func (r *RecordingService) reportMetrics() {
	frames, active := r.scorer.Stats()
	fields := []recorderlog.Field{
		recorderlog.Uint64("motion_frames", frames),
		recorderlog.Uint64("active_frames", active),
		recorderlog.Int("window_sum", r.window.Sum()),
		recorderlog.Int("ring_frames", r.ring.Len()),
		recorderlog.Int64("ring_bytes", r.ring.Bytes()),
		recorderlog.Duration("ring_span", r.ring.Span()),
		recorderlog.Int("queued_clips", r.queue.Len()),
		recorderlog.Any("session", r.session.GetMetrics()),
		recorderlog.Any("writer", r.writer.GetMetrics()),
		recorderlog.Any("pool", r.pool.Metrics()),
	}
	if s, ok := r.camera.(interface{ GetStats() map[string]interface{} }); ok {
		fields = append(fields, recorderlog.Any("camera", s.GetStats()))
	}
	r.logger.Info("Recording service metrics", fields...)
}

// GetMetrics returns a snapshot of the pipeline counters.
func (r *RecordingService) GetMetrics() map[string]interface{} {
	frames, active := r.scorer.Stats()
	return map[string]interface{}{
		"running":       r.running.Load(),
		"motion_frames": frames,
		"active_frames": active,
		"queued_clips":  r.queue.Len(),
		"ring":          r.ring.Metrics(),
		"session":       r.session.GetMetrics(),
		"writer":        r.writer.GetMetrics(),
	}
}

// State returns the motion session phase.
func (r *RecordingService) State() pipeline.State {
	return r.session.State()
}

// checkDiskSpace verifies the temp and output filesystems have the
// configured free space. A zero threshold skips the check.
func (r *RecordingService) checkDiskSpace() error {
	required := r.config.Service.MinFreeDiskMB
	if required == 0 {
		return nil
	}
	for _, dir := range []string{r.config.Recording.OutputDir, r.config.Recording.TempDir} {
		if dir == "" {
			continue
		}
		availableMB, err := r.diskFree(dir)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", dir, err)
		}
		if availableMB < required {
			return fmt.Errorf("%s: %d MB available, %d MB required", dir, availableMB, required)
		}
	}
	return nil
}

// diskFreeMB returns the space available to unprivileged users at path.
func diskFreeMB(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return (stat.Bavail * uint64(stat.Bsize)) / (1024 * 1024), nil
}
