package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/motioncam/internal/motion"
	"github.com/mikeyg42/motioncam/internal/recorder/buffer"
	"github.com/mikeyg42/motioncam/internal/recorder/recorderlog"
)

const (
	// DefaultSplitTimeout bounds how long Split waits for an SPS header
	// before switching at the next NAL unit.
	DefaultSplitTimeout = 5 * time.Second

	maxNALUnitSize = 8 * 1024 * 1024
)

// StreamConfig configures a StreamCamera.
type StreamConfig struct {
	// VideoPath is a file or FIFO carrying H.264 Annex-B with inline SPS
	// headers. "-" reads standard input.
	VideoPath string
	// MotionPath carries the raw motion vectors of the analysis stream.
	MotionPath string
	// Width and Height are the analysis stream resolution.
	Width, Height int

	SplitTimeout time.Duration
	// AnnotationFile, when set, receives the current annotation text.
	AnnotationFile string
}

// StreamStats tracks camera reader statistics
type StreamStats struct {
	NALUnits       atomic.Uint64
	VideoBytes     atomic.Uint64
	MotionFrames   atomic.Uint64
	Splits         atomic.Uint64
	ForcedSplits   atomic.Uint64
	SinkErrors     atomic.Uint64
	lastUnitTime   atomic.Value // time.Time
	lastMotionTime atomic.Value // time.Time
}

type splitRequest struct {
	sink      buffer.Sink
	requested time.Time
	done      chan struct{}
}

// StreamCamera implements Camera on top of an encoder that writes its
// high-resolution stream and its motion vectors to pipes, such as
// rpicam-vid with --inline and --save-motion style output.
type StreamCamera struct {
	cfg    StreamConfig
	video  io.Reader
	motion io.Reader
	logger recorderlog.Logger

	mu         sync.Mutex
	sink       buffer.Sink
	pending    *splitRequest
	annotation string

	running atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup

	failOnce sync.Once
	failed   chan struct{}
	failErr  error

	stats StreamStats
}

// NewStreamCamera reads video and motion vectors from the given readers.
// Readers that implement io.Closer are closed by Close.
func NewStreamCamera(cfg StreamConfig, video, vectors io.Reader, logger recorderlog.Logger) (*StreamCamera, error) {
	if video == nil || vectors == nil {
		return nil, errors.New("video and motion vector streams are required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid analysis resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.SplitTimeout <= 0 {
		cfg.SplitTimeout = DefaultSplitTimeout
	}
	if logger == nil {
		logger = recorderlog.L()
	}
	c := &StreamCamera{
		cfg:    cfg,
		video:  video,
		motion: vectors,
		logger: logger.Named("camera"),
		failed: make(chan struct{}),
	}
	c.stats.lastUnitTime.Store(time.Time{})
	c.stats.lastMotionTime.Store(time.Time{})
	return c, nil
}

// OpenStreamCamera opens cfg.VideoPath and cfg.MotionPath. Opening a FIFO
// blocks until the encoder opens its end.
func OpenStreamCamera(cfg StreamConfig, logger recorderlog.Logger) (*StreamCamera, error) {
	var video io.Reader = os.Stdin
	if cfg.VideoPath != "-" {
		f, err := os.Open(cfg.VideoPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open video stream: %w", err)
		}
		video = f
	}
	vectors, err := os.Open(cfg.MotionPath)
	if err != nil {
		if c, ok := video.(io.Closer); ok && video != os.Stdin {
			_ = c.Close()
		}
		return nil, fmt.Errorf("failed to open motion vector stream: %w", err)
	}
	return NewStreamCamera(cfg, video, vectors, logger)
}

// Start implements Camera.
func (c *StreamCamera) Start(ctx context.Context, video buffer.Sink, analysis motion.Analyser) error {
	if c.closed.Load() {
		return ErrCameraClosed
	}
	if video == nil || analysis == nil {
		return errors.New("video sink and analyser are required")
	}
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("camera already started")
	}

	c.mu.Lock()
	c.sink = video
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readVideo(ctx)
	go c.readMotion(ctx, analysis)

	c.logger.Info("Camera streams started",
		recorderlog.Int("analysis_width", c.cfg.Width),
		recorderlog.Int("analysis_height", c.cfg.Height))
	return nil
}

func (c *StreamCamera) readVideo(ctx context.Context) {
	defer c.wg.Done()

	scanner := bufio.NewScanner(c.video)
	scanner.Buffer(make([]byte, 0, 256*1024), maxNALUnitSize)
	scanner.Split(ScanNALUnits)

	loggedSink := buffer.Sink(nil)
	for scanner.Scan() {
		if ctx.Err() != nil {
			c.fail(ctx.Err())
			return
		}
		unit := scanner.Bytes()
		now := time.Now()
		typ := ClassifyNAL(unit)

		sink := c.route(typ, now)
		if err := sink.WriteFrame(buffer.Frame{Data: unit, Type: typ, Timestamp: now}); err != nil {
			c.stats.SinkErrors.Add(1)
			if loggedSink != sink {
				loggedSink = sink
				c.logger.Error("Video sink rejected frame", recorderlog.Error(err))
			}
		}
		c.stats.NALUnits.Add(1)
		c.stats.VideoBytes.Add(uint64(len(unit)))
		c.stats.lastUnitTime.Store(now)
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.fail(fmt.Errorf("video stream ended: %w", err))
}

// route applies a pending split when unit typ starts a new stream section
// (or the split has waited too long) and returns the sink for the unit.
func (c *StreamCamera) route(typ buffer.FrameType, now time.Time) buffer.Sink {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req := c.pending; req != nil {
		forced := now.Sub(req.requested) >= c.cfg.SplitTimeout
		if typ == buffer.FrameTypeSPSHeader || forced {
			c.sink = req.sink
			c.pending = nil
			c.stats.Splits.Add(1)
			if forced && typ != buffer.FrameTypeSPSHeader {
				c.stats.ForcedSplits.Add(1)
				c.logger.Warn("No SPS header before split timeout, switching mid-stream",
					recorderlog.Duration("waited", now.Sub(req.requested)))
			}
			close(req.done)
		}
	}
	return c.sink
}

func (c *StreamCamera) readMotion(ctx context.Context, analysis motion.Analyser) {
	defer c.wg.Done()

	vr := NewVectorReader(c.motion, c.cfg.Width, c.cfg.Height)
	for {
		if ctx.Err() != nil {
			c.fail(ctx.Err())
			return
		}
		frame, err := vr.Next()
		if err != nil {
			c.fail(fmt.Errorf("motion vector stream ended: %w", err))
			return
		}
		analysis.Analyse(frame)
		c.stats.MotionFrames.Add(1)
		c.stats.lastMotionTime.Store(time.Now())
	}
}

// fail records the first stream error and wakes every waiter.
func (c *StreamCamera) fail(err error) {
	c.failOnce.Do(func() {
		c.failErr = err
		close(c.failed)
		if !c.closed.Load() && !errors.Is(err, context.Canceled) {
			c.logger.Error("Camera stream failed", recorderlog.Error(err))
		}
	})
}

// Done is closed when either stream stops.
func (c *StreamCamera) Done() <-chan struct{} {
	return c.failed
}

// Err returns the stream error that stopped the camera, if any.
func (c *StreamCamera) Err() error {
	select {
	case <-c.failed:
		return c.failErr
	default:
		return nil
	}
}

// Split implements Camera.
func (c *StreamCamera) Split(ctx context.Context, video buffer.Sink) error {
	if c.closed.Load() {
		return ErrCameraClosed
	}
	if !c.running.Load() {
		return ErrNotStarted
	}
	if err := c.Err(); err != nil {
		return err
	}

	req := &splitRequest{sink: video, requested: time.Now(), done: make(chan struct{})}
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return errors.New("split already in progress")
	}
	c.pending = req
	c.mu.Unlock()

	var cause error
	select {
	case <-req.done:
		return nil
	case <-c.failed:
		cause = c.failErr
	case <-ctx.Done():
		cause = ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != req {
		// The reader switched before we got the lock.
		return nil
	}
	c.pending = nil
	return fmt.Errorf("split not applied: %w", cause)
}

// Wait implements Camera.
func (c *StreamCamera) Wait(ctx context.Context, d time.Duration) error {
	if c.closed.Load() {
		return ErrCameraClosed
	}
	if !c.running.Load() {
		return ErrNotStarted
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return c.Err()
	case <-c.failed:
		return c.failErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Annotate implements Camera. The overlay is drawn by the encoder; the text
// is kept for Annotation and mirrored to AnnotationFile when configured.
func (c *StreamCamera) Annotate(text string) error {
	if c.closed.Load() {
		return ErrCameraClosed
	}
	c.mu.Lock()
	c.annotation = text
	c.mu.Unlock()

	if c.cfg.AnnotationFile == "" {
		return nil
	}
	if err := os.WriteFile(c.cfg.AnnotationFile, []byte(text), 0o644); err != nil {
		return fmt.Errorf("failed to write annotation: %w", err)
	}
	return nil
}

// Annotation returns the current overlay text.
func (c *StreamCamera) Annotation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.annotation
}

// Close stops the readers and closes the underlying streams.
func (c *StreamCamera) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	for _, r := range []io.Reader{c.video, c.motion} {
		if r == io.Reader(os.Stdin) {
			continue
		}
		if cl, ok := r.(io.Closer); ok {
			if err := cl.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	c.fail(ErrCameraClosed)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("Camera stopped cleanly")
	case <-time.After(5 * time.Second):
		c.logger.Warn("Camera stop timeout, readers still blocked")
	}
	return errors.Join(errs...)
}

// GetStats returns camera statistics
func (c *StreamCamera) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"nal_units":        c.stats.NALUnits.Load(),
		"video_bytes":      c.stats.VideoBytes.Load(),
		"motion_frames":    c.stats.MotionFrames.Load(),
		"splits":           c.stats.Splits.Load(),
		"forced_splits":    c.stats.ForcedSplits.Load(),
		"sink_errors":      c.stats.SinkErrors.Load(),
		"last_unit_time":   c.stats.lastUnitTime.Load().(time.Time),
		"last_motion_time": c.stats.lastMotionTime.Load().(time.Time),
	}
}

var _ Camera = (*StreamCamera)(nil)
