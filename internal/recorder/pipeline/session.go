package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mikeyg42/motioncam/internal/camera"
	"github.com/mikeyg42/motioncam/internal/motion"
	"github.com/mikeyg42/motioncam/internal/recorder/buffer"
	"github.com/mikeyg42/motioncam/internal/recorder/recorderlog"
)

// State is the phase of a motion session.
type State int32

const (
	StateIdle State = iota
	StateExtractingPre
	StateRecordingPost
	StateDebouncing
	StateEmitting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExtractingPre:
		return "extracting_pre"
	case StateRecordingPost:
		return "recording_post"
	case StateDebouncing:
		return "debouncing"
	case StateEmitting:
		return "emitting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// AnnotationLayout is the overlay timestamp format while recording.
const AnnotationLayout = "20060102-150405"

const splitBackTimeout = 10 * time.Second

// SessionConfig contains motion session configuration
type SessionConfig struct {
	TempDir         string
	PollInterval    time.Duration
	Debounce        time.Duration
	MaxPostDuration time.Duration // 0 = unlimited
}

// SessionMetrics tracks motion session statistics
type SessionMetrics struct {
	SessionsStarted   atomic.Uint64
	SessionsCompleted atomic.Uint64
	MaxDurationCuts   atomic.Uint64
	PreEventBytes     atomic.Uint64
	SplitErrors       atomic.Uint64
	WaitErrors        atomic.Uint64
	EmitErrors        atomic.Uint64
}

// Session turns motion triggers into clip descriptors. One session runs at a
// time; triggers that arrive while it is recording are folded into it.
type Session struct {
	cfg    SessionConfig
	camera camera.Camera
	ring   *buffer.PreEventRing
	window *motion.Window
	event  *motion.Event
	queue  *ClipQueue
	logger recorderlog.Logger

	state   atomic.Int32
	metrics SessionMetrics

	now     func() time.Time
	observe func(State)
}

// NewSession creates a session bound to its collaborators.
func NewSession(cfg SessionConfig, cam camera.Camera, ring *buffer.PreEventRing,
	window *motion.Window, event *motion.Event, queue *ClipQueue, logger recorderlog.Logger) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = time.Second
	}
	if cfg.TempDir == "" {
		cfg.TempDir = "."
	}
	if logger == nil {
		logger = recorderlog.L()
	}
	return &Session{
		cfg:    cfg,
		camera: cam,
		ring:   ring,
		window: window,
		event:  event,
		queue:  queue,
		logger: logger.Named("motion-session"),
		now:    time.Now,
	}
}

// State returns the current phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	if s.observe != nil {
		s.observe(st)
	}
}

// Run waits for motion and records sessions until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	for {
		if err := s.event.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		s.record(ctx)
	}
}

// RunOnce waits for one trigger and records a single session.
func (s *Session) RunOnce(ctx context.Context) error {
	if err := s.event.Wait(ctx); err != nil {
		return err
	}
	s.record(ctx)
	return nil
}

// record runs one full session and returns to Idle. Failures are logged and
// the session degrades instead of aborting.
func (s *Session) record(ctx context.Context) {
	triggeredAt := s.now()
	desc := ClipDescriptor{
		ID:          uuid.New().String(),
		TriggeredAt: triggeredAt,
	}
	s.metrics.SessionsStarted.Add(1)
	log := s.logger.With(recorderlog.String("clip_id", desc.ID))
	log.Info("Motion session started", recorderlog.Time("triggered_at", triggeredAt))

	s.setState(StateExtractingPre)
	desc.PreEvent = s.ring.Extract()
	log.Debug("Pre-event video extracted", recorderlog.Int("bytes", len(desc.PreEvent)))

	s.setState(StateRecordingPost)
	desc.PostEventPath, desc.PreEvent = s.recordPost(ctx, log, triggeredAt, desc.PreEvent)
	s.metrics.PreEventBytes.Add(uint64(len(desc.PreEvent)))

	desc.EndedAt = s.now()
	s.setState(StateEmitting)
	if err := s.queue.Push(desc); err != nil {
		s.metrics.EmitErrors.Add(1)
		log.Error("Failed to queue clip, dropping it",
			recorderlog.String("post_event_path", desc.PostEventPath),
			recorderlog.Error(err))
	} else {
		s.metrics.SessionsCompleted.Add(1)
		log.Info("Motion session completed",
			recorderlog.Duration("duration", desc.EndedAt.Sub(triggeredAt)),
			recorderlog.Int("pre_event_bytes", len(desc.PreEvent)),
			recorderlog.String("post_event_path", desc.PostEventPath))
	}

	s.event.Clear()
	s.setState(StateIdle)
}

// recordPost splits the live stream into a temp file, polls the activity
// window until it goes quiet, waits out the debounce and splits back into
// the ring. It returns the temp file path ("" when none could be created)
// and the pre-event bytes extended by whatever reached the ring before the
// split took effect.
func (s *Session) recordPost(ctx context.Context, log recorderlog.Logger, triggeredAt time.Time, pre []byte) (string, []byte) {
	file, err := createTempClip(s.cfg.TempDir, triggeredAt)
	if err != nil {
		log.Error("Failed to create post-event file", recorderlog.Error(err))
		s.ring.Release()
		s.setState(StateDebouncing)
		return "", pre
	}
	path := file.Name()
	sink := buffer.NewWriterSink(file)

	if err := s.camera.Annotate(triggeredAt.Format(AnnotationLayout)); err != nil {
		log.Warn("Failed to set annotation", recorderlog.Error(err))
	}

	split := false
	if err := s.camera.Split(ctx, sink); err != nil {
		s.metrics.SplitErrors.Add(1)
		log.Error("Failed to split recording to post-event file", recorderlog.Error(err))
		// The stream never left the ring, so it goes back to being a
		// bounded pre-event buffer.
		s.ring.Release()
	} else {
		split = true
		// Frames that reached the ring between Extract and the split point.
		pre = append(pre, s.ring.Drain()...)
		s.poll(ctx, log)
	}

	s.setState(StateDebouncing)
	if split {
		if err := s.camera.Wait(ctx, s.cfg.Debounce); err != nil {
			s.metrics.WaitErrors.Add(1)
			log.Warn("Debounce wait interrupted", recorderlog.Error(err))
		}
	}
	if err := s.camera.Annotate(""); err != nil {
		log.Warn("Failed to clear annotation", recorderlog.Error(err))
	}
	if split {
		s.splitBack(ctx, log)
	}

	if err := sink.Flush(); err != nil {
		log.Error("Failed to flush post-event file", recorderlog.Error(err))
	}
	if err := file.Close(); err != nil {
		log.Error("Failed to close post-event file", recorderlog.Error(err))
	}
	frames, n := sink.Stats()
	log.Debug("Post-event recording stopped",
		recorderlog.String("path", path),
		recorderlog.Int64("frames", frames),
		recorderlog.Int64("bytes", n))
	return path, pre
}

// poll returns once a sample of the activity window reads zero, the maximum
// post-event duration is reached, or the camera reports an error.
func (s *Session) poll(ctx context.Context, log recorderlog.Logger) {
	started := s.now()
	for elapsed := 0; ; elapsed++ {
		if err := s.camera.Wait(ctx, s.cfg.PollInterval); err != nil {
			s.metrics.WaitErrors.Add(1)
			log.Error("Recording wait failed", recorderlog.Error(err))
			return
		}
		sum := s.window.Sum()
		log.Debug("Still recording",
			recorderlog.Int("polls", elapsed+1),
			recorderlog.Int("activity", sum))
		if sum == 0 {
			return
		}
		if s.cfg.MaxPostDuration > 0 && s.now().Sub(started) >= s.cfg.MaxPostDuration {
			s.metrics.MaxDurationCuts.Add(1)
			log.Warn("Post-event recording reached max duration, ending session",
				recorderlog.Duration("max_post_duration", s.cfg.MaxPostDuration))
			return
		}
	}
}

// splitBack returns the encoder output to the ring, retrying once. It runs
// detached from ctx so a shutdown still closes out the clip.
func (s *Session) splitBack(ctx context.Context, log recorderlog.Logger) {
	for attempt := 1; attempt <= 2; attempt++ {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), splitBackTimeout)
		err := s.camera.Split(sctx, s.ring)
		cancel()
		if err == nil {
			return
		}
		s.metrics.SplitErrors.Add(1)
		log.Error("Failed to split recording back to pre-event buffer",
			recorderlog.Int("attempt", attempt),
			recorderlog.Error(err))
	}
}

// createTempClip creates <dir>/<unix seconds>.h264, adding a suffix when a
// file of that name already exists.
func createTempClip(dir string, at time.Time) (*os.File, error) {
	base := fmt.Sprintf("%d", at.Unix())
	for i := 0; i < 100; i++ {
		name := base + TempClipExt
		if i > 0 {
			name = fmt.Sprintf("%s-%d%s", base, i, TempClipExt)
		}
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create temp clip: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to create temp clip: too many files named %s*", base)
}

// GetMetrics returns session metrics
func (s *Session) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"state":              s.State().String(),
		"sessions_started":   s.metrics.SessionsStarted.Load(),
		"sessions_completed": s.metrics.SessionsCompleted.Load(),
		"max_duration_cuts":  s.metrics.MaxDurationCuts.Load(),
		"pre_event_bytes":    s.metrics.PreEventBytes.Load(),
		"split_errors":       s.metrics.SplitErrors.Load(),
		"wait_errors":        s.metrics.WaitErrors.Load(),
		"emit_errors":        s.metrics.EmitErrors.Load(),
	}
}
