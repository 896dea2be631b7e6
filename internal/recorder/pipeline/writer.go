package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/motioncam/internal/recorder/recorderlog"
)

// ClipNameLayout names final clips after the time they are written.
const ClipNameLayout = "20060102-150405"

// SavedClip describes a clip persisted by the writer.
type SavedClip struct {
	ID             string    `json:"id"`
	Path           string    `json:"path"`
	Size           int64     `json:"size"`
	PreEventBytes  int64     `json:"pre_event_bytes"`
	PostEventBytes int64     `json:"post_event_bytes"`
	Checksum       string    `json:"checksum"` // hex SHA-256 of the file
	TriggeredAt    time.Time `json:"triggered_at"`
	EndedAt        time.Time `json:"ended_at"`
	WrittenAt      time.Time `json:"written_at"`
}

// Name returns the clip's file name.
func (c SavedClip) Name() string {
	return filepath.Base(c.Path)
}

// Publisher is notified after each clip is written.
type Publisher interface {
	Publish(ctx context.Context, clip SavedClip) error
}

// WriterMetrics tracks clip writer performance
type WriterMetrics struct {
	ClipsWritten    atomic.Uint64
	ClipsFailed     atomic.Uint64
	BytesWritten    atomic.Uint64
	PublishFailures atomic.Uint64
}

// ClipWriter persists queued clips as [pre-event bytes][post-event file].
type ClipWriter struct {
	queue      *ClipQueue
	outputDir  string
	publishers []Publisher
	logger     recorderlog.Logger

	copyBufs sync.Pool
	now      func() time.Time
	metrics  WriterMetrics
}

// NewClipWriter creates a writer that stores clips in outputDir.
func NewClipWriter(queue *ClipQueue, outputDir string, logger recorderlog.Logger, publishers ...Publisher) *ClipWriter {
	if outputDir == "" {
		outputDir = "."
	}
	if logger == nil {
		logger = recorderlog.L()
	}
	return &ClipWriter{
		queue:      queue,
		outputDir:  outputDir,
		publishers: publishers,
		logger:     logger.Named("clip-writer"),
		copyBufs: sync.Pool{
			New: func() interface{} {
				b := make([]byte, 256*1024)
				return &b
			},
		},
		now: time.Now,
	}
}

// Initialize creates the output directory.
func (w *ClipWriter) Initialize() error {
	if err := os.MkdirAll(w.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.outputDir, err)
	}
	return nil
}

// Run writes queued clips until ctx is cancelled or the queue is closed and
// drained. A failed clip is logged and skipped.
func (w *ClipWriter) Run(ctx context.Context) error {
	for {
		desc, err := w.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		clip, err := w.WriteClip(ctx, desc)
		if err != nil {
			w.logger.Error("Failed to write clip",
				recorderlog.String("clip_id", desc.ID),
				recorderlog.String("post_event_path", desc.PostEventPath),
				recorderlog.Error(err))
			continue
		}
		w.publish(ctx, clip)
	}
}

// WriteClip writes one clip and removes its post-event temp file. On error
// the partial output is removed and the temp file is kept.
func (w *ClipWriter) WriteClip(ctx context.Context, desc ClipDescriptor) (SavedClip, error) {
	out, err := w.createOutput()
	if err != nil {
		w.metrics.ClipsFailed.Add(1)
		return SavedClip{}, err
	}
	clip := SavedClip{
		ID:            desc.ID,
		Path:          out.Name(),
		PreEventBytes: int64(len(desc.PreEvent)),
		TriggeredAt:   desc.TriggeredAt,
		EndedAt:       desc.EndedAt,
	}
	log := w.logger.With(recorderlog.String("clip_id", desc.ID), recorderlog.String("path", clip.Path))

	hasher := sha256.New()
	dst := io.MultiWriter(out, hasher)

	fail := func(err error) (SavedClip, error) {
		_ = out.Close()
		if rmErr := os.Remove(clip.Path); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn("Failed to remove partial clip", recorderlog.Error(rmErr))
		}
		w.metrics.ClipsFailed.Add(1)
		return SavedClip{}, err
	}

	if _, err := dst.Write(desc.PreEvent); err != nil {
		return fail(fmt.Errorf("failed to write pre-event bytes: %w", err))
	}

	if desc.PostEventPath != "" {
		n, err := w.copyPostEvent(ctx, dst, desc.PostEventPath)
		if err != nil {
			return fail(err)
		}
		clip.PostEventBytes = n
	}

	if err := out.Close(); err != nil {
		return fail(fmt.Errorf("failed to close clip: %w", err))
	}

	clip.Size = clip.PreEventBytes + clip.PostEventBytes
	clip.Checksum = hex.EncodeToString(hasher.Sum(nil))
	clip.WrittenAt = w.now()

	if desc.PostEventPath != "" {
		if err := os.Remove(desc.PostEventPath); err != nil && !os.IsNotExist(err) {
			log.Warn("Failed to remove post-event temp file",
				recorderlog.String("temp_path", desc.PostEventPath),
				recorderlog.Error(err))
		}
	}

	w.metrics.ClipsWritten.Add(1)
	w.metrics.BytesWritten.Add(uint64(clip.Size))
	log.Info("Clip written",
		recorderlog.Int64("size", clip.Size),
		recorderlog.Int64("pre_event_bytes", clip.PreEventBytes),
		recorderlog.Int64("post_event_bytes", clip.PostEventBytes))
	return clip, nil
}

func (w *ClipWriter) copyPostEvent(ctx context.Context, dst io.Writer, path string) (int64, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open post-event file: %w", err)
	}
	defer in.Close()

	bufp := w.copyBufs.Get().(*[]byte)
	defer w.copyBufs.Put(bufp)

	n, err := io.CopyBuffer(dst, readerWithContext{ctx: ctx, r: in}, *bufp)
	if err != nil {
		return n, fmt.Errorf("failed to copy post-event file: %w", err)
	}
	return n, nil
}

// createOutput opens a new file named after the current time, appending -1,
// -2, ... when that name is taken.
func (w *ClipWriter) createOutput() (*os.File, error) {
	base := w.now().Format(ClipNameLayout)
	for i := 0; i < 1000; i++ {
		name := base + ".h264"
		if i > 0 {
			name = fmt.Sprintf("%s-%d.h264", base, i)
		}
		f, err := os.OpenFile(filepath.Join(w.outputDir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create clip file: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to create clip file: too many clips named %s", base)
}

func (w *ClipWriter) publish(ctx context.Context, clip SavedClip) {
	for _, p := range w.publishers {
		if err := p.Publish(ctx, clip); err != nil {
			w.metrics.PublishFailures.Add(1)
			w.logger.Warn("Clip publisher failed",
				recorderlog.String("clip_id", clip.ID),
				recorderlog.String("publisher", fmt.Sprintf("%T", p)),
				recorderlog.Error(err))
		}
	}
}

// GetMetrics returns clip writer metrics
func (w *ClipWriter) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"clips_written":    w.metrics.ClipsWritten.Load(),
		"clips_failed":     w.metrics.ClipsFailed.Load(),
		"bytes_written":    w.metrics.BytesWritten.Load(),
		"publish_failures": w.metrics.PublishFailures.Load(),
		"queued":           w.queue.Len(),
	}
}

// readerWithContext stops a copy between reads once ctx is done.
type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (r readerWithContext) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
