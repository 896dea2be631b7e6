// Package camera defines the encoder-facing contract of the recorder and a
// stream-backed implementation of it.
package camera

import (
	"context"
	"errors"
	"time"

	"github.com/mikeyg42/motioncam/internal/motion"
	"github.com/mikeyg42/motioncam/internal/recorder/buffer"
)

var (
	// ErrCameraClosed is returned by every operation after Close.
	ErrCameraClosed = errors.New("camera closed")
	// ErrNotStarted is returned by Split and Wait before Start.
	ErrNotStarted = errors.New("camera not started")
)

// Camera produces a high-resolution encoded stream and a low-resolution
// motion-vector stream from one sensor.
type Camera interface {
	// Start begins delivering encoded video to video and motion frames to
	// analysis. It returns once both streams are running.
	Start(ctx context.Context, video buffer.Sink, analysis motion.Analyser) error

	// Split redirects the encoded stream to video. The switch happens at the
	// next stream-start boundary so the new sink begins with an SPS header;
	// no frame is lost or delivered twice. Split returns after the switch.
	Split(ctx context.Context, video buffer.Sink) error

	// Wait blocks for d while recording, returning early with any encoder
	// error.
	Wait(ctx context.Context, d time.Duration) error

	// Annotate sets the overlay text. An empty string clears it.
	Annotate(text string) error

	Close() error
}
