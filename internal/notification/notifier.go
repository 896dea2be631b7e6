package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mikeyg42/motioncam/internal/recorder/pipeline"
)

// ClipEvent is the message sent when a motion clip has been saved.
type ClipEvent struct {
	Type            string    `json:"type"`
	Camera          string    `json:"camera"`
	ClipID          string    `json:"clip_id"`
	Name            string    `json:"name"`
	Path            string    `json:"path"`
	SizeBytes       int64     `json:"size_bytes"`
	PreEventBytes   int64     `json:"pre_event_bytes"`
	PostEventBytes  int64     `json:"post_event_bytes"`
	Checksum        string    `json:"checksum"`
	TriggeredAt     time.Time `json:"triggered_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

const clipSavedEvent = "clip_saved"

// NewClipEvent builds the notification for clip, tagged with the camera name.
func NewClipEvent(camera string, clip pipeline.SavedClip) ClipEvent {
	return ClipEvent{
		Type:            clipSavedEvent,
		Camera:          camera,
		ClipID:          clip.ID,
		Name:            clip.Name(),
		Path:            clip.Path,
		SizeBytes:       clip.Size,
		PreEventBytes:   clip.PreEventBytes,
		PostEventBytes:  clip.PostEventBytes,
		Checksum:        clip.Checksum,
		TriggeredAt:     clip.TriggeredAt,
		EndedAt:         clip.EndedAt,
		DurationSeconds: clip.EndedAt.Sub(clip.TriggeredAt).Seconds(),
	}
}

// Payload encodes the event as JSON.
func (e ClipEvent) Payload() ([]byte, error) {
	return json.Marshal(e)
}

// RetryConfig bounds notification retries.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, Delay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// SendWithRetry runs sendFunc until it succeeds, the attempts are used up
// or ctx ends. Errors wrapped with backoff.Permanent stop immediately.
func SendWithRetry(ctx context.Context, config RetryConfig, sendFunc func(context.Context) error) error {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	ebo := backoff.NewExponentialBackOff()
	if config.Delay > 0 {
		ebo.InitialInterval = config.Delay
	}
	if config.MaxDelay > 0 {
		ebo.MaxInterval = config.MaxDelay
	}
	ebo.MaxElapsedTime = 0
	ebo.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(config.MaxAttempts-1)), ctx)
	return backoff.Retry(func() error { return sendFunc(ctx) }, policy)
}
