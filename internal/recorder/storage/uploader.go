package storage

import (
	"context"
	"path"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/motioncam/internal/recorder/pipeline"
	"github.com/mikeyg42/motioncam/internal/recorder/recorderlog"
)

// ClipUploader copies saved clips to object storage.
type ClipUploader struct {
	store   ObjectStore
	prefix  string
	timeout time.Duration
	logger  recorderlog.Logger

	uploaded atomic.Uint64
	skipped  atomic.Uint64
}

// NewClipUploader uploads under prefix. A zero timeout leaves the caller's
// context in charge.
func NewClipUploader(store ObjectStore, prefix string, timeout time.Duration, logger recorderlog.Logger) *ClipUploader {
	if logger == nil {
		logger = recorderlog.L()
	}
	return &ClipUploader{
		store:   store,
		prefix:  prefix,
		timeout: timeout,
		logger:  logger.Named("clip-uploader"),
	}
}

// ObjectKey returns the key a clip is stored under: prefix/YYYY-MM-DD/name.
func (u *ClipUploader) ObjectKey(clip pipeline.SavedClip) string {
	return path.Join(u.prefix, clip.TriggeredAt.UTC().Format("2006-01-02"), clip.Name())
}

// Publish implements pipeline.Publisher. Clips already present with the
// same key are not uploaded again.
func (u *ClipUploader) Publish(ctx context.Context, clip pipeline.SavedClip) error {
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	key := u.ObjectKey(clip)
	exists, err := u.store.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		u.skipped.Add(1)
		u.logger.Info("Clip already uploaded", recorderlog.String("key", key))
		return nil
	}

	start := time.Now()
	err = u.store.PutFile(ctx, key, clip.Path,
		WithContentType("video/h264"),
		WithMetadata(map[string]string{
			"clip-id":      clip.ID,
			"sha256":       clip.Checksum,
			"triggered-at": clip.TriggeredAt.UTC().Format(time.RFC3339Nano),
			"ended-at":     clip.EndedAt.UTC().Format(time.RFC3339Nano),
			"pre-bytes":    strconv.FormatInt(clip.PreEventBytes, 10),
		}))
	if err != nil {
		return err
	}

	u.uploaded.Add(1)
	u.logger.Info("Clip uploaded",
		recorderlog.String("key", key),
		recorderlog.Int64("size", clip.Size),
		recorderlog.Duration("took", time.Since(start)))
	return nil
}

// GetMetrics returns upload counters
func (u *ClipUploader) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"clips_uploaded": u.uploaded.Load(),
		"clips_skipped":  u.skipped.Load(),
	}
}

var _ pipeline.Publisher = (*ClipUploader)(nil)
