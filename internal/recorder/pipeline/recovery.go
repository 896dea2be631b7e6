package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mikeyg42/motioncam/internal/recorder/recorderlog"
)

// TempClipExt is the extension of post-event temp files.
const TempClipExt = ".h264"

// RecoverOrphans queues post-event temp files left in tempDir by an earlier
// run, oldest first, so they are persisted instead of leaking. Their
// pre-event video is lost. Files whose names are not temp clip names are
// ignored, which keeps finished clips safe when tempDir is also the output
// directory.
func RecoverOrphans(tempDir string, queue *ClipQueue, logger recorderlog.Logger) (int, error) {
	if logger == nil {
		logger = recorderlog.L()
	}
	matches, err := filepath.Glob(filepath.Join(tempDir, "*"+TempClipExt))
	if err != nil {
		return 0, fmt.Errorf("failed to list temp dir: %w", err)
	}

	type orphan struct {
		path    string
		started time.Time
		ended   time.Time
	}
	var orphans []orphan
	for _, path := range matches {
		started, ok := parseTempClipName(filepath.Base(path))
		if !ok {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		orphans = append(orphans, orphan{path: path, started: started, ended: info.ModTime()})
	}
	sort.Slice(orphans, func(i, j int) bool {
		if orphans[i].started.Equal(orphans[j].started) {
			return orphans[i].path < orphans[j].path
		}
		return orphans[i].started.Before(orphans[j].started)
	})

	queued := 0
	for _, o := range orphans {
		err := queue.Push(ClipDescriptor{
			ID:            uuid.New().String(),
			PostEventPath: o.path,
			TriggeredAt:   o.started,
			EndedAt:       o.ended,
		})
		if err != nil {
			return queued, fmt.Errorf("failed to queue orphan %s: %w", o.path, err)
		}
		queued++
		logger.Info("Recovered orphaned post-event file", recorderlog.String("path", o.path))
	}
	return queued, nil
}

// parseTempClipName accepts "<unix>.h264" and "<unix>-<n>.h264".
func parseTempClipName(name string) (time.Time, bool) {
	stem, ok := strings.CutSuffix(name, TempClipExt)
	if !ok {
		return time.Time{}, false
	}
	if i := strings.IndexByte(stem, '-'); i >= 0 {
		if _, err := strconv.Atoi(stem[i+1:]); err != nil {
			return time.Time{}, false
		}
		stem = stem[:i]
	}
	// Finished clips are named YYYYMMDD-HHMMSS; an 8-digit stem is not a
	// unix timestamp from this century.
	if len(stem) < 10 {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(stem, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}
