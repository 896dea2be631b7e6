package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/motioncam/internal/recorder/recorderlog"
)

var writtenAt = time.Date(2024, 6, 1, 12, 0, 5, 0, time.Local)

func newTestWriter(t *testing.T, q *ClipQueue, pubs ...Publisher) (*ClipWriter, string) {
	t.Helper()
	dir := t.TempDir()
	w := NewClipWriter(q, dir, recorderlog.Nop(), pubs...)
	w.now = func() time.Time { return writtenAt }
	require.NoError(t, w.Initialize())
	return w, dir
}

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestWriteClipConcatenatesPreAndPost(t *testing.T) {
	w, outDir := newTestWriter(t, NewClipQueue())
	tmp := writeTemp(t, t.TempDir(), "1717243200.h264", "DEF")

	clip, err := w.WriteClip(context.Background(), ClipDescriptor{
		ID:            "clip-1",
		PreEvent:      []byte("ABC"),
		PostEventPath: tmp,
	})
	require.NoError(t, err)

	got, err := os.ReadFile(clip.Path)
	require.NoError(t, err)
	assert.Equal(t, "ABCDEF", string(got))
	assert.NoFileExists(t, tmp)

	assert.Equal(t, filepath.Join(outDir, "20240601-120005.h264"), clip.Path)
	assert.Equal(t, "20240601-120005.h264", clip.Name())
	assert.Equal(t, int64(6), clip.Size)
	assert.Equal(t, int64(3), clip.PreEventBytes)
	assert.Equal(t, int64(3), clip.PostEventBytes)
	assert.Equal(t, sha("ABCDEF"), clip.Checksum)
	assert.Equal(t, writtenAt, clip.WrittenAt)
}

func TestWriteClipNameCollision(t *testing.T) {
	w, outDir := newTestWriter(t, NewClipQueue())

	for i, want := range []string{"20240601-120005.h264", "20240601-120005-1.h264", "20240601-120005-2.h264"} {
		clip, err := w.WriteClip(context.Background(), ClipDescriptor{PreEvent: []byte{byte('a' + i)}})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(outDir, want), clip.Path)
	}
}

func TestWriteClipWithoutPostFile(t *testing.T) {
	w, _ := newTestWriter(t, NewClipQueue())

	clip, err := w.WriteClip(context.Background(), ClipDescriptor{PreEvent: []byte("ABC")})
	require.NoError(t, err)
	got, err := os.ReadFile(clip.Path)
	require.NoError(t, err)
	assert.Equal(t, "ABC", string(got))
	assert.Equal(t, int64(0), clip.PostEventBytes)
}

func TestWriteClipMissingPostFileLeavesNoOutput(t *testing.T) {
	w, outDir := newTestWriter(t, NewClipQueue())

	_, err := w.WriteClip(context.Background(), ClipDescriptor{
		PreEvent:      []byte("ABC"),
		PostEventPath: filepath.Join(t.TempDir(), "missing.h264"),
	})
	require.Error(t, err)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, uint64(1), w.metrics.ClipsFailed.Load())
}

func TestWriteClipCancelledKeepsTempFile(t *testing.T) {
	w, _ := newTestWriter(t, NewClipQueue())
	tmp := writeTemp(t, t.TempDir(), "1717243200.h264", "DEF")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.WriteClip(ctx, ClipDescriptor{PreEvent: []byte("ABC"), PostEventPath: tmp})
	require.ErrorIs(t, err, context.Canceled)
	assert.FileExists(t, tmp)
}

type recordingPublisher struct {
	mu    sync.Mutex
	clips []SavedClip
	err   error
}

func (p *recordingPublisher) Publish(_ context.Context, clip SavedClip) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clips = append(p.clips, clip)
	return p.err
}

func TestRunWritesInQueueOrder(t *testing.T) {
	q := NewClipQueue()
	pub := &recordingPublisher{}
	failing := &recordingPublisher{err: errors.New("broker down")}
	w, outDir := newTestWriter(t, q, failing, pub)

	tmpDir := t.TempDir()
	for i, body := range []string{"first", "second", "third"} {
		require.NoError(t, q.Push(ClipDescriptor{
			ID:            body,
			PreEvent:      []byte{byte('0' + i)},
			PostEventPath: writeTemp(t, tmpDir, body+".h264", body),
		}))
	}
	q.Close()

	require.NoError(t, w.Run(context.Background()))

	require.Len(t, pub.clips, 3)
	for i, name := range []string{"20240601-120005.h264", "20240601-120005-1.h264", "20240601-120005-2.h264"} {
		assert.Equal(t, filepath.Join(outDir, name), pub.clips[i].Path)
	}
	got, err := os.ReadFile(filepath.Join(outDir, "20240601-120005-1.h264"))
	require.NoError(t, err)
	assert.Equal(t, "1second", string(got))

	assert.Len(t, failing.clips, 3)
	m := w.GetMetrics()
	assert.Equal(t, uint64(3), m["clips_written"])
	assert.Equal(t, uint64(3), m["publish_failures"])
}

func TestRunSkipsFailedClip(t *testing.T) {
	q := NewClipQueue()
	pub := &recordingPublisher{}
	w, _ := newTestWriter(t, q, pub)

	require.NoError(t, q.Push(ClipDescriptor{ID: "broken", PostEventPath: filepath.Join(t.TempDir(), "gone.h264")}))
	require.NoError(t, q.Push(ClipDescriptor{ID: "ok", PreEvent: []byte("x")}))
	q.Close()

	require.NoError(t, w.Run(context.Background()))
	require.Len(t, pub.clips, 1)
	assert.Equal(t, "ok", pub.clips[0].ID)
}
