package camera

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/motioncam/internal/motion"
	"github.com/mikeyg42/motioncam/internal/recorder/buffer"
	"github.com/mikeyg42/motioncam/internal/recorder/recorderlog"
)

var (
	spsUnit  = []byte{0, 0, 0, 1, 0x67, 0x64, 0x00, 0x28}
	ppsUnit  = []byte{0, 0, 0, 1, 0x68, 0xee, 0x3c, 0x80}
	idrUnit  = []byte{0, 0, 0, 1, 0x65, 0x88, 0x84, 0x00, 0x33}
	pUnit    = []byte{0, 0, 1, 0x41, 0x9a, 0x02}
	pUnit2   = []byte{0, 0, 1, 0x41, 0x9a, 0x04, 0x10}
	junkHead = []byte{0xde, 0xad}
)

func concat(units ...[]byte) []byte {
	var out []byte
	for _, u := range units {
		out = append(out, u...)
	}
	return out
}

func scanAll(t *testing.T, data []byte) [][]byte {
	t.Helper()
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Split(ScanNALUnits)
	var units [][]byte
	for sc.Scan() {
		units = append(units, append([]byte(nil), sc.Bytes()...))
	}
	require.NoError(t, sc.Err())
	return units
}

func TestScanNALUnits(t *testing.T) {
	units := [][]byte{spsUnit, ppsUnit, idrUnit, pUnit, pUnit2}
	got := scanAll(t, concat(units...))
	assert.Equal(t, units, got)
}

func TestScanNALUnitsLeadingBytes(t *testing.T) {
	got := scanAll(t, concat(junkHead, spsUnit, pUnit))
	assert.Equal(t, [][]byte{junkHead, spsUnit, pUnit}, got)
}

func TestScanNALUnitsSmallReads(t *testing.T) {
	stream := concat(spsUnit, ppsUnit, idrUnit, pUnit, pUnit2, spsUnit)
	sc := bufio.NewScanner(&oneByteReader{r: bytes.NewReader(stream)})
	sc.Split(ScanNALUnits)
	var out []byte
	n := 0
	for sc.Scan() {
		out = append(out, sc.Bytes()...)
		n++
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, 6, n)
	assert.Equal(t, stream, out)
}

type oneByteReader struct{ r io.Reader }

func (o *oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func TestClassifyNAL(t *testing.T) {
	testCases := []struct {
		name string
		unit []byte
		want buffer.FrameType
		typ  int
	}{
		{"SPS", spsUnit, buffer.FrameTypeSPSHeader, 7},
		{"PPS", ppsUnit, buffer.FrameTypeFrame, 8},
		{"IDR", idrUnit, buffer.FrameTypeKeyframe, 5},
		{"Slice", pUnit, buffer.FrameTypeFrame, 1},
		{"No start code", junkHead, buffer.FrameTypeFrame, -1},
		{"Bare start code", []byte{0, 0, 1}, buffer.FrameTypeFrame, -1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.typ, NALType(tc.unit))
			assert.Equal(t, tc.want, ClassifyNAL(tc.unit))
		})
	}
}

func vectorFrame(cols, rows int, moving int) []byte {
	raw := make([]byte, cols*rows*vectorRecordSize)
	for i := 0; i < moving; i++ {
		raw[i*vectorRecordSize] = 8
		raw[i*vectorRecordSize+1] = 0xff // -1
		raw[i*vectorRecordSize+2] = 0x34 // sad, ignored
	}
	return raw
}

func TestVectorReader(t *testing.T) {
	cols, rows := motion.GridSize(160, 120)
	stream := append(vectorFrame(cols, rows, 3), vectorFrame(cols, rows, 0)...)
	stream = append(stream, 1, 2, 3) // truncated third frame

	vr := NewVectorReader(bytes.NewReader(stream), 160, 120)

	f, err := vr.Next()
	require.NoError(t, err)
	assert.Equal(t, cols, f.Cols)
	assert.Equal(t, rows, f.Rows)
	assert.Len(t, f.X, cols*rows)
	assert.Equal(t, []int8{8, 8, 8, 0}, f.X[:4])
	assert.Equal(t, []int8{-1, -1, -1, 0}, f.Y[:4])

	f, err = vr.Next()
	require.NoError(t, err)
	assert.Equal(t, int8(0), f.X[0])

	_, err = vr.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

type collectSink struct {
	mu     sync.Mutex
	frames []buffer.Frame
}

func (s *collectSink) WriteFrame(f buffer.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.Data = append([]byte(nil), f.Data...)
	s.frames = append(s.frames, f)
	return nil
}

func (s *collectSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, f := range s.frames {
		out = append(out, f.Data...)
	}
	return out
}

type analyserFunc func(motion.Frame)

func (f analyserFunc) Analyse(fr motion.Frame) { f(fr) }

type pipes struct {
	videoW, motionW *io.PipeWriter
}

func startTestCamera(t *testing.T, cfg StreamConfig, sink buffer.Sink, a motion.Analyser) (*StreamCamera, pipes) {
	t.Helper()
	vr, vw := io.Pipe()
	mr, mw := io.Pipe()
	if cfg.Width == 0 {
		cfg.Width, cfg.Height = 160, 120
	}
	cam, err := NewStreamCamera(cfg, vr, mr, recorderlog.Nop())
	require.NoError(t, err)
	if a == nil {
		a = analyserFunc(func(motion.Frame) {})
	}
	require.NoError(t, cam.Start(context.Background(), sink, a))
	t.Cleanup(func() { _ = cam.Close() })
	return cam, pipes{videoW: vw, motionW: mw}
}

func waitPending(t *testing.T, cam *StreamCamera) {
	t.Helper()
	require.Eventually(t, func() bool {
		cam.mu.Lock()
		defer cam.mu.Unlock()
		return cam.pending != nil
	}, time.Second, time.Millisecond)
}

func TestStreamCameraSplitsAtSPS(t *testing.T) {
	ring := &collectSink{}
	cam, p := startTestCamera(t, StreamConfig{}, ring, nil)

	_, err := p.videoW.Write(concat(spsUnit, ppsUnit, idrUnit, pUnit))
	require.NoError(t, err)
	// pUnit stays buffered until the next start code arrives.
	require.Eventually(t, func() bool {
		return bytes.Equal(ring.bytes(), concat(spsUnit, ppsUnit, idrUnit))
	}, time.Second, time.Millisecond)

	file := &collectSink{}
	splitErr := make(chan error, 1)
	go func() { splitErr <- cam.Split(context.Background(), file) }()
	waitPending(t, cam)

	_, err = p.videoW.Write(concat(pUnit2, spsUnit, idrUnit))
	require.NoError(t, err)
	require.NoError(t, p.videoW.Close())

	select {
	case err := <-splitErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("split never applied")
	}

	// Nothing lost, nothing duplicated, new sink starts with an SPS.
	require.Eventually(t, func() bool { return len(file.bytes()) == len(spsUnit)+len(idrUnit) }, time.Second, time.Millisecond)
	assert.Equal(t, concat(spsUnit, ppsUnit, idrUnit, pUnit, pUnit2), ring.bytes())
	assert.Equal(t, concat(spsUnit, idrUnit), file.bytes())
	assert.Equal(t, buffer.FrameTypeSPSHeader, file.frames[0].Type)
	assert.Equal(t, buffer.FrameTypeKeyframe, file.frames[1].Type)

	// End of stream surfaces through Wait.
	err = cam.Wait(context.Background(), time.Second)
	assert.ErrorIs(t, err, io.EOF)
	assert.Error(t, cam.Split(context.Background(), ring))
}

func TestStreamCameraForcesSplitAfterTimeout(t *testing.T) {
	ring := &collectSink{}
	cam, p := startTestCamera(t, StreamConfig{SplitTimeout: time.Millisecond}, ring, nil)

	file := &collectSink{}
	splitErr := make(chan error, 1)
	go func() { splitErr <- cam.Split(context.Background(), file) }()
	waitPending(t, cam)
	time.Sleep(5 * time.Millisecond)

	_, err := p.videoW.Write(concat(pUnit, pUnit2))
	require.NoError(t, err)

	select {
	case err := <-splitErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("split never forced")
	}
	assert.Equal(t, uint64(1), cam.stats.ForcedSplits.Load())
	require.Eventually(t, func() bool { return bytes.Equal(file.bytes(), pUnit) }, time.Second, time.Millisecond)
	assert.Empty(t, ring.bytes())
}

// numberedUnit is a P slice tagged with n so every unit in a stream is unique.
func numberedUnit(n int) []byte {
	return []byte{0, 0, 0, 1, 0x41, 0x80 | byte(n>>7), 0x80 | byte(n&0x7f)}
}

func TestStreamCameraSplitLosesNothingAtSeam(t *testing.T) {
	// A ring far smaller than the lag between Extract and the next SPS.
	ring := buffer.NewPreEventRing(buffer.RingConfig{Duration: 50 * time.Millisecond, MaxBytes: 64}, nil)
	cam, p := startTestCamera(t, StreamConfig{}, ring, nil)

	var fed bytes.Buffer
	feed := func(units ...[]byte) {
		for _, u := range units {
			_, err := p.videoW.Write(u)
			require.NoError(t, err)
			fed.Write(u)
		}
	}

	feed(spsUnit, idrUnit)
	for n := 1; n <= 5; n++ {
		feed(numberedUnit(n))
	}
	// The fifth unit stays in the scanner until the next start code.
	require.Eventually(t, func() bool {
		return ring.Metrics()["total_writes"] == uint64(6)
	}, time.Second, time.Millisecond)
	pre := ring.Extract()

	file := &collectSink{}
	splitErr := make(chan error, 1)
	go func() { splitErr <- cam.Split(context.Background(), file) }()
	waitPending(t, cam)

	for n := 6; n <= 45; n++ {
		feed(numberedUnit(n))
		time.Sleep(5 * time.Millisecond)
	}
	feed(spsUnit, idrUnit, numberedUnit(46))
	require.NoError(t, p.videoW.Close())

	select {
	case err := <-splitErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("split never applied")
	}
	seam := ring.Drain()

	select {
	case <-cam.Done():
	case <-time.After(time.Second):
		t.Fatal("video reader did not finish")
	}

	assert.True(t, bytes.HasPrefix(file.bytes(), spsUnit))
	assert.Equal(t, uint64(0), ring.Metrics()["evicted_frames"])
	assert.Equal(t, fed.Bytes(), concat(pre, seam, file.bytes()))
}

func TestStreamCameraSplitHonoursContext(t *testing.T) {
	cam, _ := startTestCamera(t, StreamConfig{}, &collectSink{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := cam.Split(ctx, &collectSink{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cam.mu.Lock()
	assert.Nil(t, cam.pending)
	cam.mu.Unlock()
}

func TestStreamCameraDeliversMotionFrames(t *testing.T) {
	got := make(chan motion.Frame, 1)
	cam, p := startTestCamera(t, StreamConfig{}, &collectSink{}, analyserFunc(func(f motion.Frame) {
		got <- motion.Frame{Cols: f.Cols, Rows: f.Rows, X: append([]int8(nil), f.X...), Y: append([]int8(nil), f.Y...)}
	}))

	cols, rows := motion.GridSize(160, 120)
	go func() { _, _ = p.motionW.Write(vectorFrame(cols, rows, 15)) }()

	select {
	case f := <-got:
		assert.Equal(t, cols*rows, len(f.X))
		assert.Equal(t, int8(8), f.X[14])
		assert.Equal(t, int8(0), f.X[15])
	case <-time.After(time.Second):
		t.Fatal("no motion frame delivered")
	}
	assert.NoError(t, cam.Wait(context.Background(), time.Millisecond))
}

func TestStreamCameraLifecycle(t *testing.T) {
	vr, _ := io.Pipe()
	mr, _ := io.Pipe()
	dir := t.TempDir()
	cam, err := NewStreamCamera(StreamConfig{
		Width: 160, Height: 120,
		AnnotationFile: filepath.Join(dir, "annotate.txt"),
	}, vr, mr, recorderlog.Nop())
	require.NoError(t, err)

	assert.ErrorIs(t, cam.Split(context.Background(), &collectSink{}), ErrNotStarted)
	assert.ErrorIs(t, cam.Wait(context.Background(), time.Millisecond), ErrNotStarted)

	require.NoError(t, cam.Annotate("20240601-120000"))
	assert.Equal(t, "20240601-120000", cam.Annotation())
	data, err := os.ReadFile(filepath.Join(dir, "annotate.txt"))
	require.NoError(t, err)
	assert.Equal(t, "20240601-120000", string(data))

	require.NoError(t, cam.Close())
	require.NoError(t, cam.Close())
	assert.ErrorIs(t, cam.Start(context.Background(), &collectSink{}, analyserFunc(func(motion.Frame) {})), ErrCameraClosed)
	assert.ErrorIs(t, cam.Annotate(""), ErrCameraClosed)
}

func TestNewStreamCameraValidates(t *testing.T) {
	_, err := NewStreamCamera(StreamConfig{Width: 160, Height: 120}, nil, bytes.NewReader(nil), nil)
	assert.Error(t, err)
	_, err = NewStreamCamera(StreamConfig{}, bytes.NewReader(nil), bytes.NewReader(nil), nil)
	assert.Error(t, err)
}
