package buffer

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestRing(maxBytes int64) *PreEventRing {
	return NewPreEventRing(RingConfig{Duration: 5 * time.Second, MaxBytes: maxBytes}, NewBytePool(0))
}

func write(t *testing.T, r *PreEventRing, data string, typ FrameType, at time.Duration) {
	t.Helper()
	require.NoError(t, r.WriteFrame(Frame{Data: []byte(data), Type: typ, Timestamp: t0.Add(at)}))
}

func TestExtractStartsAtEarliestSPSHeader(t *testing.T) {
	r := newTestRing(1 << 20)

	write(t, r, "p1", FrameTypeFrame, 0)
	write(t, r, "p2", FrameTypeFrame, 10*time.Millisecond)
	write(t, r, "[SPS]", FrameTypeSPSHeader, 20*time.Millisecond)
	write(t, r, "[IDR]", FrameTypeKeyframe, 30*time.Millisecond)
	write(t, r, "p3", FrameTypeFrame, 40*time.Millisecond)
	write(t, r, "[SPS]", FrameTypeSPSHeader, 50*time.Millisecond)
	write(t, r, "p4", FrameTypeFrame, 60*time.Millisecond)

	got := r.Extract()
	assert.Equal(t, "[SPS][IDR]p3[SPS]p4", string(got))

	// Logically empty afterwards.
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, int64(0), r.Bytes())
	assert.Empty(t, r.Extract())
}

func TestExtractWithoutSPSReadsFromOldest(t *testing.T) {
	r := newTestRing(1 << 20)
	write(t, r, "a", FrameTypeFrame, 0)
	write(t, r, "b", FrameTypeKeyframe, time.Millisecond)
	write(t, r, "c", FrameTypeFrame, 2*time.Millisecond)

	assert.Equal(t, "abc", string(r.Extract()))
	assert.Equal(t, uint64(1), r.keyframeMiss.Load())
}

func TestExtractOnEmptyRing(t *testing.T) {
	r := newTestRing(1 << 20)
	assert.Empty(t, r.Extract())
	assert.Empty(t, r.Drain())
}

func TestDrainKeepsLeadingFrames(t *testing.T) {
	r := newTestRing(1 << 20)
	write(t, r, "tail1", FrameTypeFrame, 0)
	write(t, r, "[SPS]", FrameTypeSPSHeader, time.Millisecond)

	assert.Equal(t, "tail1[SPS]", string(r.Drain()))
	assert.Equal(t, 0, r.Len())
}

func TestWritesResumeAfterExtract(t *testing.T) {
	r := newTestRing(1 << 20)
	write(t, r, "[SPS]", FrameTypeSPSHeader, 0)
	write(t, r, "x", FrameTypeFrame, time.Millisecond)
	require.Equal(t, "[SPS]x", string(r.Extract()))

	write(t, r, "[SPS]", FrameTypeSPSHeader, 2*time.Millisecond)
	write(t, r, "y", FrameTypeFrame, 3*time.Millisecond)
	assert.Equal(t, "[SPS]y", string(r.Extract()))

	seqs := []uint64{}
	write(t, r, "z", FrameTypeFrame, 4*time.Millisecond)
	for _, f := range r.Frames() {
		seqs = append(seqs, f.Sequence)
	}
	if diff := cmp.Diff([]uint64{5}, seqs); diff != "" {
		t.Fatalf("sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestEvictionByBytes(t *testing.T) {
	r := newTestRing(10)
	for i, s := range []string{"aaaa", "bbbb", "cccc", "dddd"} {
		write(t, r, s, FrameTypeFrame, time.Duration(i)*time.Millisecond)
		assert.LessOrEqual(t, r.Bytes(), int64(10))
	}
	assert.Equal(t, "ccccdddd", string(r.Drain()))
	assert.Equal(t, uint64(2), r.evictedFrames.Load())
}

func TestEvictionByDuration(t *testing.T) {
	r := newTestRing(1 << 20)
	write(t, r, "old", FrameTypeSPSHeader, 0)
	write(t, r, "mid", FrameTypeSPSHeader, 3*time.Second)
	write(t, r, "new", FrameTypeFrame, 6*time.Second)

	assert.Equal(t, 3*time.Second, r.Span())
	assert.Equal(t, "midnew", string(r.Extract()))
}

func TestExtractHoldsFramesUntilDrain(t *testing.T) {
	r := newTestRing(10)
	write(t, r, "[SPS]", FrameTypeSPSHeader, 0)
	require.Equal(t, "[SPS]", string(r.Extract()))
	assert.True(t, r.Holding())

	// Both bounds are exceeded while the split is pending.
	for i, s := range []string{"aaaa", "bbbb", "cccc", "dddd"} {
		write(t, r, s, FrameTypeFrame, time.Duration(i)*4*time.Second)
	}
	assert.Equal(t, 4, r.Len())
	assert.Zero(t, r.evictedFrames.Load())

	assert.Equal(t, "aaaabbbbccccdddd", string(r.Drain()))
	assert.False(t, r.Holding())

	for i, s := range []string{"eeee", "ffff", "gggg"} {
		write(t, r, s, FrameTypeFrame, 20*time.Second+time.Duration(i)*time.Millisecond)
	}
	assert.Equal(t, "ffffgggg", string(r.Drain()), "eviction resumes after the drain")
}

func TestReleaseTrimsHeldFrames(t *testing.T) {
	r := newTestRing(10)
	write(t, r, "[SPS]", FrameTypeSPSHeader, 0)
	_ = r.Extract()
	for i, s := range []string{"aaaa", "bbbb", "cccc", "dddd"} {
		write(t, r, s, FrameTypeFrame, time.Duration(i)*time.Millisecond)
	}

	r.Release()
	assert.False(t, r.Holding())
	assert.Equal(t, "ccccdddd", string(r.Drain()))

	r.Release() // no hold, no-op
	assert.Equal(t, 0, r.Len())
}

func TestNewestFrameAlwaysKept(t *testing.T) {
	r := newTestRing(2)
	write(t, r, "larger-than-budget", FrameTypeSPSHeader, 0)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, "larger-than-budget", string(r.Extract()))
}

func TestWriteFrameCopiesData(t *testing.T) {
	r := newTestRing(1 << 20)
	data := []byte("[SPS]")
	require.NoError(t, r.WriteFrame(Frame{Data: data, Type: FrameTypeSPSHeader}))
	copy(data, "XXXXX")
	assert.Equal(t, "[SPS]", string(r.Extract()))
}

func TestWriteFrameRejectsEmpty(t *testing.T) {
	r := newTestRing(1 << 20)
	assert.Error(t, r.WriteFrame(Frame{}))
}

type failingWriter struct {
	buf   bytes.Buffer
	limit int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.buf.Len()+len(p) > w.limit {
		return 0, errors.New("disk full")
	}
	return w.buf.Write(p)
}

func TestExtractToFailureResetsRing(t *testing.T) {
	r := newTestRing(1 << 20)
	write(t, r, "[SPS]", FrameTypeSPSHeader, 0)
	write(t, r, "abc", FrameTypeFrame, time.Millisecond)
	write(t, r, "def", FrameTypeFrame, 2*time.Millisecond)

	w := &failingWriter{limit: 8}
	n, err := r.ExtractTo(w, true)
	require.Error(t, err)
	assert.Equal(t, int64(8), n)
	assert.Equal(t, "[SPS]abc", w.buf.String())
	assert.Equal(t, 0, r.Len())
}

// cappedBuffer panics like bytes.Buffer does when it cannot grow.
type cappedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.Len()+len(p) > b.limit {
		panic(bytes.ErrTooLarge)
	}
	return b.Buffer.Write(p)
}

func TestExtractReturnsPartialWhenBufferCannotGrow(t *testing.T) {
	r := newTestRing(1 << 20)
	write(t, r, "[SPS]", FrameTypeSPSHeader, 0)
	write(t, r, "abc", FrameTypeFrame, time.Millisecond)
	write(t, r, "def", FrameTypeFrame, 2*time.Millisecond)

	got := r.extractInto(&cappedBuffer{limit: 10}, true)
	assert.Equal(t, "[SPS]abc", string(got))
	assert.Equal(t, uint64(1), r.extractErrors.Load())
	assert.Equal(t, 0, r.Len(), "ring reset despite the panic")
	assert.True(t, r.Holding())

	// The ring stays usable.
	write(t, r, "xyz", FrameTypeFrame, 3*time.Millisecond)
	assert.Equal(t, "xyz", string(r.Drain()))
}

func TestConcurrentWriteAndExtractNeverDuplicates(t *testing.T) {
	r := newTestRing(1 << 20)

	const frames = 2000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < frames; i++ {
			typ := FrameTypeFrame
			if i%10 == 0 {
				typ = FrameTypeSPSHeader
			}
			_ = r.WriteFrame(Frame{Data: []byte{byte(i), byte(i >> 8)}, Type: typ, Timestamp: t0})
		}
	}()

	var out []byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			out = append(out, r.Drain()...)
		}
	}()
	wg.Wait()
	<-done
	out = append(out, r.Drain()...)

	// Drain never skips, so every frame appears exactly once and in order.
	require.Len(t, out, frames*2)
	for i := 0; i < frames; i++ {
		assert.Equal(t, byte(i), out[2*i])
		assert.Equal(t, byte(i>>8), out[2*i+1])
	}
}

func TestRingMetrics(t *testing.T) {
	r := newTestRing(1 << 20)
	write(t, r, "[SPS]", FrameTypeSPSHeader, 0)
	_ = r.Extract()

	m := r.Metrics()
	assert.Equal(t, uint64(1), m["total_writes"])
	assert.Equal(t, uint64(1), m["extractions"])
	assert.Equal(t, 0, m["retained_frames"])
}

func TestBytePoolReuse(t *testing.T) {
	p := NewBytePool(1024)

	b := p.Get(100)
	assert.Len(t, b, 100)
	assert.Equal(t, 128, cap(b))
	p.Put(b)

	big := p.Get(4096)
	assert.Len(t, big, 4096)
	p.Put(big) // ignored, above the limit

	assert.Nil(t, p.Get(0))
	m := p.Metrics()
	assert.Equal(t, uint64(1), m["misses"])
	assert.Equal(t, uint64(1), m["hits"])
}

func TestRoundUpPowerOf2(t *testing.T) {
	for in, want := range map[int]int{0: 1, 1: 1, 2: 2, 3: 4, 100: 128, 1024: 1024, 1025: 2048} {
		assert.Equal(t, want, roundUpPowerOf2(in), "n=%d", in)
	}
}
