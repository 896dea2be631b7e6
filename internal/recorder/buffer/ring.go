package buffer

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/motioncam/internal/recorder/recorderlog"
)

const (
	// DefaultPreEventDuration is how much video the ring keeps.
	DefaultPreEventDuration = 5 * time.Second
	// DefaultBitrate is the encoder bitrate used to size the byte budget.
	DefaultBitrate = 17_000_000
)

// RingConfig configures a PreEventRing.
type RingConfig struct {
	// Duration bounds the retained span by frame timestamp.
	Duration time.Duration
	// MaxBytes bounds retained payload. Zero derives it from Bitrate.
	MaxBytes int64
	// Bitrate in bits per second, used when MaxBytes is zero.
	Bitrate int
}

// PreEventRing keeps the most recent encoded video in memory.
// Semantics:
//   - WriteFrame appends the newest frame; oldest frames are dropped once the
//     retained span exceeds Duration or the payload exceeds MaxBytes.
//   - Extract returns everything from the earliest retained SPS header to the
//     write position and empties the ring.
//   - Drain returns everything retained and empties the ring.
//   - Between Extract and the next Drain (or Release) nothing is evicted, so
//     frames written while a split is pending are never dropped.
//
// Writers and extractors share one mutex, so an extraction never interleaves
// with a write and the lock is held for time proportional to the buffer size.
type PreEventRing struct {
	frames []Frame
	head   int // index of the oldest retained frame
	bytes  int64
	// holding suspends eviction after Extract until Drain or Release.
	holding bool

	duration time.Duration
	maxBytes int64

	mu     sync.Mutex
	pool   *BytePool
	logger recorderlog.Logger

	sequence atomic.Uint64

	// Metrics
	totalWrites   atomic.Uint64
	totalBytes    atomic.Uint64
	evictedFrames atomic.Uint64
	extractions   atomic.Uint64
	keyframeMiss  atomic.Uint64
	extractErrors atomic.Uint64
}

// NewPreEventRing creates an empty ring.
func NewPreEventRing(cfg RingConfig, pool *BytePool) *PreEventRing {
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultPreEventDuration
	}
	if cfg.Bitrate <= 0 {
		cfg.Bitrate = DefaultBitrate
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = int64(cfg.Bitrate) / 8 * int64(cfg.Duration/time.Second)
		if cfg.MaxBytes <= 0 {
			cfg.MaxBytes = int64(cfg.Bitrate) / 8
		}
	}
	if pool == nil {
		pool = NewBytePool(DefaultMaxPooledSize)
	}
	return &PreEventRing{
		frames:   make([]Frame, 0, 256),
		duration: cfg.Duration,
		maxBytes: cfg.MaxBytes,
		pool:     pool,
		logger:   recorderlog.L().Named("pre-event-ring"),
	}
}

// SetLogger replaces the ring's logger.
func (r *PreEventRing) SetLogger(l recorderlog.Logger) {
	if l != nil {
		r.logger = l
	}
}

// WriteFrame copies f into the ring. The caller may reuse f.Data afterwards.
func (r *PreEventRing) WriteFrame(f Frame) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("cannot write empty frame")
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}

	data := r.pool.Get(len(f.Data))
	copy(data, f.Data)
	f.Data = data

	r.mu.Lock()
	defer r.mu.Unlock()

	f.Sequence = r.sequence.Add(1)
	r.frames = append(r.frames, f)
	r.bytes += int64(len(data))
	if !r.holding {
		r.evictLocked(f.Timestamp)
	}

	r.totalWrites.Add(1)
	r.totalBytes.Add(uint64(len(data)))
	return nil
}

// evictLocked drops oldest frames until both bounds hold. The newest frame is
// always kept. Caller holds r.mu.
func (r *PreEventRing) evictLocked(newest time.Time) {
	cutoff := newest.Add(-r.duration)
	for len(r.frames)-r.head > 1 {
		oldest := &r.frames[r.head]
		if r.bytes <= r.maxBytes && !oldest.Timestamp.Before(cutoff) {
			break
		}
		r.bytes -= int64(len(oldest.Data))
		r.pool.Put(oldest.Data)
		*oldest = Frame{}
		r.head++
		r.evictedFrames.Add(1)
	}

	// Compact once the dead prefix dominates the slice.
	if r.head > 0 && r.head >= len(r.frames)/2 {
		n := copy(r.frames, r.frames[r.head:])
		for i := n; i < len(r.frames); i++ {
			r.frames[i] = Frame{}
		}
		r.frames = r.frames[:n]
		r.head = 0
	}
}

// Extract returns the retained stream starting at the earliest SPS header
// (or at the earliest retained frame when there is none) and empties the
// ring. A failure while copying is logged and the partial result returned.
func (r *PreEventRing) Extract() []byte {
	return r.extract(true)
}

// Drain returns every retained byte and empties the ring. It ends the hold
// started by Extract.
func (r *PreEventRing) Drain() []byte {
	return r.extract(false)
}

// Release ends the hold started by Extract without taking the retained
// frames, and trims the ring back to its bounds.
func (r *PreEventRing) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.holding {
		return
	}
	r.holding = false
	if n := len(r.frames); n > r.head {
		r.evictLocked(r.frames[n-1].Timestamp)
	}
}

// Holding reports whether eviction is suspended.
func (r *PreEventRing) Holding() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holding
}

// extractBuffer is the growable buffer extract copies into.
type extractBuffer interface {
	io.Writer
	Bytes() []byte
	Len() int
}

func (r *PreEventRing) extract(seekKeyframe bool) []byte {
	return r.extractInto(new(bytes.Buffer), seekKeyframe)
}

func (r *PreEventRing) extractInto(buf extractBuffer, seekKeyframe bool) (out []byte) {
	defer func() {
		if p := recover(); p != nil {
			// bytes.Buffer panics with ErrTooLarge when it cannot grow.
			r.extractErrors.Add(1)
			r.logger.Error("Pre-event extraction aborted",
				recorderlog.Any("panic", p),
				recorderlog.Int("partial_bytes", buf.Len()))
			out = buf.Bytes()
		}
	}()

	n, err := r.ExtractTo(buf, seekKeyframe)
	if err != nil {
		r.logger.Error("Pre-event extraction incomplete",
			recorderlog.Int64("partial_bytes", n),
			recorderlog.Error(err))
	}
	return buf.Bytes()
}

// ExtractTo writes the retained stream to w and empties the ring. With
// seekKeyframe set, output starts at the earliest SPS header and eviction is
// held until Drain or Release; without it the hold ends. The ring is reset
// even when w fails part way.
func (r *PreEventRing) ExtractTo(w io.Writer, seekKeyframe bool) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() {
		r.resetLocked()
		r.holding = seekKeyframe
	}()

	r.extractions.Add(1)

	start := r.head
	if seekKeyframe {
		found := false
		for i := r.head; i < len(r.frames); i++ {
			if r.frames[i].Type == FrameTypeSPSHeader {
				start, found = i, true
				break
			}
		}
		if !found && len(r.frames) > r.head {
			r.keyframeMiss.Add(1)
			r.logger.Warn("No SPS header in pre-event buffer, extracting from oldest frame",
				recorderlog.Int("frames", len(r.frames)-r.head))
		}
	}

	if g, ok := w.(interface{ Grow(int) }); ok {
		var total int
		for i := start; i < len(r.frames); i++ {
			total += len(r.frames[i].Data)
		}
		g.Grow(total)
	}

	var written int64
	for i := start; i < len(r.frames); i++ {
		n, err := w.Write(r.frames[i].Data)
		written += int64(n)
		if err != nil {
			r.extractErrors.Add(1)
			return written, fmt.Errorf("write frame %d: %w", r.frames[i].Sequence, err)
		}
		if n != len(r.frames[i].Data) {
			r.extractErrors.Add(1)
			return written, fmt.Errorf("write frame %d: %w", r.frames[i].Sequence, io.ErrShortWrite)
		}
	}
	return written, nil
}

// Reset empties the ring.
func (r *PreEventRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

func (r *PreEventRing) resetLocked() {
	for i := r.head; i < len(r.frames); i++ {
		r.pool.Put(r.frames[i].Data)
		r.frames[i] = Frame{}
	}
	r.frames = r.frames[:0]
	r.head = 0
	r.bytes = 0
}

// Len returns the number of retained frames.
func (r *PreEventRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames) - r.head
}

// Bytes returns the retained payload size.
func (r *PreEventRing) Bytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// Span returns the time covered by retained frames.
func (r *PreEventRing) Span() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames)-r.head < 2 {
		return 0
	}
	return r.frames[len(r.frames)-1].Timestamp.Sub(r.frames[r.head].Timestamp)
}

// Frames returns a copy of the retained frame metadata from oldest to newest.
// Data is not included.
func (r *PreEventRing) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Frame, 0, len(r.frames)-r.head)
	for _, f := range r.frames[r.head:] {
		out = append(out, Frame{Type: f.Type, Timestamp: f.Timestamp, Sequence: f.Sequence})
	}
	return out
}

// Metrics returns ring statistics
func (r *PreEventRing) Metrics() map[string]interface{} {
	r.mu.Lock()
	retained := len(r.frames) - r.head
	retainedBytes := r.bytes
	holding := r.holding
	r.mu.Unlock()

	return map[string]interface{}{
		"retained_frames": retained,
		"retained_bytes":  retainedBytes,
		"max_bytes":       r.maxBytes,
		"holding":         holding,
		"total_writes":    r.totalWrites.Load(),
		"total_bytes":     r.totalBytes.Load(),
		"evicted_frames":  r.evictedFrames.Load(),
		"extractions":     r.extractions.Load(),
		"keyframe_misses": r.keyframeMiss.Load(),
		"extract_errors":  r.extractErrors.Load(),
	}
}
